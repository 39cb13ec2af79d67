package reminder

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// ErrUnparseable is returned when an expression holds no usable date or time.
var ErrUnparseable = errors.New("unparseable temporal expression")

// DefaultReminderHour is used when an expression names a day but no time.
const DefaultReminderHour = 9

// ParsedTime is the normalized form of a temporal expression.
type ParsedTime struct {
	At        time.Time
	HasDate   bool // an explicit day anchor was present
	HasClock  bool // an explicit time of day or offset was present
	Ambiguous bool // the hour could be a.m. or p.m., or no time was given
	Past      bool // the anchored time is not in the future
}

// DateParser resolves a temporal expression against a reference time.
type DateParser interface {
	ParseDateTime(expr string, ref time.Time, loc *time.Location) (ParsedTime, error)
}

// SpanishParser understands the everyday Spanish expressions users dictate to the device.
type SpanishParser struct {
	defaultHour int
}

// ParserOption configures a SpanishParser.
type ParserOption func(*SpanishParser)

// WithDefaultHour sets the hour used for day-only expressions.
func WithDefaultHour(hour int) ParserOption {
	return func(p *SpanishParser) {
		if hour >= 0 && hour <= 23 {
			p.defaultHour = hour
		}
	}
}

// NewSpanishParser creates a parser with the given options.
func NewSpanishParser(opts ...ParserOption) *SpanishParser {
	p := &SpanishParser{defaultHour: DefaultReminderHour}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ DateParser = (*SpanishParser)(nil)

var (
	hourWords = map[string]int{
		"una": 1, "dos": 2, "tres": 3, "cuatro": 4, "cinco": 5, "seis": 6,
		"siete": 7, "ocho": 8, "nueve": 9, "diez": 10, "once": 11, "doce": 12,
	}
	countWords = map[string]int{
		"un": 1, "una": 1, "dos": 2, "tres": 3, "cuatro": 4, "cinco": 5, "diez": 10,
		"quince": 15, "veinte": 20, "treinta": 30, "cuarenta": 40,
	}
	months = map[string]time.Month{
		"enero": time.January, "febrero": time.February, "marzo": time.March, "abril": time.April,
		"mayo": time.May, "junio": time.June, "julio": time.July, "agosto": time.August,
		"septiembre": time.September, "setiembre": time.September, "octubre": time.October,
		"noviembre": time.November, "diciembre": time.December,
	}
	weekdays = map[string]time.Weekday{
		"domingo": time.Sunday, "lunes": time.Monday, "martes": time.Tuesday, "miercoles": time.Wednesday,
		"jueves": time.Thursday, "viernes": time.Friday, "sabado": time.Saturday,
	}

	clockDigitsRe = regexp.MustCompile(`(\d{1,2})(?:[:.](\d{2}))?`)
	relativeRe    = regexp.MustCompile(`(\d+|un|una|media|dos|tres|cuatro|cinco|diez|quince|veinte|treinta|cuarenta) (minutos?|mins?|horas?)`)
	monthDateRe   = regexp.MustCompile(`(\d{1,2}) de (` + reMonths + `)(?: del? (\d{4}))?`)
	slashDateRe   = regexp.MustCompile(`(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?`)
	meridiemRe    = regexp.MustCompile(`(?:^|[\s\d])([ap]) ?m(?:\s|$)`)
)

// meridiem is an a.m./p.m. hint.
type meridiem int

const (
	meridiemNone meridiem = iota
	meridiemAM
	meridiemPM
)

// clockTime is a time of day before it is placed on a calendar day.
type clockTime struct {
	hour, minute int
	hint         meridiem
	exact        bool // noon, midnight or a 24h hour
}

// dayAnchor is a calendar day relative to the reference.
type dayAnchor struct {
	date     time.Time // midnight in loc
	explicit bool      // year given or ISO date; may lie in the past
	hint     meridiem
}

// ParseDateTime resolves expr, which may combine a day, a period and a clock time.
func (p *SpanishParser) ParseDateTime(expr string, ref time.Time, loc *time.Location) (ParsedTime, error) {
	if loc == nil {
		loc = time.UTC
	}
	ref = ref.In(loc)
	spans := scanTemporal(expr)

	var (
		day      *dayAnchor
		clock    *clockTime
		relative time.Duration
		hint     meridiem
		isoTime  *time.Time
	)
	for _, s := range spans {
		switch s.kind {
		case kindRelative:
			if relative == 0 && clock == nil {
				d, err := parseRelative(s.text)
				if err != nil {
					return ParsedTime{}, err
				}
				relative = d
			}
		case kindClock:
			if clock == nil && relative == 0 {
				c, err := parseClock(s.text)
				if err != nil {
					return ParsedTime{}, err
				}
				clock = &c
			}
		case kindDay, kindDate:
			if day != nil {
				continue
			}
			if s.kind == kindDate && strings.Contains(s.text, "-") {
				t, err := dateparse.ParseIn(s.text, loc)
				if err != nil {
					return ParsedTime{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
				}
				if strings.ContainsAny(s.text, ":") {
					isoTime = &t
				}
				day = &dayAnchor{date: midnight(t), explicit: true}
				continue
			}
			d, err := parseDay(s.text, ref)
			if err != nil {
				return ParsedTime{}, err
			}
			day = &d
		case kindPeriod:
			if hint == meridiemNone {
				hint = periodHint(textnorm.Normalize(s.text))
			}
		}
	}

	switch {
	case isoTime != nil:
		return ParsedTime{At: *isoTime, HasDate: true, HasClock: true, Past: !isoTime.After(ref)}, nil
	case relative > 0:
		return ParsedTime{At: ref.Add(relative).Truncate(time.Minute), HasDate: day != nil, HasClock: true}, nil
	case clock == nil && day == nil:
		return p.parseFallback(expr, ref, loc)
	}

	if day != nil && hint == meridiemNone {
		hint = day.hint
	}
	if clock == nil {
		at := day.date.Add(time.Duration(p.defaultHour) * time.Hour)
		past := false
		if !at.After(ref) {
			if day.date.Equal(midnight(ref)) {
				at = ref.Truncate(time.Hour).Add(time.Hour)
			} else {
				past = true
			}
		}
		return ParsedTime{At: at, HasDate: true, Ambiguous: true, Past: past}, nil
	}
	if clock.hint == meridiemNone {
		clock.hint = hint
	}

	candidates, ambiguous := clock.candidates()
	if day == nil {
		today := midnight(ref)
		for _, offset := range []int{0, 1} {
			for _, c := range candidates {
				at := today.AddDate(0, 0, offset).Add(c)
				if at.After(ref) {
					return ParsedTime{At: at, HasClock: true, Ambiguous: ambiguous}, nil
				}
			}
		}
	}

	at := day.date.Add(candidates[0])
	for _, c := range candidates {
		if day.date.Add(c).After(ref) {
			at = day.date.Add(c)
			break
		}
	}
	return ParsedTime{At: at, HasDate: true, HasClock: true, Ambiguous: ambiguous, Past: !at.After(ref)}, nil
}

// parseFallback handles expressions the scanner did not recognize, such as entity spans
// in numeric formats.
func (p *SpanishParser) parseFallback(expr string, ref time.Time, loc *time.Location) (ParsedTime, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return ParsedTime{}, ErrUnparseable
	}
	t, err := dateparse.ParseIn(trimmed, loc)
	if err != nil {
		return ParsedTime{}, fmt.Errorf("%w: %q", ErrUnparseable, trimmed)
	}
	hasClock := t.Hour() != 0 || t.Minute() != 0
	if !hasClock {
		t = t.Add(time.Duration(p.defaultHour) * time.Hour)
	}
	return ParsedTime{At: t, HasDate: true, HasClock: hasClock, Ambiguous: !hasClock, Past: !t.After(ref)}, nil
}

// candidates returns the possible offsets from midnight, earliest first.
func (c clockTime) candidates() ([]time.Duration, bool) {
	at := func(h int) time.Duration {
		return time.Duration(h)*time.Hour + time.Duration(c.minute)*time.Minute
	}
	h := c.hour
	switch {
	case c.exact:
		return []time.Duration{at(h)}, false
	case c.hint == meridiemPM:
		if h < 12 {
			h += 12
		}
		return []time.Duration{at(h)}, false
	case c.hint == meridiemAM:
		if h == 12 {
			h = 0
		}
		return []time.Duration{at(h)}, false
	case h == 12:
		return []time.Duration{at(12), at(0) + 24*time.Hour}, true
	default:
		return []time.Duration{at(h), at(h + 12)}, true
	}
}

func parseClock(text string) (clockTime, error) {
	n := textnorm.Normalize(text)
	switch {
	case strings.Contains(n, "mediodia"):
		return clockTime{hour: 12, exact: true}, nil
	case strings.Contains(n, "medianoche"):
		return clockTime{hour: 24, exact: true}, nil
	}

	c := clockTime{hint: periodHint(n)}
	words := strings.Fields(n)
	if m := meridiemRe.FindStringSubmatch(n); m != nil {
		c.hint = meridiemAM
		if m[1] == "p" {
			c.hint = meridiemPM
		}
	}

	found := false
	for _, w := range words {
		if h, ok := hourWords[w]; ok {
			c.hour = h
			found = true
			break
		}
	}
	if !found {
		// Work on the raw text so "8:30" keeps its separator.
		m := clockDigitsRe.FindStringSubmatch(text)
		if m == nil {
			return clockTime{}, fmt.Errorf("%w: %q", ErrUnparseable, text)
		}
		c.hour, _ = strconv.Atoi(m[1])
		if m[2] != "" {
			c.minute, _ = strconv.Atoi(m[2])
		}
	}
	switch {
	case containsWord(words, "media"):
		c.minute = 30
	case containsWord(words, "cuarto"):
		c.minute = 15
	}

	if c.hour > 23 || c.minute > 59 {
		return clockTime{}, fmt.Errorf("%w: %q out of range", ErrUnparseable, text)
	}
	if c.hour == 0 || c.hour > 12 {
		c.exact = true
	}
	return c, nil
}

func parseRelative(text string) (time.Duration, error) {
	m := relativeRe.FindStringSubmatch(textnorm.Normalize(text))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, text)
	}
	unit := time.Minute
	if strings.HasPrefix(m[2], "hora") {
		unit = time.Hour
	}
	if m[1] == "media" {
		return unit / 2, nil
	}
	n, ok := countWords[m[1]]
	if !ok {
		var err error
		if n, err = strconv.Atoi(m[1]); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnparseable, text)
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnparseable, text)
	}
	return time.Duration(n) * unit, nil
}

func parseDay(text string, ref time.Time) (dayAnchor, error) {
	n := textnorm.Normalize(text)
	today := midnight(ref)

	switch {
	case n == "hoy":
		return dayAnchor{date: today}, nil
	case strings.HasPrefix(n, "pasado"):
		return dayAnchor{date: today.AddDate(0, 0, 2)}, nil
	case n == "manana":
		return dayAnchor{date: today.AddDate(0, 0, 1)}, nil
	case strings.HasPrefix(n, "esta "):
		return dayAnchor{date: today, hint: periodHint(n)}, nil
	}

	if m := monthDateRe.FindStringSubmatch(n); m != nil {
		dayNum, _ := strconv.Atoi(m[1])
		return calendarDay(ref, dayNum, months[m[2]], m[3])
	}
	if m := slashDateRe.FindStringSubmatch(text); m != nil {
		dayNum, _ := strconv.Atoi(m[1])
		monthNum, _ := strconv.Atoi(m[2])
		if monthNum < 1 || monthNum > 12 {
			return dayAnchor{}, fmt.Errorf("%w: %q", ErrUnparseable, text)
		}
		return calendarDay(ref, dayNum, time.Month(monthNum), m[3])
	}

	for _, w := range strings.Fields(n) {
		if wd, ok := weekdays[w]; ok {
			ahead := (int(wd) - int(ref.Weekday()) + 7) % 7
			if ahead == 0 {
				ahead = 7
			}
			return dayAnchor{date: today.AddDate(0, 0, ahead)}, nil
		}
	}
	return dayAnchor{}, fmt.Errorf("%w: %q", ErrUnparseable, text)
}

// calendarDay builds an anchor for a day/month pair. Without a year the next occurrence
// is used; with a year the date is taken literally and may be in the past.
func calendarDay(ref time.Time, dayNum int, month time.Month, yearText string) (dayAnchor, error) {
	year := ref.Year()
	explicit := yearText != ""
	if explicit {
		y, err := strconv.Atoi(yearText)
		if err != nil {
			return dayAnchor{}, fmt.Errorf("%w: year %q", ErrUnparseable, yearText)
		}
		if y < 100 {
			y += 2000
		}
		year = y
	}
	date := time.Date(year, month, dayNum, 0, 0, 0, 0, ref.Location())
	if date.Day() != dayNum {
		return dayAnchor{}, fmt.Errorf("%w: day %d of %s", ErrUnparseable, dayNum, month)
	}
	if !explicit && date.Before(midnight(ref)) {
		date = date.AddDate(1, 0, 0)
	}
	return dayAnchor{date: date, explicit: explicit}, nil
}

func periodHint(normalized string) meridiem {
	switch {
	case strings.Contains(normalized, "tarde"), strings.Contains(normalized, "noche"):
		return meridiemPM
	case strings.Contains(normalized, "manana"), strings.Contains(normalized, "madrugada"):
		return meridiemAM
	}
	return meridiemNone
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}
