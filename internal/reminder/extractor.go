// Package reminder turns free-text reminder requests into drafts with a title and a due time.
//
// Extraction is deterministic for a given reference time: the same text, entities and
// reference always produce the same Outcome.
package reminder

import (
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/BTreeMap/CareTriage/internal/models"
	"github.com/BTreeMap/CareTriage/internal/textnorm"
)

// DefaultConfidenceThreshold is the draft confidence below which callers must clarify.
const DefaultConfidenceThreshold = 0.6

// Status describes what extraction produced.
type Status string

const (
	StatusOK         Status = "ok"
	StatusNoTemporal Status = "no_temporal"
	StatusEmptyTitle Status = "empty_title"
)

// Flag explains a confidence penalty.
type Flag string

const (
	FlagAmbiguous Flag = "ambiguous"
	FlagPast      Flag = "past"
	FlagNoClock   Flag = "no_clock"
)

// Draft is a candidate reminder.
type Draft struct {
	Title                 string     `json:"title"`
	DueAt                 *time.Time `json:"due_at,omitempty"`
	Confidence            float64    `json:"confidence"`
	NeedsTimeConfirmation bool       `json:"needs_time_confirmation"`
	HasDate               bool       `json:"has_date,omitempty"`
	Flags                 []Flag     `json:"flags,omitempty"`
}

// HasFlag reports whether f was raised for the draft.
func (d *Draft) HasFlag(f Flag) bool {
	return d != nil && lo.Contains(d.Flags, f)
}

// Rescore recomputes Confidence and NeedsTimeConfirmation after the title or due time of a
// draft was changed by a follow-up message.
func Rescore(d *Draft) {
	if d == nil {
		return
	}
	parsed := d.DueAt != nil
	if !parsed {
		d.Flags = []Flag{FlagAmbiguous, FlagNoClock}
	}
	d.NeedsTimeConfirmation = len(d.Flags) > 0
	d.Confidence = factors{
		parsed:    parsed,
		clock:     parsed && !d.HasFlag(FlagNoClock),
		date:      parsed && d.HasDate,
		ambiguous: d.HasFlag(FlagAmbiguous),
		past:      d.HasFlag(FlagPast),
		words:     len(strings.Fields(d.Title)),
	}.score()
}

// Outcome is the result of Extract. Draft is nil when Status is StatusNoTemporal; in that
// case PartialTitle carries the title the text would yield so a follow-up can add the time.
type Outcome struct {
	Status       Status
	Draft        *Draft
	PartialTitle string
	Discarded    []string
}

// Extractor derives reminder drafts from text.
type Extractor struct {
	parser    DateParser
	loc       *time.Location
	threshold float64
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithLocation sets the time zone relative expressions are resolved in.
func WithLocation(loc *time.Location) ExtractorOption {
	return func(e *Extractor) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithThreshold sets the confidence threshold reported by Threshold.
func WithThreshold(threshold float64) ExtractorOption {
	return func(e *Extractor) { e.threshold = threshold }
}

// WithParser replaces the date parser.
func WithParser(p DateParser) ExtractorOption {
	return func(e *Extractor) { e.parser = p }
}

// NewExtractor creates an Extractor using the Spanish parser in UTC unless configured otherwise.
func NewExtractor(opts ...ExtractorOption) *Extractor {
	e := &Extractor{parser: NewSpanishParser(), loc: time.UTC, threshold: DefaultConfidenceThreshold}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the confidence below which a draft needs clarification.
func (e *Extractor) Threshold() float64 {
	return e.threshold
}

// Location returns the extractor's default time zone.
func (e *Extractor) Location() *time.Location {
	return e.loc
}

// Acceptable reports whether a draft can be offered for a plain yes/no confirmation.
func (e *Extractor) Acceptable(d *Draft) bool {
	return d != nil && d.DueAt != nil && !d.NeedsTimeConfirmation && d.Confidence >= e.threshold
}

// Extract parses text into a reminder draft. Entities with DATE/TIME labels are used as
// additional temporal spans; the built-in scanner covers the common expressions when the
// recognizer is unavailable.
func (e *Extractor) Extract(text string, entities []models.Entity, ref time.Time) Outcome {
	return e.ExtractIn(text, entities, ref, e.loc)
}

// ExtractIn is Extract with an explicit time zone, used for users with their own zone.
func (e *Extractor) ExtractIn(text string, entities []models.Entity, ref time.Time, loc *time.Location) Outcome {
	if loc == nil {
		loc = e.loc
	}
	spans := mergeSpans(scanTemporal(text), entitySpans(text, entities))
	title := cleanTitle(removeSpans(text, spans))

	if len(spans) == 0 {
		return Outcome{Status: StatusNoTemporal, PartialTitle: title}
	}

	parsed, chosen, discarded, ok := e.resolve(spans, ref, loc)
	if len(discarded) > 0 {
		slog.Debug("Extractor.Extract: discarded temporal expressions", "chosen", chosen, "discarded", discarded)
	}

	draft := &Draft{Title: title}
	if ok {
		at := parsed.At
		draft.DueAt = &at
		draft.HasDate = parsed.HasDate
		if parsed.Ambiguous {
			draft.Flags = append(draft.Flags, FlagAmbiguous)
		}
		if parsed.Past {
			draft.Flags = append(draft.Flags, FlagPast)
		}
		if !parsed.HasClock {
			draft.Flags = append(draft.Flags, FlagNoClock)
		}
	} else {
		draft.Flags = append(draft.Flags, FlagAmbiguous, FlagNoClock)
	}
	draft.NeedsTimeConfirmation = len(draft.Flags) > 0
	draft.Confidence = factors{
		parsed:    ok,
		clock:     ok && parsed.HasClock,
		date:      ok && parsed.HasDate,
		ambiguous: !ok || parsed.Ambiguous,
		past:      ok && parsed.Past,
		words:     len(strings.Fields(title)),
	}.score()

	if title == "" {
		return Outcome{Status: StatusEmptyTitle, Draft: draft, Discarded: discarded}
	}
	return Outcome{Status: StatusOK, Draft: draft, Discarded: discarded}
}

// resolve picks the temporal expression to use. Day anchors and periods are combined with
// each clock candidate in order; the first unambiguous result wins.
func (e *Extractor) resolve(spans []temporalSpan, ref time.Time, loc *time.Location) (ParsedTime, string, []string, bool) {
	var clocks, days, periods, others []temporalSpan
	for _, s := range spans {
		switch s.kind {
		case kindClock, kindRelative:
			clocks = append(clocks, s)
		case kindDay, kindDate:
			days = append(days, s)
		case kindPeriod:
			periods = append(periods, s)
		default:
			others = append(others, s)
		}
	}

	prefix := ""
	var discarded []string
	if len(days) > 0 {
		prefix = days[0].text
		discarded = append(discarded, lo.Map(days[1:], func(s temporalSpan, _ int) string { return s.text })...)
	}
	if len(periods) > 0 {
		prefix = strings.TrimSpace(prefix + " " + periods[0].text)
	}

	var (
		best      ParsedTime
		bestExpr  string
		bestClock string
		found     bool
	)
	for _, c := range clocks {
		expr := strings.TrimSpace(prefix + " " + c.text)
		p, err := e.parser.ParseDateTime(expr, ref, loc)
		if err != nil {
			discarded = append(discarded, c.text)
			continue
		}
		switch {
		case !found:
			best, bestExpr, bestClock, found = p, expr, c.text, true
		case best.Ambiguous && !p.Ambiguous:
			discarded = append(discarded, bestClock)
			best, bestExpr, bestClock = p, expr, c.text
		default:
			discarded = append(discarded, c.text)
		}
	}
	if !found && prefix != "" {
		if p, err := e.parser.ParseDateTime(prefix, ref, loc); err == nil {
			best, bestExpr, found = p, prefix, true
		}
	}
	for _, o := range others {
		if found {
			discarded = append(discarded, o.text)
			continue
		}
		if p, err := e.parser.ParseDateTime(o.text, ref, loc); err == nil {
			best, bestExpr, found = p, o.text, true
		} else {
			discarded = append(discarded, o.text)
		}
	}
	return best, bestExpr, lo.Uniq(discarded), found
}

// factors are the inputs of the confidence score.
type factors struct {
	parsed, clock, date, ambiguous, past bool
	words                                int
}

// score is a deterministic confidence in [0,1].
func (f factors) score() float64 {
	c := 0.5
	if f.clock {
		c += 0.25
	}
	if f.date {
		c += 0.10
	}
	switch {
	case f.words >= 3:
		c += 0.15
	case f.words == 2:
		c += 0.10
	case f.words == 1:
		c += 0.05
	}
	if f.ambiguous {
		c -= 0.30
	}
	if f.past {
		c -= 0.40
	}
	if !f.clock {
		c -= 0.15
	}
	c = math.Max(0, math.Min(1, c))
	return math.Round(c*100) / 100
}

var temporalLabels = map[string]bool{"DATE": true, "TIME": true, "FECHA": true, "HORA": true}

// entitySpans locates DATE/TIME entities in text, trusting the reported span only when it
// matches the entity text.
func entitySpans(text string, entities []models.Entity) []temporalSpan {
	var spans []temporalSpan
	for _, ent := range entities {
		if !temporalLabels[strings.ToUpper(ent.Label)] || strings.TrimSpace(ent.Text) == "" {
			continue
		}
		start, end := -1, -1
		if ent.Span != nil && ent.Span.Start >= 0 && ent.Span.End <= len(text) && ent.Span.Start < ent.Span.End &&
			strings.EqualFold(text[ent.Span.Start:ent.Span.End], ent.Text) {
			start, end = ent.Span.Start, ent.Span.End
		} else {
			start, end = indexFold(text, ent.Text)
		}
		if start < 0 || end > len(text) {
			continue
		}
		spans = append(spans, temporalSpan{start: start, end: end, kind: kindEntity, text: text[start:end]})
	}
	return spans
}

// indexFold finds needle in text ignoring case. Offsets refer to text itself: lower-casing
// can change the byte length of some runes, so the search never runs on a lowered copy.
func indexFold(text, needle string) (int, int) {
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(needle))
	if err != nil {
		return -1, -1
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		return -1, -1
	}
	return loc[0], loc[1]
}

// mergeSpans adds entity spans not already covered by scanned ones.
func mergeSpans(scanned, entities []temporalSpan) []temporalSpan {
	out := append([]temporalSpan{}, scanned...)
	for _, ent := range entities {
		if !overlapsAny(ent, out) {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func removeSpans(text string, spans []temporalSpan) string {
	if len(spans) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, s := range spans {
		if s.start < last {
			continue
		}
		b.WriteString(text[last:s.start])
		b.WriteString(" ")
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String()
}

var (
	triggerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(?:por\s+favor|porfa|porfis)\b`),
		regexp.MustCompile(`(?i)\b(?:quiero|necesito)\s+(?:que\s+me\s+recuerdes|un\s+recordatorio(?:\s+para)?|una\s+alarma(?:\s+para)?)`),
		regexp.MustCompile(`(?i)\b(?:me\s+)?(?:puedes|podr[ií]as)\s+(?:recordarme|recordar|avisarme)\b`),
		regexp.MustCompile(`(?i)\b(?:pon(?:me)?|crea(?:me)?|programa(?:me)?|haz(?:me)?|agenda(?:me)?)\s+(?:un\s+|una\s+)?(?:recordatorio|alarma|aviso)(?:\s+para)?`),
		regexp.MustCompile(`(?i)\bno\s+(?:me\s+dejes\s+olvidar|me\s+olvides|olvides|olvidar)\b`),
		regexp.MustCompile(`(?i)\bque\s+me\s+recuerdes\b`),
		regexp.MustCompile(`(?i)(?:^|\s)(?:recu[eé]rdame(?:lo)?|recordarme|acu[eé]rdame|av[ií]same|ap[uú]ntame|an[oó]tame|an[oó]ta|ap[uú]nta|recordatorio|alarma)(?:\s|$|[,.!?])`),
	}
	leadingFiller  = map[string]bool{"que": true, "de": true, "para": true, "a": true, "y": true, "e": true, "o": true, "en": true}
	trailingFiller = map[string]bool{"que": true, "de": true, "para": true, "a": true, "y": true, "en": true, "el": true, "la": true}
	emptyTitles    = map[string]bool{"lo": true, "la": true, "le": true, "me": true, "eso": true, "esto": true, "algo": true}
	spaceBeforeRe  = regexp.MustCompile(`\s+([,.;:!?])`)
)

// cleanTitle strips trigger phrases, filler connectors and punctuation from the remainder.
func cleanTitle(s string) string {
	for _, re := range triggerPatterns {
		s = re.ReplaceAllString(s, " ")
	}
	s = spaceBeforeRe.ReplaceAllString(textnorm.CollapseSpaces(s), "$1")

	words := strings.Fields(strings.Trim(s, " ¿?¡!.,;:"))
	for len(words) > 0 && leadingFiller[textnorm.Fold(strings.Trim(words[0], ",.;:"))] {
		words = words[1:]
	}
	for len(words) > 0 && trailingFiller[textnorm.Fold(strings.Trim(words[len(words)-1], ",.;:"))] {
		words = words[:len(words)-1]
	}
	title := strings.Trim(strings.Join(words, " "), " ¿?¡!.,;:")

	if lo.EveryBy(strings.Fields(textnorm.Normalize(title)), func(w string) bool { return emptyTitles[w] }) {
		return ""
	}
	return title
}
