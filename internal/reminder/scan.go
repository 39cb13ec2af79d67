package reminder

import (
	"regexp"
	"sort"
	"strings"
)

// spanKind classifies a temporal expression found in text.
type spanKind int

const (
	kindClock    spanKind = iota // "a las 8pm", "20:30", "al mediodía"
	kindRelative                 // "en 2 horas"
	kindDay                      // "mañana", "el lunes", "esta noche"
	kindDate                     // "15 de marzo", "15/03", "2025-03-15"
	kindPeriod                   // "por la tarde"
	kindEntity                   // recognizer span the scanner could not classify
)

// temporalSpan is a located temporal expression. start and end are byte offsets.
type temporalSpan struct {
	start int
	end   int
	kind  spanKind
	text  string
}

func (s temporalSpan) overlaps(o temporalSpan) bool {
	return s.start < o.end && o.start < s.end
}

const (
	reHourWords = `una|dos|tres|cuatro|cinco|seis|siete|ocho|nueve|diez|once|doce`
	reMeridiem  = `(?:a\.\s?m\.|p\.\s?m\.|am\b|pm\b|hrs\b|horas\b|h\b)`
	rePeriod    = `(?:de|por|en)\s+la\s+(?:ma[ñn]ana|tarde|noche|madrugada)`
	reFraction  = `(?:\s+y\s+(?:media|cuarto))?`
	reAnchor    = `(?:a\s+eso\s+de\s+|a\s+|para\s+|sobre\s+|hacia\s+|antes\s+de\s+)`
	reMonths    = `enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|setiembre|octubre|noviembre|diciembre`
	reWeekdays  = `lunes|martes|mi[eé]rcoles|jueves|viernes|s[aá]bado|domingo`
	reCountWord = `\d+|un|una|media|dos|tres|cuatro|cinco|diez|quince|veinte|treinta|cuarenta`
)

type scanPattern struct {
	kind spanKind
	re   *regexp.Regexp
}

// scanPatterns are tried in priority order; a later match overlapping an accepted one is
// dropped, which keeps "de la mañana" from being read as "tomorrow".
var scanPatterns = []scanPattern{
	{kindDay, regexp.MustCompile(`(?i)\bpasado\s+ma[ñn]ana\b`)},
	{kindDate, regexp.MustCompile(`(?i)\b\d{4}-\d{2}-\d{2}(?:[ T]\d{2}:\d{2}(?::\d{2})?)?`)},
	{kindDate, regexp.MustCompile(`(?i)\b(?:el\s+)?\d{1,2}\s+de\s+(?:` + reMonths + `)(?:\s+del?\s+\d{4})?\b`)},
	{kindDate, regexp.MustCompile(`(?i)\b(?:el\s+)?\d{1,2}/\d{1,2}(?:/\d{2,4})?\b`)},
	{kindClock, regexp.MustCompile(`(?i)\b` + reAnchor + `las?\s+\d{1,2}(?:[:.]\d{2})?` + reFraction + `(?:\s*` + reMeridiem + `)?(?:\s+` + rePeriod + `)?`)},
	{kindClock, regexp.MustCompile(`(?i)\b` + reAnchor + `las?\s+(?:` + reHourWords + `)\b` + reFraction + `(?:\s+` + rePeriod + `)?`)},
	{kindClock, regexp.MustCompile(`(?i)\b\d{1,2}:\d{2}(?:\s*` + reMeridiem + `)?(?:\s+` + rePeriod + `)?`)},
	{kindClock, regexp.MustCompile(`(?i)\b\d{1,2}\s*(?:a\.\s?m\.|p\.\s?m\.|am\b|pm\b)(?:\s+` + rePeriod + `)?`)},
	{kindClock, regexp.MustCompile(`(?i)\b\d{1,2}\s+` + rePeriod + `\b`)},
	{kindClock, regexp.MustCompile(`(?i)\b(?:al\s+|a\s+)?(?:mediod[ií]a|medianoche)`)},
	{kindRelative, regexp.MustCompile(`(?i)\b(?:en|dentro\s+de)\s+(?:` + reCountWord + `)\s+(?:minutos?|mins?|horas?)\b`)},
	{kindDay, regexp.MustCompile(`(?i)\besta\s+(?:ma[ñn]ana|tarde|noche)\b`)},
	{kindPeriod, regexp.MustCompile(`(?i)\b` + rePeriod + `\b`)},
	{kindDay, regexp.MustCompile(`(?i)\b(?:el\s+(?:pr[oó]ximo\s+)?|este\s+|pr[oó]ximo\s+)?(?:` + reWeekdays + `)(?:\s+que\s+viene)?\b`)},
	{kindDay, regexp.MustCompile(`(?i)\bma[ñn]ana\b`)},
	{kindDay, regexp.MustCompile(`(?i)\bhoy\b`)},
}

// scanTemporal finds the temporal expressions in text, ordered by position.
func scanTemporal(text string) []temporalSpan {
	var accepted []temporalSpan
	for _, p := range scanPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			span := temporalSpan{start: loc[0], end: loc[1], kind: p.kind, text: strings.TrimSpace(text[loc[0]:loc[1]])}
			if !overlapsAny(span, accepted) {
				accepted = append(accepted, span)
			}
		}
	}
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })
	return accepted
}

func overlapsAny(span temporalSpan, spans []temporalSpan) bool {
	for _, s := range spans {
		if span.overlaps(s) {
			return true
		}
	}
	return false
}
