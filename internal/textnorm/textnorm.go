// Package textnorm folds Spanish text into a comparable form: lower case, no accents,
// punctuation replaced by spaces and whitespace collapsed.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lower-cases s and strips combining marks ("Recuérdame" -> "recuerdame").
// The ñ is folded to n as well, which matches how users type without accents.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// Normalize folds s and reduces it to space separated words.
func Normalize(s string) string {
	folded := Fold(s)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Words returns the normalized words of s.
func Words(s string) []string {
	return strings.Fields(Normalize(s))
}

// CollapseSpaces trims s and collapses internal whitespace without folding.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ContainsPhrase reports whether the normalized text contains phrase on word boundaries.
// Both arguments may be raw; they are normalized first.
func ContainsPhrase(text, phrase string) bool {
	p := Normalize(phrase)
	if p == "" {
		return false
	}
	return strings.Contains(" "+Normalize(text)+" ", " "+p+" ")
}

// MatchPhrases returns the phrases found in text, in the order given.
func MatchPhrases(text string, phrases []string) []string {
	padded := " " + Normalize(text) + " "
	var found []string
	for _, phrase := range phrases {
		p := Normalize(phrase)
		if p != "" && strings.Contains(padded, " "+p+" ") {
			found = append(found, phrase)
		}
	}
	return found
}
