package similarity

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldMarks decomposes accented characters and strips the combining
// marks, so "Café" and "Cafe" normalize identically.
var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize canonicalizes a mark name for comparison: accent folding,
// lowercasing, punctuation stripped to spaces, whitespace collapsed.
// The result is stable for a given input, which the scorer relies on
// for deterministic scores and cache keys.
func Normalize(text string) string {
	folded, _, err := transform.String(foldMarks, text)
	if err != nil {
		folded = text
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case r == '&':
			b.WriteString(" and ")
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Tokens splits a normalized string into its words. Callers pass the
// output of Normalize; raw text goes through Normalize first.
func Tokens(text string) []string {
	return strings.Fields(Normalize(text))
}

// goodsStopwords are filler terms in goods/services identifications
// that carry no distinguishing weight.
var goodsStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "for": true, "in": true, "on": true, "to": true,
	"with": true, "namely": true, "including": true, "other": true,
	"all": true, "use": true, "used": true, "being": true,
	"goods": true, "services": true, "products": true, "items": true,
	"related": true, "various": true, "general": true,
}

// Keywords extracts the distinguishing terms from a goods/services
// identification: normalized tokens minus stopwords and single letters.
func Keywords(text string) []string {
	var out []string
	for _, tok := range Tokens(text) {
		if len(tok) < 2 || goodsStopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// KeywordOverlapRatio measures how much two goods/services descriptions
// share, as the fraction of the smaller keyword set also present in the
// larger. Returns 0 when either side has no keywords.
func KeywordOverlapRatio(a, b string) float64 {
	ka, kb := keywordSet(a), keywordSet(b)
	if len(ka) == 0 || len(kb) == 0 {
		return 0
	}
	if len(kb) < len(ka) {
		ka, kb = kb, ka
	}
	shared := 0
	for k := range ka {
		if kb[k] {
			shared++
		}
	}
	return float64(shared) / float64(len(ka))
}

func keywordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, k := range Keywords(text) {
		set[k] = true
	}
	return set
}
