package similarity

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// ProminenceStrategy selects which token of a multi-word mark carries
// the comparison weight.
type ProminenceStrategy string

const (
	// ProminenceLast favors the final token. House marks often lead
	// with a shared family name ("ACME ULTRA" vs "ACME PRIME"), so the
	// trailing element is usually the distinguishing one.
	ProminenceLast ProminenceStrategy = "last"
	// ProminenceFirst favors the leading token.
	ProminenceFirst ProminenceStrategy = "first"
	// ProminenceLongest favors the longest token.
	ProminenceLongest ProminenceStrategy = "longest"
)

// ProminentElement returns the token of a normalized mark name that the
// given strategy considers dominant. Empty input returns "".
func ProminentElement(normalized string, strategy ProminenceStrategy) string {
	toks := strings.Fields(normalized)
	if len(toks) == 0 {
		return ""
	}
	switch strategy {
	case ProminenceFirst:
		return toks[0]
	case ProminenceLongest:
		longest := toks[0]
		for _, t := range toks[1:] {
			if len(t) > len(longest) {
				longest = t
			}
		}
		return longest
	default:
		return toks[len(toks)-1]
	}
}

// phoneticCodes returns the primary and alternate double metaphone
// encodings for a token.
func phoneticCodes(token string) (string, string) {
	return matchr.DoubleMetaphone(token)
}

// levenshteinRatio converts edit distance to a [0,1] similarity. Equal
// strings score 1, fully disjoint strings score 0.
func levenshteinRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if n := len([]rune(b)); n > longest {
		longest = n
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}

// codeSimilarity compares two tokens by their metaphone encodings,
// taking the best ratio across primary/alternate pairings. Identical
// codes score 1 even when spellings differ (KWIK vs QUICK).
func codeSimilarity(a, b string) float64 {
	ap, aa := phoneticCodes(a)
	bp, ba := phoneticCodes(b)
	best := 0.0
	for _, ca := range []string{ap, aa} {
		if ca == "" {
			continue
		}
		for _, cb := range []string{bp, ba} {
			if cb == "" {
				continue
			}
			if r := levenshteinRatio(ca, cb); r > best {
				best = r
			}
		}
	}
	return best
}

// PhoneticSimilarity scores how alike two mark names sound, in [0,1].
// It blends two views and keeps the stronger: the full normalized names
// compared by edit distance, and the prominent elements compared by
// metaphone encoding. The function is symmetric and deterministic.
func PhoneticSimilarity(nameA, nameB string) float64 {
	na, nb := Normalize(nameA), Normalize(nameB)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	full := levenshteinRatio(na, nb)
	pa := ProminentElement(na, ProminenceLast)
	pb := ProminentElement(nb, ProminenceLast)
	prominent := codeSimilarity(pa, pb)
	// A prominent-element match on a multi-word mark is strong but not
	// conclusive, so it is discounted against a full-name match.
	if len(strings.Fields(na)) > 1 || len(strings.Fields(nb)) > 1 {
		prominent *= 0.9
	}
	if prominent > full {
		return prominent
	}
	return full
}
