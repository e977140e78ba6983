package risk

import (
	"strings"
	"unicode"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// maxNormalizePasses bounds the decompose/strip loop. NFKD plus mark
// stripping converges in two passes for every known input; the bound exists
// so crafted input can never loop the normalizer.
const maxNormalizePasses = 4

// Normalize maps text to a canonical form that survives fullwidth, ligature
// and compatibility-character evasion.
//
// Each pass applies Unicode compatibility decomposition (NFKD), drops
// surrogate code points and invalid bytes, and removes combining marks that
// survive decomposition. Passes repeat until a fixed point, so
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	out := text
	for i := 0; i < maxNormalizePasses; i++ {
		next := stripRunes(norm.NFKD.String(out))
		if next == out {
			return out
		}
		out = next
	}
	return out
}

func stripRunes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == unicode.ReplacementChar || utf16.IsSurrogate(r) {
			// Surrogate smuggling and invalid byte sequences are dropped
			// outright rather than passed through to the rule engine.
			continue
		}
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
