package risk

import (
	"strings"

	"golang.org/x/text/cases"
)

// Prefilter is a fast-reject gate: a fixed hot-keyword set checked with
// amortized O(1) token lookups after case folding. A miss lets the scorer
// short-circuit safe text without running the rule engine.
//
// The gate sees only the raw input, not decoded variants; callers screening
// for encoded evasions should vet without a prefilter.
type Prefilter struct {
	tokens map[string]struct{}
	folder cases.Caser
}

// DefaultHotKeywords covers the stems the stock rule packs key on.
var DefaultHotKeywords = []string{
	"ignore", "disregard", "override", "bypass", "jailbreak",
	"instructions", "system", "prompt",
	"pump", "dump", "exploit", "payload",
}

// NewPrefilter builds a gate from the given keyword set.
func NewPrefilter(keywords []string) *Prefilter {
	p := &Prefilter{
		tokens: make(map[string]struct{}, len(keywords)),
		folder: cases.Fold(),
	}
	for _, k := range keywords {
		p.tokens[p.folder.String(k)] = struct{}{}
	}
	return p
}

// Matches reports whether any token of text is in the hot-keyword set.
func (p *Prefilter) Matches(text string) bool {
	folded := p.folder.String(text)
	for _, tok := range strings.FieldsFunc(folded, isTokenBoundary) {
		if _, ok := p.tokens[tok]; ok {
			return true
		}
	}
	return false
}

func isTokenBoundary(r rune) bool {
	return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r < 0x80
}
