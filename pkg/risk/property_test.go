//go:build property
// +build property

package risk

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/Quillon-Labs/gatewarden/pkg/policy"
)

func TestNormalizeIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Normalize(Normalize(x)) == Normalize(x)", prop.ForAll(
		func(s string) bool {
			once := Normalize(s)
			return Normalize(once) == once
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestScoreMonotoneAndCappedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	loader, err := policy.NewLoader()
	require.NoError(t, err)
	scorer := NewScorer()

	// Adding rules to a pack may only raise the score, and the score never
	// exceeds 1.0.
	properties.Property("score is monotone in rules and capped", prop.ForAll(
		func(words []string, weights []float64) bool {
			n := len(words)
			if len(weights) < n {
				n = len(weights)
			}
			if n == 0 {
				return true
			}
			text := ""
			prev := 0.0
			for i := 0; i < n; i++ {
				doc := packDoc(words[:i+1], weights[:i+1])
				pack, err := loader.LoadBytes([]byte(doc), false)
				if err != nil {
					return false
				}
				for _, w := range words[:i+1] {
					text += w + " "
				}
				score, _, _ := scorer.Score(text, pack, "en", nil)
				if score < prev || score > 1.0 {
					return false
				}
				prev = score
			}
			return true
		},
		gen.SliceOfN(4, gen.Identifier()),
		gen.SliceOfN(4, gen.Float64Range(0, 1)),
	))

	properties.TestingRun(t)
}

var packSeq int

func packDoc(words []string, weights []float64) string {
	packSeq++
	doc := fmt.Sprintf(`{"id": "prop-%d", "version": "1.0.0", "base_threshold": 0.6, "rules": [`, packSeq)
	for i, w := range words {
		if i > 0 {
			doc += ","
		}
		doc += fmt.Sprintf(`{"id": "r%d", "pattern": %q, "weight": %v}`, i, w, weights[i])
	}
	return doc + "]}"
}
