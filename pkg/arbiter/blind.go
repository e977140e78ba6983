package arbiter

import (
	"github.com/google/uuid"

	"github.com/Quillon-Labs/gatewarden/pkg/policy"
	"github.com/Quillon-Labs/gatewarden/pkg/risk"
)

const (
	rolePrimary  = "primary"
	roleFallback = "fallback"
)

// candidate is one generator output awaiting blinded vetting.
type candidate struct {
	role string
	text string
}

// blindVet scores candidates under opaque, randomly ordered labels so
// the scorer sees anonymous texts rather than "primary" vs "fallback".
// True roles are reattached only after every score is computed; the
// unmasking cannot influence a score.
func (a *Arbiter) blindVet(cands []candidate, pack *policy.Pack, locale string) map[string]risk.Assessment {
	type masked struct {
		label string
		cand  candidate
	}
	ms := make([]masked, len(cands))
	for i, c := range cands {
		id, err := uuid.NewRandomFromReader(a.random)
		if err != nil {
			id = uuid.New()
		}
		ms[i] = masked{label: id.String(), cand: c}
	}

	if len(ms) == 2 {
		var b [1]byte
		if _, err := a.random.Read(b[:]); err == nil && b[0]&1 == 1 {
			ms[0], ms[1] = ms[1], ms[0]
		}
	}

	out := make(map[string]risk.Assessment, len(ms))
	for _, m := range ms {
		as := a.scorer.Vet(m.cand.text, pack, m.label, locale, a.prefilter)
		as.Role = m.cand.role
		out[m.cand.role] = as
	}
	return out
}
