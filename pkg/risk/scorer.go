package risk

import (
	"time"

	"github.com/Quillon-Labs/gatewarden/pkg/policy"
)

// Decision is the governance outcome of one vetting call.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionVeto  Decision = "veto"
)

// Level classifies a score relative to the active threshold.
type Level string

const (
	LevelSafe       Level = "safe"
	LevelSuspicious Level = "suspicious"
	LevelDangerous  Level = "dangerous"
	LevelCritical   Level = "critical"
)

// Assessment is the immutable result of one text-vetting call.
type Assessment struct {
	Decision        Decision  `json:"decision"`
	Level           Level     `json:"risk_level"`
	Score           float64   `json:"score"`
	Hits            []string  `json:"hits"`
	Role            string    `json:"role"`
	PolicyVersion   string    `json:"policy_version"`
	Timestamp       time.Time `json:"timestamp"`
	DecodedVariants int       `json:"decoded_variants"`
	Locale          string    `json:"locale"`
}

// Scorer vets text against a policy pack. The zero value is not usable;
// construct with NewScorer.
type Scorer struct {
	maxDecodeAttempts int
	maxScanWindow     int
	clock             func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithMaxDecodeAttempts bounds reversible-decode variant expansion.
func WithMaxDecodeAttempts(n int) Option {
	return func(s *Scorer) { s.maxDecodeAttempts = n }
}

// WithMaxScanWindow bounds how many runes of normalized input are scanned.
func WithMaxScanWindow(n int) Option {
	return func(s *Scorer) { s.maxScanWindow = n }
}

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Scorer) { s.clock = clock }
}

// NewScorer creates a Scorer with bounded-cost defaults.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		maxDecodeAttempts: 3,
		maxScanWindow:     16384,
		clock:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score scans text against every rule of pack applicable to locale and
// returns the capped score, the matched rule ids in match order, and the
// number of variants scanned.
//
// If a prefilter is supplied and rejects the raw input, the scan is skipped
// entirely and the score is 0. Otherwise the input is normalized, truncated
// to the scan window, expanded into decode variants, and scanned. A rule
// contributes its weight once regardless of how many variants it matches;
// scanning stops early once the running total reaches 1.0.
func (s *Scorer) Score(text string, pack *policy.Pack, locale string, prefilter *Prefilter) (float64, []string, int) {
	if prefilter != nil && !prefilter.Matches(text) {
		return 0, nil, 1
	}

	normalized := truncateRunes(Normalize(text), s.maxScanWindow)
	variants := DecodeAttempts(normalized, s.maxDecodeAttempts)

	var total float64
	var hits []string
	matched := make(map[string]bool)

scan:
	for _, variant := range variants {
		for i := range pack.Rules {
			rule := &pack.Rules[i]
			if matched[rule.ID] || !rule.AppliesTo(locale) {
				continue
			}
			if rule.Matches(variant) {
				matched[rule.ID] = true
				hits = append(hits, rule.ID)
				total += rule.Weight
				if total >= 1.0 {
					total = 1.0
					break scan
				}
			}
		}
	}
	return total, hits, len(variants)
}

// Classify maps a score to a risk level given the active threshold.
func Classify(score, threshold float64) Level {
	critical := threshold
	if critical < 0.9 {
		critical = 0.9
	}
	switch {
	case score >= critical:
		return LevelCritical
	case score >= threshold:
		return LevelDangerous
	case score >= threshold/2:
		return LevelSuspicious
	default:
		return LevelSafe
	}
}

// Vet scores text under pack and produces the full assessment. The decision
// is veto iff the score reaches the pack's active threshold.
func (s *Scorer) Vet(text string, pack *policy.Pack, role, locale string, prefilter *Prefilter) Assessment {
	score, hits, variants := s.Score(text, pack, locale, prefilter)
	threshold := pack.Threshold()

	decision := DecisionAllow
	if score >= threshold {
		decision = DecisionVeto
	}
	if hits == nil {
		hits = []string{}
	}
	return Assessment{
		Decision:        decision,
		Level:           Classify(score, threshold),
		Score:           score,
		Hits:            hits,
		Role:            role,
		PolicyVersion:   pack.Version,
		Timestamp:       s.clock(),
		DecodedVariants: variants,
		Locale:          locale,
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}
