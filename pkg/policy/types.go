// Package policy defines versioned, weighted rule packs used to vet
// machine-generated text.
//
// A pack is loaded once, validated and compiled, and is immutable afterwards.
// Rules match with a compiled regular expression, an optional CEL expression,
// or both; either matcher hitting contributes the rule's weight.
package policy

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// LocaleWildcard marks a rule as applicable to every locale.
const LocaleWildcard = "*"

// Rule is a single weighted matcher within a Pack. Immutable once compiled.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Expression  string   `json:"expression,omitempty" yaml:"expression,omitempty"`
	Weight      float64  `json:"weight" yaml:"weight"`
	Locales     []string `json:"locales,omitempty" yaml:"locales,omitempty"`
	Precision   float64  `json:"precision,omitempty" yaml:"precision,omitempty"`
	Recall      float64  `json:"recall,omitempty" yaml:"recall,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`

	re   *regexp.Regexp
	prog *celProgram
}

// AppliesTo reports whether the rule covers the given locale.
// An empty locale list is equivalent to the wildcard.
func (r *Rule) AppliesTo(locale string) bool {
	if len(r.Locales) == 0 {
		return true
	}
	for _, l := range r.Locales {
		if l == LocaleWildcard || l == locale {
			return true
		}
	}
	return false
}

// Matches evaluates the rule's matchers against text.
// CEL evaluation errors fail closed for that rule (no match) rather than
// aborting the scan.
func (r *Rule) Matches(text string) bool {
	if r.re != nil && r.re.MatchString(text) {
		return true
	}
	if r.prog != nil {
		ok, err := r.prog.eval(text)
		return err == nil && ok
	}
	return false
}

// Pack is a versioned collection of rules plus veto thresholds.
// Immutable per arbitration call.
type Pack struct {
	ID              string  `json:"id" yaml:"id"`
	Version         string  `json:"version" yaml:"version"`
	BaseThreshold   float64 `json:"base_threshold" yaml:"base_threshold"`
	StrictThreshold float64 `json:"strict_threshold" yaml:"strict_threshold"`
	StrictMode      bool    `json:"strict_mode" yaml:"strict_mode"`
	Rules           []Rule  `json:"rules" yaml:"rules"`
}

// Threshold returns the active veto threshold for the pack.
func (p *Pack) Threshold() float64 {
	if p.StrictMode {
		return p.StrictThreshold
	}
	return p.BaseThreshold
}

// compile validates semantic constraints and compiles every rule matcher.
func (p *Pack) compile(env *celEnv) error {
	if p.ID == "" {
		return fmt.Errorf("policy: pack missing id")
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return fmt.Errorf("policy: pack %s has invalid version %q: %w", p.ID, p.Version, err)
	}
	if p.BaseThreshold <= 0 || p.BaseThreshold > 1 {
		return fmt.Errorf("policy: pack %s base_threshold %v out of (0,1]", p.ID, p.BaseThreshold)
	}
	if p.StrictMode && (p.StrictThreshold <= 0 || p.StrictThreshold > 1) {
		return fmt.Errorf("policy: pack %s strict_threshold %v out of (0,1]", p.ID, p.StrictThreshold)
	}
	seen := make(map[string]bool, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			return fmt.Errorf("policy: pack %s rule %d missing id", p.ID, i)
		}
		if seen[r.ID] {
			return fmt.Errorf("policy: pack %s duplicate rule id %q", p.ID, r.ID)
		}
		seen[r.ID] = true
		if r.Weight < 0 || r.Weight > 1 {
			return fmt.Errorf("policy: rule %s weight %v out of [0,1]", r.ID, r.Weight)
		}
		if r.Pattern == "" && r.Expression == "" {
			return fmt.Errorf("policy: rule %s has neither pattern nor expression", r.ID)
		}
		if r.Pattern != "" {
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				return fmt.Errorf("policy: rule %s pattern: %w", r.ID, err)
			}
			r.re = re
		}
		if r.Expression != "" {
			prog, err := env.compile(r.Expression)
			if err != nil {
				return fmt.Errorf("policy: rule %s expression: %w", r.ID, err)
			}
			r.prog = prog
		}
	}
	return nil
}

// NewerThan reports whether p's version is strictly newer than other's.
// Both versions are guaranteed valid after compile.
func (p *Pack) NewerThan(other *Pack) bool {
	pv, err1 := semver.NewVersion(p.Version)
	ov, err2 := semver.NewVersion(other.Version)
	if err1 != nil || err2 != nil {
		return false
	}
	return pv.GreaterThan(ov)
}
