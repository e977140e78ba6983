package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an environment-specific configuration profile
// layered over the base environment config.
type DeploymentProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Code       string           `yaml:"code" json:"code"`
	Vetting    VettingConfig    `yaml:"vetting" json:"vetting"`
	Execution  ExecutionConfig  `yaml:"execution" json:"execution"`
	Ledger     LedgerConfig     `yaml:"ledger" json:"ledger"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
}

// VettingConfig controls the scoring path per deployment.
type VettingConfig struct {
	ActivePack        string   `yaml:"active_pack" json:"active_pack"`
	Locale            string   `yaml:"locale,omitempty" json:"locale,omitempty"`
	PrefilterEnabled  bool     `yaml:"prefilter_enabled" json:"prefilter_enabled"`
	PrefilterKeywords []string `yaml:"prefilter_keywords,omitempty" json:"prefilter_keywords,omitempty"`
	MaxDecodeAttempts int      `yaml:"max_decode_attempts,omitempty" json:"max_decode_attempts,omitempty"`
}

// ExecutionConfig controls supervisor deadlines and retry policy.
type ExecutionConfig struct {
	PrimaryDeadline  time.Duration `yaml:"primary_deadline" json:"primary_deadline"`
	FallbackDeadline time.Duration `yaml:"fallback_deadline" json:"fallback_deadline"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxConcurrent    int           `yaml:"max_concurrent" json:"max_concurrent"`
	RatePerSecond    float64       `yaml:"rate_per_second,omitempty" json:"rate_per_second,omitempty"`
}

// LedgerConfig selects the block store backing the sealed ledger.
type LedgerConfig struct {
	Driver string `yaml:"driver" json:"driver"` // "file" | "sqlite" | "postgres"
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
	SealID string `yaml:"seal_id" json:"seal_id"`
}

// CheckpointConfig controls out-of-band checkpoint export.
type CheckpointConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty"` // "s3" | "gcs"
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*DeploymentProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*DeploymentProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*DeploymentProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile DeploymentProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply overlays the profile's execution and ledger settings onto the
// base environment config. Zero values in the profile leave the base
// value untouched.
func (p *DeploymentProfile) Apply(base *Config) *Config {
	out := *base
	if p.Execution.PrimaryDeadline > 0 {
		out.PrimaryDeadline = p.Execution.PrimaryDeadline
	}
	if p.Execution.FallbackDeadline > 0 {
		out.FallbackDeadline = p.Execution.FallbackDeadline
	}
	if p.Execution.MaxRetries > 0 {
		out.MaxRetries = p.Execution.MaxRetries
	}
	if p.Execution.BaseBackoff > 0 {
		out.BaseBackoff = p.Execution.BaseBackoff
	}
	if p.Execution.MaxConcurrent > 0 {
		out.MaxConcurrent = p.Execution.MaxConcurrent
	}
	if p.Ledger.Driver != "" {
		out.LedgerDriver = p.Ledger.Driver
	}
	if p.Ledger.Path != "" {
		out.LedgerPath = p.Ledger.Path
	}
	if p.Ledger.DSN != "" {
		out.LedgerDSN = p.Ledger.DSN
	}
	return &out
}
