package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prodProfile = `
name: Production
code: prod
vetting:
  active_pack: core-v2
  prefilter_enabled: true
  prefilter_keywords: [ignore, override, bypass]
execution:
  primary_deadline: 10s
  fallback_deadline: 15s
  max_retries: 3
  base_backoff: 250ms
  max_concurrent: 16
ledger:
  driver: postgres
  dsn: postgres://gw@db:5432/gw
  seal_id: prod-ledger
checkpoint:
  enabled: true
  backend: s3
  bucket: gw-checkpoints
`

func writeProfile(t *testing.T, dir, code, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "prod", prodProfile)

	p, err := LoadProfile(dir, "PROD")
	require.NoError(t, err)

	assert.Equal(t, "prod", p.Code)
	assert.Equal(t, "core-v2", p.Vetting.ActivePack)
	assert.True(t, p.Vetting.PrefilterEnabled)
	assert.Equal(t, 10*time.Second, p.Execution.PrimaryDeadline)
	assert.Equal(t, "postgres", p.Ledger.Driver)
	assert.True(t, p.Checkpoint.Enabled)
	assert.Equal(t, "s3", p.Checkpoint.Backend)
}

func TestLoadProfile_Missing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadAllProfiles_CodeFromFilename(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "prod", prodProfile)
	writeProfile(t, dir, "dev", "name: Development\nexecution:\n  max_concurrent: 2\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, "dev", profiles["dev"].Code)
	assert.Equal(t, 2, profiles["dev"].Execution.MaxConcurrent)
}

func TestApplyOverlaysOnlyNonZero(t *testing.T) {
	base := &Config{
		LedgerDriver:     "file",
		LedgerPath:       "data/ledger.jsonl",
		PrimaryDeadline:  30 * time.Second,
		FallbackDeadline: 30 * time.Second,
		MaxConcurrent:    8,
	}
	p := &DeploymentProfile{
		Execution: ExecutionConfig{PrimaryDeadline: 5 * time.Second},
		Ledger:    LedgerConfig{Driver: "sqlite", DSN: "file:gw.db"},
	}

	out := p.Apply(base)

	assert.Equal(t, 5*time.Second, out.PrimaryDeadline)
	assert.Equal(t, 30*time.Second, out.FallbackDeadline) // untouched
	assert.Equal(t, "sqlite", out.LedgerDriver)
	assert.Equal(t, "data/ledger.jsonl", out.LedgerPath) // untouched
	assert.Equal(t, 8, out.MaxConcurrent)
}
