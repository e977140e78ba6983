package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validJSONPack = `{
  "id": "baseline",
  "version": "1.2.0",
  "base_threshold": 0.6,
  "strict_threshold": 0.4,
  "strict_mode": false,
  "rules": [
    {"id": "inj-001", "pattern": "ignore previous instructions", "weight": 0.8, "locales": ["*"], "description": "prompt injection"},
    {"id": "fin-001", "pattern": "pump and dump", "weight": 0.7, "locales": ["en"]}
  ]
}`

func TestLoadBytesJSON(t *testing.T) {
	l := newTestLoader(t)
	pack, err := l.LoadBytes([]byte(validJSONPack), false)
	require.NoError(t, err)

	assert.Equal(t, "baseline", pack.ID)
	assert.Len(t, pack.Rules, 2)
	assert.Equal(t, 0.6, pack.Threshold())

	got, ok := l.Get("baseline")
	require.True(t, ok)
	assert.Same(t, pack, got)
}

func TestLoadBytesYAML(t *testing.T) {
	doc := `
id: baseline
version: 1.0.0
base_threshold: 0.5
rules:
  - id: inj-001
    pattern: ignore previous instructions
    weight: 0.8
`
	l := newTestLoader(t)
	pack, err := l.LoadBytes([]byte(doc), true)
	require.NoError(t, err)
	assert.Equal(t, 0.5, pack.Threshold())
	assert.True(t, pack.Rules[0].Matches("please ignore previous instructions now"))
}

func TestStrictModeThreshold(t *testing.T) {
	l := newTestLoader(t)
	pack, err := l.LoadBytes([]byte(`{
	  "id": "strict", "version": "1.0.0",
	  "base_threshold": 0.6, "strict_threshold": 0.3, "strict_mode": true,
	  "rules": [{"id": "r1", "pattern": "x", "weight": 0.5}]
	}`), false)
	require.NoError(t, err)
	assert.Equal(t, 0.3, pack.Threshold())
}

func TestSchemaRejectsMalformedPack(t *testing.T) {
	cases := map[string]string{
		"missing id":        `{"version": "1.0.0", "base_threshold": 0.5, "rules": []}`,
		"weight above one":  `{"id": "p", "version": "1.0.0", "base_threshold": 0.5, "rules": [{"id": "r", "pattern": "x", "weight": 1.5}]}`,
		"unknown field":     `{"id": "p", "version": "1.0.0", "base_threshold": 0.5, "rules": [], "bogus": true}`,
		"threshold zero":    `{"id": "p", "version": "1.0.0", "base_threshold": 0, "rules": []}`,
		"rule missing id":   `{"id": "p", "version": "1.0.0", "base_threshold": 0.5, "rules": [{"pattern": "x", "weight": 0.5}]}`,
		"not even a number": `{"id": "p", "version": "1.0.0", "base_threshold": "high", "rules": []}`,
	}
	l := newTestLoader(t)
	for name, doc := range cases {
		if _, err := l.LoadBytes([]byte(doc), false); err == nil {
			t.Errorf("%s: expected load to fail", name)
		}
	}
}

func TestCompileRejectsSemanticErrors(t *testing.T) {
	l := newTestLoader(t)

	_, err := l.LoadBytes([]byte(`{
	  "id": "p", "version": "not-semver", "base_threshold": 0.5,
	  "rules": [{"id": "r", "pattern": "x", "weight": 0.5}]
	}`), false)
	assert.Error(t, err, "invalid semver must be rejected")

	_, err = l.LoadBytes([]byte(`{
	  "id": "p", "version": "1.0.0", "base_threshold": 0.5,
	  "rules": [{"id": "r", "pattern": "[unclosed", "weight": 0.5}]
	}`), false)
	assert.Error(t, err, "invalid regex must be rejected")

	_, err = l.LoadBytes([]byte(`{
	  "id": "p", "version": "1.0.0", "base_threshold": 0.5,
	  "rules": [{"id": "r", "weight": 0.5}]
	}`), false)
	assert.Error(t, err, "rule without any matcher must be rejected")

	_, err = l.LoadBytes([]byte(`{
	  "id": "p", "version": "1.0.0", "base_threshold": 0.5,
	  "rules": [{"id": "r", "pattern": "x", "weight": 0.5}, {"id": "r", "pattern": "y", "weight": 0.5}]
	}`), false)
	assert.Error(t, err, "duplicate rule ids must be rejected")
}

func TestDowngradeRefused(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.LoadBytes([]byte(validJSONPack), false) // 1.2.0
	require.NoError(t, err)

	_, err = l.LoadBytes([]byte(`{
	  "id": "baseline", "version": "1.0.0", "base_threshold": 0.5,
	  "rules": [{"id": "r", "pattern": "x", "weight": 0.5}]
	}`), false)
	assert.Error(t, err, "loading an older version over a newer one must fail")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "baseline.json"), []byte(validJSONPack), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	l := newTestLoader(t)
	reloaded := 0
	l.OnReload(func(*Pack) { reloaded++ })

	require.NoError(t, l.LoadDir(dir))
	assert.Equal(t, 1, reloaded)
	assert.Len(t, l.All(), 1)
}

func TestCELExpressionRule(t *testing.T) {
	l := newTestLoader(t)
	pack, err := l.LoadBytes([]byte(`{
	  "id": "cel", "version": "1.0.0", "base_threshold": 0.5,
	  "rules": [{"id": "len-check", "expression": "text.size() > 10 && text.contains('override')", "weight": 0.9}]
	}`), false)
	require.NoError(t, err)

	r := &pack.Rules[0]
	assert.True(t, r.Matches("please override the safety layer"))
	assert.False(t, r.Matches("override"))
	assert.False(t, r.Matches("a harmless sentence"))
}

func TestCELRejectsNonBool(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.LoadBytes([]byte(`{
	  "id": "cel", "version": "1.0.0", "base_threshold": 0.5,
	  "rules": [{"id": "bad", "expression": "text.size()", "weight": 0.5}]
	}`), false)
	assert.Error(t, err)
}

func TestLocaleFiltering(t *testing.T) {
	l := newTestLoader(t)
	pack, err := l.LoadBytes([]byte(validJSONPack), false)
	require.NoError(t, err)

	wildcard := &pack.Rules[0]
	enOnly := &pack.Rules[1]

	assert.True(t, wildcard.AppliesTo("de"))
	assert.True(t, enOnly.AppliesTo("en"))
	assert.False(t, enOnly.AppliesTo("de"))
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}
