package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDisabledProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, p)

	// All instruments are nil when disabled; recording must be a no-op,
	// not a panic.
	p.RecordDecision(context.Background(), attribute.String("decision", "approved"))
	p.RecordError(context.Background(), errors.New("boom"))

	ctx, done := p.TrackOperation(context.Background(), "arbitrate")
	assert.NotNil(t, ctx)
	done(errors.New("boom"))

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNilConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gatewarden-core", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.True(t, cfg.Enabled)
}

func TestTracerFallback(t *testing.T) {
	p := &Provider{config: DefaultConfig()}
	assert.NotNil(t, p.Tracer())
}
