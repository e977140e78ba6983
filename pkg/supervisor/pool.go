package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate is an admission check consulted before a pooled invocation runs.
// The Redis token bucket in this package implements it; deployments without
// a distributed limiter leave it nil.
type Gate interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// Pool is a bounded-concurrency gate around supervised invocations. It
// tracks in-flight tasks so Shutdown can cancel and await them.
type Pool struct {
	sup     *Supervisor
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	gate    Gate
	gateKey string
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithRateLimit adds a local token-bucket admission limit.
func WithRateLimit(l *rate.Limiter) PoolOption {
	return func(p *Pool) { p.limiter = l }
}

// WithGate adds a distributed admission gate under the given key.
func WithGate(g Gate, key string) PoolOption {
	return func(p *Pool) { p.gate, p.gateKey = g, key }
}

// WithPoolLogger sets the structured logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool admitting at most maxConcurrent invocations.
func NewPool(sup *Supervisor, maxConcurrent int64, opts ...PoolOption) *Pool {
	p := &Pool{
		sup:      sup,
		sem:      semaphore.NewWeighted(maxConcurrent),
		logger:   slog.Default(),
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run admits op through the pool's gates and executes it under deadline.
// Admission failures are reported as outcomes, never as raised errors.
func (p *Pool) Run(ctx context.Context, op Op, deadline time.Duration) Outcome {
	if p.limiter != nil && !p.limiter.Allow() {
		return p.rejected(StatusInfraError, "rate_limited", true)
	}
	if p.gate != nil {
		ok, err := p.gate.Allow(ctx, p.gateKey, 1)
		if err != nil {
			p.logger.Warn("admission gate unavailable", "error", err)
			return p.rejected(StatusInfraError, "gate_unavailable", true)
		}
		if !ok {
			return p.rejected(StatusInfraError, "gate_exhausted", true)
		}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return p.rejected(StatusCancelled, "cancelled", false)
	}
	defer p.sem.Release(1)

	taskCtx, cancel, id, ok := p.track(ctx)
	if !ok {
		return p.rejected(StatusCancelled, "pool_shutdown", false)
	}
	defer p.untrack(id, cancel)

	return p.sup.RunWithTimeout(taskCtx, op, deadline)
}

// Wrap returns an Op that passes through the pool's admission gates before
// invoking op. Deadlines and retries stay with whatever supervisor runs the
// returned Op; the pool only bounds admission. Rejections surface as
// classified errors: admission exhaustion is retryable infrastructure
// failure, shutdown is cancellation.
func (p *Pool) Wrap(op Op) Op {
	return func(ctx context.Context) (string, error) {
		if p.limiter != nil && !p.limiter.Allow() {
			return "", fmt.Errorf("rate_limited: %w", ErrInfra)
		}
		if p.gate != nil {
			ok, err := p.gate.Allow(ctx, p.gateKey, 1)
			if err != nil {
				p.logger.Warn("admission gate unavailable", "error", err)
				return "", fmt.Errorf("gate_unavailable: %w", ErrInfra)
			}
			if !ok {
				return "", fmt.Errorf("gate_exhausted: %w", ErrInfra)
			}
		}
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return "", err
		}
		defer p.sem.Release(1)

		taskCtx, cancel, id, ok := p.track(ctx)
		if !ok {
			return "", fmt.Errorf("pool_shutdown: %w", context.Canceled)
		}
		defer p.untrack(id, cancel)

		return op(taskCtx)
	}
}

// Shutdown cancels all in-flight tasks and awaits their completion up to the
// grace period, logging any that do not terminate in time. The pool admits
// no new work afterwards.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	p.closed = true
	remaining := len(p.inflight)
	for _, cancel := range p.inflight {
		cancel()
	}
	p.mu.Unlock()

	if remaining > 0 {
		p.logger.Info("pool shutdown: cancelling in-flight tasks", "count", remaining)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		p.mu.Lock()
		stuck := len(p.inflight)
		p.mu.Unlock()
		p.logger.Error("pool shutdown: tasks did not terminate within grace period",
			"stuck", stuck, "grace", grace)
	}
}

// InFlight returns the number of currently tracked tasks.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) track(ctx context.Context) (context.Context, context.CancelFunc, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, "", false
	}
	taskCtx, cancel := context.WithCancel(ctx)
	id := uuid.NewString()
	p.inflight[id] = cancel
	p.wg.Add(1)
	return taskCtx, cancel, id, true
}

func (p *Pool) untrack(id string, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
	p.wg.Done()
}

func (p *Pool) rejected(status Status, code string, retryable bool) Outcome {
	return Outcome{
		Status:        status,
		ErrorCode:     code,
		Timestamp:     p.sup.clock(),
		RetryEligible: retryable,
	}
}
