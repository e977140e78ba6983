package supervisor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"time"
)

// Supervisor executes Ops under deadlines with outcome classification and
// jittered retries. Construct with New; the zero value is not usable.
type Supervisor struct {
	logger *slog.Logger
	random io.Reader
	clock  func() time.Time
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithRandom overrides the jitter entropy source for testing.
func WithRandom(r io.Reader) SupervisorOption {
	return func(s *Supervisor) { s.random = r }
}

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) SupervisorOption {
	return func(s *Supervisor) { s.clock = clock }
}

// New creates a Supervisor. Jitter is drawn from crypto/rand by default.
func New(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger: slog.Default(),
		random: rand.Reader,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunWithTimeout invokes op and races it against deadline. Every path
// records wall-clock duration and a timestamp; no error escapes as a raised
// fault.
func (s *Supervisor) RunWithTimeout(ctx context.Context, op Op, deadline time.Duration) Outcome {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		payload string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := op(opCtx)
		done <- result{payload, err}
	}()

	var out Outcome
	select {
	case r := <-done:
		status, retryable := classify(r.err)
		out = Outcome{Status: status, RetryEligible: retryable}
		if status == StatusOK {
			out.Payload = r.payload
		} else {
			out.ErrorCode = string(status)
		}
	case <-opCtx.Done():
		if ctx.Err() != nil {
			// Explicit caller cancellation, not a deadline.
			out = Outcome{Status: StatusCancelled, ErrorCode: string(StatusCancelled)}
		} else {
			out = Outcome{Status: StatusTimeout, ErrorCode: string(StatusTimeout), RetryEligible: true}
		}
	}
	out.Duration = time.Since(start)
	out.Timestamp = s.clock()

	if !out.OK() {
		s.logger.Debug("supervised op failed",
			"status", string(out.Status),
			"retry_eligible", out.RetryEligible,
			"duration", out.Duration)
	}
	return out
}

// RunWithRetry repeats RunWithTimeout up to maxRetries+1 times.
//
// Before every attempt after the first, it waits baseBackoff*(1+jitter) with
// jitter drawn uniformly from [-0.2, 0.2] using the configured entropy
// source. The identical wait is paid after a terminal failure too, before
// returning, so response latency does not reveal whether the supervisor was
// retrying or giving up. Exhausting the retry budget returns the last
// outcome without a trailing wait.
func (s *Supervisor) RunWithRetry(ctx context.Context, op Op, maxRetries int, deadline, baseBackoff time.Duration) Outcome {
	var out Outcome
	for attempt := 0; attempt <= maxRetries; attempt++ {
		out = s.RunWithTimeout(ctx, op, deadline)
		if out.OK() {
			return out
		}
		if !out.RetryEligible {
			s.backoffWait(ctx, baseBackoff)
			return out
		}
		if attempt == maxRetries {
			return out
		}
		if !s.backoffWait(ctx, baseBackoff) {
			return out
		}
		s.logger.Debug("retrying supervised op",
			"attempt", attempt+1,
			"status", string(out.Status))
	}
	return out
}

// backoffWait sleeps baseBackoff*(1+jitter). Returns false if the context
// was cancelled during the wait.
func (s *Supervisor) backoffWait(ctx context.Context, baseBackoff time.Duration) bool {
	if baseBackoff <= 0 {
		return ctx.Err() == nil
	}
	wait := time.Duration(float64(baseBackoff) * (1 + s.jitter()))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// jitter returns a uniform draw from [-0.2, 0.2].
func (s *Supervisor) jitter() float64 {
	var buf [8]byte
	if _, err := io.ReadFull(s.random, buf[:]); err != nil {
		// Entropy failure degrades to no jitter rather than blocking.
		return 0
	}
	u := binary.BigEndian.Uint64(buf[:])
	frac := float64(u) / float64(^uint64(0))
	return (frac * 0.4) - 0.2
}
