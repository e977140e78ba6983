// Package supervisor runs external generator operations under deadlines,
// classifies their failures into a closed outcome taxonomy, retries with
// uniform jitter, and bounds concurrency.
//
// Failures never cross this package as raised errors: every invocation
// produces an Outcome value.
package supervisor

import (
	"context"
	"errors"
	"net"
	"time"
)

// Op is a candidate generator invocation: any operation that produces text or
// fails. The supervisor is agnostic to how the text is produced.
type Op func(ctx context.Context) (string, error)

// Status is the closed classification of one invocation attempt.
type Status string

const (
	StatusOK              Status = "ok"
	StatusTimeout         Status = "timeout"
	StatusInfraError      Status = "infra_error"
	StatusInfeasibleInput Status = "infeasible_input"
	StatusGenericError    Status = "generic_error"
	StatusCancelled       Status = "cancelled"
)

// Sentinel errors operations can wrap to steer classification.
var (
	// ErrInfra marks transport or connectivity failures (retryable).
	ErrInfra = errors.New("infrastructure failure")
	// ErrInfeasibleInput marks malformed-input failures (terminal).
	ErrInfeasibleInput = errors.New("infeasible input")
)

// Outcome is the structured result of one invocation attempt.
type Outcome struct {
	Status        Status        `json:"status"`
	Payload       string        `json:"payload,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`
	RetryEligible bool          `json:"retry_eligible"`
}

// OK reports whether the attempt produced a payload.
func (o Outcome) OK() bool { return o.Status == StatusOK }

// classify maps an operation error onto the outcome taxonomy.
func classify(err error) (Status, bool) {
	var netErr net.Error
	switch {
	case err == nil:
		return StatusOK, false
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout, true
	case errors.Is(err, context.Canceled):
		return StatusCancelled, false
	case errors.Is(err, ErrInfra):
		return StatusInfraError, true
	case errors.As(err, &netErr):
		return StatusInfraError, true
	case errors.Is(err, ErrInfeasibleInput):
		return StatusInfeasibleInput, false
	default:
		return StatusGenericError, false
	}
}
