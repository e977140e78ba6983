// Package arbiter orchestrates governed text generation: it runs a
// primary and (when needed) a fallback candidate generator through the
// execution supervisor, vets their outputs against the active policy
// pack, and commits every terminal decision to the sealed ledger before
// returning it.
package arbiter

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Quillon-Labs/gatewarden/pkg/audit"
	"github.com/Quillon-Labs/gatewarden/pkg/ledger"
	"github.com/Quillon-Labs/gatewarden/pkg/observability"
	"github.com/Quillon-Labs/gatewarden/pkg/policy"
	"github.com/Quillon-Labs/gatewarden/pkg/risk"
	"github.com/Quillon-Labs/gatewarden/pkg/supervisor"
)

// Decision is the terminal outcome of one arbitration.
type Decision string

const (
	// DecisionApproved means a candidate passed vetting and its output
	// is released.
	DecisionApproved Decision = "approved"
	// DecisionFailed means candidate text was produced but every
	// candidate was vetoed by policy.
	DecisionFailed Decision = "failed"
	// DecisionError means no candidate text was ever produced, so there
	// was nothing to evaluate.
	DecisionError Decision = "error"
)

// State labels a step of the arbitration flow, recorded in provenance.
type State string

const (
	StateInit              State = "init"
	StatePrimaryExec       State = "primary_exec"
	StatePrimaryVet        State = "primary_vet"
	StatePrimaryVetoed     State = "primary_vetoed"
	StatePrimaryFailedExec State = "primary_failed_exec"
	StateFallbackExec      State = "fallback_exec"
	StateFallbackVet       State = "fallback_vet"
	StateApproved          State = "approved"
	StateFailed            State = "failed"
	StateError             State = "error"
)

// Provenance records how a decision was reached.
type Provenance struct {
	Blinded         bool                `json:"blinded"`
	PrimaryOutcome  supervisor.Outcome  `json:"primary_outcome"`
	FallbackOutcome *supervisor.Outcome `json:"fallback_outcome,omitempty"`
	MatchedRules    []string            `json:"matched_rules"`
	PromptHash      string              `json:"prompt_hash"`
	PolicyVersion   string              `json:"policy_version"`
	States          []State             `json:"states"`
	Elapsed         time.Duration       `json:"elapsed"`
}

// Result is the decision record returned to the caller and committed
// to the ledger.
type Result struct {
	Decision           Decision         `json:"decision"`
	PrimaryAssessment  *risk.Assessment `json:"primary_assessment,omitempty"`
	FallbackAssessment *risk.Assessment `json:"fallback_assessment,omitempty"`
	ChosenOutput       string           `json:"chosen_output,omitempty"`
	HasOutput          bool             `json:"has_output"`
	Provenance         Provenance       `json:"provenance"`
	LedgerHash         string           `json:"ledger_hash"`
	Timestamp          time.Time        `json:"timestamp"`
}

// Request carries one arbitration's inputs. Primary and Fallback are
// the two candidate generators; the core is agnostic to how they
// produce text.
type Request struct {
	Primary  supervisor.Op
	Fallback supervisor.Op
	Prompt   string
	Locale   string
}

// Arbiter coordinates execution, vetting, and ledger commitment. All
// configuration is explicit; there is no package-level state.
type Arbiter struct {
	scorer    *risk.Scorer
	sup       *supervisor.Supervisor
	ledger    *ledger.Sealed
	pack      func() *policy.Pack
	pool      *supervisor.Pool
	prefilter *risk.Prefilter
	auditor   audit.Logger
	obs       *observability.Provider
	random    io.Reader
	logger    *slog.Logger
	clock     func() time.Time

	primaryDeadline  time.Duration
	fallbackDeadline time.Duration
	maxRetries       int
	baseBackoff      time.Duration
}

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithPrefilter installs a hot-keyword gate consulted before full
// scoring on both vetting passes.
func WithPrefilter(p *risk.Prefilter) ArbiterOption {
	return func(a *Arbiter) { a.prefilter = p }
}

// WithPool routes generator invocations through the pool's admission
// gates, bounding concurrency and rate across arbitrations. The
// supervisor keeps ownership of deadlines and retries.
func WithPool(p *supervisor.Pool) ArbiterOption {
	return func(a *Arbiter) { a.pool = p }
}

// WithAuditor installs an audit logger for terminal decisions.
func WithAuditor(al audit.Logger) ArbiterOption {
	return func(a *Arbiter) { a.auditor = al }
}

// WithObservability installs tracing and metrics.
func WithObservability(p *observability.Provider) ArbiterOption {
	return func(a *Arbiter) { a.obs = p }
}

// WithRandom overrides the entropy source used for blinding labels.
func WithRandom(r io.Reader) ArbiterOption {
	return func(a *Arbiter) { a.random = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) ArbiterOption {
	return func(a *Arbiter) { a.logger = l }
}

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) ArbiterOption {
	return func(a *Arbiter) { a.clock = clock }
}

// WithDeadlines sets the per-candidate execution deadlines.
func WithDeadlines(primary, fallback time.Duration) ArbiterOption {
	return func(a *Arbiter) {
		a.primaryDeadline = primary
		a.fallbackDeadline = fallback
	}
}

// WithRetryPolicy sets the supervisor retry budget per candidate.
func WithRetryPolicy(maxRetries int, baseBackoff time.Duration) ArbiterOption {
	return func(a *Arbiter) {
		a.maxRetries = maxRetries
		a.baseBackoff = baseBackoff
	}
}

// New constructs an Arbiter. packSource must return the currently
// active policy pack; it is consulted once per arbitration so hot
// reloads take effect on the next call, never mid-flight.
func New(scorer *risk.Scorer, sup *supervisor.Supervisor, ldg *ledger.Sealed, packSource func() *policy.Pack, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		scorer:           scorer,
		sup:              sup,
		ledger:           ldg,
		pack:             packSource,
		auditor:          audit.Nop(),
		random:           rand.Reader,
		logger:           slog.Default().With("component", "arbiter"),
		clock:            time.Now,
		primaryDeadline:  30 * time.Second,
		fallbackDeadline: 30 * time.Second,
		maxRetries:       2,
		baseBackoff:      200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Arbitrate runs one governed generation flow and returns its decision.
// It never returns an error for execution failures or policy vetoes;
// those are encoded in the Result. The only error path is the ledger
// refusing to durably persist the decision, in which case the caller
// must halt rather than treat the decision as final.
func (a *Arbiter) Arbitrate(ctx context.Context, req Request) (res *Result, err error) {
	pack := a.pack()
	if pack == nil {
		return nil, fmt.Errorf("arbitrate: no active policy pack")
	}

	start := a.clock()
	if a.obs != nil {
		var done func(error)
		ctx, done = a.obs.TrackOperation(ctx, "arbiter.arbitrate",
			attribute.String("policy.version", pack.Version))
		defer func() { done(err) }()
	}

	primaryOp, fallbackOp := req.Primary, req.Fallback
	if a.pool != nil {
		primaryOp = a.pool.Wrap(primaryOp)
		fallbackOp = a.pool.Wrap(fallbackOp)
	}

	res = &Result{
		Provenance: Provenance{
			PromptHash:    hashPrompt(req.Prompt),
			PolicyVersion: pack.Version,
			States:        []State{StateInit},
		},
	}

	res.step(StatePrimaryExec)
	primaryOut := a.sup.RunWithRetry(ctx, primaryOp, a.maxRetries, a.primaryDeadline, a.baseBackoff)
	res.Provenance.PrimaryOutcome = primaryOut

	if primaryOut.OK() {
		res.step(StatePrimaryVet)
		as := a.scorer.Vet(primaryOut.Payload, pack, "primary", req.Locale, a.prefilter)
		res.PrimaryAssessment = &as

		if as.Decision == risk.DecisionAllow {
			// The fallback is never invoked once a candidate already
			// passes the uniform threshold.
			res.Decision = DecisionApproved
			res.ChosenOutput = primaryOut.Payload
			res.HasOutput = true
			res.Provenance.MatchedRules = as.Hits
			res.step(StateApproved)
			return a.commit(ctx, res, start)
		}
		res.step(StatePrimaryVetoed)
	} else {
		res.step(StatePrimaryFailedExec)
	}

	res.step(StateFallbackExec)
	fallbackOut := a.sup.RunWithRetry(ctx, fallbackOp, a.maxRetries, a.fallbackDeadline, a.baseBackoff)
	res.Provenance.FallbackOutcome = &fallbackOut

	if !fallbackOut.OK() {
		if res.PrimaryAssessment == nil {
			// Neither generator ever produced text.
			res.Decision = DecisionError
			res.Provenance.MatchedRules = []string{}
			res.step(StateError)
		} else {
			// Primary text existed but was vetoed; nothing else to try.
			res.Decision = DecisionFailed
			res.Provenance.MatchedRules = res.PrimaryAssessment.Hits
			res.step(StateFailed)
		}
		return a.commit(ctx, res, start)
	}

	res.step(StateFallbackVet)
	res.Provenance.Blinded = true

	cands := []candidate{{role: roleFallback, text: fallbackOut.Payload}}
	if primaryOut.OK() {
		cands = append(cands, candidate{role: rolePrimary, text: primaryOut.Payload})
	}
	vetted := a.blindVet(cands, pack, req.Locale)

	fb := vetted[roleFallback]
	res.FallbackAssessment = &fb
	if pa, ok := vetted[rolePrimary]; ok {
		res.PrimaryAssessment = &pa
	}

	if fb.Decision == risk.DecisionAllow {
		res.Decision = DecisionApproved
		res.ChosenOutput = fallbackOut.Payload
		res.HasOutput = true
		res.Provenance.MatchedRules = fb.Hits
		res.step(StateApproved)
		return a.commit(ctx, res, start)
	}

	res.Decision = DecisionFailed
	res.Provenance.MatchedRules = unionHits(res.PrimaryAssessment, res.FallbackAssessment)
	res.step(StateFailed)
	return a.commit(ctx, res, start)
}

// commit appends the decision to the sealed ledger, attaches the block
// hash, and emits audit/metric events. A ledger persistence failure is
// the single hard-error path of arbitration.
func (a *Arbiter) commit(ctx context.Context, res *Result, start time.Time) (*Result, error) {
	res.Timestamp = a.clock()
	res.Provenance.Elapsed = res.Timestamp.Sub(start)
	if res.Provenance.MatchedRules == nil {
		res.Provenance.MatchedRules = []string{}
	}

	hash, err := a.ledger.Append(ctx, res, true)
	if err != nil {
		a.logger.ErrorContext(ctx, "decision could not be sealed",
			"decision", res.Decision, "error", err)
		return nil, fmt.Errorf("arbitrate: sealing decision: %w", err)
	}
	res.LedgerHash = hash

	a.auditor.Record(ctx, audit.EventDecision, string(res.Decision), "arbiter", map[string]any{
		"ledger_hash":    hash,
		"prompt_hash":    res.Provenance.PromptHash,
		"policy_version": res.Provenance.PolicyVersion,
		"blinded":        res.Provenance.Blinded,
		"matched_rules":  res.Provenance.MatchedRules,
	})
	if a.obs != nil {
		a.obs.RecordDecision(ctx,
			attribute.String("decision", string(res.Decision)),
			attribute.Bool("blinded", res.Provenance.Blinded),
		)
	}

	a.logger.InfoContext(ctx, "arbitration complete",
		"decision", res.Decision,
		"ledger_hash", hash,
		"elapsed", res.Provenance.Elapsed,
		"states", res.Provenance.States,
	)
	return res, nil
}

func (r *Result) step(s State) {
	r.Provenance.States = append(r.Provenance.States, s)
}

// unionHits merges matched rule ids from both assessments, preserving
// first-seen order.
func unionHits(assessments ...*risk.Assessment) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, as := range assessments {
		if as == nil {
			continue
		}
		for _, h := range as.Hits {
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			out = append(out, h)
		}
	}
	return out
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
