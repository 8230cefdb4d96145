// Package enforce runs the model under the output contract: every attempt is linted
// against the accepted driver blocks and the envelope schema, a violating first attempt
// gets one corrective retry, and a violating retry fails closed.
package enforce

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/relay/internal/compose"
	"github.com/dyluth/relay/internal/config"
	"github.com/dyluth/relay/internal/driverblock"
	"github.com/dyluth/relay/internal/gates"
	"github.com/dyluth/relay/internal/model"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"go.uber.org/zap"
)

// ErrContractViolation is returned when the corrective attempt still violates the contract.
var ErrContractViolation = errors.New("output contract violation")

// ErrorCode is the transmission error code for a fail-closed job.
const ErrorCode = "output_contract_violation"

// FallbackText is the response text stored when a job fails closed.
const FallbackText = "I wasn't able to produce a response that meets the required policies. Please try rephrasing your request."

// MaxAttempts bounds model calls per job.
const MaxAttempts = 2

const actor = "enforcer"

// Result is an accepted output.
type Result struct {
	Envelope *transmission.OutputEnvelope
	Attempts int
	// Corrected lists the violations the first attempt had, if a retry was needed.
	Corrected []Violation
}

// ViolationError carries the final attempt's violations. It wraps ErrContractViolation.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %d violations in %v", ErrContractViolation, len(e.Violations), ViolatedBlockIDs(e.Violations))
}

func (e *ViolationError) Unwrap() error { return ErrContractViolation }

// Enforcer drives the generate, lint, correct loop.
type Enforcer struct {
	gen    model.Generator
	limits config.Limits
	logger *zap.Logger
}

// New creates an Enforcer.
func New(gen model.Generator, limits config.Limits, logger *zap.Logger) *Enforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{gen: gen, limits: limits, logger: logger}
}

// Run generates a response for st under blocks. It returns a *ViolationError when the
// output cannot be brought into contract, and a plain wrapped error when the generator
// itself fails.
func (e *Enforcer) Run(ctx context.Context, rec *trace.Recorder, st *gates.State, blocks []driverblock.Block) (*Result, error) {
	linter := NewLinter(blocks, st.Evidence.SupportIDs(), e.limits)

	var corrective []string
	var first []Violation
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		req := compose.Compose(ctx, rec, compose.Input{
			State:      st,
			Blocks:     blocks,
			Attempt:    attempt,
			Corrective: corrective,
		})

		out, err := e.gen.Generate(ctx, req)
		if err != nil {
			rec.Record(ctx, actor, trace.PhaseModelCall, trace.StatusFailed, err.Error(), trace.Metadata{
				"attempt":  attempt,
				"provider": e.gen.Name(),
			})
			return nil, fmt.Errorf("model call failed on attempt %d: %w", attempt, err)
		}
		rec.Record(ctx, actor, trace.PhaseModelCall, trace.StatusCompleted,
			fmt.Sprintf("attempt %d returned %d bytes", attempt, len(out.Raw)),
			trace.Metadata{
				"attempt":      attempt,
				"provider":     e.gen.Name(),
				"output_bytes": len(out.Raw),
			})

		violations := linter.Lint(out)
		md := trace.Metadata{
			"attempt":            attempt,
			"violation_count":    len(violations),
			"violated_block_ids": ViolatedBlockIDs(violations),
		}

		if len(violations) == 0 {
			rec.Record(ctx, actor, trace.PhaseOutputGates, trace.StatusCompleted,
				fmt.Sprintf("attempt %d passed", attempt), md)
			return &Result{Envelope: out.Envelope, Attempts: attempt + 1, Corrected: first}, nil
		}

		e.logger.Info("Output violated contract",
			zap.String("transmission_id", st.TransmissionID),
			zap.Int("attempt", attempt),
			zap.Int("violations", len(violations)),
			zap.Strings("blocks", ViolatedBlockIDs(violations)))

		if attempt == MaxAttempts-1 {
			md["reason_code"] = ErrorCode
			rec.Record(ctx, actor, trace.PhaseOutputGates, trace.StatusFailed,
				fmt.Sprintf("attempt %d still violates %d rules; failing closed", attempt, len(violations)), md)
			return nil, &ViolationError{Violations: violations}
		}

		md["reason_code"] = "corrective_retry"
		rec.Record(ctx, actor, trace.PhaseOutputGates, trace.StatusWarning,
			fmt.Sprintf("attempt %d violates %d rules; retrying with corrections", attempt, len(violations)), md)

		first = violations
		corrective = make([]string, len(violations))
		for i, v := range violations {
			corrective[i] = v.String()
		}
	}
	return nil, &ViolationError{}
}

// IsContractViolation reports whether err means the job failed closed.
func IsContractViolation(err error) bool {
	return errors.Is(err, ErrContractViolation)
}
