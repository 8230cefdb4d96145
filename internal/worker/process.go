package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/dyluth/relay/internal/enforce"
	"github.com/dyluth/relay/internal/gates"
	"github.com/dyluth/relay/internal/intake"
	"github.com/dyluth/relay/pkg/fault"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const actor = "worker"

// Error codes for failures that are not faults or contract violations.
const (
	ErrorCodeInternal = "internal_error"
	ErrorCodePanic    = "worker_panic"
)

const finalizeTimeout = 5 * time.Second

// Process runs one leased transmission to a terminal status. It never panics and never
// returns an error: every failure is mapped onto the transmission itself.
func (e *Engine) Process(ctx context.Context, owner string, lease transmission.LeaseResult) {
	t := lease.Transmission
	log := e.logger.With(zap.String("transmission_id", t.ID), zap.String("owner", owner))

	run := trace.Run{
		ID:             uuid.New().String(),
		TransmissionID: t.ID,
		Level:          intake.TraceLevelOf(t),
		StartedAtMs:    time.Now().UnixMilli(),
	}
	rec := trace.NewRecorder(run, transmission.NewTraceSink(e.store, log), trace.WithLogger(log))

	var upd transmission.StatusUpdate
	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Job panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				upd = retryable(ErrorCodePanic, fmt.Sprintf("panic: %v", r))
				rec.Record(ctx, actor, trace.PhaseError, trace.StatusFailed, upd.ErrorDetail, trace.Metadata{
					"status_code": upd.StatusCode,
					"retryable":   true,
					"panic":       true,
					"error_code":  upd.ErrorCode,
				})
			}
		}()
		upd = e.run(ctx, rec, log, t, owner, lease.PreviousStatus)
	}()

	e.finalize(ctx, log, t.ID, owner, upd)
}

// run executes the pipeline and returns the terminal update to apply.
func (e *Engine) run(ctx context.Context, rec *trace.Recorder, log *zap.Logger, t *transmission.Transmission, owner string, prev transmission.Status) transmission.StatusUpdate {
	if err := e.store.CreateTraceRun(ctx, rec.Run()); err != nil {
		return e.fail(ctx, rec, log, fmt.Errorf("failed to create trace run: %w", err))
	}

	rec.Record(ctx, actor, trace.PhaseNormalize, trace.StatusStarted,
		fmt.Sprintf("lease %d for %s", t.AttemptCount, t.Kind),
		trace.Metadata{
			"kind":            string(t.Kind),
			"thread_id":       t.ThreadID,
			"attempt_count":   t.AttemptCount,
			"previous_status": string(prev),
		})

	pkt, err := t.DecodePacket()
	if err != nil {
		return e.fail(ctx, rec, log, fault.New(fault.CodeMalformedPacket, err.Error(), nil))
	}

	st := gates.NewState(t.ID, pkt, t.ModeDecision)
	if err := e.pipeline.Run(ctx, rec, st); err != nil {
		return e.fail(ctx, rec, log, err)
	}

	if st.Evidence != nil && !st.Evidence.Empty() {
		if err := e.store.PutEvidence(ctx, t.ID, t.ThreadID, st.Evidence); err != nil {
			return e.fail(ctx, rec, log, fmt.Errorf("failed to persist evidence: %w", err))
		}
	}
	if err := e.putArtifact(ctx, t.ID, transmission.ArtifactGateSummary, st.Summary()); err != nil {
		return e.fail(ctx, rec, log, err)
	}

	blocks := e.assembler.Assemble(pkt.DriverBlockRefs, pkt.DriverBlockInline, pkt.DriverBlockMode)
	status, summary := trace.StatusCompleted, fmt.Sprintf("%d blocks accepted", len(blocks.Accepted))
	md := blocks.Metadata()
	switch {
	case blocks.Mismatch:
		status = trace.StatusWarning
		md["reason_code"] = "driver_block_mode_mismatch"
		summary = fmt.Sprintf("mode %s ignored %d client blocks", blocks.Mode, len(blocks.Dropped))
	case len(blocks.Dropped) > 0 || len(blocks.Trimmed) > 0:
		status = trace.StatusWarning
		md["reason_code"] = "driver_blocks_bounded"
		summary = fmt.Sprintf("%d blocks accepted, %d dropped, %d trimmed",
			len(blocks.Accepted), len(blocks.Dropped), len(blocks.Trimmed))
	}
	rec.Record(ctx, actor, trace.PhasePolicyEngine, status, summary, md)
	if err := e.putArtifact(ctx, t.ID, transmission.ArtifactDriverBlocks, blocks); err != nil {
		return e.fail(ctx, rec, log, err)
	}

	res, err := e.enforcer.Run(ctx, rec, st, blocks.Accepted)
	if err != nil {
		return e.fail(ctx, rec, log, err)
	}

	if err := e.checkLease(ctx, t.ID, owner); err != nil {
		return e.fail(ctx, rec, log, err)
	}
	if err := e.store.PutEnvelope(ctx, t.ID, res.Envelope); err != nil {
		return e.fail(ctx, rec, log, fmt.Errorf("failed to persist envelope: %w", err))
	}
	rec.Record(ctx, actor, trace.PhaseRender, trace.StatusCompleted,
		fmt.Sprintf("rendered after %d attempts", res.Attempts),
		trace.Metadata{"status_code": http.StatusOK, "envelope": true, "fallback": false})

	return transmission.StatusUpdate{
		Status:       transmission.StatusCompleted,
		StatusCode:   http.StatusOK,
		ResponseText: res.Envelope.Text,
	}
}

// fail maps err onto a failed update and records the matching trace event.
func (e *Engine) fail(ctx context.Context, rec *trace.Recorder, log *zap.Logger, err error) transmission.StatusUpdate {
	var upd transmission.StatusUpdate
	switch f, isFault := fault.As(err); {
	case isFault:
		upd = transmission.StatusUpdate{
			Status:      transmission.StatusFailed,
			StatusCode:  f.StatusCode,
			ErrorCode:   string(f.Code),
			ErrorDetail: f.Message,
		}
		log.Info("Transmission rejected", zap.String("code", string(f.Code)))

	case enforce.IsContractViolation(err):
		upd = transmission.StatusUpdate{
			Status:       transmission.StatusFailed,
			StatusCode:   http.StatusUnprocessableEntity,
			ErrorCode:    enforce.ErrorCode,
			ErrorDetail:  err.Error(),
			ResponseText: enforce.FallbackText,
		}
		rec.Record(ctx, actor, trace.PhaseRender, trace.StatusFailed, "fallback rendered",
			trace.Metadata{"status_code": upd.StatusCode, "envelope": false, "fallback": true})
		log.Warn("Output failed closed", zap.Error(err))

	default:
		upd = retryable(ErrorCodeInternal, err.Error())
		log.Error("Job failed", zap.Error(err))
	}

	rec.Record(ctx, actor, trace.PhaseError, trace.StatusFailed, upd.ErrorDetail, trace.Metadata{
		"status_code": upd.StatusCode,
		"retryable":   upd.Retryable,
		"error_code":  upd.ErrorCode,
	})
	return upd
}

// checkLease reports ErrLeaseNotHeld once another worker has reclaimed id, so a
// superseded owner never publishes its envelope.
func (e *Engine) checkLease(ctx context.Context, id, owner string) error {
	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to verify lease: %w", err)
	}
	if cur.Status != transmission.StatusProcessing || cur.LeaseOwner != owner {
		return fmt.Errorf("transmission %s owned by %q: %w", id, cur.LeaseOwner, transmission.ErrLeaseNotHeld)
	}
	return nil
}

func retryable(code, detail string) transmission.StatusUpdate {
	return transmission.StatusUpdate{
		Status:      transmission.StatusFailed,
		StatusCode:  http.StatusServiceUnavailable,
		Retryable:   true,
		ErrorCode:   code,
		ErrorDetail: detail,
	}
}

func (e *Engine) putArtifact(ctx context.Context, id, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s artifact: %w", name, err)
	}
	if err := e.store.PutArtifact(ctx, id, name, data); err != nil {
		return fmt.Errorf("failed to persist %s artifact: %w", name, err)
	}
	return nil
}

// finalize writes the terminal status. It runs even when ctx was cancelled mid-job so
// the lease is released rather than left to expire.
func (e *Engine) finalize(ctx context.Context, log *zap.Logger, id, owner string, upd transmission.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	upd.OwnerID = owner
	err := e.store.UpdateStatus(ctx, id, upd)
	switch {
	case err == nil:
		e.processed.Add(1)
		e.jobs.Add(ctx, 1, metric.WithAttributes(attribute.Int("status_code", upd.StatusCode)))
		log.Info("Transmission finalized",
			zap.String("status", string(upd.Status)),
			zap.Int("status_code", upd.StatusCode))
	case errors.Is(err, transmission.ErrLeaseNotHeld):
		log.Warn("Lease lost before finalize; result discarded", zap.Error(err))
	default:
		log.Error("Failed to finalize transmission", zap.Error(err))
	}
}
