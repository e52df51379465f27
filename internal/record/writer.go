package record

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"signal-gate/internal/metrics"
	"signal-gate/internal/storage"
)

// Handle is the persistence capability the writer requires: a decision store
// that can vouch for its own liveness. The writer validates liveness at the
// boundary instead of probing connection internals mid-write.
type Handle interface {
	storage.DecisionStore
	Alive() bool
}

// Writer persists decision records. It owns the write transaction: each
// record is committed by the single insert statement, and the caller must
// not assume success. A failed audit write degrades, it never blocks the
// decision.
type Writer struct {
	handle  Handle
	timeout time.Duration
	logger  zerolog.Logger
}

// NewWriter constructs a Writer with a bounded per-write timeout.
func NewWriter(handle Handle, timeout time.Duration, logger zerolog.Logger) *Writer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Writer{
		handle:  handle,
		timeout: timeout,
		logger:  logger.With().Str("component", "decision_writer").Logger(),
	}
}

// Record appends one decision record and reports whether the audit row was
// written. A dead handle or a persistence failure is logged and counted,
// never returned as a fatal error.
func (w *Writer) Record(ctx context.Context, rec storage.DecisionRecord) bool {
	if w == nil || w.handle == nil || !w.handle.Alive() {
		w.log().Error().
			Str("correlation_id", rec.CorrelationID).
			Str("symbol", rec.Symbol).
			Msg("decision record dropped: persistence handle not usable")
		metrics.AuditWriteFailures.Inc()
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.handle.InsertDecision(writeCtx, rec); err != nil {
		w.logger.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Str("symbol", rec.Symbol).
			Str("decision", rec.Decision).
			Msg("failed to persist decision record")
		metrics.AuditWriteFailures.Inc()
		return false
	}
	return true
}

// Amend rewrites the outcome fields of an already persisted record and
// reports whether the row was updated. It follows the same degrade-only
// contract as Record: failures are logged and counted, never fatal.
func (w *Writer) Amend(ctx context.Context, rec storage.DecisionRecord) bool {
	if w == nil || w.handle == nil || !w.handle.Alive() {
		w.log().Error().
			Str("correlation_id", rec.CorrelationID).
			Str("symbol", rec.Symbol).
			Msg("decision amendment dropped: persistence handle not usable")
		metrics.AuditWriteFailures.Inc()
		return false
	}

	writeCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if err := w.handle.AmendDecision(writeCtx, rec); err != nil {
		w.logger.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Str("symbol", rec.Symbol).
			Str("decision", rec.Decision).
			Msg("failed to amend decision record")
		metrics.AuditWriteFailures.Inc()
		return false
	}
	return true
}

func (w *Writer) log() *zerolog.Logger {
	if w == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return &w.logger
}
