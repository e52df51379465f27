package ledger

import (
	"context"
	"time"

	"signal-gate/internal/storage"
)

// CommitResult reports whether this caller claimed the logical event.
type CommitResult struct {
	Accepted              bool
	ExistingCorrelationID string
}

// Ledger guards actionable events against duplicate processing. A rejected
// commit means another process already handled the event inside the TTL
// window; callers treat it as an idempotent no-op, never as an error.
type Ledger interface {
	Commit(ctx context.Context, event storage.DedupEvent) (CommitResult, error)
}

// PostgresLedger backs the ledger with the dedup_events unique key.
type PostgresLedger struct {
	store storage.DedupStore
	ttl   time.Duration
}

// NewPostgresLedger wires a dedup store into a Ledger.
func NewPostgresLedger(store storage.DedupStore, ttl time.Duration) *PostgresLedger {
	return &PostgresLedger{store: store, ttl: ttl}
}

// Commit claims the event key or surfaces the earlier claim.
func (l *PostgresLedger) Commit(ctx context.Context, event storage.DedupEvent) (CommitResult, error) {
	accepted, existing, err := l.store.CommitEvent(ctx, event, l.ttl)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Accepted: accepted, ExistingCorrelationID: existing}, nil
}

var _ Ledger = (*PostgresLedger)(nil)
