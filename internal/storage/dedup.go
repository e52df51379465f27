package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	commitDedupEventSQL = `INSERT INTO dedup_events (
        key,
        correlation_id,
        symbol,
        action,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (key) DO UPDATE
    SET correlation_id = EXCLUDED.correlation_id,
        symbol         = EXCLUDED.symbol,
        action         = EXCLUDED.action,
        payload        = EXCLUDED.payload,
        created_at     = now()
    WHERE dedup_events.created_at < $6
    RETURNING correlation_id;`

	selectDedupOwnerSQL = `SELECT correlation_id FROM dedup_events WHERE key = $1;`

	deleteDedupEventsBeforeSQL = `DELETE FROM dedup_events WHERE created_at < $1;`
)

// DedupStore defines the content-addressed actionable-event ledger.
type DedupStore interface {
	// CommitEvent attempts to claim the logical event. A uniqueness clash
	// within the TTL window is not an error: it returns accepted=false with
	// the correlation id of the earlier claim. Rows older than the window
	// are reclaimed in place.
	CommitEvent(ctx context.Context, event DedupEvent, ttl time.Duration) (accepted bool, existing string, err error)
	// DeleteEventsBefore physically purges expired ledger rows.
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// CommitEvent claims a dedup key or surfaces the prior owner.
func (s *Store) CommitEvent(ctx context.Context, event DedupEvent, ttl time.Duration) (bool, string, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, "", err
	}

	cutoff := time.Now().UTC().Add(-ttl)

	var claimed string
	scanErr := pool.QueryRow(ctx, commitDedupEventSQL,
		event.Key,
		event.CorrelationID,
		event.Symbol,
		event.Action,
		[]byte(event.Payload),
		cutoff,
	).Scan(&claimed)
	if scanErr == nil {
		return true, "", nil
	}
	if !errors.Is(scanErr, pgx.ErrNoRows) {
		return false, "", fmt.Errorf("commit dedup event: %w", scanErr)
	}

	// The key exists inside the window; report who holds it.
	var existing string
	if err := pool.QueryRow(ctx, selectDedupOwnerSQL, event.Key).Scan(&existing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Row purged between the two statements; the event was handled.
			return false, "", nil
		}
		return false, "", fmt.Errorf("load dedup owner: %w", err)
	}
	return false, existing, nil
}

// DeleteEventsBefore purges ledger rows older than the given time.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteDedupEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete dedup events before: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

var _ DedupStore = (*Store)(nil)
