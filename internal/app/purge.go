package app

import (
	"context"
	"time"
)

// PurgeDedupEvents physically deletes ledger rows older than the dedup TTL
// (or the explicit cutoff when given). Logical expiry does not depend on
// this; it only reclaims space.
func (a *App) PurgeDedupEvents(ctx context.Context, olderThan *time.Time) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-a.Config.Dedup.TTL)
	if olderThan != nil {
		cutoff = olderThan.UTC()
	}

	deleted, err := store.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("dedup events purged")
	return nil
}
