package storage

import (
	"context"
	"fmt"
)

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS throttle_states (
  symbol            TEXT NOT NULL,
  strategy_key      TEXT NOT NULL,
  side              TEXT NOT NULL,
  last_price        NUMERIC,
  last_time         TIMESTAMPTZ,
  force_next_signal BOOLEAN NOT NULL DEFAULT FALSE,
  config_fingerprint TEXT NOT NULL DEFAULT '',
  emit_reason       TEXT NOT NULL DEFAULT '',
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (symbol, strategy_key, side)
);

CREATE TABLE IF NOT EXISTS dedup_events (
  key            TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL,
  symbol         TEXT NOT NULL,
  action         TEXT NOT NULL,
  payload        JSONB,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_dedup_events_created_at ON dedup_events (created_at);

CREATE TABLE IF NOT EXISTS decision_records (
  correlation_id TEXT PRIMARY KEY,
  symbol         TEXT NOT NULL,
  side           TEXT NOT NULL,
  decision       TEXT NOT NULL,
  reason_code    TEXT NOT NULL,
  reason_message TEXT NOT NULL DEFAULT '',
  context        JSONB,
  blocked        BOOLEAN NOT NULL DEFAULT FALSE,
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_decision_records_symbol_created_at ON decision_records (symbol, created_at);
`

// EnsureSchema creates the tables the store depends on if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
