package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	insertThrottleStateSQL = `INSERT INTO throttle_states (
        symbol,
        strategy_key,
        side
    ) VALUES (
        $1,$2,$3
    )
    ON CONFLICT (symbol, strategy_key, side) DO NOTHING;`

	selectThrottleStateSQL = `SELECT
        last_price,
        last_time,
        force_next_signal,
        config_fingerprint,
        emit_reason,
        created_at,
        updated_at
    FROM throttle_states
    WHERE symbol = $1
      AND strategy_key = $2
      AND side = $3;`

	markEmittedSQL = `UPDATE throttle_states
    SET last_price = $4,
        last_time = $5,
        force_next_signal = false,
        emit_reason = $6,
        updated_at = now()
    WHERE symbol = $1
      AND strategy_key = $2
      AND side = $3;`

	consumeForceSQL = `UPDATE throttle_states
    SET force_next_signal = false,
        updated_at = now()
    WHERE symbol = $1
      AND strategy_key = $2
      AND side = $3
      AND force_next_signal = true;`

	setFingerprintSQL = `UPDATE throttle_states
    SET force_next_signal = true,
        config_fingerprint = $4,
        updated_at = now()
    WHERE symbol = $1
      AND strategy_key = $2
      AND side = $3;`

	adoptFingerprintSQL = `UPDATE throttle_states
    SET config_fingerprint = $4,
        updated_at = now()
    WHERE symbol = $1
      AND strategy_key = $2
      AND side = $3
      AND (config_fingerprint IS NULL OR config_fingerprint = '');`
)

// ThrottleStore defines operations for throttle state persistence. All
// mutations are single statements so each one is atomic on its own.
type ThrottleStore interface {
	// GetOrCreate loads the state row for a key, creating an empty row on
	// first evaluation. A concurrent create degrades to the existing row.
	GetOrCreate(ctx context.Context, key ThrottleKey) (ThrottleState, error)
	// MarkEmitted records an emission baseline and clears the force flag.
	MarkEmitted(ctx context.Context, key ThrottleKey, price decimal.Decimal, at time.Time, reason string) error
	// ConsumeForce clears force_next_signal and reports whether this caller
	// was the one that consumed it. Compare-and-swap: two racing callers
	// cannot both observe true.
	ConsumeForce(ctx context.Context, key ThrottleKey) (bool, error)
	// SetFingerprint stores a new config fingerprint and arms the force
	// flag in the same statement. This is the only sanctioned mutation path
	// for configuration changes and external overrides.
	SetFingerprint(ctx context.Context, key ThrottleKey, fingerprint string) error
	// AdoptFingerprint records the first fingerprint for a fresh row
	// without arming the force flag; a first sighting is not a change.
	AdoptFingerprint(ctx context.Context, key ThrottleKey, fingerprint string) error
}

// GetOrCreate loads or initialises the throttle state for a key.
func (s *Store) GetOrCreate(ctx context.Context, key ThrottleKey) (ThrottleState, error) {
	pool, err := s.getPool()
	if err != nil {
		return ThrottleState{}, err
	}

	if _, execErr := pool.Exec(ctx, insertThrottleStateSQL, key.Symbol, key.StrategyKey, key.Side); execErr != nil {
		return ThrottleState{}, fmt.Errorf("init throttle state: %w", execErr)
	}

	var (
		lastPrice   sql.NullString
		lastTime    sql.NullTime
		force       bool
		fingerprint sql.NullString
		emitReason  sql.NullString
		createdAt   time.Time
		updatedAt   time.Time
	)
	row := pool.QueryRow(ctx, selectThrottleStateSQL, key.Symbol, key.StrategyKey, key.Side)
	if scanErr := row.Scan(&lastPrice, &lastTime, &force, &fingerprint, &emitReason, &createdAt, &updatedAt); scanErr != nil {
		return ThrottleState{}, fmt.Errorf("load throttle state: %w", scanErr)
	}

	state := ThrottleState{
		Key:             key,
		ForceNextSignal: force,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if fingerprint.Valid {
		state.ConfigFingerprint = fingerprint.String
	}
	if emitReason.Valid {
		state.EmitReason = emitReason.String
	}
	if lastPrice.Valid {
		price, convErr := decimal.NewFromString(lastPrice.String)
		if convErr != nil {
			return ThrottleState{}, fmt.Errorf("parse last price: %w", convErr)
		}
		state.LastPrice = &price
	}
	if lastTime.Valid {
		t := lastTime.Time
		state.LastTime = &t
	}

	return state, nil
}

// MarkEmitted advances the emission baseline for a key.
func (s *Store) MarkEmitted(ctx context.Context, key ThrottleKey, price decimal.Decimal, at time.Time, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markEmittedSQL, key.Symbol, key.StrategyKey, key.Side, price.String(), at, reason)
	if execErr != nil {
		return fmt.Errorf("mark emitted: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("mark emitted: no state row for %s/%s/%s", key.Symbol, key.StrategyKey, key.Side)
	}
	return nil
}

// ConsumeForce clears the force flag if, and only if, it is still set.
func (s *Store) ConsumeForce(ctx context.Context, key ThrottleKey) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, consumeForceSQL, key.Symbol, key.StrategyKey, key.Side)
	if execErr != nil {
		return false, fmt.Errorf("consume force flag: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// SetFingerprint arms the force flag together with the new fingerprint.
func (s *Store) SetFingerprint(ctx context.Context, key ThrottleKey, fingerprint string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, setFingerprintSQL, key.Symbol, key.StrategyKey, key.Side, fingerprint)
	if execErr != nil {
		return fmt.Errorf("set fingerprint: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("set fingerprint: no state row for %s/%s/%s", key.Symbol, key.StrategyKey, key.Side)
	}
	return nil
}

// AdoptFingerprint sets the fingerprint only when the row has none yet.
func (s *Store) AdoptFingerprint(ctx context.Context, key ThrottleKey, fingerprint string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, adoptFingerprintSQL, key.Symbol, key.StrategyKey, key.Side, fingerprint); execErr != nil {
		return fmt.Errorf("adopt fingerprint: %w", execErr)
	}
	return nil
}

var _ ThrottleStore = (*Store)(nil)
