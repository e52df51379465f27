package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	insertDecisionSQL = `INSERT INTO decision_records (
        correlation_id,
        symbol,
        side,
        decision,
        reason_code,
        reason_message,
        context,
        blocked
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    );`

	listRecentDecisionsSQL = `SELECT
        correlation_id,
        symbol,
        side,
        decision,
        reason_code,
        reason_message,
        context,
        blocked,
        created_at
    FROM decision_records
    ORDER BY created_at DESC
    LIMIT $1;`

	listDecisionsBetweenSQL = `SELECT
        correlation_id,
        symbol,
        side,
        decision,
        reason_code,
        reason_message,
        context,
        blocked,
        created_at
    FROM decision_records
    WHERE symbol = $1
      AND created_at >= $2
      AND created_at < $3
    ORDER BY created_at;`

	amendDecisionSQL = `UPDATE decision_records SET
        decision = $2,
        reason_code = $3,
        reason_message = $4,
        blocked = $5
    WHERE correlation_id = $1;`

	getDecisionByCorrelationSQL = `SELECT
        correlation_id,
        symbol,
        side,
        decision,
        reason_code,
        reason_message,
        context,
        blocked,
        created_at
    FROM decision_records
    WHERE correlation_id = $1;`
)

// ErrDecisionNotFound indicates no record exists for a correlation id.
var ErrDecisionNotFound = errors.New("storage: decision record not found")

// DecisionStore defines operations for the append-only decision audit trail.
type DecisionStore interface {
	InsertDecision(ctx context.Context, record DecisionRecord) error
	AmendDecision(ctx context.Context, record DecisionRecord) error
	ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	ListDecisionsBetween(ctx context.Context, symbol string, from, to time.Time) ([]DecisionRecord, error)
	GetDecisionByCorrelationID(ctx context.Context, correlationID string) (DecisionRecord, error)
}

// InsertDecision appends one evaluation outcome.
func (s *Store) InsertDecision(ctx context.Context, record DecisionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	_, execErr := pool.Exec(ctx, insertDecisionSQL,
		record.CorrelationID,
		record.Symbol,
		record.Side,
		record.Decision,
		record.ReasonCode,
		record.ReasonMessage,
		[]byte(record.Context),
		record.Blocked,
	)
	if execErr != nil {
		return fmt.Errorf("insert decision record: %w", execErr)
	}
	return nil
}

// AmendDecision rewrites the outcome of an existing record in place.
// correlation_id is the table key, so an evaluation keeps exactly one row
// even when its outcome is revised after the initial write.
func (s *Store) AmendDecision(ctx context.Context, record DecisionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, amendDecisionSQL,
		record.CorrelationID,
		record.Decision,
		record.ReasonCode,
		record.ReasonMessage,
		record.Blocked,
	)
	if execErr != nil {
		return fmt.Errorf("amend decision record: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrDecisionNotFound
	}
	return nil
}

// ListRecentDecisions lists the most recent decisions.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows, limit)
}

// ListDecisionsBetween lists decisions for a symbol inside a time window.
func (s *Store) ListDecisionsBetween(ctx context.Context, symbol string, from, to time.Time) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, symbol, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	defer rows.Close()

	return collectDecisions(rows, 0)
}

// GetDecisionByCorrelationID loads the record behind one correlation id.
func (s *Store) GetDecisionByCorrelationID(ctx context.Context, correlationID string) (DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DecisionRecord{}, err
	}

	row := pool.QueryRow(ctx, getDecisionByCorrelationSQL, correlationID)
	record, scanErr := scanDecision(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return DecisionRecord{}, ErrDecisionNotFound
		}
		return DecisionRecord{}, fmt.Errorf("get decision by correlation id: %w", scanErr)
	}
	return record, nil
}

func collectDecisions(rows pgx.Rows, hint int) ([]DecisionRecord, error) {
	records := make([]DecisionRecord, 0, hint)
	for rows.Next() {
		record, scanErr := scanDecision(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanDecision(row pgx.Row) (DecisionRecord, error) {
	var (
		record  DecisionRecord
		message sql.NullString
		context json.RawMessage
	)
	if err := row.Scan(
		&record.CorrelationID,
		&record.Symbol,
		&record.Side,
		&record.Decision,
		&record.ReasonCode,
		&message,
		&context,
		&record.Blocked,
		&record.CreatedAt,
	); err != nil {
		return DecisionRecord{}, err
	}
	if message.Valid {
		record.ReasonMessage = message.String
	}
	record.Context = context
	return record, nil
}

var _ DecisionStore = (*Store)(nil)
