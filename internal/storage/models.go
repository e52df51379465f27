package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ThrottleKey identifies one throttle bucket. Alerts and orders for the same
// key share it deliberately: one evaluation, one decision.
type ThrottleKey struct {
	Symbol      string
	StrategyKey string
	Side        string
}

// ThrottleState is the durable per-key emission baseline. Rows are created
// on first evaluation and never deleted.
type ThrottleState struct {
	Key               ThrottleKey
	LastPrice         *decimal.Decimal
	LastTime          *time.Time
	ForceNextSignal   bool
	ConfigFingerprint string
	EmitReason        string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DedupEvent is an append-only ledger entry guarding one logical actionable
// event within the TTL window.
type DedupEvent struct {
	Key           string
	CorrelationID string
	Symbol        string
	Action        string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

// DecisionRecord captures one evaluation outcome for audit and trace.
type DecisionRecord struct {
	CorrelationID string
	Symbol        string
	Side          string
	Decision      string
	ReasonCode    string
	ReasonMessage string
	Context       json.RawMessage
	Blocked       bool
	CreatedAt     time.Time
}
