package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of the evaluated action.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Outcome of one evaluation.
type Outcome string

const (
	OutcomeEmit Outcome = "EMIT"
	OutcomeSkip Outcome = "SKIP"
)

// ReasonCode explains an outcome. Routine throttle skips and hard-gate
// blocks are distinct families; user-facing semantics depend on keeping
// them apart.
type ReasonCode string

const (
	ReasonPriceAndTimeOK ReasonCode = "PRICE_AND_TIME_OK"
	ReasonForcedOverride ReasonCode = "FORCED_OVERRIDE"

	ReasonSkipCooldownActive ReasonCode = "SKIP_COOLDOWN_ACTIVE"
	ReasonSkipPriceUnchanged ReasonCode = "SKIP_PRICE_UNCHANGED"
	ReasonSkipThrottled      ReasonCode = "SKIP_THROTTLED"

	ReasonSkipDisabled     ReasonCode = "SKIP_DISABLED"
	ReasonSkipStaleData    ReasonCode = "SKIP_STALE_DATA"
	ReasonSkipBelowMinimum ReasonCode = "SKIP_BELOW_MINIMUM"
)

// Blocked reports whether the reason is a hard gate rather than routine
// throttling.
func (r ReasonCode) Blocked() bool {
	switch r {
	case ReasonSkipDisabled, ReasonSkipStaleData, ReasonSkipBelowMinimum:
		return true
	default:
		return false
	}
}

// Snapshot is the configuration view an evaluation runs against. Its fields
// are exactly the fingerprinted set: a change to any of them bypasses the
// throttle once.
type Snapshot struct {
	Enabled      bool
	StrategyKey  string
	ThresholdPct decimal.Decimal
	TradeSize    decimal.Decimal
}

// Input is one observation to evaluate.
type Input struct {
	Symbol     string
	Side       Side
	Price      decimal.Decimal
	ObservedAt time.Time
	Config     Snapshot
}

// Decision is the evaluation verdict.
type Decision struct {
	Outcome       Outcome
	ReasonCode    ReasonCode
	ReasonMessage string
	CorrelationID string
	Blocked       bool
	// Degraded marks a decision whose audit trail or state update failed;
	// the decision itself still stands.
	Degraded bool
}

// Emit reports whether downstream actions should fire.
func (d Decision) Emit() bool {
	return d.Outcome == OutcomeEmit
}
