package quant

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signal-gate/internal/precision"
)

// Role selects the rounding direction for a value headed to the exchange.
type Role string

const (
	RolePriceBuy        Role = "PRICE_BUY"
	RolePriceSell       Role = "PRICE_SELL"
	RolePriceStop       Role = "PRICE_STOP"
	RolePriceTakeProfit Role = "PRICE_TAKE_PROFIT"
	RoleQuantity        Role = "QUANTITY"
)

// ErrNonPositive indicates a zero or negative input value.
var ErrNonPositive = errors.New("quant: value must be positive")

// Result is a quantized exchange-ready value.
type Result struct {
	Value    decimal.Decimal
	Text     string
	Fallback bool
}

// Format aligns value to the instrument's tick/step grid and renders it with
// a fixed number of fractional digits. Quantities and buy-side prices are
// floored; sell-side and take-profit prices are ceiled. Alignment is exact:
// divide by the increment, truncate in the chosen direction, multiply back.
func Format(value decimal.Decimal, role Role, prec precision.Precision) (Result, error) {
	if !value.IsPositive() {
		return Result{}, ErrNonPositive
	}

	inc, decimals := incrementFor(role, prec)
	if !inc.IsPositive() {
		return Result{}, fmt.Errorf("quant: instrument %s has no %s increment", prec.Symbol, role)
	}

	aligned := align(value, inc, roundsUp(role))
	return Result{Value: aligned, Text: aligned.StringFixed(decimals)}, nil
}

// FormatFallback quantizes without instrument metadata, using the coarse
// magnitude-keyed table. The result is flagged so callers can observe that
// degraded precision was applied.
func FormatFallback(value decimal.Decimal, role Role) (Result, error) {
	if !value.IsPositive() {
		return Result{}, ErrNonPositive
	}

	inc, decimals := fallbackIncrement(value, role)
	aligned := align(value, inc, roundsUp(role))
	return Result{Value: aligned, Text: aligned.StringFixed(decimals), Fallback: true}, nil
}

// Apply formats against live metadata when it is usable and falls back to
// the coarse table when it is absent or stale.
func Apply(value decimal.Decimal, role Role, prec precision.Precision, stale bool) (Result, error) {
	if stale || prec.PriceTick.IsZero() || prec.QuantityStep.IsZero() {
		return FormatFallback(value, role)
	}
	return Format(value, role, prec)
}

func align(value, inc decimal.Decimal, up bool) decimal.Decimal {
	steps := value.Div(inc)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	return steps.Mul(inc)
}

func roundsUp(role Role) bool {
	switch role {
	case RolePriceSell, RolePriceTakeProfit:
		return true
	default:
		// Buy prices, stop triggers, and quantities never round up: a
		// rounded-up quantity can exceed the available balance and a
		// rounded-up buy price overpays.
		return false
	}
}

func incrementFor(role Role, prec precision.Precision) (decimal.Decimal, int32) {
	if role == RoleQuantity {
		return prec.QuantityStep, prec.QuantityDecimals
	}
	return prec.PriceTick, prec.PriceDecimals
}

var (
	incCent      = decimal.New(1, -2) // 0.01
	incTenth     = decimal.New(1, -4) // 0.0001
	incMicro     = decimal.New(1, -6) // 0.000001
	magnitude100 = decimal.NewFromInt(100)
)

func fallbackIncrement(value decimal.Decimal, role Role) (decimal.Decimal, int32) {
	if role == RoleQuantity {
		return incMicro, 6
	}
	if value.GreaterThanOrEqual(magnitude100) {
		return incCent, 2
	}
	return incTenth, 4
}
