package quant

import (
	"fmt"

	"github.com/shopspring/decimal"

	"signal-gate/internal/precision"
)

// ValidationError rejects an order whose quantized values fall below venue
// minimums. It is a hard error: the action must be dropped, not emitted.
type ValidationError struct {
	Constraint string
	Have       decimal.Decimal
	Need       decimal.Decimal
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("quant: %s violated: have %s, need %s", e.Constraint, e.Have, e.Need)
}

// ValidateOrder checks the quantized quantity against min_quantity and the
// quantized notional against min_notional. Call after Format/Apply, with the
// aligned values.
func ValidateOrder(price, quantity decimal.Decimal, prec precision.Precision) error {
	if prec.MinQuantity.IsPositive() && quantity.LessThan(prec.MinQuantity) {
		return &ValidationError{Constraint: "min_quantity", Have: quantity, Need: prec.MinQuantity}
	}
	if prec.MinNotional.IsPositive() {
		notional := price.Mul(quantity)
		if notional.LessThan(prec.MinNotional) {
			return &ValidationError{Constraint: "min_notional", Have: notional, Need: prec.MinNotional}
		}
	}
	return nil
}
