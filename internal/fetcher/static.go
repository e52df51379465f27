package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Static serves a fixed price, used by the one-shot evaluate command.
type Static struct {
	Price decimal.Decimal
}

// FetchPrice returns the configured price stamped with the current time.
func (s *Static) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	return s.Price, time.Now().UTC(), nil
}

var _ PriceFetcher = (*Static)(nil)
