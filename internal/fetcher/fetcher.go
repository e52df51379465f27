package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFetcher retrieves the current observation for a symbol. Market-data
// acquisition is upstream of the gating core; this is the seam it plugs
// into.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}
