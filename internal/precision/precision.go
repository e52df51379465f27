package precision

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Precision carries the venue-mandated numeric constraints for one symbol.
type Precision struct {
	Symbol           string
	PriceDecimals    int32
	PriceTick        decimal.Decimal
	QuantityDecimals int32
	QuantityStep     decimal.Decimal
	MinQuantity      decimal.Decimal
	MinNotional      decimal.Decimal
	FetchedAt        time.Time
}

// Stale reports whether the metadata is older than the freshness window.
func (p Precision) Stale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return p.FetchedAt.IsZero() || now.Sub(p.FetchedAt) > maxAge
}

// DecimalsFromIncrement derives the fractional digit count from a tick or
// step size, e.g. 0.010 -> 2, 1 -> 0.
func DecimalsFromIncrement(inc decimal.Decimal) int32 {
	s := inc.String()
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(s[idx+1:], "0")
	return int32(len(frac))
}
