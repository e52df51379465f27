package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// KeyComponents are the identity of one logical actionable event. Price and
// time are bucketed before hashing so near-identical retries of the same
// event collapse onto one key.
type KeyComponents struct {
	Symbol       string
	Side         string
	StrategyKey  string
	Timeframe    string
	TriggerPrice decimal.Decimal
	At           time.Time
}

// DeriveKey produces the deterministic content hash for an event.
func DeriveKey(c KeyComponents, priceBucket decimal.Decimal, timeBucket time.Duration) string {
	price := c.TriggerPrice
	if priceBucket.IsPositive() {
		price = c.TriggerPrice.Div(priceBucket).Floor().Mul(priceBucket)
	}

	window := c.At.UTC()
	if timeBucket > 0 {
		window = window.Truncate(timeBucket)
	}

	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		c.Symbol,
		c.Side,
		c.StrategyKey,
		c.Timeframe,
		price.String(),
		window.Unix(),
	)

	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
