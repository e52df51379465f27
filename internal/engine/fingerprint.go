package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint hashes the fixed configuration field set. The canonical string
// must stay stable: any format change retriggers a reset for every key.
func Fingerprint(s Snapshot) string {
	canonical := fmt.Sprintf("enabled=%t|strategy=%s|threshold_pct=%s|trade_size=%s",
		s.Enabled,
		s.StrategyKey,
		s.ThresholdPct.String(),
		s.TradeSize.String(),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
