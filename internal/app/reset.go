package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"signal-gate/internal/engine"
	"signal-gate/internal/storage"
)

// Reset is the sanctioned external override path into throttle state: it
// arms force_next_signal together with the fingerprint of the current
// configuration. It never touches last_price or last_time.
func (a *App) Reset(ctx context.Context, opts ResetOptions) error {
	watch, err := a.findWatch(opts.Symbol)
	if err != nil {
		return err
	}
	if opts.StrategyKey != "" && opts.StrategyKey != watch.StrategyKey {
		return fmt.Errorf("strategy %s does not match configured %s for %s", opts.StrategyKey, watch.StrategyKey, watch.Symbol)
	}

	side := strings.ToUpper(opts.Side)
	switch side {
	case string(engine.SideBuy), string(engine.SideSell):
	default:
		return fmt.Errorf("invalid side %q", opts.Side)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	fingerprint := engine.Fingerprint(engine.Snapshot{
		Enabled:      watch.Enabled,
		StrategyKey:  watch.StrategyKey,
		ThresholdPct: decimal.NewFromFloat(watch.ThresholdPct),
		TradeSize:    decimal.NewFromFloat(watch.TradeSize),
	})

	key := storage.ThrottleKey{Symbol: watch.Symbol, StrategyKey: watch.StrategyKey, Side: side}
	if _, err := store.GetOrCreate(ctx, key); err != nil {
		return err
	}
	if err := store.SetFingerprint(ctx, key, fingerprint); err != nil {
		return err
	}

	a.Logger.Info().
		Str("symbol", watch.Symbol).
		Str("strategy", watch.StrategyKey).
		Str("side", side).
		Float64("current_price", opts.CurrentPrice).
		Msg("force override armed; next evaluation will emit")
	return nil
}
