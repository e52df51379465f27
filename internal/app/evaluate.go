package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"signal-gate/internal/config"
	"signal-gate/internal/engine"
	"signal-gate/internal/fetcher"
)

// Evaluate 以给定价格执行一次评估，完整走 gating/量化/去重流程。
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	watch, err := a.findWatch(opts.Symbol)
	if err != nil {
		return err
	}

	side := engine.Side(strings.ToUpper(opts.Side))
	switch side {
	case engine.SideBuy, engine.SideSell:
	default:
		return fmt.Errorf("invalid side %q", opts.Side)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	price := decimal.NewFromFloat(opts.Price)
	static := &fetcher.Static{Price: price}

	svc, closeLedger := a.newService(store, nil, static)
	if closeLedger != nil {
		defer closeLedger()
	}

	return svc.EvaluateSide(ctx, watch, side, price, time.Now().UTC())
}

func (a *App) findWatch(symbol string) (config.WatchConfig, error) {
	for _, watch := range a.Config.Watches {
		if strings.EqualFold(watch.Symbol, symbol) {
			return watch, nil
		}
	}
	return config.WatchConfig{}, fmt.Errorf("symbol %s not present in watches", symbol)
}
