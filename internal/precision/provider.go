package precision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const exchangeInfoPath = "/api/v3/exchangeInfo"

// ErrUnknownSymbol indicates the venue does not list the symbol.
var ErrUnknownSymbol = errors.New("precision: unknown symbol")

// Provider supplies per-symbol precision metadata.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (Precision, error)
}

// RestOptions parameterise the exchangeInfo provider.
type RestOptions struct {
	BaseURL         string
	RefreshInterval time.Duration
	Timeout         time.Duration
}

// RestProvider pulls symbol filters from an exchangeInfo-style endpoint and
// caches them between refreshes.
type RestProvider struct {
	opts   RestOptions
	client *resty.Client
	logger zerolog.Logger

	mu        sync.Mutex
	cache     map[string]Precision
	refreshed time.Time
}

// NewRestProvider constructs the provider.
func NewRestProvider(opts RestOptions, logger zerolog.Logger) *RestProvider {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Minute
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout)

	return &RestProvider{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "precision_provider").Logger(),
		cache:  make(map[string]Precision),
	}
}

// Lookup returns cached metadata, refreshing the whole filter set when the
// cache is older than the refresh interval. A refresh failure keeps serving
// the previous snapshot; the FetchedAt age lets callers decide staleness.
func (p *RestProvider) Lookup(ctx context.Context, symbol string) (Precision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if time.Since(p.refreshed) > p.opts.RefreshInterval {
		if err := p.refreshLocked(ctx); err != nil {
			if len(p.cache) == 0 {
				return Precision{}, err
			}
			p.logger.Warn().Err(err).Msg("exchange info refresh failed; serving cached filters")
		}
	}

	prec, ok := p.cache[strings.ToUpper(symbol)]
	if !ok {
		return Precision{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return prec, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol              string `json:"symbol"`
		QuoteAssetPrecision int    `json:"quoteAssetPrecision"`
		Filters             []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (p *RestProvider) refreshLocked(ctx context.Context) error {
	var payload exchangeInfoResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&payload).
		Get(exchangeInfoPath)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("exchange info status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	now := time.Now().UTC()
	fresh := make(map[string]Precision, len(payload.Symbols))
	for _, sym := range payload.Symbols {
		prec := Precision{Symbol: sym.Symbol, FetchedAt: now}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				if tick, err := decimal.NewFromString(f.TickSize); err == nil && tick.IsPositive() {
					prec.PriceTick = tick
					prec.PriceDecimals = DecimalsFromIncrement(tick)
				}
			case "LOT_SIZE":
				if step, err := decimal.NewFromString(f.StepSize); err == nil && step.IsPositive() {
					prec.QuantityStep = step
					prec.QuantityDecimals = DecimalsFromIncrement(step)
				}
				if minQty, err := decimal.NewFromString(f.MinQty); err == nil {
					prec.MinQuantity = minQty
				}
			case "NOTIONAL", "MIN_NOTIONAL":
				if minNotional, err := decimal.NewFromString(f.MinNotional); err == nil {
					prec.MinNotional = minNotional
				}
			}
		}
		if prec.PriceTick.IsZero() || prec.QuantityStep.IsZero() {
			continue
		}
		fresh[strings.ToUpper(sym.Symbol)] = prec
	}

	if len(fresh) == 0 {
		return errors.New("exchange info returned no usable symbols")
	}

	p.cache = fresh
	p.refreshed = now
	p.logger.Debug().Int("symbols", len(fresh)).Msg("exchange filters refreshed")
	return nil
}

var _ Provider = (*RestProvider)(nil)
