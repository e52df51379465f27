package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const tickerPath = "/api/v3/ticker/price"

// TickerOptions parameterise the spot ticker fetcher.
type TickerOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Ticker fetches last-trade prices from a spot ticker endpoint.
type Ticker struct {
	opts    TickerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewTicker constructs a ticker fetcher.
func NewTicker(opts TickerOptions, logger zerolog.Logger) *Ticker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}

	return &Ticker{
		opts:    opts,
		logger:  logger.With().Str("component", "ticker_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// FetchPrice retrieves the current price for one symbol.
func (t *Ticker) FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	if symbol == "" {
		return decimal.Decimal{}, time.Time{}, errors.New("symbol required")
	}

	endpoint := fmt.Sprintf("%s%s?symbol=%s", t.baseURL, tickerPath, url.QueryEscape(strings.ToUpper(symbol)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(t.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("ticker api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var body tickerResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, fmt.Errorf("parse ticker price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, time.Time{}, errors.New("ticker returned non-positive price")
	}

	return price, time.Now().UTC(), nil
}

var _ PriceFetcher = (*Ticker)(nil)
