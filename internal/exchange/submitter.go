package exchange

import (
	"context"

	"github.com/rs/zerolog"
)

// OrderRequest carries exchange-exact payload strings produced by the
// quantization engine. The submitter must echo the correlation id into any
// record it persists; retry policy belongs to the submitter, not the core.
type OrderRequest struct {
	CorrelationID string
	Symbol        string
	Side          string
	Price         string
	Quantity      string
}

// Submitter hands a gated order to the venue-facing collaborator.
type Submitter interface {
	Submit(ctx context.Context, order OrderRequest) error
}

// PaperSubmitter records orders in the log instead of routing them, for
// dry runs and development environments.
type PaperSubmitter struct {
	logger zerolog.Logger
}

// NewPaperSubmitter constructs the log-only submitter.
func NewPaperSubmitter(logger zerolog.Logger) *PaperSubmitter {
	return &PaperSubmitter{logger: logger.With().Str("component", "paper_submitter").Logger()}
}

// Submit logs the order payload.
func (p *PaperSubmitter) Submit(ctx context.Context, order OrderRequest) error {
	p.logger.Info().
		Str("correlation_id", order.CorrelationID).
		Str("symbol", order.Symbol).
		Str("side", order.Side).
		Str("price", order.Price).
		Str("quantity", order.Quantity).
		Msg("paper order accepted")
	return nil
}

var _ Submitter = (*PaperSubmitter)(nil)
