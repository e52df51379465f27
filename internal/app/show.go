package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Show prints recent decision records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.ListRecentDecisions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no decisions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSymbol\tSide\tDecision\tReason\tBlocked\tCorrelation ID")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.Symbol,
			rec.Side,
			rec.Decision,
			rec.ReasonCode,
			rec.Blocked,
			rec.CorrelationID,
		)
	}

	writer.Flush()
	return nil
}

// Trace prints the full record behind one correlation id.
func (a *App) Trace(ctx context.Context, correlationID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := store.GetDecisionByCorrelationID(ctx, correlationID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "correlation_id: %s\n", rec.CorrelationID)
	fmt.Fprintf(os.Stdout, "symbol:         %s\n", rec.Symbol)
	fmt.Fprintf(os.Stdout, "side:           %s\n", rec.Side)
	fmt.Fprintf(os.Stdout, "decision:       %s\n", rec.Decision)
	fmt.Fprintf(os.Stdout, "reason_code:    %s\n", rec.ReasonCode)
	fmt.Fprintf(os.Stdout, "reason:         %s\n", sanitizeInline(rec.ReasonMessage))
	fmt.Fprintf(os.Stdout, "blocked:        %t\n", rec.Blocked)
	fmt.Fprintf(os.Stdout, "created_at:     %s\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "context:        %s\n", string(rec.Context))
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
