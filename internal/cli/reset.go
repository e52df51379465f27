package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"signal-gate/internal/app"
)

var (
	resetSymbol   string
	resetStrategy string
	resetSide     string
	resetPrice    float64
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Arm a one-shot force override for a throttle key",
	Long: `Reset is the only sanctioned external mutation of throttle state:
it arms force_next_signal together with the fingerprint of the current
configuration, so the next evaluation emits regardless of cooldown or price
state. It never rewrites the emission baseline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if resetSymbol == "" {
			return errors.New("--symbol is required")
		}

		opts := app.ResetOptions{
			Symbol:       resetSymbol,
			StrategyKey:  resetStrategy,
			Side:         resetSide,
			CurrentPrice: resetPrice,
		}
		return getApp().Reset(cmd.Context(), opts)
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetSymbol, "symbol", "", "Symbol of the throttle key")
	resetCmd.Flags().StringVar(&resetStrategy, "strategy", "", "Strategy key (defaults to the configured one)")
	resetCmd.Flags().StringVar(&resetSide, "side", "BUY", "Side of the throttle key (BUY or SELL)")
	resetCmd.Flags().Float64Var(&resetPrice, "price", 0, "Current price, recorded for the audit log")
}
