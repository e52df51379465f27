package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"signal-gate/internal/app"
)

var (
	evaluateSymbol string
	evaluateSide   string
	evaluatePrice  float64
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "以给定价格执行一次完整评估",
	RunE: func(cmd *cobra.Command, args []string) error {
		if evaluateSymbol == "" {
			return errors.New("--symbol 必须提供")
		}
		if evaluatePrice <= 0 {
			return errors.New("--price 必须大于 0")
		}

		opts := app.EvaluateOptions{
			Symbol: evaluateSymbol,
			Side:   evaluateSide,
			Price:  evaluatePrice,
		}
		return getApp().Evaluate(cmd.Context(), opts)
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evaluateSymbol, "symbol", "", "Symbol to evaluate")
	evaluateCmd.Flags().StringVar(&evaluateSide, "side", "BUY", "Side to evaluate (BUY or SELL)")
	evaluateCmd.Flags().Float64Var(&evaluatePrice, "price", 0, "Observed price")
}
