package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vietddude/tollgate/internal/control"
)

var reserveCmd = &cobra.Command{
	Use:   "reserve [subscription_id] [provider] [model] [input_tokens]",
	Short: "Check the budget and reserve the worst-case cost of a call",
	Long:  "Exits 0 when approved, 2 when rejected and 1 on error.",
	Args:  cobra.ExactArgs(4),
	RunE:  runReserve,
}

var releaseCmd = &cobra.Command{
	Use:   "release [subscription_id] [amount]",
	Short: "Release credits from a subscription's reservation",
	Args:  cobra.ExactArgs(2),
	RunE:  runRelease,
}

func init() {
	rootCmd.AddCommand(reserveCmd)
	rootCmd.AddCommand(releaseCmd)
}

func runReserve(cmd *cobra.Command, args []string) error {
	tokens, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid input tokens: %w", err)
	}

	return withApp(func(ctx context.Context, app *control.App) error {
		d, err := app.Reserve(ctx, args[0], args[1], args[2], tokens)
		if err != nil {
			return fmt.Errorf("failed to reserve budget: %w", err)
		}

		verdict := "APPROVED"
		if !d.Approved {
			verdict = "REJECTED"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s estimated=%s used=%s reserved=%s included=%s\n",
			verdict, d.EstimatedCost, d.UsedValue, d.ReservedBudget, d.IncludedCredits)
		if !d.Approved {
			return errRejected
		}
		return nil
	})
}

func runRelease(cmd *cobra.Command, args []string) error {
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid amount: %w", err)
	}

	return withApp(func(ctx context.Context, app *control.App) error {
		if err := app.Release(ctx, args[0], amount); err != nil {
			return fmt.Errorf("failed to release budget: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Released %s credits for %s\n", amount, args[0])
		return nil
	})
}
