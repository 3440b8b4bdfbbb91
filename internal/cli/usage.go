package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/tollgate/internal/control"
	"github.com/vietddude/tollgate/internal/core/domain"
)

var usageCmd = &cobra.Command{
	Use:   "log-usage [subscription_id] [provider] [model] [tokens_in] [tokens_out]",
	Short: "Publish a usage event for asynchronous commit",
	Args:  cobra.ExactArgs(5),
	RunE:  runLogUsage,
}

var eventID string

func init() {
	usageCmd.Flags().StringVar(&eventID, "event-id", "", "event id for idempotency (generated when empty)")
	rootCmd.AddCommand(usageCmd)
}

func runLogUsage(cmd *cobra.Command, args []string) error {
	in, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid tokens_in: %w", err)
	}
	out, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid tokens_out: %w", err)
	}

	return withApp(func(ctx context.Context, app *control.App) error {
		id := app.LogUsage(ctx, domain.UsageEvent{
			EventID:        eventID,
			SubscriptionID: args[0],
			ProviderKey:    args[1],
			ModelKey:       args[2],
			TokensIn:       in,
			TokensOut:      out,
		})
		fmt.Fprintf(cmd.OutOrStdout(), "Logged usage event %s\n", id)
		return nil
	})
}
