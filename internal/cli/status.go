package cli

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/tollgate/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status [subscription_id]",
	Short: "Show the current period credit counter of a subscription",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, app *control.App) error {
		counter, err := app.Counter(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to load counter: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "SUBSCRIPTION\tPERIOD\tUSED\tRESERVED\tUPDATED")
		if counter == nil {
			_, _ = fmt.Fprintf(w, "%s\t-\t0\t0\t-\n", args[0])
		} else {
			_, _ = fmt.Fprintf(w, "%s\t%s..%s\t%s\t%s\t%s\n",
				args[0],
				counter.Key.PeriodStart.Format("2006-01-02"),
				counter.Key.PeriodEnd.Format("2006-01-02"),
				counter.UsedValue.String(),
				counter.ReservedBudget.String(),
				counter.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			)
		}
		return w.Flush()
	})
}
