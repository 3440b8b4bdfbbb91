package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/tollgate/internal/control"
	"github.com/vietddude/tollgate/internal/core/config"
	"github.com/vietddude/tollgate/internal/core/domain"
)

var dlqLimit int64

var dlqCmd = &cobra.Command{
	Use:   "dlq [subsystem]",
	Short: "List quarantined envelopes of a subsystem (usage, subscription)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDLQ,
}

func init() {
	dlqCmd.Flags().Int64Var(&dlqLimit, "limit", 20, "maximum entries to show")
	rootCmd.AddCommand(dlqCmd)
}

func runDLQ(cmd *cobra.Command, args []string) error {
	subsystem := config.SubsystemUsage
	if len(args) == 1 {
		subsystem = args[0]
	}

	return withApp(func(ctx context.Context, app *control.App) error {
		msgs, err := app.Quarantined(ctx, subsystem, dlqLimit)
		if err != nil {
			return fmt.Errorf("failed to list quarantine: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "ID\tKEY\tATTEMPTS\tERROR\tFIRST FAILED\tLAST FAILED")
		for _, m := range msgs {
			var env domain.DlqEnvelope[json.RawMessage]
			if err := json.Unmarshal(m.Payload, &env); err != nil {
				_, _ = fmt.Fprintf(w, "%s\t%s\t?\tundecodable envelope\t-\t-\n", m.ID, m.Key)
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s: %s\t%s\t%s\n",
				m.ID, env.Key, env.AttemptCount,
				env.ErrorClassName, env.ErrorMessage,
				env.FirstFailedAt.Format("2006-01-02T15:04:05Z07:00"),
				env.LastFailedAt.Format("2006-01-02T15:04:05Z07:00"),
			)
		}
		return w.Flush()
	})
}
