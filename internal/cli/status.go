package cli

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent batches and their retry queues",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of batches to list")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	app, ctx, cleanup := newApp(cfg)
	defer cleanup()

	batches, err := app.Status(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to list batches", "error", err)
		cleanup()
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BATCH\tSTATE\tTOTAL\tOK\tFAILED\tUNPROCESSED\tRETRY\tSTARTED\tDURATION")

	for _, b := range batches {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			b.BatchID,
			b.State,
			b.Total,
			b.Successful,
			b.Failed,
			b.Unprocessed,
			b.PendingRetry,
			b.StartedAt.Format(time.RFC3339),
			b.Duration.Round(time.Millisecond),
		)
	}
	_ = w.Flush()

	report := app.Health(ctx)
	for name, dep := range report.Dependencies {
		_, _ = fmt.Printf("%s: %s %s\n", name, dep.Status, dep.Error)
	}
}
