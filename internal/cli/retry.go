package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/ihebatch/internal/workflow/recovery"
)

var retryBatch string

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-drive patients queued after transient failures",
	Long: `Retry drains the failed patient queue with exponential backoff. Only
patients that failed with a transient error are queued; an empty --batch
drains every batch. Needs persistent storage (database or redis).`,
	Run: runRetry,
}

func init() {
	retryCmd.Flags().StringVar(&retryBatch, "batch", "", "batch ID (default: all batches)")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	app, ctx, cleanup := newApp(cfg)
	defer cleanup()

	attempts, err := app.Retry(ctx, retryBatch)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BATCH\tPATIENT\tROW\tOUTCOME\tMESSAGE")
	for _, a := range attempts {
		msg := ""
		if a.Result != nil {
			msg = a.Result.Message
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.Entry.BatchID, a.Entry.PatientID, a.Entry.RowIndex, a.Outcome, msg)
	}
	_ = w.Flush()

	if errors.Is(err, recovery.ErrDrainHalted) {
		slog.Error("Retry halted, remaining patients stay queued", "error", err)
		cleanup()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("Retry failed", "error", err)
		cleanup()
		os.Exit(1)
	}
	slog.Info("Retry finished", "attempts", len(attempts))
}
