package cli

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pruneRetention time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete stored batches older than the retention period",
	Long: `Prune removes batches started before the cutoff along with resolved
and ignored retry entries. Pending retry entries are never removed.
The period comes from batch.retention unless --retention is given.`,
	Run: runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "override batch.retention (e.g. 168h)")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	app, ctx, cleanup := newApp(cfg)
	defer cleanup()

	res, err := app.Prune(ctx, pruneRetention)
	if err != nil {
		slog.Error("Prune failed", "error", err)
		cleanup()
		os.Exit(1)
	}
	slog.Info("Prune finished",
		"cutoff", res.Cutoff.Format(time.RFC3339),
		"batches", res.Batches,
		"failed_patients", res.Entries,
	)
}
