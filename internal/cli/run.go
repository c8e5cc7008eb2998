package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/ihebatch/internal/control"
)

var (
	runCSV    string
	runSeed   int64
	runDryRun bool
	runOutput string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Process a CSV of patients as one batch",
	Run:   runBatch,
}

func init() {
	runCmd.Flags().StringVar(&runCSV, "csv", "", "patient demographics CSV")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "seed for reproducible patient IDs")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "do not contact the endpoint")
	runCmd.Flags().StringVar(&runOutput, "output", "", "output directory (overrides output.dir)")
	_ = runCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(runCmd)
}

func runBatch(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	if runDryRun {
		cfg.Endpoint.DryRun = true
	}
	if runOutput != "" {
		cfg.Output.Dir = runOutput
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	app, ctx, cleanup := newApp(cfg)
	defer cleanup()

	req := control.RunRequest{CSVPath: runCSV}
	if cmd.Flags().Changed("seed") {
		req.Seed = &runSeed
	}

	res, err := app.Run(ctx, req)
	if res != nil {
		fmt.Print(res.Report)
		if res.Files.JSON != "" {
			slog.Info("Batch written", "json", res.Files.JSON, "csv", res.Files.CSV, "report", res.Files.Report)
		}
	}
	if err != nil {
		slog.Error("Batch run failed", "error", err)
		cleanup()
		os.Exit(1)
	}
	if res.Batch.Halted() {
		cleanup()
		os.Exit(2)
	}
}
