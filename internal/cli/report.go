package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/ihebatch/internal/export"
)

var (
	reportBatch  string
	reportFormat string
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Render the report of a stored batch",
	Run:   runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportBatch, "batch", "", "batch ID")
	reportCmd.Flags().StringVar(&reportFormat, "format", "text", "output format: text, json, csv")
	_ = reportCmd.MarkFlagRequired("batch")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)
	app, ctx, cleanup := newApp(cfg)
	defer cleanup()

	report, batch, err := app.Report(ctx, reportBatch)
	if err != nil {
		slog.Error("Failed to load batch", "batch", reportBatch, "error", err)
		cleanup()
		os.Exit(1)
	}

	switch reportFormat {
	case "json":
		err = export.WriteJSON(os.Stdout, batch)
	case "csv":
		err = export.WriteCSV(os.Stdout, batch)
	default:
		_, err = fmt.Print(report)
	}
	if err != nil {
		slog.Error("Failed to write report", "error", err)
		cleanup()
		os.Exit(1)
	}
}
