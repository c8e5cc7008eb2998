package cli

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/ihebatch/internal/control"
	"github.com/vietddude/ihebatch/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
)

var rootCmd = &cobra.Command{
	Use:   "ihebatch",
	Short: "IHE test data batch submitter",
	Long: `ihebatch personalizes document templates from CSV patient demographics,
signs security assertions and submits the transactions to a test endpoint,
tracking per-patient success and failure across the batch.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
}

// loadConfig loads configuration and sets up logging. A missing default
// config file falls back to a dry-run configuration.
func loadConfig(cmd *cobra.Command) *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	usedDefault := false
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = config.Default(), nil
		usedDefault = true
	}
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})
	if usedDefault {
		slog.Warn("No config file found, using dry-run defaults", "config", cfgPath)
	}
	return cfg
}

// newApp builds the application and a context cancelled on SIGINT/SIGTERM.
func newApp(cfg *config.AppConfig) (*control.App, context.Context, func()) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	app, err := control.NewApp(ctx, cfg)
	if err != nil {
		stop()
		slog.Error("Failed to initialize app", "error", err)
		os.Exit(1)
	}

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := app.Close(shutdownCtx); err != nil {
				slog.Error("Error during shutdown", "error", err)
			}
		})
	}
	return app, ctx, cleanup
}
