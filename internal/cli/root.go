package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"
	"github.com/vietddude/tollgate/internal/control"
	"github.com/vietddude/tollgate/internal/core/config"
)

var (
	cfgPath string
	isDebug bool
	strict  bool
)

var rootCmd = &cobra.Command{
	Use:   "tollgate",
	Short: "Tollgate metering service",
	Long:  `Tollgate reserves LLM credit budgets before metered calls and delivers usage and subscription events with bounded retry and quarantine.`,
	Run:   runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery pipelines and health endpoints",
	Run:   runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&strict, "strict", false, "reserve with a single conditional update")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads the config file and installs the logger.
func loadConfig() (*config.AppConfig, error) {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		return nil, fmt.Errorf("failed to load config: %w", err)
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

	if strict {
		cfg.Budget.StrictReservation = true
	}
	return cfg, nil
}

func newApp() (*control.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	app, err := control.NewApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tollgate: %w", err)
	}
	return app, nil
}

func runServe(cmd *cobra.Command, args []string) {
	app, err := newApp()
	if err != nil {
		slog.Error("Failed to start Tollgate", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start Tollgate", "error", err)
		cancel()
		_ = app.Stop(context.Background())
		os.Exit(1)
	}

	slog.Info("Tollgate started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
