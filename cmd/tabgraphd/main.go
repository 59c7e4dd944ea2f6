// Package main provides the tabgraphd CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/driftbrowser/tabgraph/pkg/config"
	"github.com/driftbrowser/tabgraph/pkg/server"
	"github.com/driftbrowser/tabgraph/pkg/tabgraph"
	"github.com/driftbrowser/tabgraph/pkg/wal"
)

var (
	version = "0.1.0"
	commit  = "dev" // Set via ldflags: -X main.commit=$(git rev-parse --short HEAD)
)

func main() {
	// Optional .env next to the working directory; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "tabgraphd",
		Short: "tabgraphd - graph state and persistence engine for spatial tabs",
		Long: `tabgraphd owns the authoritative tab graph of a spatial browser shell:
an in-memory node/edge store behind a deterministic intent pipeline, made
durable by an append-only mutation log and periodic snapshots.

It exposes a read-only HTTP query API plus an SSE stream of graph-changed
events for the rendering layer.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: auto-discover)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tabgraphd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tab graph engine and HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("address", "", "HTTP bind address (overrides config)")
	serveCmd.Flags().Int("http-port", 0, "HTTP API port (overrides config)")
	serveCmd.Flags().String("wal-sync", "", "WAL sync mode: immediate, batch, none (overrides config)")
	rootCmd.AddCommand(serveCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check mutation log integrity without modifying anything",
		RunE:  runVerify,
	}
	verifyCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.AddCommand(verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers flags over env over file over defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("address"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v, _ := cmd.Flags().GetInt("http-port"); v != 0 {
		cfg.Server.HTTPPort = v
	}
	if f := cmd.Flags().Lookup("wal-sync"); f != nil {
		if v, _ := cmd.Flags().GetString("wal-sync"); v != "" {
			cfg.Storage.WALSyncMode = v
		}
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := tabgraph.Open(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Server.HTTPEnabled {
		api := server.New(db, cfg.Server, logger)
		g.Go(func() error { return api.Run(ctx) })
	}

	// A durability failure anywhere stops the process; applied-but-unlogged
	// state must never keep serving.
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := db.Err(); err != nil {
					return err
				}
			}
		}
	})

	runErr := g.Wait()
	if err := db.Close(); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logPath := wal.LogPath(cfg.Storage.DataDir)
	report, err := wal.CheckIntegrity(logPath)
	if err != nil {
		return err
	}

	fmt.Printf("log:        %s\n", logPath)
	fmt.Printf("entries:    %d (seq %d..%d)\n", report.TotalEntries, report.FirstSeq, report.LastSeq)
	fmt.Printf("file size:  %d bytes\n", report.FileSize)
	fmt.Printf("truncated:  %v\n", report.Truncated)
	fmt.Printf("corrupted:  %v\n", report.Corrupted)
	if report.Detail != "" {
		fmt.Printf("detail:     %s\n", report.Detail)
	}

	if m, err := wal.LoadManifest(cfg.Storage.DataDir); err == nil {
		fmt.Printf("snapshot:   %s (seq %d)\n", m.Latest, m.Sequence)
	} else {
		fmt.Println("snapshot:   none")
	}

	if !report.Healthy {
		return fmt.Errorf("log is corrupted before its tail; recovery will stop at seq %d", report.LastSeq)
	}
	fmt.Println("ok")
	return nil
}
