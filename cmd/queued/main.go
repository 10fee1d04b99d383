package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/queued/pkg/api"
	"github.com/cuemby/queued/pkg/config"
	"github.com/cuemby/queued/pkg/log"
	"github.com/cuemby/queued/pkg/metrics"
	"github.com/cuemby/queued/pkg/queue"
	"github.com/cuemby/queued/pkg/scheduler"
	"github.com/cuemby/queued/pkg/storage"
	"github.com/cuemby/queued/pkg/types"
	"github.com/cuemby/queued/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "queued",
	Short:   "queued - a durable task queue with lease-based worker claims",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"queued version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "", "Override data_dir from config")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().StringSlice("capability", nil, "Worker capability as key=value (repeatable)")
	workerCmd.Flags().StringSlice("capability", nil, "Worker capability as key=value (repeatable)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(migrateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// capabilitiesFromFlags parses repeated "--capability key=value" flags,
// layered on top of cfg.Capabilities, into the map passed to the
// worker's claim filter and heartbeat.
func capabilitiesFromFlags(cmd *cobra.Command, cfg config.Config) (map[string]string, error) {
	caps := make(map[string]string, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[k] = v
	}
	raw, _ := cmd.Flags().GetStringSlice("capability")
	for _, kv := range raw {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --capability %q, expected key=value", kv)
		}
		caps[k] = v
	}
	return caps, nil
}

func openRepository(cfg config.Config) (*storage.Engine, *queue.Repository, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	engine, err := storage.Open(cfg.DataDir + "/queued.db")
	if err != nil {
		return nil, nil, err
	}
	return engine, queue.NewRepository(engine), nil
}

// serveCmd runs the HTTP API, an embedded worker fleet, and the
// orphan reclaimer in one process.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with an embedded worker fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		engine, repo, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		strategy, ok := scheduler.StrategyByName(cfg.Strategy)
		if !ok {
			return fmt.Errorf("unknown strategy %q", cfg.Strategy)
		}
		capabilities, err := capabilitiesFromFlags(cmd, cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		reclaimer := worker.NewReclaimer(repo, cfg.ReclaimInterval)
		reclaimer.Start(ctx)
		metrics.UpdateComponent("reclaimer", true, "")

		engines := make([]*worker.Engine, 0, cfg.WorkerCount)
		for i := 0; i < cfg.WorkerCount; i++ {
			workerID := fmt.Sprintf("embedded-%s", uuid.NewString())
			e := worker.NewEngine(repo, worker.Config{
				WorkerID:           workerID,
				Capabilities:       capabilities,
				Strategy:           strategy,
				LeaseDuration:      cfg.LeaseDuration,
				HeartbeatInterval:  cfg.HeartbeatInterval,
				CancelPollInterval: cfg.CancelPollInterval,
			})
			e.Start(ctx)
			engines = append(engines, e)
		}

		metrics.UpdateComponent("storage", true, "")
		srv := api.NewServer(repo)
		httpServer := &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      srv.Handler(),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			fmt.Printf("✓ queued listening on %s\n", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case <-sigCh:
			fmt.Println("\nShutting down...")
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)

		cancel()
		for _, e := range engines {
			e.Stop()
		}
		reclaimer.Stop()

		fmt.Println("✓ shutdown complete")
		return nil
	},
}

// workerCmd runs a standalone worker fleet with no HTTP surface,
// against a queue database created by another `serve` process or
// shared over a network filesystem.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a standalone worker fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, repo, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		strategy, ok := scheduler.StrategyByName(cfg.Strategy)
		if !ok {
			return fmt.Errorf("unknown strategy %q", cfg.Strategy)
		}
		capabilities, err := capabilitiesFromFlags(cmd, cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		workerID := fmt.Sprintf("worker-%s", uuid.NewString())
		e := worker.NewEngine(repo, worker.Config{
			WorkerID:           workerID,
			Capabilities:       capabilities,
			Strategy:           strategy,
			LeaseDuration:      cfg.LeaseDuration,
			HeartbeatInterval:  cfg.HeartbeatInterval,
			CancelPollInterval: cfg.CancelPollInterval,
		})
		e.Start(ctx)

		fmt.Printf("✓ worker %s running. Press Ctrl+C to stop.\n", workerID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		cancel()
		if err := e.Stop(); err != nil {
			return fmt.Errorf("stopping worker: %w", err)
		}
		fmt.Println("✓ shutdown complete")
		return nil
	},
}

// statsCmd prints queue depth by status against a local data dir, for
// quick one-shot inspection without standing up the HTTP surface.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, repo, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		stats, err := repo.Stats(context.Background())
		if err != nil {
			return err
		}
		for _, s := range []types.Status{
			types.StatusQueued, types.StatusProcessing, types.StatusSucceeded,
			types.StatusFailed, types.StatusDeadLetter, types.StatusCancelled,
		} {
			fmt.Printf("%-12s %d\n", s, stats.CountsByStatus[s])
		}
		return nil
	},
}

// migrateCmd brings a queue database's schema up to date without
// starting the API or any workers.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations to the queue database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		engine, _, err := openRepository(cfg)
		if err != nil {
			return err
		}
		defer engine.Close()

		current, latest, err := engine.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("✓ schema at version %d (latest known: %d)\n", current, latest)
		return nil
	},
}
