// hatchd is the application platform server: it hosts deployed application
// versions, dispatches HTTP traffic into them, and accepts new deployments
// over its control plane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/tomyedwab/hatch/audit"
	"github.com/tomyedwab/hatch/config"
	"github.com/tomyedwab/hatch/registry"
	"github.com/tomyedwab/hatch/sandbox"
	"github.com/tomyedwab/hatch/server"
	"github.com/tomyedwab/hatch/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("hatchd exited")
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	st, err := store.New(filepath.Join(cfg.DataDir, "bundles"), logger)
	if err != nil {
		return err
	}

	db, err := sqlx.Open("sqlite3", filepath.Join(cfg.DataDir, "deployments.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	auditLog, err := audit.NewLog(db)
	if err != nil {
		return err
	}

	runtime := sandbox.NewRuntime(sandbox.Quota{
		MemoryPages: cfg.MemoryPages,
		ExecBudget:  cfg.ExecBudget.Std(),
	}, logger)
	reg := registry.New(runtime, cfg.PoolCeiling, cfg.RetainVersions, logger)

	srv := server.New(cfg, st, reg, auditLog, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Restore(ctx); err != nil {
		return err
	}

	return srv.Run(ctx)
}
