package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/app"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gochat-relay:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("GOCHAT_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()
	}

	log, err := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "gochat-relay",
		NodeID:  cfg.NodeID,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	node, err := app.New(cfg, app.Options{Log: log})
	if err != nil {
		log.Error("Startup failed", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting GoChat relay",
		zap.String("addr", cfg.Server.Port),
		zap.String("broker", cfg.Broker.Driver),
		zap.Bool("history", cfg.History.Enabled))

	return node.Run(ctx)
}
