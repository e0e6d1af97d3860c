// Package main provides the conduit matcher service.
//
// The matcher consumes object-upload events, correlates them into complete
// submissions, and emits one match message per complete file set.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/climb-tre/conduit/internal/bus"
	"github.com/climb-tre/conduit/internal/config"
	"github.com/climb-tre/conduit/internal/matcher"
	"github.com/climb-tre/conduit/internal/onyx"
	"github.com/climb-tre/conduit/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "matcher"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting matcher service",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	doc, err := config.LoadDocument(config.GetEnvStr("CONDUIT_CONFIG_JSON", ""))
	if err != nil {
		logger.Error("Failed to load project configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	storageConfig := storage.LoadConfig()

	conn, err := storage.Connect(ctx, storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	store := storage.NewPersistentMatchStore(conn)

	records, err := onyx.New(onyx.LoadConfig())
	if err != nil {
		logger.Error("Failed to create record API client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	broker, err := bus.New(bus.LoadConfig())
	if err != nil {
		logger.Error("Failed to connect to broker", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = broker.Close()
	}()

	m := matcher.New(doc, store, records, broker)

	if err := m.Run(ctx, broker); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Matcher stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Matcher service stopped")
}
