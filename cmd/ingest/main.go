// Package main provides the conduit ingest validation service.
//
// Ingest consumes match messages, performs metadata acceptance checks with a
// dry-run create against the record API, and forwards the annotated payload
// to the matching project validator queue.
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
	"github.com/climb-tre/conduit/internal/ingest"
	"github.com/climb-tre/conduit/internal/objstore"
	"github.com/climb-tre/conduit/internal/onyx"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "ingest"
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

	logger.Info("Starting ingest service",
		slog.String("service", name),
		slog.String("version", version),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := objstore.New(objstore.LoadConfig())
	if err != nil {
		logger.Error("Failed to create object store client", slog.String("error", err.Error()))
		os.Exit(1)
	}

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

	v := ingest.New(store, records, broker)

	if err := v.Run(ctx, broker); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Ingest stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Ingest service stopped")
}
