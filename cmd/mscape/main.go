// Package main provides the mscape project validator service.
//
// The validator runs the metagenomic workflow for each ingest-approved
// submission, publishes binned reads and reports, and commits the record.
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
	"github.com/climb-tre/conduit/internal/messages"
	"github.com/climb-tre/conduit/internal/mscape"
	"github.com/climb-tre/conduit/internal/objstore"
	"github.com/climb-tre/conduit/internal/onyx"
	"github.com/climb-tre/conduit/internal/validator"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "mscape-validator"
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

	logger.Info("Starting mscape validator service",
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

	projectCfg, err := doc.Project(mscape.ProjectName)
	if err != nil {
		logger.Error("Failed to load mscape configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

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

	workflow, err := validator.NewWorkflow(validator.LoadWorkflowConfig())
	if err != nil {
		logger.Error("Failed to configure workflow", slog.String("error", err.Error()))
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

	project := mscape.New(projectCfg, store)
	runner := validator.NewRunner(project, workflow, records, broker)
	pool := validator.NewPool(runner.Handle)

	exchange := messages.ToValidateExchange(mscape.ProjectName)

	if err := pool.Run(ctx, broker, exchange, mscape.ProjectName); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Validator stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("mscape validator service stopped")
}
