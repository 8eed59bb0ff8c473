package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eval-hub/iteration-hub/cmd/iteration_hub/server"
	"github.com/eval-hub/iteration-hub/internal/adapters"
	"github.com/eval-hub/iteration-hub/internal/config"
	"github.com/eval-hub/iteration-hub/internal/constants"
	"github.com/eval-hub/iteration-hub/internal/logging"
	"github.com/eval-hub/iteration-hub/internal/pipeline"
	"github.com/eval-hub/iteration-hub/internal/storage"
	"github.com/eval-hub/iteration-hub/internal/tracing"
	"github.com/eval-hub/iteration-hub/internal/validation"
)

var (
	// Version can be set during the compilation
	Version string = "0.0.1"
	// Build is set during the compilation
	Build string
	// BuildDate is set during the compilation
	BuildDate string
)

func main() {
	logger, logShutdown, err := logging.NewLogger(os.Getenv(constants.EnvVarLogLevel))
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(nil, err, "Failed to create service logger", logging.FallbackLogger())
	}

	serviceConfig, err := config.LoadConfig(logger, Version, Build, BuildDate)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(nil, err, "Failed to create service config", logger)
	}

	tracingShutdown, err := tracing.Setup(context.Background(), serviceConfig.Tracing, Version, logger)
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to set up tracing", logger)
	}

	// set up the validator
	validate, err := validation.NewValidator()
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create validator", logger)
	}

	// set up the storage
	storage, err := storage.NewStorage(serviceConfig.Database, logger)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create storage", logger)
	}

	// the model providers and the iteration engine
	modelAdapters := adapters.NewProvider(serviceConfig.Providers, logger)
	engine := pipeline.New(serviceConfig, storage, modelAdapters, validate, logger)
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engine.Start(engineCtx)

	srv, err := server.NewServer(logger, serviceConfig, storage, validate, engine)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create server", logger)
	}

	// log the start up details
	logger.Info("Server starting",
		"server_port", srv.GetPort(),
		"version", serviceConfig.Service.Version,
		"build", serviceConfig.Service.Build,
		"build_date", serviceConfig.Service.BuildDate,
		"local", serviceConfig.Service.LocalMode,
		"storage", storage.GetDatasourceName(),
		"locker", serviceConfig.Orchestrator.Locker,
		"workers", serviceConfig.Queue.Workers,
		"providers", modelAdapters.Names(),
	)

	// Start server in a goroutine
	go func() {
		if err := srv.Start(); err != nil {
			// we do this as no point trying to continue
			startUpFailed(serviceConfig, err, "Server failed to start", logger)
		}
		logger.Info("Server closed gracefully")
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Create a context with timeout for graceful shutdown
	waitForShutdown := 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), waitForShutdown)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", "error", err.Error(), "timeout", waitForShutdown)
	} else {
		logger.Info("Server shutdown gracefully")
	}

	// stop the workers before the storage goes away, pending jobs are dropped
	stopEngine()
	engine.Stop()

	if err := storage.Close(); err != nil {
		logger.Error("Failed to close storage", "error", err.Error())
	}
	if err := tracingShutdown(ctx); err != nil {
		logger.Error("Failed to flush traces", "error", err.Error())
	}
	_ = logShutdown() // ignore the error
}

func startUpFailed(conf *config.Config, err error, msg string, logger *slog.Logger) {
	termErr := server.SetTerminationMessage(server.GetTerminationFile(conf, logger), fmt.Sprintf("%s: %s", msg, err.Error()), logger)
	if termErr != nil {
		logger.Error("Failed to set termination message", "message", msg, "error", termErr.Error())
		log.Println(termErr.Error())
	}
	log.Fatal(err)
}
