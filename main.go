package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/freekieb7/ember/config"
	"github.com/freekieb7/ember/server"
	"github.com/freekieb7/ember/telemetry"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config-file>\n", filepath.Base(args[0]))
		return 2
	}

	// Handle SIGINT (CTRL+C) and SIGTERM gracefully.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := config.Open(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ember: %v\n", err)
		return 1
	}

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: "ember",
		Level:       store.Current().LogLevel,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ember: telemetry: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "ember: telemetry shutdown: %v\n", err)
		}
	}()

	logger := tel.Logger
	srv, err := server.New(store, logger, tel.Level)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	logger.Info("listening", "port", srv.Port(), "config", store.Path(), "otlp", tel.Exporting)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}

	logger.Info("shut down")
	return 0
}
