package app

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"routing-hub/internal/common/logging"
	"routing-hub/internal/config"
)

// Version is reported at startup
var Version = "dev"

const shutdownTimeout = 30 * time.Second

// RunOptions overrides the environment for a single run
type RunOptions struct {
	RoutesFile string
	Port       string
}

// Run is the main entry point for the hub process. It blocks until SIGINT or
// SIGTERM, or until the HTTP server fails.
func Run(opts RunOptions) error {
	_ = godotenv.Load()

	if err := logging.InitGlobalLogger(); err != nil {
		return err
	}
	defer logging.MustSync()

	logging.Info("Starting routing hub",
		logging.Int("cpus", runtime.NumCPU()),
		logging.String("version", Version),
	)

	cfg := config.Load()
	if opts.RoutesFile != "" {
		cfg.RoutesFile = opts.RoutesFile
	}
	if opts.Port != "" {
		cfg.Port = opts.Port
	}
	if err := cfg.Validate(); err != nil {
		logging.Error("Configuration validation failed", err)
		return err
	}

	rf, err := config.LoadRouteFile(cfg.RoutesFile)
	if err != nil {
		logging.Error("Failed to load route file", err, logging.String("path", cfg.RoutesFile))
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := New(ctx, cfg, rf)
	if err != nil {
		logging.Error("Failed to initialize application", err)
		return err
	}

	if err := app.Start(ctx); err != nil {
		logging.Error("Failed to start routing hub", err)
		shutdown(app, nil)
		return err
	}

	srv := app.RunServer()
	if err := srv.Start(); err != nil {
		logging.Error("Server failed to start", err)
		shutdown(app, nil)
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logging.Info("Shutting down server...")
	case serveErr = <-srv.Errors():
	}

	if err := shutdown(app, srv.Shutdown); err != nil && serveErr == nil {
		return err
	}
	logging.Info("Server exited")
	return serveErr
}

func shutdown(app *App, stopServer func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if stopServer != nil {
		if err := stopServer(ctx); err != nil {
			logging.Error("Server forced to shutdown", err)
			firstErr = err
		}
	}
	if err := app.Shutdown(ctx); err != nil {
		logging.Error("Error during app shutdown", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
