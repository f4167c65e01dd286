// labtasker-server runs the queue service: the HTTP API, the Prometheus
// endpoint and the timeout sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"labtasker/internal/api"
	"labtasker/internal/config"
	"labtasker/internal/logging"
	"labtasker/internal/redact"
	"labtasker/internal/storage"
	"labtasker/internal/sweeper"
)

func main() {
	envFile := flag.String("env-file", "", "optional env file seeding LABTASKER_* settings")
	flag.Parse()

	cfg, err := config.LoadServer(*envFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logging.SetDefaultLevel(parseLevel(cfg.LogLevel))
	redact.Register(cfg.Pepper)

	logger := logging.NewComponentLogger("main")
	logger.Info("starting labtasker server on %s (db %s)", cfg.Addr, cfg.DBPath)
	if cfg.AllowUnsafe {
		logger.Warn("unsafe collection access is ENABLED")
	}

	engine, err := storage.Open(storage.Options{
		Path:        cfg.DBPath,
		Pepper:      cfg.Pepper,
		BcryptCost:  cfg.BcryptCost,
		AllowUnsafe: cfg.AllowUnsafe,
		Logger:      logging.NewComponentLogger("storage"),
	})
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}
	defer engine.Close()

	server := api.NewServer(engine, api.Options{MinPasswordLength: cfg.MinPasswordLength})
	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     server.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: the event stream is long-lived.
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweep := sweeper.New(engine, cfg.SweepInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweep.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
	logger.Info("goodbye")
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
