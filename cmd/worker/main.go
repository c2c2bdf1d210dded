package main

// Run one worker process:
//   WORKER_KIND=ocr DATABASE_URL_PROD=... go run ./cmd/worker
//
// The first SIGINT/SIGTERM drains the in-flight job and stops cleanly.
// A second signal exits immediately, leaving any held claim to the
// fleet's abandoned-claim recovery scan.

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"registre-backend/internal/bootstrap"
	"registre-backend/internal/jobs"
	"registre-backend/internal/shared/config"
)

func main() {
	cfg := config.Load()

	// This binary carries no page-automation driver. Extractor
	// deployments build their own entrypoint that constructs a driver
	// and hands it to bootstrap.New; refusing here beats a claim loop
	// that can never process anything.
	if cfg.WorkerKind == jobs.WorkerKindExtractor {
		log.Fatalf("worker kind %q needs a page-automation driver and this binary ships without one; build an extractor entrypoint that passes its driver to bootstrap.New", cfg.WorkerKind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer app.Close()

	go func() {
		if err := app.Ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ops server: %v", err)
		}
	}()

	go forceExitOnSecondSignal(ctx)

	log.Printf("worker started id=%s kind=%s ops=%s", app.WorkerID, cfg.WorkerKind, app.Ops.Addr)
	if err := app.Lifecycle.Run(ctx); err != nil {
		log.Printf("lifecycle: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Ops.Shutdown(shutdownCtx); err != nil {
		log.Printf("ops shutdown: %v", err)
	}
}

// forceExitOnSecondSignal makes a repeated termination signal exit
// without draining. The abandoned claim is recovered by any surviving
// worker's scan.
func forceExitOnSecondSignal(ctx context.Context) {
	<-ctx.Done()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs
	log.Printf("second signal received, exiting without drain")
	os.Exit(1)
}
