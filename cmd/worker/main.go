package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"campus_pay_portal/internal/app"
	"campus_pay_portal/internal/config"
	"campus_pay_portal/internal/services"
)

const sweepBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := services.NewLogger(cfg.AppEnv)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	core, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialise payment core", zap.Error(err))
	}
	defer core.Close()

	sweeper := services.NewSweeper(core.Store, core.Reconciler, cfg.Sweep.StaleAfter, sweepBatch, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down worker...")
		cancel()
	}()

	interval := cfg.Sweep.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Worker started", zap.Duration("interval", interval), zap.Duration("stale_after", cfg.Sweep.StaleAfter))

	// One pass at startup so orders left open by a restart are picked up immediately.
	runSweep(ctx, sweeper, logger)

	for {
		select {
		case <-ticker.C:
			runSweep(ctx, sweeper, logger)
		case <-ctx.Done():
			return
		}
	}
}

func runSweep(ctx context.Context, sweeper *services.Sweeper, logger *zap.Logger) {
	start := time.Now()
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		logger.Error("Sweep failed", zap.Int("handled", n), zap.Error(err))
		return
	}
	if n == 0 {
		logger.Debug("No stale orders found")
		return
	}
	logger.Info("Sweep completed", zap.Int("handled", n), zap.Duration("took", time.Since(start)))
}
