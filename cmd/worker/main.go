package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/app"
	"github.com/SirClappington/imagejobs/internal/config"
	"github.com/SirClappington/imagejobs/internal/logging"
	"github.com/SirClappington/imagejobs/internal/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("build app", zap.Error(err))
	}
	if a.Queue == nil {
		log.Fatal("worker needs a durable queue; QUEUE_BACKEND=inline runs handlers in the api process")
	}
	reg, err := a.Registry(true)
	if err != nil {
		log.Fatal("build registry", zap.Error(err))
	}
	msrv := metrics.Serve(cfg.MetricsAddr, log)

	log.Info("worker consuming continuations", zap.String("queue", cfg.QueueBackend), zap.Int("max_running", cfg.MaxRunning))
	if err := a.Queue.Consume(ctx, log, reg.Schedule); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consume stopped", zap.Error(err))
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(sctx)
	if err := a.Shutdown(reg, cfg.ExecCeiling+10*time.Second); err != nil {
		log.Warn("close backends", zap.Error(err))
	}
}
