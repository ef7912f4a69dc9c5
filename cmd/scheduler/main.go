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
		log.Fatal("scheduler needs a durable queue; QUEUE_BACKEND=inline runs the watchdog in the api process")
	}
	msrv := metrics.Serve(cfg.MetricsAddr, log)

	if err := a.Watchdog().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("watchdog stopped", zap.Error(err))
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(sctx)
	if err := a.Close(); err != nil {
		log.Warn("close backends", zap.Error(err))
	}
}
