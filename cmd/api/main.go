package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/api"
	"github.com/SirClappington/imagejobs/internal/app"
	"github.com/SirClappington/imagejobs/internal/config"
	"github.com/SirClappington/imagejobs/internal/logging"
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

	// Without a durable queue this process runs the handlers and the watchdog itself.
	inline := a.Inline != nil
	reg, err := a.Registry(inline)
	if err != nil {
		log.Fatal("build registry", zap.Error(err))
	}
	if inline {
		go func() {
			if err := a.Watchdog().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("watchdog stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.New(reg, a.Jobs, a.Store, a.Store, log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.Bool("inline", inline))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("api server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := a.Shutdown(reg, cfg.ExecCeiling+10*time.Second); err != nil {
		log.Warn("close backends", zap.Error(err))
	}
}
