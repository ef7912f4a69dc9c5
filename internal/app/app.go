// Package app wires configuration into the store, queue, event bus and
// engine shared by the binaries.
package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/imagejobs/internal/bus"
	"github.com/SirClappington/imagejobs/internal/classifier"
	"github.com/SirClappington/imagejobs/internal/config"
	"github.com/SirClappington/imagejobs/internal/engine"
	"github.com/SirClappington/imagejobs/internal/pipelines"
	"github.com/SirClappington/imagejobs/internal/queue"
	"github.com/SirClappington/imagejobs/internal/retry"
	"github.com/SirClappington/imagejobs/internal/storage"
	"github.com/SirClappington/imagejobs/internal/storage/memstore"
	"github.com/SirClappington/imagejobs/internal/watchdog"
)

// Store is everything the binaries need from a backend.
type Store interface {
	engine.Store
	pipelines.IdentityStore
	watchdog.Leader
}

// Queue is a durable continuation queue.
type Queue interface {
	engine.Continuer
	watchdog.Mover
	Consume(ctx context.Context, log *zap.Logger, dispatch func(jobID string)) error
}

type App struct {
	Cfg   config.Config
	Log   *zap.Logger
	Store Store
	Jobs  *engine.Jobs
	Loop  *engine.Loop
	// Queue is nil for QUEUE_BACKEND=inline; Inline is set instead.
	Queue  Queue
	Inline *engine.InlineContinuer

	closers []func() error
}

// Build connects every backend named by cfg. Close releases them.
func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}
	if err := a.build(ctx); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Cfg

	switch cfg.StoreBackend {
	case "memory":
		a.Store = memstore.New()
	default:
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return errors.Wrap(err, "open postgres pool")
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := pool.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping postgres")
		}
		if err := storage.Migrate(ctx, pool); err != nil {
			return err
		}
		a.Store = pgStore{Store: storage.New(pool), Leader: storage.NewLeader(pool)}
	}

	opts := []engine.JobsOption{engine.WithLeaseTTL(cfg.LeaseTTL)}
	if cfg.NATSURL != "" {
		nc, err := bus.Connect(cfg.NATSURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
		opts = append(opts, engine.WithPublisher(nc))
		a.Log.Info("publishing job events", zap.String("nats_url", cfg.NATSURL))
	}
	a.Jobs = engine.NewJobs(a.Store, a.Log, opts...)

	switch cfg.QueueBackend {
	case "inline":
		a.Inline = engine.NewInlineContinuer()
	case "amqp":
		q, err := queue.DialAMQP(cfg.AMQPURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { q.Close(); return nil })
		a.Queue = q
	default:
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "ping redis")
		}
		a.Queue = queue.New(rdb)
	}

	a.Loop = engine.NewLoop(a.Jobs, a.Store, engine.LoopConfig{
		Ceiling: cfg.ExecCeiling,
		Width:   cfg.BatchWidth,
		Delay:   cfg.BatchDelay,
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			Jitter:      cfg.RetryJitter,
		},
		ItemMaxAttempts: cfg.ItemMaxAttempts,
		ItemRetryDelay:  cfg.ItemRetryDelay,
	}, a.Log)
	return nil
}

func (a *App) Continuer() engine.Continuer {
	if a.Inline != nil {
		return a.Inline
	}
	return a.Queue
}

// Registry builds the handler registry. With execute false the registry only
// enqueues; workers consuming the queue run the handlers.
func (a *App) Registry(execute bool) (*engine.Registry, error) {
	handlers := pipelines.Handlers(pipelines.Deps{
		Loop:       a.Loop,
		Store:      a.Store,
		Identities: a.Store,
		Classifier: classifier.NewHTTPClient(classifier.Config{
			BaseURL: a.Cfg.ClassifierURL,
			APIKey:  a.Cfg.ClassifierAPIKey,
			Timeout: a.Cfg.ClassifierTimeout,
		}, a.Log),
		Source: pipelines.NewHTTPSource(a.Cfg.SourceTimeout, a.Log),
		Log:    a.Log,
	})
	var exec *engine.Executor
	if execute {
		exec = engine.NewExecutor(a.Log, engine.WithWorkers(a.Cfg.MaxRunning))
	}
	reg, err := engine.NewRegistry(a.Jobs, a.Store, exec, a.Continuer(), handlers, a.Cfg.HardLimit, a.Log)
	if err != nil {
		return nil, err
	}
	if a.Inline != nil {
		a.Inline.Bind(reg.Schedule)
	}
	return reg, nil
}

func (a *App) Watchdog() *watchdog.Watchdog {
	var opts []watchdog.Option
	if a.Queue != nil {
		opts = append(opts, watchdog.WithMover(a.Queue))
	}
	return watchdog.New(a.Store, a.Store, a.Continuer(), watchdog.Config{
		Interval:   a.Cfg.WatchdogInterval,
		StallAfter: a.Cfg.StallAfter,
	}, a.Log, opts...)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// Shutdown drains reg within timeout, then closes the app.
func (a *App) Shutdown(reg *engine.Registry, timeout time.Duration) error {
	if reg != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		reg.Shutdown(ctx)
		cancel()
	}
	return a.Close()
}

type pgStore struct {
	*storage.Store
	*storage.Leader
}
