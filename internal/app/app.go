// Package app wires the dispatch engine from configuration: stores, caches,
// event transports, services and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/config"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/directory"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/dispatch"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/eta"
	httpapi "github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/http"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/ingest"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/lifecycle"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/matcher"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/presence"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/tracking"
)

const routeCacheTTL = 10 * time.Minute

type App struct {
	Handler   http.Handler
	Scheduler *lifecycle.Scheduler
	Lifecycle *lifecycle.Service
	Tracking  *tracking.Service
	Presence  *presence.Service

	logger  *slog.Logger
	closers []func() error
}

// New builds every component named by cfg. Empty PG_DSN, REDIS_ADDR and
// KAFKA_BROKERS fall back to in-process implementations.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	a := &App{logger: logger}
	var ready []httpapi.ReadyCheck

	prices := eta.DefaultPriceTable()
	if cfg.PriceTable != "" {
		p, err := eta.ParsePriceTable(cfg.PriceTable)
		if err != nil {
			return nil, fmt.Errorf("price table: %w", err)
		}
		prices = p
	}

	var (
		store storage.Store
		dir   directory.Directory
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, ps.Close)
		ps.LockTimeout = cfg.LockTimeout
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, ps.DB()); err != nil {
				_ = a.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations_applied")
		}
		store = ps
		dir = directory.NewPostgres(ps.DB())
		ready = append(ready, httpapi.ReadyCheck{Name: "postgres", Check: ps.Ping})
	} else {
		ms := storage.NewMemoryStore()
		ms.LockTimeout = cfg.LockTimeout
		store = ms
		dir = directory.NewMemory()
		logger.Warn("using in-memory store; PG_DSN not set")
	}

	var cache tracking.Cache
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		a.closers = append(a.closers, rc.Close)
		cache = tracking.NewRedisCache(rc, cfg.TrackingTTL)
		ready = append(ready, httpapi.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error { return rc.Ping(ctx).Err() }})
	} else {
		cache = tracking.NewMemoryCache(cfg.TrackingTTL, nil)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	notifier := dispatch.Fanout{wsreg}
	var pings httpapi.PingPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kn := dispatch.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		a.closers = append(a.closers, kn.Close)
		notifier = append(notifier, kn)
		if cfg.AsyncLocations {
			kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic)
			a.closers = append(a.closers, kp.Close)
			pings = kp
		}
	} else {
		notifier = append(notifier, &dispatch.LogNotifier{Logger: logger})
	}

	estimator := &eta.RouteEstimator{
		Cache:           eta.NewCache(routeCacheTTL),
		Prices:          prices,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
	}
	if cfg.OSRMEndpoint != "" {
		estimator.Router = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}

	a.Lifecycle = &lifecycle.Service{
		Store:            store,
		Matcher:          &matcher.Service{MaxStaleness: cfg.PresenceMaxStaleness, Logger: logger},
		Estimator:        estimator,
		Directory:        dir,
		Notifier:         notifier,
		MaxScheduleAhead: cfg.MaxScheduleAhead,
		Logger:           logger,
	}
	a.Tracking = &tracking.Service{
		Store:           store,
		Cache:           cache,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		Broadcaster:     wsreg,
		Logger:          logger,
	}
	a.Presence = &presence.Service{Store: store, Directory: dir, Logger: logger}
	a.Scheduler = &lifecycle.Scheduler{
		Service:      a.Lifecycle,
		Interval:     cfg.SchedulerInterval,
		ReminderLead: cfg.ReminderLead,
		Grace:        cfg.ScheduleGrace,
	}

	a.Handler = httpapi.NewServer(httpapi.Deps{
		Lifecycle: a.Lifecycle,
		Tracking:  a.Tracking,
		Presence:  a.Presence,
		WSReg:     wsreg,
		Pings:     pings,
		Ready:     ready,
		Logger:    logger,
	})
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
