package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/config"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/ingest"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/logging"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/models"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/rideerr"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/storage"
	"github.com/kzi-nastava/mrs-team26-Pekari-sub001/internal/tracking"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride location pings consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total undecodable pings",
	})
	pingsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_applied_total",
		Help: "Total pings written to the tracking cache",
	})
	pingsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_pings_rejected_total",
		Help: "Pings dropped by tracking rules or after exhausting retries",
	}, []string{"code"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingsApplied, pingsRejected)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	store, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres connect failed", "error", err)
		os.Exit(1)
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	updater := &tracking.Service{
		Store:  store,
		Cache:  tracking.NewRedisCache(rc, cfg.TrackingTTL),
		Logger: logger,
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		_ = store.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		ping, err := ingest.DecodePing(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid ping", "error", err, "offset", m.Offset)
			continue
		}

		if err := applyWithRetry(ctx, updater, ping, 3, 200*time.Millisecond); err != nil {
			code := rideerr.From("apply ping", err).Code
			pingsRejected.WithLabelValues(code).Inc()
			logger.Warn("ping dropped", "ride_id", ping.RideID, "driver_id", ping.DriverID, "code", code, "error", err)
			continue
		}
		pingsApplied.Inc()
	}
}

// LocationUpdater is the tracking write the consumer needs.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, rideID, driverID string, sample models.TrackingSample) error
}

// applyWithRetry retries infrastructure failures with doubling delay. Rule
// rejections (wrong driver, ride not moving, bad coordinates) are final.
func applyWithRetry(ctx context.Context, u LocationUpdater, p ingest.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = u.UpdateLocation(ctx, p.RideID, p.DriverID, p.Sample())
		if err == nil || !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func retryable(err error) bool {
	switch rideerr.KindOf(err) {
	case rideerr.KindUnavailable, rideerr.KindInternal:
		return true
	}
	return false
}
