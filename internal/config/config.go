package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// PGDSN empty runs on the in-memory store.
	PGDSN         string
	RunMigrations bool
	LockTimeout   time.Duration

	// RedisAddr empty keeps tracking samples in process.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TrackingTTL   time.Duration

	KafkaBrokers        []string
	KafkaEventsTopic    string
	KafkaLocationsTopic string
	// AsyncLocations routes ride location pings through Kafka instead of
	// writing the tracking cache from the request.
	AsyncLocations bool

	OSRMEndpoint         string
	DefaultSpeedMps      float64
	PriceTable           string
	PresenceMaxStaleness time.Duration
	MaxScheduleAhead     time.Duration

	SchedulerInterval time.Duration
	ReminderLead      time.Duration
	ScheduleGrace     time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		LockTimeout:          2 * time.Second,
		TrackingTTL:          30 * time.Second,
		KafkaEventsTopic:     "ride-events",
		KafkaLocationsTopic:  "ride-locations",
		DefaultSpeedMps:      8,
		PresenceMaxStaleness: 10 * time.Minute,
		MaxScheduleAhead:     5 * time.Hour,
		SchedulerInterval:    time.Minute,
		ReminderLead:         15 * time.Minute,
		ScheduleGrace:        15 * time.Minute,
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.LockTimeout, "LOCK_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setDurationFromEnv(&cfg.TrackingTTL, "TRACKING_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	cfg.AsyncLocations = strings.EqualFold(os.Getenv("ASYNC_LOCATIONS"), "true")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	cfg.PriceTable = strings.TrimSpace(os.Getenv("PRICE_TABLE"))
	setDurationFromEnv(&cfg.PresenceMaxStaleness, "PRESENCE_MAX_STALENESS", &errs)
	setDurationFromEnv(&cfg.MaxScheduleAhead, "MAX_SCHEDULE_AHEAD", &errs)

	setDurationFromEnv(&cfg.SchedulerInterval, "SCHEDULER_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReminderLead, "REMINDER_LEAD", &errs)
	setDurationFromEnv(&cfg.ScheduleGrace, "SCHEDULE_GRACE", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TIMEOUT must be > 0"))
	}
	if cfg.TrackingTTL <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_TTL must be > 0"))
	}
	if cfg.MaxScheduleAhead <= 0 {
		errs = append(errs, fmt.Errorf("MAX_SCHEDULE_AHEAD must be > 0"))
	}
	if cfg.SchedulerInterval <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_INTERVAL must be > 0"))
	}
	if cfg.AsyncLocations && len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("ASYNC_LOCATIONS requires KAFKA_BROKERS"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer, which applies location pings from Kafka.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	Topic         string
	Group         string
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TrackingTTL   time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "ride-locations",
		Group:        "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		TrackingTTL:  30 * time.Second,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setDurationFromEnv(&cfg.TrackingTTL, "TRACKING_TTL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
