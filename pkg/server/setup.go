package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/config"
	"github.com/nicktill/tinysos/pkg/deletion"
	"github.com/nicktill/tinysos/pkg/events"
	"github.com/nicktill/tinysos/pkg/housekeeping"
	"github.com/nicktill/tinysos/pkg/ingest"
	"github.com/nicktill/tinysos/pkg/server/monitor"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/storage/badger"
	"github.com/nicktill/tinysos/pkg/storage/memory"
	"github.com/nicktill/tinysos/pkg/storage/sqlstore"
	"github.com/nicktill/tinysos/pkg/temporal"
)

// Backends accepted by TINYSOS_BACKEND.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds server configuration.
type Config struct {
	Port          string
	Backend       string
	DataDir       string
	PostgresDSN   string
	MaxStorageGB  int64
	MaxMemoryMB   int64
	Retention     deletion.Retention
	PurgeInterval time.Duration
	Development   bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig(log *zap.Logger) (Config, error) {
	cfg := Config{
		Port:         getEnv("PORT", config.DefaultPort),
		Backend:      getEnv("TINYSOS_BACKEND", config.DefaultBackend),
		DataDir:      getEnv("TINYSOS_DATA_DIR", config.DefaultDataDir),
		PostgresDSN:  os.Getenv("TINYSOS_POSTGRES_DSN"),
		MaxStorageGB: getEnvInt64(log, "TINYSOS_MAX_STORAGE_GB", config.DefaultMaxStorageGB),
		MaxMemoryMB:  getEnvInt64(log, "TINYSOS_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		Retention: deletion.Retention{
			Offerings:  getEnvBool(log, "TINYSOS_RETAIN_OFFERINGS", false),
			Procedures: getEnvBool(log, "TINYSOS_RETAIN_PROCEDURES", false),
		},
		PurgeInterval: time.Duration(getEnvInt64(log, "TINYSOS_PURGE_INTERVAL_MIN", config.DefaultPurgeInterval)) * time.Minute,
		Development:   getEnvBool(log, "TINYSOS_LOG_DEV", false),
	}

	switch cfg.Backend {
	case BackendMemory, BackendBadger, BackendSQLite:
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return cfg, fmt.Errorf("TINYSOS_POSTGRES_DSN is required for the postgres backend")
		}
	default:
		return cfg, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Backend != BackendMemory && cfg.Backend != BackendPostgres {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return cfg, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return cfg, nil
}

// MaxStorageBytes returns the storage limit in bytes.
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

// InitializeStorage opens the configured backend.
func InitializeStorage(ctx context.Context, log *zap.Logger, cfg Config) (storage.Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		log.Warn("using in-memory storage, data is lost on restart")
		return memory.New(), nil
	case BackendSQLite:
		path := filepath.Join(cfg.DataDir, config.SQLiteFileName)
		store, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.SQLite, DSN: path})
		if err != nil {
			return nil, err
		}
		log.Info("sqlite storage initialized", zap.String("path", path))
		return store, nil
	case BackendPostgres:
		store, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.Postgres, DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, err
		}
		log.Info("postgres storage initialized")
		return store, nil
	}

	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		MaxRetries:  config.MaxTxnRetries,
	})
	if err != nil {
		return nil, err
	}
	log.Info("badger storage initialized", zap.String("path", cfg.DataDir), zap.Int64("max_memory_mb", cfg.MaxMemoryMB))
	return store, nil
}

// Components are the wired request handlers and their shared services.
type Components struct {
	Deletion     *deletion.Service
	Ingest       *ingest.Handler
	Housekeeping *housekeeping.Handler
	Hub          *events.Hub
	Registry     *prometheus.Registry
	HTTPMetrics  *HTTPMetrics
	Log          *zap.Logger
}

// InitializeHandlers creates and configures all request handlers.
func InitializeHandlers(
	log *zap.Logger,
	cfg Config,
	store storage.Store,
	storageMonitor *monitor.StorageMonitor,
) (*Components, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	metrics := deletion.NewMetrics()
	if err := registry.Register(metrics); err != nil {
		return nil, fmt.Errorf("register deletion metrics: %w", err)
	}
	httpMetrics := NewHTTPMetrics()
	if err := registry.Register(httpMetrics); err != nil {
		return nil, fmt.Errorf("register http metrics: %w", err)
	}

	hub := events.NewHub(log.Named("events"))

	svc, err := deletion.NewService(log.Named("deletion"), store, temporal.PhenomenonTime{},
		deletion.Config{Retention: cfg.Retention}, metrics, hub)
	if err != nil {
		return nil, err
	}

	ingestHandler := ingest.NewHandler(log.Named("ingest"), ingest.NewInserter(log.Named("ingest"), store))
	ingestHandler.SetStorageChecker(storageMonitor)

	log.Info("handlers created",
		zap.Bool("retain_offerings", cfg.Retention.Offerings),
		zap.Bool("retain_procedures", cfg.Retention.Procedures))

	return &Components{
		Deletion:     svc,
		Ingest:       ingestHandler,
		Housekeeping: housekeeping.NewHandler(log.Named("housekeeping"), svc, store),
		Hub:          hub,
		Registry:     registry,
		HTTPMetrics:  httpMetrics,
		Log:          log.Named("http"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(log *zap.Logger, key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Warn("invalid integer, using default", zap.String("key", key), zap.String("value", val), zap.Int64("default", defaultValue))
	}
	return defaultValue
}

func getEnvBool(log *zap.Logger, key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
		log.Warn("invalid boolean, using default", zap.String("key", key), zap.String("value", val), zap.Bool("default", defaultValue))
	}
	return defaultValue
}
