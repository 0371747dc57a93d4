package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Database   DatabaseConfig
	Queue      QueueConfig
	Storage    StorageConfig
	Search     SearchConfig
	Extraction ExtractionConfig
	Enrichment EnrichmentConfig
	Scheduler  SchedulerConfig
	HTTP       HTTPConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig controls the connection pool. The URL itself comes from
// cloudsql.BuildDatabaseURL.
type DatabaseConfig struct {
	MaxConnections int
	RunMigrations  bool
}

// QueueConfig selects the task queue backend and sizes the worker.
type QueueConfig struct {
	Backend       string // "redis" or "memory"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Stream        string
	Concurrency   int
	JobTimeout    time.Duration
	Tries         int
}

// StorageConfig selects where fetched documents are kept.
type StorageConfig struct {
	Backend        string // "fs" or "minio"
	Dir            string
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// SearchConfig points at the Elasticsearch cluster. Empty URLs disable indexing.
type SearchConfig struct {
	URLs  []string
	Index string
}

// ExtractionConfig locates the external document tools.
type ExtractionConfig struct {
	PdftotextPath   string
	PdftoppmPath    string
	TesseractPath   string
	ToolTimeout     time.Duration
	ToolRetries     int
	DefaultMaxPages int
}

// EnrichmentConfig gates and configures article scoring.
type EnrichmentConfig struct {
	Enabled            bool
	Provider           string // "openai" or "stub"
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	OpenAIModel        string
	PromptVersion      string
	MinTextLength      int
	ActionableKeywords []string
}

// SchedulerConfig tunes the due-source sweep and batch rebuilds.
type SchedulerConfig struct {
	Enabled             bool
	Interval            time.Duration
	ProjectionBatchSize int
}

// HTTPConfig tunes outbound fetches.
type HTTPConfig struct {
	FetchTimeout  time.Duration
	FetchRetries  int
	RatePerSecond float64
	UserAgent     string

	// Defaults for HTML sources that do not set their own caps.
	HTMLMaxItems         int
	HTMLMaxDetailFetches int
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	defaultLogFormat = "json"

	defaultQueueBackend     = "redis"
	defaultRedisAddr        = "localhost:6379"
	defaultStream           = "civicwire:tasks"
	defaultConcurrency      = 4
	defaultJobTimeout       = 10 * time.Minute
	defaultTries            = 3
	defaultStorageBackend   = "fs"
	defaultStorageDir       = "./data/documents"
	defaultMinIOBucket      = "civicwire-documents"
	defaultSearchIndex      = "civicwire-articles"
	defaultToolTimeout      = 2 * time.Minute
	defaultToolRetries      = 2
	defaultMaxPages         = 20
	defaultProvider         = "openai"
	defaultModel            = "gpt-4o-mini"
	defaultPromptVersion    = "v1"
	defaultMinTextLength    = 400
	defaultSchedulerEvery   = time.Minute
	defaultProjectionBatch  = 100
	defaultFetchTimeout     = 30 * time.Second
	defaultFetchRetries     = 3
	defaultRatePerSecond    = 1.0
	defaultHTMLMaxItems     = 200
	defaultHTMLMaxDetail    = 10
	defaultUserAgent        = "civicwire-ingest/1.0 (+https://civicwire.org/bot)"
	defaultDBMaxConnections = 25
)

// LoadDotEnv loads variables from path when the file exists. Variables that
// are already set win over the file.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applying defaults when
// values are not provided.
func Load() (Config, error) {
	// Cloud Run sets PORT, but allow SERVER_PORT override for local dev
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			MaxConnections: defaultDBMaxConnections,
			RunMigrations:  true,
		},
		Queue: QueueConfig{
			Backend:       getEnv("QUEUE_BACKEND", defaultQueueBackend),
			RedisAddr:     getEnv("REDIS_ADDR", defaultRedisAddr),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			Stream:        getEnv("QUEUE_STREAM", defaultStream),
			Concurrency:   defaultConcurrency,
			JobTimeout:    defaultJobTimeout,
			Tries:         defaultTries,
		},
		Storage: StorageConfig{
			Backend:        getEnv("STORAGE_BACKEND", defaultStorageBackend),
			Dir:            getEnv("STORAGE_DIR", defaultStorageDir),
			MinIOEndpoint:  os.Getenv("MINIO_ENDPOINT"),
			MinIOAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
			MinIOSecretKey: os.Getenv("MINIO_SECRET_KEY"),
			MinIOBucket:    getEnv("MINIO_BUCKET", defaultMinIOBucket),
		},
		Search: SearchConfig{
			URLs:  splitList(os.Getenv("ELASTICSEARCH_URL")),
			Index: getEnv("ELASTICSEARCH_INDEX", defaultSearchIndex),
		},
		Extraction: ExtractionConfig{
			PdftotextPath:   getEnv("PDFTOTEXT_PATH", "pdftotext"),
			PdftoppmPath:    getEnv("PDFTOPPM_PATH", "pdftoppm"),
			TesseractPath:   getEnv("TESSERACT_PATH", "tesseract"),
			ToolTimeout:     defaultToolTimeout,
			ToolRetries:     defaultToolRetries,
			DefaultMaxPages: defaultMaxPages,
		},
		Enrichment: EnrichmentConfig{
			Provider:           getEnv("ENRICHMENT_LLM_PROVIDER", defaultProvider),
			OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
			OpenAIModel:        getEnv("OPENAI_MODEL", defaultModel),
			PromptVersion:      getEnv("ENRICHMENT_PROMPT_VERSION", defaultPromptVersion),
			MinTextLength:      defaultMinTextLength,
			ActionableKeywords: splitList(os.Getenv("ACTIONABLE_QUERY_KEYWORDS")),
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			Interval:            defaultSchedulerEvery,
			ProjectionBatchSize: defaultProjectionBatch,
		},
		HTTP: HTTPConfig{
			FetchTimeout:         defaultFetchTimeout,
			FetchRetries:         defaultFetchRetries,
			RatePerSecond:        defaultRatePerSecond,
			UserAgent:            getEnv("HTTP_USER_AGENT", defaultUserAgent),
			HTMLMaxItems:         defaultHTMLMaxItems,
			HTMLMaxDetailFetches: defaultHTMLMaxDetail,
		},
	}

	seconds := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout},
		{"JOB_TIMEOUT_SECONDS", &cfg.Queue.JobTimeout},
		{"EXTRACTION_TOOL_TIMEOUT_SECONDS", &cfg.Extraction.ToolTimeout},
		{"SCHEDULER_INTERVAL_SECONDS", &cfg.Scheduler.Interval},
		{"HTTP_FETCH_TIMEOUT_SECONDS", &cfg.HTTP.FetchTimeout},
	}
	for _, s := range seconds {
		if v := os.Getenv(s.key); v != "" {
			d, err := parseSeconds(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", s.key, err)
			}
			*s.dst = d
		}
	}

	ints := []struct {
		key string
		dst *int
		min int
	}{
		{"DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections, 1},
		{"REDIS_DB", &cfg.Queue.RedisDB, 0},
		{"WORKER_CONCURRENCY", &cfg.Queue.Concurrency, 1},
		{"JOB_TRIES", &cfg.Queue.Tries, 1},
		{"EXTRACTION_DEFAULT_MAX_PAGES", &cfg.Extraction.DefaultMaxPages, 1},
		{"EXTRACTION_TOOL_RETRIES", &cfg.Extraction.ToolRetries, 0},
		{"ENRICHMENT_MIN_TEXT_LENGTH", &cfg.Enrichment.MinTextLength, 0},
		{"PROJECTION_BATCH_SIZE", &cfg.Scheduler.ProjectionBatchSize, 1},
		{"HTTP_FETCH_RETRIES", &cfg.HTTP.FetchRetries, 0},
		{"HTML_MAX_ITEMS", &cfg.HTTP.HTMLMaxItems, 1},
		{"HTML_MAX_DETAIL_FETCHES", &cfg.HTTP.HTMLMaxDetailFetches, 0},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := parseInt(v, i.min)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"RUN_MIGRATIONS", &cfg.Database.RunMigrations},
		{"MINIO_USE_SSL", &cfg.Storage.MinIOUseSSL},
		{"ENRICHMENT_ENABLED", &cfg.Enrichment.Enabled},
		{"SCHEDULER_ENABLED", &cfg.Scheduler.Enabled},
	}
	for _, b := range bools {
		if v := os.Getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: must be a boolean", b.key)
			}
			*b.dst = parsed
		}
	}

	if v := os.Getenv("HTTP_RATE_PER_SECOND"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 {
			return Config{}, fmt.Errorf("invalid HTTP_RATE_PER_SECOND: must be a non-negative number")
		}
		cfg.HTTP.RatePerSecond = rate
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("invalid QUEUE_BACKEND: must be 'redis' or 'memory'")
	}

	switch c.Storage.Backend {
	case "fs":
	case "minio":
		if c.Storage.MinIOEndpoint == "" {
			return fmt.Errorf("MINIO_ENDPOINT is required when STORAGE_BACKEND=minio")
		}
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND: must be 'fs' or 'minio'")
	}

	switch c.Enrichment.Provider {
	case "openai":
		if c.Enrichment.Enabled && c.Enrichment.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when ENRICHMENT_ENABLED=true with the openai provider")
		}
	case "stub":
	default:
		return fmt.Errorf("invalid ENRICHMENT_LLM_PROVIDER: must be 'openai' or 'stub'")
	}
	return nil
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parseInt(raw string, minimum int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < minimum {
		return 0, fmt.Errorf("must be an integer >= %d", minimum)
	}
	return n, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// splitList parses a comma separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
