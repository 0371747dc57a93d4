package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Errorf("expected default port %q, got %q", defaultPort, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Errorf("expected default read timeout %v, got %v", defaultReadTimeout, cfg.Server.ReadTimeout)
	}
	if cfg.Logging.Level != slog.LevelInfo {
		t.Errorf("expected default log level %v, got %v", slog.LevelInfo, cfg.Logging.Level)
	}
	if cfg.Logging.Format != defaultLogFormat {
		t.Errorf("expected default log format %q, got %q", defaultLogFormat, cfg.Logging.Format)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.Tries != defaultTries || cfg.Queue.Concurrency != defaultConcurrency {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Storage.Backend != "fs" || cfg.Storage.Dir != defaultStorageDir {
		t.Errorf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Enrichment.Enabled {
		t.Error("expected enrichment to be disabled by default")
	}
	if cfg.Enrichment.Provider != "openai" || cfg.Enrichment.MinTextLength != defaultMinTextLength {
		t.Errorf("unexpected enrichment defaults: %+v", cfg.Enrichment)
	}
	if cfg.Search.URLs != nil {
		t.Errorf("expected no search URLs, got %v", cfg.Search.URLs)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.Interval != time.Minute {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Extraction.PdftotextPath != "pdftotext" || cfg.Extraction.DefaultMaxPages != defaultMaxPages ||
		cfg.Extraction.ToolRetries != defaultToolRetries {
		t.Errorf("unexpected extraction defaults: %+v", cfg.Extraction)
	}
	if cfg.HTTP.HTMLMaxItems != defaultHTMLMaxItems || cfg.HTTP.HTMLMaxDetailFetches != defaultHTMLMaxDetail {
		t.Errorf("unexpected html defaults: %+v", cfg.HTTP)
	}
	if cfg.HTTP.HTMLMaxDetailFetches == 0 {
		t.Error("detail selectors need a nonzero default fetch budget")
	}
}

func TestLoadWithOverrides(t *testing.T) {
	clearConfigEnv(t)

	overrides := map[string]string{
		"SERVER_PORT":                     "9090",
		"SERVER_READ_TIMEOUT_SECONDS":     "30",
		"LOG_LEVEL":                       "debug",
		"LOG_FORMAT":                      "text",
		"QUEUE_BACKEND":                   "memory",
		"WORKER_CONCURRENCY":              "8",
		"JOB_TRIES":                       "5",
		"JOB_TIMEOUT_SECONDS":             "120",
		"STORAGE_BACKEND":                 "minio",
		"MINIO_ENDPOINT":                  "minio:9000",
		"MINIO_USE_SSL":                   "true",
		"ELASTICSEARCH_URL":               "http://es1:9200, http://es2:9200",
		"PDFTOTEXT_PATH":                  "/opt/poppler/bin/pdftotext",
		"EXTRACTION_TOOL_TIMEOUT_SECONDS": "45",
		"EXTRACTION_DEFAULT_MAX_PAGES":    "5",
		"EXTRACTION_TOOL_RETRIES":         "0",
		"ENRICHMENT_ENABLED":              "true",
		"ENRICHMENT_LLM_PROVIDER":         "stub",
		"ENRICHMENT_MIN_TEXT_LENGTH":      "250",
		"ACTIONABLE_QUERY_KEYWORDS":       "public hearing,comment period,",
		"SCHEDULER_INTERVAL_SECONDS":      "30",
		"PROJECTION_BATCH_SIZE":           "50",
		"HTTP_FETCH_RETRIES":              "0",
		"HTTP_RATE_PER_SECOND":            "2.5",
		"HTML_MAX_ITEMS":                  "40",
		"HTML_MAX_DETAIL_FETCHES":         "3",
	}
	for key, value := range overrides {
		t.Setenv(key, value)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Logging.Level != slog.LevelDebug || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging config: %+v", cfg.Logging)
	}
	if cfg.Queue.Backend != "memory" || cfg.Queue.Concurrency != 8 || cfg.Queue.Tries != 5 || cfg.Queue.JobTimeout != 2*time.Minute {
		t.Errorf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Storage.Backend != "minio" || cfg.Storage.MinIOEndpoint != "minio:9000" || !cfg.Storage.MinIOUseSSL {
		t.Errorf("unexpected storage config: %+v", cfg.Storage)
	}
	if diff := cmp.Diff([]string{"http://es1:9200", "http://es2:9200"}, cfg.Search.URLs); diff != "" {
		t.Errorf("search URLs mismatch (-want +got):\n%s", diff)
	}
	if cfg.Extraction.PdftotextPath != "/opt/poppler/bin/pdftotext" || cfg.Extraction.ToolTimeout != 45*time.Second ||
		cfg.Extraction.DefaultMaxPages != 5 || cfg.Extraction.ToolRetries != 0 {
		t.Errorf("unexpected extraction config: %+v", cfg.Extraction)
	}
	if !cfg.Enrichment.Enabled || cfg.Enrichment.Provider != "stub" || cfg.Enrichment.MinTextLength != 250 {
		t.Errorf("unexpected enrichment config: %+v", cfg.Enrichment)
	}
	if diff := cmp.Diff([]string{"public hearing", "comment period"}, cfg.Enrichment.ActionableKeywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
	if cfg.Scheduler.Interval != 30*time.Second || cfg.Scheduler.ProjectionBatchSize != 50 {
		t.Errorf("unexpected scheduler config: %+v", cfg.Scheduler)
	}
	if cfg.HTTP.FetchRetries != 0 || cfg.HTTP.RatePerSecond != 2.5 ||
		cfg.HTTP.HTMLMaxItems != 40 || cfg.HTTP.HTMLMaxDetailFetches != 3 {
		t.Errorf("unexpected http config: %+v", cfg.HTTP)
	}
}

func TestLoadPrefersPort(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("PORT", "7000")
	t.Setenv("SERVER_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.Port != "7000" {
		t.Errorf("expected PORT to win, got %q", cfg.Server.Port)
	}
}

func TestLoadWithInvalidValues(t *testing.T) {
	tests := map[string]map[string]string{
		"negative timeout":   {"SERVER_READ_TIMEOUT_SECONDS": "-1"},
		"non-numeric":        {"SERVER_WRITE_TIMEOUT_SECONDS": "abc"},
		"fractional seconds": {"SCHEDULER_INTERVAL_SECONDS": "3.5"},
		"log level":          {"LOG_LEVEL": "verbose"},
		"log format":         {"LOG_FORMAT": "xml"},
		"zero concurrency":   {"WORKER_CONCURRENCY": "0"},
		"zero tries":         {"JOB_TRIES": "0"},
		"bad bool":           {"ENRICHMENT_ENABLED": "maybe"},
		"negative rate":      {"HTTP_RATE_PER_SECOND": "-2"},
		"negative retries":   {"EXTRACTION_TOOL_RETRIES": "-1"},
		"zero html items":    {"HTML_MAX_ITEMS": "0"},
		"queue backend":      {"QUEUE_BACKEND": "kafka"},
		"storage backend":    {"STORAGE_BACKEND": "s3"},
		"minio no endpoint":  {"STORAGE_BACKEND": "minio"},
		"llm provider":       {"ENRICHMENT_LLM_PROVIDER": "anthropic"},
		"openai without key": {"ENRICHMENT_ENABLED": "true", "ENRICHMENT_LLM_PROVIDER": "openai"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			clearConfigEnv(t)
			for key, value := range env {
				t.Setenv(key, value)
			}

			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %v", env)
			}
		})
	}
}

func TestParseLogLevelAliases(t *testing.T) {
	tests := map[string]slog.Level{
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
	}

	for input, expected := range tests {
		level, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}

		if level != expected {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, level, expected)
		}
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "CIVICWIRE_DOTENV_PROBE"
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-file\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv(key); got != "from-file" {
		t.Errorf("%s = %q, want from-file", key, got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT", "SERVER_PORT",
		"SERVER_READ_TIMEOUT_SECONDS", "SERVER_WRITE_TIMEOUT_SECONDS", "SERVER_SHUTDOWN_TIMEOUT_SECONDS",
		"LOG_LEVEL", "LOG_FORMAT",
		"DB_MAX_CONNECTIONS", "RUN_MIGRATIONS",
		"QUEUE_BACKEND", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "QUEUE_STREAM",
		"WORKER_CONCURRENCY", "JOB_TIMEOUT_SECONDS", "JOB_TRIES",
		"STORAGE_BACKEND", "STORAGE_DIR", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
		"MINIO_BUCKET", "MINIO_USE_SSL",
		"ELASTICSEARCH_URL", "ELASTICSEARCH_INDEX",
		"PDFTOTEXT_PATH", "PDFTOPPM_PATH", "TESSERACT_PATH",
		"EXTRACTION_TOOL_TIMEOUT_SECONDS", "EXTRACTION_DEFAULT_MAX_PAGES", "EXTRACTION_TOOL_RETRIES",
		"ENRICHMENT_ENABLED", "ENRICHMENT_LLM_PROVIDER", "OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_MODEL",
		"ENRICHMENT_PROMPT_VERSION", "ENRICHMENT_MIN_TEXT_LENGTH", "ACTIONABLE_QUERY_KEYWORDS",
		"SCHEDULER_ENABLED", "SCHEDULER_INTERVAL_SECONDS", "PROJECTION_BATCH_SIZE",
		"HTTP_FETCH_TIMEOUT_SECONDS", "HTTP_FETCH_RETRIES", "HTTP_RATE_PER_SECOND", "HTTP_USER_AGENT",
		"HTML_MAX_ITEMS", "HTML_MAX_DETAIL_FETCHES",
	}

	for _, key := range keys {
		t.Setenv(key, "")
	}
}
