package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "glossforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// CLIFlags holds command-line overrides. Nil fields were not set.
type CLIFlags struct {
	ConfigPath *string
	Port       *string
	LogLevel   *string
	DSN        *string
	NatsURL    *string
	Provider   *string
	Model      *string
}

// ParseFlags parses command-line arguments into CLIFlags.
func ParseFlags(args []string) (CLIFlags, error) {
	fs := flag.NewFlagSet("glossforge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "path to YAML config file")
	fs.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	port := fs.String("port", "", "HTTP listen port")
	fs.StringVar(port, "p", "", "HTTP listen port (shorthand)")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error)")
	dsn := fs.String("dsn", "", "PostgreSQL DSN")
	natsURL := fs.String("nats-url", "", "NATS server URL")
	provider := fs.String("llm-provider", "", "LLM backend (ollama|openai)")
	model := fs.String("llm-model", "", "LLM model identifier")

	if err := fs.Parse(args); err != nil {
		return CLIFlags{}, fmt.Errorf("parse flags: %w", err)
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	var flags CLIFlags
	if set["config"] || set["c"] {
		flags.ConfigPath = configPath
	}
	if set["port"] || set["p"] {
		flags.Port = port
	}
	if set["log-level"] {
		flags.LogLevel = logLevel
	}
	if set["dsn"] {
		flags.DSN = dsn
	}
	if set["nats-url"] {
		flags.NatsURL = natsURL
	}
	if set["llm-provider"] {
		flags.Provider = provider
	}
	if set["llm-model"] {
		flags.Model = model
	}
	return flags, nil
}

// LoadWithCLI loads configuration with CLI flags applied last.
// It returns the resolved YAML path alongside the config.
func LoadWithCLI(flags CLIFlags) (*Config, string, error) {
	path := DefaultConfigFile
	if flags.ConfigPath != nil && *flags.ConfigPath != "" {
		path = *flags.ConfigPath
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, path); err != nil {
		return nil, path, fmt.Errorf("config yaml: %w", err)
	}
	loadEnv(&cfg)
	applyCLI(&cfg, flags)

	if err := validate(&cfg); err != nil {
		return nil, path, fmt.Errorf("config validate: %w", err)
	}
	return &cfg, path, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "GLOSSFORGE_PORT")
	setString(&cfg.Server.CORSOrigin, "GLOSSFORGE_CORS_ORIGIN")
	setFloat64(&cfg.Server.RateLimit, "GLOSSFORGE_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "GLOSSFORGE_RATE_BURST")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "GLOSSFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "GLOSSFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "GLOSSFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "GLOSSFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "GLOSSFORGE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	// LLM gateway
	setString(&cfg.LLM.Provider, "GLOSSFORGE_LLM_PROVIDER")
	setString(&cfg.LLM.URL, "GLOSSFORGE_LLM_URL")
	setString(&cfg.LLM.APIKey, "LLM_API_KEY")
	setString(&cfg.LLM.Model, "GLOSSFORGE_LLM_MODEL")
	setDuration(&cfg.LLM.Timeout, "GLOSSFORGE_LLM_TIMEOUT")
	setInt(&cfg.LLM.MaxRetries, "GLOSSFORGE_LLM_MAX_RETRIES")
	setInt(&cfg.LLM.ParseRetries, "GLOSSFORGE_LLM_PARSE_RETRIES")
	setDuration(&cfg.LLM.ParseRetryDelay, "GLOSSFORGE_LLM_PARSE_RETRY_DELAY")
	setDuration(&cfg.LLM.BaseBackoff, "GLOSSFORGE_LLM_BASE_BACKOFF")
	setDuration(&cfg.LLM.MaxBackoff, "GLOSSFORGE_LLM_MAX_BACKOFF")
	setDuration(&cfg.LLM.MaxRateLimitWait, "GLOSSFORGE_LLM_MAX_RATE_LIMIT_WAIT")
	setFloat64(&cfg.LLM.Temperature, "GLOSSFORGE_LLM_TEMPERATURE")
	setInt(&cfg.LLM.MaxTokens, "GLOSSFORGE_LLM_MAX_TOKENS")
	setInt(&cfg.LLM.MaxConcurrent, "GLOSSFORGE_LLM_MAX_CONCURRENT")

	setString(&cfg.Logging.Level, "GLOSSFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "GLOSSFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "GLOSSFORGE_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "GLOSSFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "GLOSSFORGE_BREAKER_TIMEOUT")

	setInt(&cfg.Runs.StageWorkers, "GLOSSFORGE_STAGE_WORKERS")
	setInt(&cfg.Runs.HistoryLimit, "GLOSSFORGE_RUN_HISTORY_LIMIT")

	setInt(&cfg.Stream.BufferSize, "GLOSSFORGE_STREAM_BUFFER_SIZE")
	setDuration(&cfg.Stream.Retention, "GLOSSFORGE_STREAM_RETENTION")
	setDuration(&cfg.Stream.Keepalive, "GLOSSFORGE_STREAM_KEEPALIVE")

	// Cache
	setBool(&cfg.Cache.Enabled, "GLOSSFORGE_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "GLOSSFORGE_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "GLOSSFORGE_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "GLOSSFORGE_CACHE_L2_TTL")

	// OpenTelemetry
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Otel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.Otel.Insecure, "GLOSSFORGE_OTEL_INSECURE")
	setFloat64(&cfg.Otel.SampleRatio, "GLOSSFORGE_OTEL_SAMPLE_RATIO")
}

// applyCLI overlays explicitly set CLI flags onto cfg.
func applyCLI(cfg *Config, flags CLIFlags) {
	if flags.Port != nil {
		cfg.Server.Port = *flags.Port
	}
	if flags.LogLevel != nil {
		cfg.Logging.Level = *flags.LogLevel
	}
	if flags.DSN != nil {
		cfg.Postgres.DSN = *flags.DSN
	}
	if flags.NatsURL != nil {
		cfg.NATS.URL = *flags.NatsURL
	}
	if flags.Provider != nil {
		cfg.LLM.Provider = *flags.Provider
	}
	if flags.Model != nil {
		cfg.LLM.Model = *flags.Model
	}
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst < 1 {
		return errors.New("server.rate_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.LLM.Provider == "" {
		return errors.New("llm.provider is required")
	}
	if cfg.LLM.URL == "" {
		return errors.New("llm.url is required")
	}
	if cfg.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if cfg.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be > 0")
	}
	if cfg.LLM.MaxRetries < 1 {
		return errors.New("llm.max_retries must be >= 1")
	}
	if cfg.LLM.ParseRetries < 1 {
		return errors.New("llm.parse_retries must be >= 1")
	}
	if cfg.LLM.MaxBackoff < cfg.LLM.BaseBackoff {
		return errors.New("llm.max_backoff must be >= llm.base_backoff")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Runs.StageWorkers < 1 {
		return errors.New("runs.stage_workers must be >= 1")
	}
	if cfg.Stream.BufferSize < 1 {
		return errors.New("stream.buffer_size must be >= 1")
	}
	if cfg.Cache.Enabled && cfg.Cache.L1MaxSizeMB < 1 {
		return errors.New("cache.l1_max_size_mb must be >= 1 when cache is enabled")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
