package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "sublearn.yaml"

// EnvConfigFile names the variable that overrides DefaultConfigFile.
const EnvConfigFile = "SUBLEARN_CONFIG"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv(EnvConfigFile); v != "" {
		path = v
	}
	return LoadFrom(path)
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

func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
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
	setString(&cfg.Server.Port, "SUBLEARN_PORT")
	setString(&cfg.Server.CORSOrigin, "SUBLEARN_CORS_ORIGIN")
	setDuration(&cfg.Server.RequestTimeout, "SUBLEARN_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SUBLEARN_SHUTDOWN_TIMEOUT")
	setDuration(&cfg.Server.IdempotencyTTL, "SUBLEARN_IDEMPOTENCY_TTL")
	setString(&cfg.Server.IdempotencyBucket, "SUBLEARN_IDEMPOTENCY_BUCKET")

	setString(&cfg.Store.Driver, "SUBLEARN_STORE_DRIVER")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "SUBLEARN_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "SUBLEARN_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "SUBLEARN_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.HealthCheck, "SUBLEARN_PG_HEALTH_CHECK")

	setString(&cfg.Queue.Driver, "SUBLEARN_QUEUE_DRIVER")
	setInt(&cfg.Queue.MaxDepth, "SUBLEARN_QUEUE_MAX_DEPTH")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "SUBLEARN_NATS_STREAM")
	setString(&cfg.AMQP.URL, "AMQP_URL")
	setInt(&cfg.AMQP.Prefetch, "SUBLEARN_AMQP_PREFETCH")
	setInt(&cfg.AMQP.MaxDeliver, "SUBLEARN_AMQP_MAX_DELIVER")

	setByteSize(&cfg.Cache.L1MaxCost, "SUBLEARN_CACHE_L1_MAX_COST")
	setDuration(&cfg.Cache.L1TTL, "SUBLEARN_CACHE_L1_TTL")
	setString(&cfg.Cache.L2, "SUBLEARN_CACHE_L2")
	setString(&cfg.Cache.Bucket, "SUBLEARN_CACHE_BUCKET")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.ObjectStore.Driver, "SUBLEARN_OBJECTSTORE_DRIVER")
	setString(&cfg.ObjectStore.Endpoint, "MINIO_ENDPOINT")
	setString(&cfg.ObjectStore.AccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.ObjectStore.SecretKey, "MINIO_SECRET_KEY")
	setBool(&cfg.ObjectStore.Secure, "MINIO_SECURE")
	setString(&cfg.ObjectStore.Bucket, "MINIO_BUCKET")

	setString(&cfg.Logging.Level, "SUBLEARN_LOG_LEVEL")
	setString(&cfg.Logging.Service, "SUBLEARN_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "SUBLEARN_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "SUBLEARN_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "SUBLEARN_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "SUBLEARN_RATE_RPS")
	setInt(&cfg.Rate.Burst, "SUBLEARN_RATE_BURST")

	setInt(&cfg.Retry.MaxAttempts, "SUBLEARN_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.BaseDelay, "SUBLEARN_RETRY_BASE_DELAY")
	setFloat64(&cfg.Retry.Multiplier, "SUBLEARN_RETRY_MULTIPLIER")
	setDuration(&cfg.Retry.MaxDelay, "SUBLEARN_RETRY_MAX_DELAY")
	setDuration(&cfg.Lease.TTL, "SUBLEARN_LEASE_TTL")
	setDuration(&cfg.Lease.RenewInterval, "SUBLEARN_LEASE_RENEW_INTERVAL")
	setDuration(&cfg.Lease.ReclaimInterval, "SUBLEARN_LEASE_RECLAIM_INTERVAL")

	setInt(&cfg.Worker.Concurrency, "SUBLEARN_WORKER_CONCURRENCY")
	setList(&cfg.Worker.Stages, "SUBLEARN_WORKER_STAGES")
	setFloat64(&cfg.Worker.MaxCPUPercent, "SUBLEARN_WORKER_MAX_CPU")
	setFloat64(&cfg.Worker.MaxMemPercent, "SUBLEARN_WORKER_MAX_MEM")
	setByteSize(&cfg.Worker.MinFreeDisk, "SUBLEARN_WORKER_MIN_FREE_DISK")
	setDuration(&cfg.Task.WallClockBudget, "SUBLEARN_TASK_BUDGET")
	setDuration(&cfg.Notifier.KeepAlive, "SUBLEARN_NOTIFIER_KEEPALIVE")
	setString(&cfg.Alerts.SlackWebhookURL, "SUBLEARN_SLACK_WEBHOOK_URL")
	setString(&cfg.Alerts.DiscordWebhookURL, "SUBLEARN_DISCORD_WEBHOOK_URL")
	setList(&cfg.Alerts.Events, "SUBLEARN_ALERT_EVENTS")

	setString(&cfg.Media.DownloadCommand, "SUBLEARN_DOWNLOAD_COMMAND")
	setString(&cfg.Media.WorkDir, "SUBLEARN_WORK_DIR")
	setByteSize(&cfg.Media.MaxFileSize, "SUBLEARN_MAX_FILE_SIZE")
	setString(&cfg.ASR.URL, "SUBLEARN_ASR_URL")
	setDuration(&cfg.ASR.Timeout, "SUBLEARN_ASR_TIMEOUT")
	setString(&cfg.Translate.Provider, "SUBLEARN_TRANSLATE_PROVIDER")
	setString(&cfg.Translate.URL, "LLM_API_BASE")
	setString(&cfg.Translate.APIKey, "LLM_API_KEY")
	setString(&cfg.Translate.Model, "LLM_MODEL")
	setInt(&cfg.Subtitle.MaxWordCountCJK, "SUBLEARN_MAX_WORD_COUNT_CJK")
	setInt(&cfg.Subtitle.MaxWordCountEnglish, "SUBLEARN_MAX_WORD_COUNT_ENGLISH")

	setBool(&cfg.OTEL.Enabled, "SUBLEARN_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setFloat64(&cfg.OTEL.SampleRate, "SUBLEARN_OTEL_SAMPLE_RATE")
}

func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if err := oneOf("store.driver", cfg.Store.Driver, "postgres", "memory"); err != nil {
		return err
	}
	if cfg.Store.Driver == "postgres" {
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	}
	if err := oneOf("queue.driver", cfg.Queue.Driver, "nats", "amqp", "memory"); err != nil {
		return err
	}
	if cfg.Queue.MaxDepth < 1 {
		return errors.New("queue.max_depth must be >= 1")
	}
	if err := oneOf("cache.l2", cfg.Cache.L2, "postgres", "natskv", "redis", "memory"); err != nil {
		return err
	}
	if cfg.Cache.L2 == "postgres" && cfg.Store.Driver != "postgres" {
		return errors.New("cache.l2=postgres requires store.driver=postgres")
	}
	if err := oneOf("objectstore.driver", cfg.ObjectStore.Driver, "minio", "memory"); err != nil {
		return err
	}
	if err := oneOf("translate.provider", cfg.Translate.Provider, "openai", "deeplx", "none"); err != nil {
		return err
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be >= 1")
	}
	if cfg.Retry.Multiplier < 1 {
		return errors.New("retry.multiplier must be >= 1")
	}
	if cfg.Lease.TTL <= 0 || cfg.Lease.RenewInterval <= 0 {
		return errors.New("lease.ttl and lease.renew_interval must be positive")
	}
	if cfg.Lease.RenewInterval >= cfg.Lease.TTL {
		return errors.New("lease.renew_interval must be shorter than lease.ttl")
	}
	if cfg.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be >= 1")
	}
	for _, e := range cfg.Alerts.Events {
		if err := oneOf("alerts.events", e, "deadletter", "budget_exceeded"); err != nil {
			return err
		}
	}
	return nil
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), v)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
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

func setByteSize(dst *datasize.ByteSize, key string) {
	if v := os.Getenv(key); v != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(v)); err == nil {
			*dst = size
		}
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}
