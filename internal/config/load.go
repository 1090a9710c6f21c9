package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// MEDIAGEN_SERVER_PORT or MEDIAGEN_TYPES_VIDEO_WORKERS.
const EnvPrefix = "MEDIAGEN"

// taskTypes lists the keys accepted under "types".
var taskTypes = []string{"audio", "image", "scene", "video"}

// typeFields lists the per-type keys that can be overridden from the environment.
var typeFields = []string{
	"baseline_priority", "max_retries", "workers",
	"poll_interval", "max_wait", "backoff_base", "backoff_max",
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path searches
// for config.yaml in the working directory; a missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, typ := range taskTypes {
		for _, field := range typeFields {
			key := "types." + typ + "." + field
			if err := v.BindEnv(key); err != nil {
				return nil, fmt.Errorf("failed to bind %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the rules that span sections.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Broker.Backend == "redis" && cfg.Redis.Addr == "" {
		return errors.New("config validation failed: redis.addr is required when broker.backend is redis")
	}
	if cfg.Gemini.Backend == "vertex" && cfg.Gemini.Project == "" {
		return errors.New("config validation failed: gemini.project is required for the vertex backend")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return errors.New("config validation failed: tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "mediagen")
	v.SetDefault("redis.visibility_timeout", "5m")

	v.SetDefault("broker.backend", "memory")
	v.SetDefault("broker.capacity", 0)

	v.SetDefault("runner.submit_timeout", "2m")
	v.SetDefault("runner.cancel_timeout", "10s")
	v.SetDefault("runner.stuck_task_age", "10m")
	v.SetDefault("runner.requeue_grace", "2m")
	v.SetDefault("runner.sweep_schedule", "@every 1m")
	v.SetDefault("runner.sweep_batch", 500)
	v.SetDefault("runner.receive_error_delay", "1s")
	v.SetDefault("runner.status_cache_ttl", "5m")

	v.SetDefault("reconciler.shards", 4)
	v.SetDefault("reconciler.poll_timeout", "30s")
	v.SetDefault("reconciler.retry_delay", "5s")
	v.SetDefault("reconciler.sweep_batch", 1000)
	v.SetDefault("reconciler.default_rate_limit.per_second", 5)
	v.SetDefault("reconciler.default_rate_limit.burst", 5)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.secret", "")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.retry_count", 3)
	v.SetDefault("notify.retry_wait", "500ms")
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("notify.drain_timeout", "15s")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.backend", "gemini")
	v.SetDefault("gemini.project", "")
	v.SetDefault("gemini.location", "us-central1")
	v.SetDefault("gemini.image_model", "imagen-3.0-generate-002")
	v.SetDefault("gemini.video_model", "veo-2.0-generate-001")
	v.SetDefault("gemini.speech_model", "gemini-2.5-flash-preview-tts")
	v.SetDefault("gemini.voice", "Kore")
	v.SetDefault("gemini.output_gcs_uri", "")
	v.SetDefault("gemini.asset_dir", "./assets")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.service_name", "mediagen")
	v.SetDefault("tracing.sample_ratio", 1.0)
}
