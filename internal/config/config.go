package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Broker     BrokerConfig     `mapstructure:"broker" validate:"required"`
	Runner     RunnerConfig     `mapstructure:"runner" validate:"required"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler" validate:"required"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	Tracing    TracingConfig    `mapstructure:"tracing"`

	// Types overrides the built-in per-type profiles. Zero fields keep the default.
	Types map[string]TypeConfig `mapstructure:"types" validate:"dive,keys,oneof=audio image scene video,endkeys"`
}

// ServerConfig contains the HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`

	// File, when set, receives a copy of every log line with size-based rotation
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// DatabaseConfig contains the PostgreSQL settings. An empty URL selects the
// in-memory task store.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"omitempty,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// RedisConfig contains the settings of the Redis broker.
type RedisConfig struct {
	Addr              string        `mapstructure:"addr"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db" validate:"gte=0"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"gte=0"`
}

// BrokerConfig selects the queue broker implementation.
type BrokerConfig struct {
	Backend string `mapstructure:"backend" validate:"required,oneof=memory redis"`

	// Capacity bounds each in-memory queue; zero means unbounded
	Capacity int `mapstructure:"capacity" validate:"gte=0"`
}

// RunnerConfig holds the worker and maintenance settings.
type RunnerConfig struct {
	SubmitTimeout     time.Duration `mapstructure:"submit_timeout" validate:"gt=0"`
	CancelTimeout     time.Duration `mapstructure:"cancel_timeout" validate:"gt=0"`
	StuckTaskAge      time.Duration `mapstructure:"stuck_task_age" validate:"gtfield=SubmitTimeout"`
	RequeueGrace      time.Duration `mapstructure:"requeue_grace" validate:"gt=0"`
	SweepSchedule     string        `mapstructure:"sweep_schedule" validate:"required"`
	SweepBatch        int           `mapstructure:"sweep_batch" validate:"gt=0"`
	ReceiveErrorDelay time.Duration `mapstructure:"receive_error_delay" validate:"gt=0"`
	StatusCacheTTL    time.Duration `mapstructure:"status_cache_ttl" validate:"gt=0"`
}

// RateLimitConfig is a token bucket. A PerSecond of zero disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second" validate:"gte=0"`
	Burst     int     `mapstructure:"burst" validate:"gte=0"`
}

// ReconcilerConfig holds the status polling settings.
type ReconcilerConfig struct {
	Shards           int                        `mapstructure:"shards" validate:"gt=0"`
	PollTimeout      time.Duration              `mapstructure:"poll_timeout" validate:"gt=0"`
	RetryDelay       time.Duration              `mapstructure:"retry_delay" validate:"gt=0"`
	SweepBatch       int                        `mapstructure:"sweep_batch" validate:"gt=0"`
	DefaultRateLimit RateLimitConfig            `mapstructure:"default_rate_limit"`
	RateLimits       map[string]RateLimitConfig `mapstructure:"rate_limits" validate:"dive"`
}

// TypeConfig overrides one task type profile.
type TypeConfig struct {
	BaselinePriority int           `mapstructure:"baseline_priority" validate:"gte=0,lte=10"`
	MaxRetries       int           `mapstructure:"max_retries" validate:"gte=0"`
	Workers          int           `mapstructure:"workers" validate:"gte=0"`
	PollInterval     time.Duration `mapstructure:"poll_interval" validate:"gte=0"`
	MaxWait          time.Duration `mapstructure:"max_wait" validate:"gte=0"`
	BackoffBase      time.Duration `mapstructure:"backoff_base" validate:"gte=0"`
	BackoffMax       time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
}

// NotifyConfig configures the webhook notification sink.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url" validate:"omitempty,url"`
	Secret     string        `mapstructure:"secret"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gte=0"`
	RetryCount int           `mapstructure:"retry_count" validate:"gte=0,lte=10"`
	RetryWait  time.Duration `mapstructure:"retry_wait" validate:"gte=0"`

	// QueueSize bounds the notifications waiting for delivery
	QueueSize    int           `mapstructure:"queue_size" validate:"gte=0"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout" validate:"gte=0"`
}

// GeminiConfig configures the Google generative media adapters. Adapters are
// only registered when an API key is set or the Vertex AI backend is chosen.
type GeminiConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Backend  string `mapstructure:"backend" validate:"omitempty,oneof=gemini vertex"`
	Project  string `mapstructure:"project"`
	Location string `mapstructure:"location"`

	ImageModel  string `mapstructure:"image_model"`
	VideoModel  string `mapstructure:"video_model"`
	SpeechModel string `mapstructure:"speech_model"`
	Voice       string `mapstructure:"voice"`

	// OutputGCSURI asks Vertex AI to write assets to Cloud Storage
	OutputGCSURI string `mapstructure:"output_gcs_uri"`

	// AssetDir receives assets the provider returns inline
	AssetDir string `mapstructure:"asset_dir"`
}

// Enabled reports whether the Gemini adapters should be registered.
func (c GeminiConfig) Enabled() bool {
	return c.APIKey != "" || c.Backend == "vertex"
}

// TracingConfig configures OpenTelemetry span export over OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio" validate:"gte=0,lte=1"`
}
