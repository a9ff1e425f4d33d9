package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"     validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"   validate:"required"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"       validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"        validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"     validate:"required"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" validate:"required"`
	Push      PushConfig      `mapstructure:"push"       validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required"`
}

// RedisConfig contains the optional shared-counter store settings.
// When URL is empty the admission limiter runs purely in-process.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// LLMConfig contains the AI provider integration settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	TextModel    string `mapstructure:"text_model"     validate:"required"`
	ImageModel   string `mapstructure:"image_model"    validate:"required"`

	// BackupEndpoint, when set, receives all retry attempts after a
	// transient failure against the primary endpoint.
	Endpoint       string `mapstructure:"endpoint"`
	BackupEndpoint string `mapstructure:"backup_endpoint"`

	MaxAttempts       int           `mapstructure:"max_attempts"        validate:"required,gte=1,lte=10"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"    validate:"required"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"     validate:"required"`
	PerAttemptTimeout time.Duration `mapstructure:"per_attempt_timeout" validate:"required"`
}

// WorkerConfig contains the worker pool and job supervision settings.
type WorkerConfig struct {
	Count             int           `mapstructure:"count"              validate:"required,gte=1,lte=64"`
	PollInterval      time.Duration `mapstructure:"poll_interval"      validate:"required"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required"`

	// StaleAfter is how long a running job may go without a heartbeat
	// before another worker may reclaim it.
	StaleAfter      time.Duration `mapstructure:"stale_after"      validate:"required"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval" validate:"required"`

	// JobTimeout is the hard per-job ceiling after which the job is
	// forced to failed even if the worker is stuck.
	JobTimeout time.Duration `mapstructure:"job_timeout" validate:"required"`

	Retention     time.Duration `mapstructure:"retention"      validate:"required"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"required"`
}

// RateLimitConfig contains the admission limiter settings for the
// enqueue endpoint.
type RateLimitConfig struct {
	Limit  int           `mapstructure:"limit"  validate:"required,gte=1"`
	Window time.Duration `mapstructure:"window" validate:"required"`
}

// PushConfig contains the client-side push channel settings. The
// reconnect give-up threshold is deliberately configuration, not a
// constant.
type PushConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"  validate:"required"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"     validate:"required"`
	ReconnectCap      time.Duration `mapstructure:"reconnect_cap"      validate:"required"`
	MaxAttempts       int           `mapstructure:"max_attempts"       validate:"required,gte=1"`
	PollInterval      time.Duration `mapstructure:"poll_interval"      validate:"required"`
}
