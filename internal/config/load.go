package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config file. Environment variables use the STORYLOOM_ prefix with
// underscores for nesting (e.g. STORYLOOM_SERVER_PORT) and take
// precedence over values from the config file.
// Returns a populated Config struct or an error if loading or
// validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file in the working directory.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("STORYLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Empty defaults register the keys so AutomaticEnv can populate
	// them during Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.backup_endpoint", "")

	v.SetDefault("llm.text_model", "gemini-2.0-flash")
	v.SetDefault("llm.image_model", "imagen-3.0-generate-002")
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.retry_base_delay", 2*time.Second)
	v.SetDefault("llm.retry_max_delay", 30*time.Second)
	v.SetDefault("llm.per_attempt_timeout", 2*time.Minute)

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.heartbeat_interval", 10*time.Second)
	v.SetDefault("worker.stale_after", 5*time.Minute)
	v.SetDefault("worker.reclaim_interval", time.Minute)
	v.SetDefault("worker.job_timeout", 30*time.Minute)
	v.SetDefault("worker.retention", 30*24*time.Hour)
	v.SetDefault("worker.sweep_interval", time.Hour)

	v.SetDefault("rate_limit.limit", 10)
	v.SetDefault("rate_limit.window", time.Minute)

	v.SetDefault("push.heartbeat_interval", 30*time.Second)
	v.SetDefault("push.heartbeat_timeout", 10*time.Second)
	v.SetDefault("push.reconnect_base", time.Second)
	v.SetDefault("push.reconnect_cap", time.Minute)
	v.SetDefault("push.max_attempts", 10)
	v.SetDefault("push.poll_interval", 3*time.Second)
}
