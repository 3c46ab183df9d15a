package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/fieldops/fsoa-service/pkg/apperrors"
)

// Config holds all configuration for the application
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Analytics   AnalyticsConfig `mapstructure:"analytics"`
	Agent       AgentConfig     `mapstructure:"agent"`
	Webhook     WebhookConfig   `mapstructure:"webhook"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

// AnalyticsConfig points at the upstream analytics service that serves the
// opportunity report card.
type AnalyticsConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	CardID         int    `mapstructure:"card_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AgentConfig carries scheduler-level settings. Runtime-tunable keys such as
// work hours and cooldowns live in the database config store, not here.
type AgentConfig struct {
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	Timezone        string `mapstructure:"timezone"`
}

// WebhookConfig carries chat webhook transport settings.
type WebhookConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxConcurrent  int `mapstructure:"max_concurrent"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Build database URL if not provided
	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "fsoa")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 300)

	viper.SetDefault("analytics.card_id", 1712)
	viper.SetDefault("analytics.timeout_seconds", 30)

	viper.SetDefault("agent.interval_minutes", 60)
	viper.SetDefault("agent.timezone", "Asia/Shanghai")

	viper.SetDefault("webhook.timeout_seconds", 10)
	viper.SetDefault("webhook.max_concurrent", 4)
}

func overrideFromEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		viper.Set("database.url", url)
	}
	if base := os.Getenv("ANALYTICS_BASE_URL"); base != "" {
		viper.Set("analytics.base_url", base)
	}
	if user := os.Getenv("ANALYTICS_USERNAME"); user != "" {
		viper.Set("analytics.username", user)
	}
	if pass := os.Getenv("ANALYTICS_PASSWORD"); pass != "" {
		viper.Set("analytics.password", pass)
	}
	if port := os.Getenv("PORT"); port != "" {
		viper.Set("server.port", port)
	}
}

func validate(config *Config) error {
	if config.Database.URL == "" && config.Database.Host == "" {
		return apperrors.New(apperrors.CodeConfigMissing, "database connection is required")
	}
	if config.Analytics.BaseURL == "" && config.Environment == "production" {
		return apperrors.New(apperrors.CodeConfigMissing, "analytics.base_url is required in production")
	}
	if config.Agent.IntervalMinutes <= 0 {
		return apperrors.New(apperrors.CodeConfigMissing, "agent.interval_minutes must be positive")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
