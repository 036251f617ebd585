/*
Package config loads process configuration for the loyalty server.

PURPOSE:
  Settings come from environment variables, optionally backed by a
  dotenv-style file. Command-line flags in cmd/server override the result.

KEYS:
  SERVER_PORT            HTTP port (default 8080)
  DB_PATH                SQLite path, ":memory:" allowed (default loyalty.db)
  LOG_LEVEL              zerolog level (default info)
  LOG_FORMAT             console | json (default console)
  EXPIRY_SWEEP_ENABLED   run the scheduled expiry sweep (default true)
  EXPIRY_SWEEP_SCHEDULE  5-field cron spec for the expiry sweep (default "0 3 * * *")
  SWEEP_WORKERS          parallel customers per sweep (default 4)
  AMQP_URL               RabbitMQ URL; empty disables the broker notifier
  AMQP_EXCHANGE          topic exchange name (default loyalty.events)
  LOYALTY_CONFIG_FILE    JSON loyalty config applied to new tenants
  DEFAULT_TENANT         tenant used by the legacy single-tenant routes (default "default")
  CORS_ORIGINS           comma-separated allowed origins

SEE ALSO:
  - cmd/server/main.go: flag overrides and wiring
*/
package config

import (
	"io/fs"
	"strings"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Config holds all process-level settings.
type Config struct {
	ServerPort          int    `mapstructure:"SERVER_PORT"`
	DBPath              string `mapstructure:"DB_PATH"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
	LogFormat           string `mapstructure:"LOG_FORMAT"`
	ExpirySweepEnabled  bool   `mapstructure:"EXPIRY_SWEEP_ENABLED"`
	ExpirySweepSchedule string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	SweepWorkers        int    `mapstructure:"SWEEP_WORKERS"`
	AMQPURL             string `mapstructure:"AMQP_URL"`
	AMQPExchange        string `mapstructure:"AMQP_EXCHANGE"`
	LoyaltyConfigFile   string `mapstructure:"LOYALTY_CONFIG_FILE"`
	DefaultTenant       string `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins         string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"SERVER_PORT",
	"DB_PATH",
	"LOG_LEVEL",
	"LOG_FORMAT",
	"EXPIRY_SWEEP_ENABLED",
	"EXPIRY_SWEEP_SCHEDULE",
	"SWEEP_WORKERS",
	"AMQP_URL",
	"AMQP_EXCHANGE",
	"LOYALTY_CONFIG_FILE",
	"DEFAULT_TENANT",
	"CORS_ORIGINS",
}

// Load reads configuration from the environment and, when path is not
// empty, from the dotenv-style file at path. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("DB_PATH", "loyalty.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("EXPIRY_SWEEP_ENABLED", true)
	v.SetDefault("EXPIRY_SWEEP_SCHEDULE", "0 3 * * *") // 03:00 every day
	v.SetDefault("SWEEP_WORKERS", 4)
	v.SetDefault("AMQP_EXCHANGE", "loyalty.events")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")

	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, errors.Wrapf(err, "read config file %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return errors.Errorf("SERVER_PORT out of range: %d", c.ServerPort)
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "LOG_LEVEL %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat)
	}
	if c.SweepWorkers < 1 {
		return errors.Errorf("SWEEP_WORKERS must be at least 1, got %d", c.SweepWorkers)
	}
	if c.ExpirySweepEnabled {
		if c.ExpirySweepSchedule == "" {
			return errors.New("EXPIRY_SWEEP_SCHEDULE must not be empty while EXPIRY_SWEEP_ENABLED is set")
		}
		if _, err := cron.ParseStandard(c.ExpirySweepSchedule); err != nil {
			return errors.Wrapf(err, "EXPIRY_SWEEP_SCHEDULE %q", c.ExpirySweepSchedule)
		}
	}
	if c.DefaultTenant == "" {
		return errors.New("DEFAULT_TENANT must not be empty")
	}
	return nil
}

// SweepSchedule returns the cron schedule for the expiry sweep, or "" when
// the scheduled sweep is disabled.
func (c *Config) SweepSchedule() string {
	if !c.ExpirySweepEnabled {
		return ""
	}
	return c.ExpirySweepSchedule
}

// Origins splits CORS_ORIGINS into a list, dropping blanks.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
