package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "KEYGATE"

type Config struct {
	ListenAddr    string `envconfig:"LISTEN_ADDR" default:":3000"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	SessionSecret string `envconfig:"SESSION_SECRET"`

	AdminUser     string `envconfig:"ADMIN_USER" default:"admin"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD" default:"admin"`

	KeyPrefix string `envconfig:"KEY_PREFIX" default:"QUIST"`

	SessionMaxAge        time.Duration `envconfig:"SESSION_MAX_AGE" default:"24h"`
	SessionSweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"30m"`
	LoginMaxAttempts     int           `envconfig:"LOGIN_MAX_ATTEMPTS" default:"5"`
	LoginWindow          time.Duration `envconfig:"LOGIN_WINDOW" default:"5m"`

	RelayPingInterval time.Duration `envconfig:"RELAY_PING_INTERVAL" default:"30s"`
	RelayMaxMessage   int64         `envconfig:"RELAY_MAX_MESSAGE" default:"65536"`

	ValidateRPS   float64 `envconfig:"VALIDATE_RPS" default:"2"`
	ValidateBurst int     `envconfig:"VALIDATE_BURST" default:"10"`

	UsageRetention time.Duration `envconfig:"USAGE_RETENTION" default:"2160h"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("KEYGATE_DATABASE_URL is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("KEYGATE_SESSION_SECRET is required")
	}
	if strings.TrimSpace(c.AdminUser) == "" {
		return fmt.Errorf("KEYGATE_ADMIN_USER must not be blank")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("KEYGATE_ADMIN_PASSWORD must not be blank")
	}
	if c.KeyPrefix == "" || strings.ContainsAny(c.KeyPrefix, "- ") {
		return fmt.Errorf("KEYGATE_KEY_PREFIX must be non-empty and contain no dashes or spaces")
	}
	if c.SessionMaxAge <= 0 || c.SessionSweepInterval <= 0 {
		return fmt.Errorf("session max age and sweep interval must be positive")
	}
	if c.LoginMaxAttempts <= 0 || c.LoginWindow <= 0 {
		return fmt.Errorf("login throttle settings must be positive")
	}
	if c.RelayPingInterval <= 0 {
		return fmt.Errorf("KEYGATE_RELAY_PING_INTERVAL must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("KEYGATE_LOG_FORMAT must be one of json|console")
	}
	return nil
}

// WeakAdminPassword reports whether the seeded admin password should trigger a startup warning.
func (c Config) WeakAdminPassword() bool {
	return c.AdminPassword == "admin" || len(c.AdminPassword) < 6
}
