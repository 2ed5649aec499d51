package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "default-secret-change-me", "secret", "password",
}

type Config struct {
	Port             int    `env:"PORT" envDefault:"8080"`
	DatabaseURL      string `env:"DATABASE_URL,required"`
	RedisURL         string `env:"REDIS_URL,required"`
	JWTSecret        string `env:"JWT_SECRET,required"`
	PairingTTLMs     int64  `env:"PAIRING_TTL_MS" envDefault:"300000"`
	SessionTTLDays   int    `env:"SESSION_TTL_DAYS" envDefault:"30"`
	NotifyPeerErrors bool   `env:"RELAY_NOTIFY_PEER_ERRORS" envDefault:"false"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	AllowedOrigin    string `env:"ALLOWED_ORIGIN" envDefault:""`
}

func (c *Config) PairingTTL() time.Duration {
	return time.Duration(c.PairingTTLMs) * time.Millisecond
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLDays) * 24 * time.Hour
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.PairingTTLMs <= 0 {
		return fmt.Errorf("PAIRING_TTL_MS must be positive")
	}
	if c.SessionTTLDays <= 0 {
		return fmt.Errorf("SESSION_TTL_DAYS must be positive")
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if c.AllowedOrigin == "" {
			log.Warn().Msg("ALLOWED_ORIGIN is empty in production: websocket origin checks disabled")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
