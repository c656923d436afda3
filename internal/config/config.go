package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	minTokenSecretLen = 32
)

// Config holds the application configuration
type Config struct {
	DatabaseURL  string        `env:"DATABASE_URL"`
	StoreDriver  string        `env:"STORE_DRIVER" envDefault:"postgres"`
	StoreTimeout time.Duration `env:"STORE_TIMEOUT" envDefault:"3s"`
	Port         string        `env:"PORT" envDefault:"8080"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`

	TokenSecret   string `env:"TOKEN_SECRET,required"`
	OTPDebug      bool   `env:"OTP_DEBUG" envDefault:"false"`
	OTPBcryptCost int    `env:"OTP_BCRYPT_COST" envDefault:"10"`

	OTPRequestIPLimit int           `env:"OTP_REQUEST_IP_LIMIT" envDefault:"10"`
	OTPVerifyIPLimit  int           `env:"OTP_VERIFY_IP_LIMIT" envDefault:"20"`
	OTPIPWindow       time.Duration `env:"OTP_IP_WINDOW" envDefault:"10m"`

	RedisURL string `env:"REDIS_URL"`

	KafkaBrokers    []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaAuditTopic string   `env:"KAFKA_AUDIT_TOPIC" envDefault:"identity.audit"`

	SMSGatewayURL string `env:"SMS_GATEWAY_URL"`
	SMSAPIKey     string `env:"SMS_API_KEY"`
	SMSSenderID   string `env:"SMS_SENDER_ID" envDefault:"SIGNALIX"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if len(c.TokenSecret) < minTokenSecretLen {
		return fmt.Errorf("TOKEN_SECRET must be at least %d characters", minTokenSecretLen)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.OTPBcryptCost < 4 || c.OTPBcryptCost > 31 {
		return fmt.Errorf("OTP_BCRYPT_COST must be between 4 and 31")
	}
	return nil
}

// DatabaseTarget describes the configured database without credentials, for startup logs.
func (c *Config) DatabaseTarget() string {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil || c.DatabaseURL == "" {
		return "(invalid DATABASE_URL)"
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	user := u.User.Username()
	if user == "" {
		user = "(none)"
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, strings.TrimPrefix(u.Path, "/"), user)
}
