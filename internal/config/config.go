// Package config loads the hub configuration from the environment and the
// route definitions from a YAML file.
//
// Environment Variables:
//
// Server:
//   - PORT: HTTP listen port (default: 8080)
//   - ROUTES_FILE: YAML file with transports and routes (default: routes.yaml)
//   - TLS_CERT_FILE, TLS_KEY_FILE: serve HTTPS when both are set
//
// Routing engine:
//   - FAILURE_THRESHOLD: consecutive failures that open a route's breaker (default: 3)
//   - COOLDOWN_SECONDS: delay before an open route is probed again (default: 30)
//   - MAX_COOLDOWN_SECONDS: cap for the backed-off cooldown (default: 600)
//   - COOLDOWN_BACKOFF_FACTOR: cooldown multiplier after a failed probe (default: 2)
//   - DISPATCH_TIMEOUT_SECONDS: transport send timeout (default: 10)
//   - PREDICT_TIMEOUT_MS: scorer call timeout (default: 250)
//   - POLICY_QUEUE_SIZE: pending outcome capacity (default: 1024)
//   - TRAIN_BATCH_SIZE: outcomes per training call (default: 64)
//   - TRAIN_FLUSH_INTERVAL: flush period for partial batches (default: 5s)
//   - CONSUMER_WORKERS: workers per inbound subscription (default: 4)
//
// Knowledge base:
//   - KNOWLEDGE_BACKEND: memory, sqlite, postgres or redis (default: sqlite)
//   - DATABASE_PATH: SQLite file (default: ./hub.db)
//   - DATABASE_URL: PostgreSQL connection string
//   - REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB: Redis connection (default: localhost:6379, "", 0)
//   - RETRAIN_SCHEDULE: cron spec for retraining from the knowledge base (default: @every 5m)
//
// Security:
//   - JWT_SECRET: HS256 secret for API bearer tokens; empty disables auth
//   - TOKEN_REVOCATION: keep revoked tokens in Redis at REDIS_ADDRESS (default: false)
//   - ENCRYPTION_KEY: key used to open "enc:" transport secrets
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST: API token bucket (default: 100, 200)
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"routing-hub/internal/common/validation"
)

// Config holds the process configuration.
type Config struct {
	Port       string `validate:"required,numeric"`
	RoutesFile string `validate:"required"`
	TLSCert    string `validate:"required_with=TLSKey"`
	TLSKey     string `validate:"required_with=TLSCert"`

	FailureThreshold      int           `validate:"gte=1"`
	Cooldown              time.Duration `validate:"gt=0"`
	MaxCooldown           time.Duration `validate:"gt=0"`
	CooldownBackoffFactor float64       `validate:"gte=1"`
	DispatchTimeout       time.Duration `validate:"gt=0"`
	PredictTimeout        time.Duration `validate:"gt=0"`
	PolicyQueueSize       int           `validate:"gte=1"`
	TrainBatchSize        int           `validate:"gte=1"`
	TrainFlushInterval    time.Duration `validate:"gt=0"`
	ConsumerWorkers       int           `validate:"gte=1,lte=256"`

	KnowledgeBackend string `validate:"oneof=memory sqlite postgres redis"`
	DatabasePath     string
	DatabaseURL      string
	RedisAddress     string
	RedisPassword    string
	RedisDB          int `validate:"gte=0,lte=15"`
	RetrainSchedule  string `validate:"required,cron_spec"`

	JWTSecret       string
	TokenRevocation bool
	EncryptionKey   string
	RateLimitRPS    float64 `validate:"gt=0"`
	RateLimitBurst  int     `validate:"gte=1"`
}

// Load reads the configuration from the environment. Call Validate before use.
func Load() *Config {
	return &Config{
		Port:       getEnv("PORT", "8080"),
		RoutesFile: getEnv("ROUTES_FILE", "routes.yaml"),
		TLSCert:    getEnv("TLS_CERT_FILE", ""),
		TLSKey:     getEnv("TLS_KEY_FILE", ""),

		FailureThreshold:      getIntEnv("FAILURE_THRESHOLD", 3),
		Cooldown:              getSecondsEnv("COOLDOWN_SECONDS", 30),
		MaxCooldown:           getSecondsEnv("MAX_COOLDOWN_SECONDS", 600),
		CooldownBackoffFactor: getFloatEnv("COOLDOWN_BACKOFF_FACTOR", 2),
		DispatchTimeout:       getSecondsEnv("DISPATCH_TIMEOUT_SECONDS", 10),
		PredictTimeout:        time.Duration(getIntEnv("PREDICT_TIMEOUT_MS", 250)) * time.Millisecond,
		PolicyQueueSize:       getIntEnv("POLICY_QUEUE_SIZE", 1024),
		TrainBatchSize:        getIntEnv("TRAIN_BATCH_SIZE", 64),
		TrainFlushInterval:    getDurationEnv("TRAIN_FLUSH_INTERVAL", 5*time.Second),
		ConsumerWorkers:       getIntEnv("CONSUMER_WORKERS", 4),

		KnowledgeBackend: getEnv("KNOWLEDGE_BACKEND", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./hub.db"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisAddress:     getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		RetrainSchedule:  getEnv("RETRAIN_SCHEDULE", "@every 5m"),

		JWTSecret:       getEnv("JWT_SECRET", ""),
		TokenRevocation: getBoolEnv("TOKEN_REVOCATION", false),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", ""),
		RateLimitRPS:    getFloatEnv("RATE_LIMIT_RPS", 100),
		RateLimitBurst:  getIntEnv("RATE_LIMIT_BURST", 200),
	}
}

// Validate checks field ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return err
	}

	if port, _ := strconv.Atoi(c.Port); port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("MAX_COOLDOWN_SECONDS must not be lower than COOLDOWN_SECONDS")
	}

	switch c.KnowledgeBackend {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("DATABASE_PATH is required when KNOWLEDGE_BACKEND is sqlite")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when KNOWLEDGE_BACKEND is postgres")
		}
	case "redis":
		if c.RedisAddress == "" {
			return fmt.Errorf("REDIS_ADDRESS is required when KNOWLEDGE_BACKEND is redis")
		}
	}

	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}
	if c.TokenRevocation && (c.JWTSecret == "" || c.RedisAddress == "") {
		return fmt.Errorf("TOKEN_REVOCATION requires JWT_SECRET and REDIS_ADDRESS")
	}
	return nil
}

// AuthEnabled reports whether API requests require a bearer token
func (c *Config) AuthEnabled() bool {
	return c.JWTSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getSecondsEnv reads a fractional number of seconds
func getSecondsEnv(key string, defaultSeconds float64) time.Duration {
	return time.Duration(getFloatEnv(key, defaultSeconds) * float64(time.Second))
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
