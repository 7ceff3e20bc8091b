// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `envconfig:"PORT" default:"8080"`
	Env       string `envconfig:"ENV" default:"development"` // "development", "staging", "production"
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	// Storage. At most one of DatabaseURL and MongoURI may be set; with
	// neither the server keeps records in memory.
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	MongoURI      string `envconfig:"MONGODB_URI"`
	MongoDatabase string `envconfig:"MONGODB_DATABASE" default:"fraudwatch"`

	// Security
	JWTSecret    string `envconfig:"JWT_SECRET"`
	RateLimitRPM int    `envconfig:"RATE_LIMIT_RPM" default:"120"`

	// Tracing (empty disables the exporter)
	OTLPEndpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Generation Generation
	Scorer     Scorer
	Thresholds Thresholds
	Kafka      Kafka
}

// Generation configures the live event loop and its housekeeping.
type Generation struct {
	Interval            time.Duration `envconfig:"GENERATION_INTERVAL" default:"3s"`
	RetentionCap        int           `envconfig:"RETENTION_CAP" default:"100"`
	EvictEvery          int           `envconfig:"EVICT_EVERY" default:"10"`
	HistoryHorizon      time.Duration `envconfig:"CUSTOMER_HISTORY_HORIZON" default:"24h"`
	MaintenanceInterval time.Duration `envconfig:"MAINTENANCE_INTERVAL" default:"1m"`
	CatalogPath         string        `envconfig:"CATALOG_PATH"`
}

// Scorer configures the remote scoring service. Without an API key only
// the local heuristic is used.
type Scorer struct {
	Endpoint    string        `envconfig:"SCORER_ENDPOINT" default:"https://api.openai.com/v1/chat/completions"`
	APIKey      string        `envconfig:"SCORER_API_KEY"`
	Model       string        `envconfig:"SCORER_MODEL" default:"gpt-3.5-turbo"`
	Timeout     time.Duration `envconfig:"SCORER_TIMEOUT" default:"3s"`
	MaxAttempts int           `envconfig:"SCORER_MAX_ATTEMPTS" default:"2"`
}

// Thresholds are the risk score cut-offs.
type Thresholds struct {
	HighRisk int `envconfig:"HIGH_RISK_THRESHOLD" default:"70"`
	Critical int `envconfig:"CRITICAL_THRESHOLD" default:"85"`
}

// Kafka configures the optional alert sink.
type Kafka struct {
	Brokers    []string `envconfig:"KAFKA_BROKERS"`
	AlertTopic string   `envconfig:"KAFKA_ALERT_TOPIC" default:"fraud-alerts"`
}

// DevJWTSecret signs tokens outside production when JWT_SECRET is unset.
const DevJWTSecret = "fraudwatch-dev-secret"

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = DevJWTSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL != "" && c.MongoURI != "" {
		return fmt.Errorf("set at most one of DATABASE_URL and MONGODB_URI")
	}

	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && c.JWTSecret == DevJWTSecret {
		return fmt.Errorf("JWT_SECRET must not use the development default in production")
	}

	g := c.Generation
	if g.Interval <= 0 {
		return fmt.Errorf("GENERATION_INTERVAL must be positive")
	}
	if g.RetentionCap < 1 {
		return fmt.Errorf("RETENTION_CAP must be at least 1")
	}
	if g.EvictEvery < 1 {
		return fmt.Errorf("EVICT_EVERY must be at least 1")
	}
	if g.HistoryHorizon <= 0 {
		return fmt.Errorf("CUSTOMER_HISTORY_HORIZON must be positive")
	}
	if g.MaintenanceInterval <= 0 {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be positive")
	}

	t := c.Thresholds
	if t.HighRisk < 0 || t.HighRisk > 100 || t.Critical < 0 || t.Critical > 100 {
		return fmt.Errorf("risk thresholds must be within 0-100")
	}
	if t.Critical < t.HighRisk {
		return fmt.Errorf("CRITICAL_THRESHOLD (%d) must not be below HIGH_RISK_THRESHOLD (%d)", t.Critical, t.HighRisk)
	}

	if c.Scorer.APIKey != "" {
		if c.Scorer.Endpoint == "" {
			return fmt.Errorf("SCORER_ENDPOINT is required when SCORER_API_KEY is set")
		}
		if c.Scorer.Timeout <= 0 {
			return fmt.Errorf("SCORER_TIMEOUT must be positive")
		}
		if c.Scorer.MaxAttempts < 1 {
			return fmt.Errorf("SCORER_MAX_ATTEMPTS must be at least 1")
		}
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.AlertTopic == "" {
		return fmt.Errorf("KAFKA_ALERT_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1")
	}

	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RemoteScoring reports whether a remote scorer is configured.
func (c *Config) RemoteScoring() bool {
	return c.Scorer.APIKey != ""
}

// AlertsToKafka reports whether flagged alerts are forwarded to Kafka.
func (c *Config) AlertsToKafka() bool {
	return len(c.Kafka.Brokers) > 0
}
