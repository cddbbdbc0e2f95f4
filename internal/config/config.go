package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full service configuration
type Config struct {
	Port     int
	LogLevel string
	Env      string
	DB       DBConfig
	Kafka    KafkaConfig
	Webhook  WebhookConfig
}

// DBConfig holds the database configuration
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// KafkaConfig holds the Kafka configuration
type KafkaConfig struct {
	Brokers       []string
	PaymentsTopic string
}

// WebhookConfig holds the secrets and limits for the webhook ingress
// and the operator recovery surface.
type WebhookConfig struct {
	// SigningSecret verifies provider signatures on inbound events.
	SigningSecret string
	// ReplaySecret authenticates internal operator replays. It bypasses
	// provider signature verification and must never be exposed as a
	// general API key.
	ReplaySecret string
	// OperatorToken guards the recovery API.
	OperatorToken string
	// HandlerTimeout bounds a single business-handler invocation.
	HandlerTimeout time.Duration
	// SelfURL is the base URL replays are posted back to.
	SelfURL string
}

// getEnv retrieves the value of an environment variable or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}

	return defaultValue
}

// Load reads the configuration from environment variables and returns a Config struct.
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("PORT", "8080"))

	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))

	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	handlerTimeout, err := time.ParseDuration(getEnv("HANDLER_TIMEOUT", "30s"))

	if err != nil {
		return nil, fmt.Errorf("invalid HANDLER_TIMEOUT: %w", err)
	}

	signingSecret := getEnv("WEBHOOK_SIGNING_SECRET", "")
	if signingSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SIGNING_SECRET is required")
	}

	replaySecret := getEnv("WEBHOOK_REPLAY_SECRET", "")
	if replaySecret == "" {
		return nil, fmt.Errorf("WEBHOOK_REPLAY_SECRET is required")
	}

	operatorToken := getEnv("OPERATOR_API_TOKEN", "")
	if operatorToken == "" {
		return nil, fmt.Errorf("OPERATOR_API_TOKEN is required")
	}

	return &Config{
		Port:     port,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Env:      getEnv("APP_ENV", "development"),
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "payment_webhooks"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			PaymentsTopic: getEnv("KAFKA_PAYMENTS_TOPIC", "payment-events"),
		},
		Webhook: WebhookConfig{
			SigningSecret:  signingSecret,
			ReplaySecret:   replaySecret,
			OperatorToken:  operatorToken,
			HandlerTimeout: handlerTimeout,
			SelfURL:        getEnv("SELF_URL", fmt.Sprintf("http://localhost:%d", port)),
		},
	}, nil
}

// GetDBConnString returns the database connection string
func (c *Config) GetDBConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode)
}
