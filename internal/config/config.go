package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// JWT configuration
	JWT JWTConfig

	// Broker configuration
	Broker BrokerConfig

	// RabbitMQ configuration
	RabbitMQ RabbitMQConfig

	// Redis configuration
	Redis RedisConfig

	// Dedup configuration
	Dedup DedupConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// WebSocket configuration
	WebSocket WebSocketConfig

	// Metrics configuration
	Metrics MetricsConfig

	// Logging configuration
	Logging LoggingConfig

	// Application metadata
	App AppConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// JWTConfig holds the shared secret used to validate connection tokens
type JWTConfig struct {
	Secret    string
	Algorithm string
}

// Broker drivers
const (
	BrokerRabbitMQ = "rabbitmq"
	BrokerRedis    = "redis"
)

// BrokerConfig selects the broker driver and its reconnect policy
type BrokerConfig struct {
	Driver            string // rabbitmq, redis
	ReconnectInterval time.Duration
	ReconnectMax      time.Duration
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	URL               string // overrides the individual connection fields
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	BroadcastExchange string
	ChatQueue         string
	EventQueue        string
	Prefetch          int
}

// RedisConfig holds Redis connection and stream configuration
type RedisConfig struct {
	URL              string
	BroadcastChannel string
	ChatStream       string
	EventStream      string
	ConsumerGroup    string
	BlockTimeout     time.Duration
	ClaimMinIdle     time.Duration
	BatchSize        int
}

// DedupConfig holds the recency cache configuration
type DedupConfig struct {
	Capacity int
}

// RateLimitConfig holds rate limiting configuration for connection attempts
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

// WebSocketConfig holds WebSocket configuration
type WebSocketConfig struct {
	AllowedOrigins  []string
	ReadBufferSize  int
	WriteBufferSize int
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	SendBuffer      int
	MaxMessageSize  int64
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, text
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string
	Version     string
	Environment string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return FromEnv()
}

// FromEnv builds the configuration from the process environment only
func FromEnv() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", ":8080"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getDurationOrDefault("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		JWT: JWTConfig{
			Secret:    os.Getenv("JWT_SECRET"),
			Algorithm: getEnvOrDefault("JWT_ALGORITHM", "HS256"),
		},
		Broker: BrokerConfig{
			Driver:            strings.ToLower(getEnvOrDefault("BROKER_DRIVER", BrokerRabbitMQ)),
			ReconnectInterval: getDurationOrDefault("BROKER_RECONNECT_INTERVAL", time.Second),
			ReconnectMax:      getDurationOrDefault("BROKER_RECONNECT_MAX", 30*time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			URL:               os.Getenv("RABBITMQ_URL"),
			Host:              getEnvOrDefault("RABBITMQ_HOST", "localhost"),
			Port:              getIntOrDefault("RABBITMQ_PORT", 5672),
			User:              getEnvOrDefault("RABBITMQ_USER", "guest"),
			Password:          getEnvOrDefault("RABBITMQ_PASSWORD", "guest"),
			VHost:             getEnvOrDefault("RABBITMQ_VHOST", "/"),
			BroadcastExchange: getEnvOrDefault("RABBITMQ_BROADCAST_EXCHANGE", "notifications_broadcast"),
			ChatQueue:         getEnvOrDefault("RABBITMQ_CHAT_QUEUE", "chat_notifications"),
			EventQueue:        getEnvOrDefault("RABBITMQ_EVENT_QUEUE", "event_notifications"),
			Prefetch:          getIntOrDefault("RABBITMQ_PREFETCH", 50),
		},
		Redis: RedisConfig{
			URL:              getEnvOrDefault("REDIS_URL", "redis://localhost:6379/0"),
			BroadcastChannel: getEnvOrDefault("REDIS_BROADCAST_CHANNEL", "notifications_broadcast"),
			ChatStream:       getEnvOrDefault("REDIS_CHAT_STREAM", "chat_notifications"),
			EventStream:      getEnvOrDefault("REDIS_EVENT_STREAM", "event_notifications"),
			ConsumerGroup:    getEnvOrDefault("REDIS_CONSUMER_GROUP", "notification-relay"),
			BlockTimeout:     getDurationOrDefault("REDIS_BLOCK_TIMEOUT", 5*time.Second),
			ClaimMinIdle:     getDurationOrDefault("REDIS_CLAIM_MIN_IDLE", 30*time.Second),
			BatchSize:        getIntOrDefault("REDIS_BATCH_SIZE", 50),
		},
		Dedup: DedupConfig{
			Capacity: getIntOrDefault("DEDUP_CAPACITY", 500),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getBoolOrDefault("RATE_LIMIT_ENABLED", true),
			RequestsPerSecond: getFloatOrDefault("RATE_LIMIT_RPS", 5),
			BurstSize:         getIntOrDefault("RATE_LIMIT_BURST", 10),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins:  getStringSliceOrDefault("WS_ALLOWED_ORIGINS", []string{}),
			ReadBufferSize:  getIntOrDefault("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize: getIntOrDefault("WS_WRITE_BUFFER_SIZE", 1024),
			PingInterval:    getDurationOrDefault("WS_PING_INTERVAL", 15*time.Second),
			PongWait:        getDurationOrDefault("WS_PONG_WAIT", 30*time.Second),
			WriteWait:       getDurationOrDefault("WS_WRITE_WAIT", 10*time.Second),
			SendBuffer:      getIntOrDefault("WS_SEND_BUFFER", 256),
			MaxMessageSize:  int64(getIntOrDefault("WS_MAX_MESSAGE_SIZE", 1024)),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolOrDefault("METRICS_ENABLED", true),
			Path:    getEnvOrDefault("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
		App: AppConfig{
			Name:        getEnvOrDefault("APP_NAME", "notification-relay"),
			Version:     getEnvOrDefault("APP_VERSION", "dev"),
			Environment: getEnvOrDefault("APP_ENV", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []string

	// Required fields
	if c.JWT.Secret == "" {
		errs = append(errs, "JWT_SECRET is required")
	}

	switch c.Broker.Driver {
	case BrokerRabbitMQ:
		if c.RabbitMQ.URL == "" && c.RabbitMQ.Host == "" {
			errs = append(errs, "RABBITMQ_URL or RABBITMQ_HOST is required")
		}
		if c.RabbitMQ.Prefetch < 0 {
			errs = append(errs, "RABBITMQ_PREFETCH cannot be negative")
		}
	case BrokerRedis:
		if c.Redis.URL == "" {
			errs = append(errs, "REDIS_URL is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("BROKER_DRIVER must be %q or %q", BrokerRabbitMQ, BrokerRedis))
	}

	// Security validations
	if c.App.Environment == "production" {
		if len(c.JWT.Secret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}

		if len(c.WebSocket.AllowedOrigins) == 0 {
			errs = append(errs, "WS_ALLOWED_ORIGINS must be set in production")
		}
	}

	// Logical validations
	if c.WebSocket.PingInterval <= 0 {
		errs = append(errs, "WS_PING_INTERVAL must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		errs = append(errs, "WS_PING_INTERVAL must be less than WS_PONG_WAIT")
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, "WS_SEND_BUFFER must be positive")
	}
	if c.Dedup.Capacity <= 0 {
		errs = append(errs, "DEDUP_CAPACITY must be positive")
	}
	if c.Broker.ReconnectInterval <= 0 || c.Broker.ReconnectMax < c.Broker.ReconnectInterval {
		errs = append(errs, "BROKER_RECONNECT_MAX must be at least BROKER_RECONNECT_INTERVAL, which must be positive")
	}

	if len(errs) > 0 {
		return errors.New("configuration errors:\n  - " + strings.Join(errs, "\n  - "))
	}

	return nil
}

// AMQPURL returns the RabbitMQ connection URL
func (c *RabbitMQConfig) AMQPURL() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	return u.String()
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// Helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSliceOrDefault(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// String returns a redacted string representation of the config (safe for logging)
func (c *Config) String() string {
	brokerURL := redactURL(c.RabbitMQ.AMQPURL())
	if c.Broker.Driver == BrokerRedis {
		brokerURL = redactURL(c.Redis.URL)
	}
	return fmt.Sprintf(
		"Config{Server: %s, Broker: %s %s, JWT: [REDACTED], Dedup: %d, RateLimit: %v, Environment: %s}",
		c.Server.Port,
		c.Broker.Driver,
		brokerURL,
		c.Dedup.Capacity,
		c.RateLimit.Enabled,
		c.App.Environment,
	)
}

// redactURL redacts credentials in a connection URL
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	if idx := strings.LastIndex(raw, "@"); idx > 0 {
		scheme := ""
		if i := strings.Index(raw, "://"); i >= 0 && i < idx {
			scheme = raw[:i+3]
		}
		return scheme + "[REDACTED]" + raw[idx:]
	}
	return raw
}
