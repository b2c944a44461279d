package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and topology configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Retry      RetryConfig      `yaml:"retry"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// RetryConfig bounds broker-side redelivery of transiently failed
// deliveries. Backoff is exponential: backoff_base * 2^attempt.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
}

// RetentionConfig caps broker storage growth. Parked (dead-lettered)
// messages get the longer failed-message bound; retry queues get the
// shorter completed-message bound.
type RetentionConfig struct {
	CompletedTTL time.Duration `yaml:"completed_ttl"`
	FailedTTL    time.Duration `yaml:"failed_ttl"`
	MaxParked    int           `yaml:"max_parked"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration. Concurrency bounds the
// number of simultaneous jobs per queue category.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WatchdogConfig holds stale-job watchdog settings. The stale threshold
// must exceed the broker's total retry+backoff duration so the watchdog
// never races a legitimately in-flight delivery.
type WatchdogConfig struct {
	ScanInterval   time.Duration `yaml:"scan_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.RabbitMQ.Retry.MaxAttempts == 0 {
		c.RabbitMQ.Retry.MaxAttempts = 3
	}
	if c.RabbitMQ.Retry.BackoffBase == 0 {
		c.RabbitMQ.Retry.BackoffBase = time.Second
	}
	if c.Watchdog.ScanInterval == 0 {
		c.Watchdog.ScanInterval = 3 * time.Minute
	}
	if c.Watchdog.StaleThreshold == 0 {
		c.Watchdog.StaleThreshold = 5 * time.Minute
	}
}

// ValidateAPIConfig checks the fields the api-service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateShared()
}

// ValidateWorkerConfig checks the fields the worker-service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Watchdog.ScanInterval <= 0 {
		return fmt.Errorf("watchdog scan_interval must be greater than 0")
	}

	if c.Watchdog.StaleThreshold <= 0 {
		return fmt.Errorf("watchdog stale_threshold must be greater than 0")
	}

	if c.Watchdog.StaleThreshold <= totalRetryDuration(c.RabbitMQ.Retry) {
		return fmt.Errorf("watchdog stale_threshold must exceed the broker retry window (%s)", totalRetryDuration(c.RabbitMQ.Retry))
	}

	return nil
}

// totalRetryDuration is the worst-case time a delivery can spend in the
// broker's retry/backoff cycle before being parked.
func totalRetryDuration(r RetryConfig) time.Duration {
	var total time.Duration
	for attempt := 0; attempt < r.MaxAttempts; attempt++ {
		total += r.BackoffBase * time.Duration(uint(1)<<uint(attempt))
	}
	return total
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
