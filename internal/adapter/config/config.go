// Package config provides configuration management for the Modbus Bridge.
// It supports environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Modbus Bridge.
type Config struct {
	// Database configuration
	Database DatabaseConfig `mapstructure:"database"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// MQTT configuration. MQTT is disabled when BrokerHost is empty.
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Polling configuration
	Polling PollingConfig `mapstructure:"polling"`

	// Cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// CircuitBreaker configuration shared by all gateways
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	// URL is a postgres:// DSN or a sqlite file path / file: DSN.
	URL string `mapstructure:"url"`

	// Echo logs every SQL statement at debug level.
	Echo bool `mapstructure:"echo"`
}

// HTTPConfig holds HTTP server configuration.
// Interval-style keys are integer seconds so they can be set from plain
// numeric environment variables.
type HTTPConfig struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout_seconds"`
	WriteTimeout int `mapstructure:"write_timeout_seconds"`
	IdleTimeout  int `mapstructure:"idle_timeout_seconds"`

	// RequestTimeoutSeconds is the total wall-clock budget for a
	// data-plane request, including all Modbus retries.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// RequestTimeout returns the data-plane request budget as a duration.
func (h HTTPConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutSeconds) * time.Second
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	BrokerHost            string `mapstructure:"broker_host"`
	BrokerPort            int    `mapstructure:"broker_port"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	TopicPrefix           string `mapstructure:"topic_prefix"`
	QoS                   byte   `mapstructure:"qos"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	PublishTimeoutSeconds int    `mapstructure:"publish_timeout_seconds"`
	ReconnectDelaySeconds int    `mapstructure:"reconnect_delay_seconds"`
}

// Enabled reports whether a broker host was configured.
func (m MQTTConfig) Enabled() bool { return m.BrokerHost != "" }

// BrokerURL returns the tcp:// URL for the paho client.
func (m MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", m.BrokerHost, m.BrokerPort)
}

// ConnectTimeout returns the broker connect timeout as a duration.
func (m MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSeconds) * time.Second
}

// PublishTimeout returns the per-publish timeout as a duration.
func (m MQTTConfig) PublishTimeout() time.Duration {
	return time.Duration(m.PublishTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the maximum reconnect backoff as a duration.
func (m MQTTConfig) ReconnectDelay() time.Duration {
	return time.Duration(m.ReconnectDelaySeconds) * time.Second
}

// PollingConfig holds polling scheduler configuration.
type PollingConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// Interval returns the poll cadence as a duration.
func (p PollingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// CacheConfig holds register cache configuration.
type CacheConfig struct {
	TTLSeconds         int `mapstructure:"ttl_seconds"`
	SweepPeriodSeconds int `mapstructure:"sweep_period_seconds"`
}

// TTL returns the entry lifetime as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepPeriod returns the expired-entry sweep cadence as a duration.
func (c CacheConfig) SweepPeriod() time.Duration {
	return time.Duration(c.SweepPeriodSeconds) * time.Second
}

// CircuitBreakerConfig holds the per-gateway breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold       int `mapstructure:"failure_threshold"`
	RecoveryTimeoutSeconds int `mapstructure:"recovery_timeout_seconds"`
}

// RecoveryTimeout returns how long an open breaker stays open.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSeconds) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Config file search paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/modbus-bridge")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Database
	v.SetDefault("database.url", "file:modbus_bridge.db")
	v.SetDefault("database.echo", false)

	// HTTP
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.read_timeout_seconds", 10)
	v.SetDefault("http.write_timeout_seconds", 15)
	v.SetDefault("http.idle_timeout_seconds", 60)
	v.SetDefault("http.request_timeout_seconds", 5)

	// MQTT. Disabled unless a broker host is configured.
	v.SetDefault("mqtt.broker_host", "")
	v.SetDefault("mqtt.broker_port", 1883)
	v.SetDefault("mqtt.topic_prefix", "modbus/data")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.connect_timeout_seconds", 10)
	v.SetDefault("mqtt.publish_timeout_seconds", 5)
	v.SetDefault("mqtt.reconnect_delay_seconds", 5)

	// Polling
	v.SetDefault("polling.interval_seconds", 5)

	// Cache
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.sweep_period_seconds", 60)

	// Circuit breaker
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.recovery_timeout_seconds", 30)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("database.echo", "DATABASE_ECHO")

	_ = v.BindEnv("http.port", "HTTP_PORT")
	_ = v.BindEnv("http.request_timeout_seconds", "API_REQUEST_TIMEOUT_SECONDS")

	_ = v.BindEnv("mqtt.broker_host", "MQTT_BROKER_HOST")
	_ = v.BindEnv("mqtt.broker_port", "MQTT_BROKER_PORT")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.topic_prefix", "MQTT_TOPIC_PREFIX")

	_ = v.BindEnv("polling.interval_seconds", "POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("cache.ttl_seconds", "CACHE_TTL_SECONDS")

	_ = v.BindEnv("circuit_breaker.failure_threshold", "CIRCUIT_BREAKER_FAILURE_THRESHOLD")
	_ = v.BindEnv("circuit_breaker.recovery_timeout_seconds", "CIRCUIT_BREAKER_RECOVERY_TIMEOUT")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.json", "LOG_JSON")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.HTTP.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.MQTT.Enabled() && (c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535) {
		return fmt.Errorf("invalid MQTT broker port: %d", c.MQTT.BrokerPort)
	}
	if c.Polling.IntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit breaker failure threshold must be positive")
	}
	if c.CircuitBreaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("circuit breaker recovery timeout must be positive")
	}
	return nil
}
