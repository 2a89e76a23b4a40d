package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Agent    AgentConfig    `yaml:"agent"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type RabbitMQConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AgentConfig struct {
	Port              int  `yaml:"port"`
	DrainIntervalSec  int  `yaml:"drain_interval_seconds"`
	ProbeIntervalSec  int  `yaml:"probe_interval_seconds"`
	ApplyTimeoutSec   int  `yaml:"apply_timeout_seconds"`
	MaxRetries        int  `yaml:"max_retries"`
	RetryBaseDelaySec int  `yaml:"retry_base_delay_seconds"`
	RetryMaxDelaySec  int  `yaml:"retry_max_delay_seconds"`
	QueuePersistent   bool `yaml:"queue_persistent"`
}

func (c *AgentConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSec) * time.Second
}

func (c *AgentConfig) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

func (c *AgentConfig) ApplyTimeout() time.Duration {
	return time.Duration(c.ApplyTimeoutSec) * time.Second
}

func (c *AgentConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySec) * time.Second
}

func (c *AgentConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySec) * time.Second
}

// LoadConfig reads the yaml config at path. Credentials can be overridden
// through POSTGRES_PASSWORD, RABBITMQ_PASSWORD and REDIS_PASSWORD so they
// do not have to live in the file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Database.Password = getEnv("POSTGRES_PASSWORD", cfg.Database.Password)
	cfg.RabbitMQ.Password = getEnv("RABBITMQ_PASSWORD", cfg.RabbitMQ.Password)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Port:              3003,
			DrainIntervalSec:  30,
			ProbeIntervalSec:  10,
			ApplyTimeoutSec:   30,
			MaxRetries:        5,
			RetryBaseDelaySec: 2,
			RetryMaxDelaySec:  120,
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
