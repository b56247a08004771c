// Package config loads node configuration from YAML with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/glimte/courier/internal/rabbitmq"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete node configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Topology  TopologyConfig  `yaml:"topology"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Publisher PublisherConfig `yaml:"publisher"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BrokerConfig holds RabbitMQ connection settings.
type BrokerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	VHost          string        `yaml:"vhost"`
	ConnectionName string        `yaml:"connection_name"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// TopologyConfig names the exchange and queues.
type TopologyConfig struct {
	Exchange     string `yaml:"exchange"`      // Multi exchange base name
	SharedQueue  string `yaml:"shared_queue"`  // Any queue
	UniquePrefix string `yaml:"unique_prefix"` // defaults to the hostname
}

// ConsumerConfig controls delivery handling.
type ConsumerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	MaxRedeliveries int           `yaml:"max_redeliveries"` // negative disables the bound
}

// PublisherConfig controls publishing.
type PublisherConfig struct {
	Confirms bool   `yaml:"confirms"`
	AppID    string `yaml:"app_id"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, applies defaults and then environment
// overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyDefaults(cfg)
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = "localhost"
	}
	if cfg.Broker.Port == 0 {
		cfg.Broker.Port = 5672
	}
	if cfg.Broker.Username == "" {
		cfg.Broker.Username = "guest"
	}
	if cfg.Broker.Password == "" {
		cfg.Broker.Password = "guest"
	}
	if cfg.Broker.VHost == "" {
		cfg.Broker.VHost = "/"
	}
	if cfg.Broker.DialTimeout == 0 {
		cfg.Broker.DialTimeout = 30 * time.Second
	}

	if cfg.Topology.Exchange == "" {
		cfg.Topology.Exchange = "courier"
	}
	if cfg.Topology.SharedQueue == "" {
		cfg.Topology.SharedQueue = "courier.shared"
	}

	if cfg.Consumer.Concurrency == 0 {
		cfg.Consumer.Concurrency = 1
	}
	if cfg.Consumer.HandlerTimeout == 0 {
		cfg.Consumer.HandlerTimeout = 30 * time.Second
	}
	if cfg.Consumer.MaxRedeliveries == 0 {
		cfg.Consumer.MaxRedeliveries = 5
	}

	if cfg.Publisher.AppID == "" {
		cfg.Publisher.AppID = "courier"
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "text"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "courier"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"COURIER_HOST":          &cfg.Broker.Host,
		"COURIER_USERNAME":      &cfg.Broker.Username,
		"COURIER_PASSWORD":      &cfg.Broker.Password,
		"COURIER_VHOST":         &cfg.Broker.VHost,
		"COURIER_EXCHANGE":      &cfg.Topology.Exchange,
		"COURIER_SHARED_QUEUE":  &cfg.Topology.SharedQueue,
		"COURIER_UNIQUE_PREFIX": &cfg.Topology.UniquePrefix,
		"COURIER_LOG_LEVEL":     &cfg.Logger.Level,
		"COURIER_LOG_FORMAT":    &cfg.Logger.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"COURIER_PORT":             &cfg.Broker.Port,
		"COURIER_CONCURRENCY":      &cfg.Consumer.Concurrency,
		"COURIER_MAX_REDELIVERIES": &cfg.Consumer.MaxRedeliveries,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		*dst = n
	}

	if v, ok := lookup("COURIER_HANDLER_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: COURIER_HANDLER_TIMEOUT: %v", ErrInvalidConfig, err)
		}
		cfg.Consumer.HandlerTimeout = d
	}
	return nil
}

// Validate rejects configurations a node cannot start with.
func (c *Config) Validate() error {
	var problems []string
	if c.Broker.Host == "" {
		problems = append(problems, "broker.host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		problems = append(problems, "broker.port must be between 1 and 65535")
	}
	if c.Topology.Exchange == "" {
		problems = append(problems, "topology.exchange is required")
	}
	if c.Topology.SharedQueue == "" {
		problems = append(problems, "topology.shared_queue is required")
	}
	if c.Consumer.Concurrency <= 0 {
		problems = append(problems, "consumer.concurrency must be positive")
	}
	if c.Consumer.HandlerTimeout < 0 {
		problems = append(problems, "consumer.handler_timeout must not be negative")
	}
	if _, err := parseLevel(c.Logger.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if f := strings.ToLower(c.Logger.Format); f != "json" && f != "text" {
		problems = append(problems, fmt.Sprintf("logger.format %q must be json or text", c.Logger.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Settings converts the broker and topology sections for rabbitmq.NewConnection.
func (c *Config) Settings() rabbitmq.Settings {
	return rabbitmq.Settings{
		Host:           c.Broker.Host,
		Port:           c.Broker.Port,
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		VHost:          c.Broker.VHost,
		Exchange:       c.Topology.Exchange,
		SharedQueue:    c.Topology.SharedQueue,
		Prefetch:       c.Consumer.Concurrency,
		Confirms:       c.Publisher.Confirms,
		ConnectionName: c.Publisher.AppID,
		DialTimeout:    c.Broker.DialTimeout,
	}
}

// New builds a logger writing to w. Unknown levels fall back to info.
func (c LoggerConfig) New(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logger.level %q is not a valid level", s)
	}
	return level, nil
}
