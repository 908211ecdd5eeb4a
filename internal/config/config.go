package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Pipeline component names accepted in PIPELINE_COMPONENTS.
const (
	ComponentDetector   = "detector"
	ComponentRouter     = "router"
	ComponentAggregator = "aggregator"
)

// DefaultComponents runs the whole pipeline in one process.
var DefaultComponents = []string{ComponentDetector, ComponentRouter, ComponentAggregator}

// Router ledger backends.
const (
	LedgerRedis  = "redis"
	LedgerMemory = "memory"
)

// ConfigFileEnv names the optional YAML file loaded beneath the environment.
const ConfigFileEnv = "PREMORTEM_CONFIG_FILE"

// Config holds all configuration for the premortem server.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Kafka      KafkaConfig
	SQS        SQSConfig
	Detector   DetectorConfig
	Router     RouterConfig
	Aggregator AggregatorConfig
	Components []string
	Tracing    bool
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type ClickHouseConfig struct {
	Addr        string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
}

type KafkaConfig struct {
	Brokers         []string
	Topic           string
	GroupID         string
	RetryMaxElapsed time.Duration
	// MaxRedeliveries caps topic-tail redeliveries; negative never drops.
	MaxRedeliveries int
}

type SQSConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	FIFO            bool
}

type DetectorConfig struct {
	PollInterval    time.Duration
	SpikeThreshold  int
	DistributedLock bool
}

type RouterConfig struct {
	Ledger    string
	LedgerTTL time.Duration
}

type AggregatorConfig struct {
	WaitTime time.Duration
}

// Enabled reports whether the named pipeline component should run.
func (c *Config) Enabled(component string) bool {
	for _, name := range c.Components {
		if name == component {
			return true
		}
	}
	return false
}

// Load reads configuration from an optional YAML file (PREMORTEM_CONFIG_FILE)
// overlaid with environment variables and returns a validated Config.
// YAML keys are the lower-cased variable names, e.g. database_url.
func Load() (*Config, error) {
	k := koanf.New(".")

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s %q: %w", ConfigFileEnv, path, err)
		}
	}

	// Empty variables are skipped so they do not mask values from the file.
	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		return strings.ToLower(key), value
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	src := source{k: k}
	cfg := &Config{
		Server: ServerConfig{
			Port: src.envInt("PREMORTEM_PORT", 3000),
			Env:  src.envString("PREMORTEM_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             src.envString("DATABASE_URL", ""),
			MaxOpenConns:    src.envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    src.envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: src.envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: src.envString("REDIS_URL", ""),
		},
		ClickHouse: ClickHouseConfig{
			Addr:        src.envString("CLICKHOUSE_ADDR", "localhost:9000"),
			Database:    src.envString("CLICKHOUSE_DB", "default"),
			Username:    src.envString("CLICKHOUSE_USER", "default"),
			Password:    src.envString("CLICKHOUSE_PASSWORD", ""),
			DialTimeout: src.envDuration("CLICKHOUSE_DIAL_TIMEOUT", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:         src.envList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:           src.envString("KAFKA_TOPIC", "debugging.timeline"),
			GroupID:         src.envString("KAFKA_GROUP_ID", "premortem-router"),
			RetryMaxElapsed: src.envDuration("KAFKA_RETRY_MAX_ELAPSED", 30*time.Second),
			MaxRedeliveries: src.envInt("KAFKA_MAX_REDELIVERIES", 5),
		},
		SQS: SQSConfig{
			Endpoint:        src.envString("SQS_ENDPOINT", ""),
			Region:          src.envString("AWS_REGION", "us-east-1"),
			AccessKeyID:     src.envString("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: src.envString("AWS_SECRET_ACCESS_KEY", ""),
			FIFO:            src.envBool("SQS_FIFO", false),
		},
		Detector: DetectorConfig{
			PollInterval:    src.envDuration("DETECTOR_POLL_INTERVAL", 30*time.Second),
			SpikeThreshold:  src.envInt("DETECTOR_SPIKE_THRESHOLD", 5),
			DistributedLock: src.envBool("DETECTOR_DISTRIBUTED_LOCK", true),
		},
		Router: RouterConfig{
			Ledger:    src.envString("ROUTER_LEDGER", LedgerRedis),
			LedgerTTL: src.envDuration("ROUTER_LEDGER_TTL", 7*24*time.Hour),
		},
		Aggregator: AggregatorConfig{
			WaitTime: src.envDuration("AGGREGATOR_WAIT_TIME", 5*time.Second),
		},
		Components: src.envList("PIPELINE_COMPONENTS", DefaultComponents),
		Tracing:    src.envBool("TRACING_ENABLED", false),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PREMORTEM_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if len(c.Components) == 0 {
		return fmt.Errorf("PIPELINE_COMPONENTS must name at least one component")
	}
	for _, name := range c.Components {
		switch name {
		case ComponentDetector, ComponentRouter, ComponentAggregator:
		default:
			return fmt.Errorf("PIPELINE_COMPONENTS must contain only detector, router, aggregator; got %q", name)
		}
	}

	if c.ClickHouse.Addr == "" {
		return fmt.Errorf("CLICKHOUSE_ADDR is required")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required")
	}

	if c.Detector.PollInterval <= 0 {
		return fmt.Errorf("DETECTOR_POLL_INTERVAL must be positive, got %s", c.Detector.PollInterval)
	}
	if c.Detector.SpikeThreshold < 1 {
		return fmt.Errorf("DETECTOR_SPIKE_THRESHOLD must be at least 1")
	}

	if c.Router.Ledger != LedgerRedis && c.Router.Ledger != LedgerMemory {
		return fmt.Errorf("ROUTER_LEDGER must be one of redis, memory; got %q", c.Router.Ledger)
	}

	if c.Aggregator.WaitTime < 0 || c.Aggregator.WaitTime > 20*time.Second {
		return fmt.Errorf("AGGREGATOR_WAIT_TIME must be between 0s and 20s, got %s", c.Aggregator.WaitTime)
	}

	return nil
}

// source reads flat keys from the merged koanf tree. Empty or unparseable
// values fall back to the default, as unset variables do.
type source struct {
	k *koanf.Koanf
}

func (s source) raw(key string) string {
	return strings.TrimSpace(s.k.String(strings.ToLower(key)))
}

func (s source) envString(key, defaultVal string) string {
	if v := s.raw(key); v != "" {
		return v
	}
	return defaultVal
}

func (s source) envInt(key string, defaultVal int) int {
	v := s.raw(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func (s source) envBool(key string, defaultVal bool) bool {
	v := s.raw(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func (s source) envDuration(key string, defaultVal time.Duration) time.Duration {
	v := s.raw(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma-separated value, dropping blanks.
func (s source) envList(key string, defaultVal []string) []string {
	v := s.raw(key)
	if v == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultVal...)
	}
	return out
}
