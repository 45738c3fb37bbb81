// Package config loads fleetwatch settings from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	alerts "fleetwatch/internal/alerts/domain"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Fan-out modes.
const (
	FanoutLocal    = "local"
	FanoutPostgres = "postgres"
	FanoutRedis    = "redis"
)

// Config holds process settings.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	LogFormat   string `yaml:"log_format"`
	LogLevel    string `yaml:"log_level"`
	Storage     string `yaml:"storage"`
	DatabaseURL string `yaml:"database_url"`
	FanoutMode  string `yaml:"fanout_mode"`

	ThresholdTTL time.Duration `yaml:"threshold_ttl"`
	SessionQueue int           `yaml:"session_queue"`
	SessionIdle  time.Duration `yaml:"session_idle"`

	Redis     RedisConfig        `yaml:"redis"`
	Positions PositionsConfig    `yaml:"positions"`
	Notify    NotifyConfig       `yaml:"notify"`
	AMQP      AMQPConfig         `yaml:"amqp"`
	Kafka     KafkaConfig        `yaml:"kafka"`
	Simulator SimulatorConfig    `yaml:"simulator"`
	DemoFleet int                `yaml:"demo_fleet"`
	Rules     []alerts.AlertRule `yaml:"rules"`
}

// RedisConfig configures the shared debounce gate and alert feed.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	Gate     bool   `yaml:"gate"`
}

// PositionsConfig configures position history batching.
type PositionsConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Buffer        int           `yaml:"buffer"`
}

// NotifyConfig configures webhook delivery.
type NotifyConfig struct {
	WebhookURL      string        `yaml:"webhook_url"`
	Template        string        `yaml:"template"`
	EscalationAfter time.Duration `yaml:"escalation_after"`
	Cooldown        time.Duration `yaml:"cooldown"`
	DedupeWindow    time.Duration `yaml:"dedupe_window"`
	Timeout         time.Duration `yaml:"timeout"`
	DashboardURL    string        `yaml:"dashboard_url"`
	Queue           int           `yaml:"queue"`
}

// AMQPConfig configures the RabbitMQ position consumer.
type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// KafkaConfig configures the Kafka position consumer.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topics  []string `yaml:"topics"`
	GroupID string   `yaml:"group_id"`
	Version string   `yaml:"version"`
	Oldest  bool     `yaml:"oldest"`
}

// SimulatorConfig configures the demo sample generator.
type SimulatorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Vehicles []string      `yaml:"vehicles"`
	Interval time.Duration `yaml:"interval"`
	Lat      float64       `yaml:"lat"`
	Lng      float64       `yaml:"lng"`
}

// Load reads .env when present, then environment variables, then the YAML
// file named by FLEETWATCH_CONFIG. Values set in the file win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Config{
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		LogFormat:    getenvDefault("LOG_FORMAT", "json"),
		LogLevel:     getenvDefault("LOG_LEVEL", "info"),
		DatabaseURL:  getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		FanoutMode:   getenvDefault("FANOUT_MODE", ""),
		ThresholdTTL: getenvDuration("THRESHOLD_TTL", 30*time.Second),
		SessionQueue: getenvIntDefault("SESSION_QUEUE", 256),
		SessionIdle:  getenvDuration("SESSION_IDLE", 10*time.Minute),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getenvIntDefault("REDIS_DB", 0),
			Prefix:   getenvDefault("REDIS_PREFIX", "fleetwatch:"),
			Gate:     getenvBool("REDIS_GATE", false),
		},
		Positions: PositionsConfig{
			BatchSize:     getenvIntDefault("POSITIONS_BATCH_SIZE", 500),
			FlushInterval: getenvDuration("POSITIONS_FLUSH_INTERVAL", time.Second),
			Buffer:        getenvIntDefault("POSITIONS_BUFFER", 10000),
		},
		Notify: NotifyConfig{
			WebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
			Template:        os.Getenv("ALERT_NOTIFY_TEMPLATE"),
			EscalationAfter: getenvDuration("ALERT_ESCALATION_AFTER", 0),
			Cooldown:        getenvDuration("ALERT_NOTIFY_COOLDOWN", 0),
			DedupeWindow:    getenvDuration("ALERT_NOTIFY_DEDUP_WINDOW", 0),
			Timeout:         getenvDuration("ALERT_NOTIFY_TIMEOUT", 5*time.Second),
			DashboardURL:    os.Getenv("DASHBOARD_BASE_URL"),
			Queue:           getenvIntDefault("ALERT_NOTIFY_QUEUE", 256),
		},
		AMQP: AMQPConfig{
			URL:      os.Getenv("AMQP_URL"),
			Exchange: os.Getenv("AMQP_EXCHANGE"),
			Queue:    getenvDefault("AMQP_QUEUE", "fleetwatch.positions"),
			Prefetch: getenvIntDefault("AMQP_PREFETCH", 100),
		},
		Kafka: KafkaConfig{
			Brokers: splitCSV(os.Getenv("KAFKA_BROKERS")),
			Topics:  splitCSV(getenvDefault("KAFKA_TOPICS", "positions")),
			GroupID: getenvDefault("KAFKA_GROUP_ID", "fleetwatch"),
			Version: os.Getenv("KAFKA_VERSION"),
			Oldest:  getenvBool("KAFKA_OLDEST", false),
		},
		Simulator: SimulatorConfig{
			Enabled:  getenvBool("SIMULATOR", false),
			Vehicles: splitCSV(getenvDefault("SIMULATOR_VEHICLES", "DEMO-001,DEMO-002,DEMO-003")),
			Interval: getenvDuration("SIMULATOR_INTERVAL", 5*time.Second),
			Lat:      getenvFloatDefault("SIMULATOR_LAT", -34.6037),
			Lng:      getenvFloatDefault("SIMULATOR_LNG", -58.3816),
		},
		DemoFleet: getenvIntDefault("DEMO_FLEET", 3),
	}

	if path := os.Getenv("FLEETWATCH_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if path := os.Getenv("RULES_FILE"); path != "" {
		rules, err := LoadRules(path)
		if err != nil {
			return cfg, err
		}
		cfg.Rules = rules
	}

	if cfg.Storage == "" {
		cfg.Storage = getenvDefault("STORAGE", StorageMemory)
		if cfg.DatabaseURL != "" && os.Getenv("STORAGE") == "" {
			cfg.Storage = StoragePostgres
		}
	}
	if cfg.FanoutMode == "" {
		cfg.FanoutMode = FanoutLocal
		if cfg.Storage == StoragePostgres {
			cfg.FanoutMode = FanoutPostgres
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks that the chosen backends have what they need.
func (c Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL or PG_DSN is required for postgres storage")
		}
	default:
		return fmt.Errorf("config: unknown storage %q", c.Storage)
	}
	switch c.FanoutMode {
	case FanoutLocal:
	case FanoutPostgres:
		if c.Storage != StoragePostgres {
			return errors.New("config: postgres fan-out requires postgres storage")
		}
	case FanoutRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: REDIS_ADDR is required for redis fan-out")
		}
	default:
		return fmt.Errorf("config: unknown fan-out mode %q", c.FanoutMode)
	}
	if c.Redis.Gate && c.Redis.Addr == "" {
		return errors.New("config: REDIS_ADDR is required for the redis gate")
	}
	if c.ThresholdTTL <= 0 {
		return errors.New("config: threshold ttl must be positive")
	}
	for _, rule := range c.Rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("config: rule %s: %w", rule.Kind, err)
		}
	}
	return nil
}

// SeedRules returns the configured rules, or the built-in defaults.
func (c Config) SeedRules() []alerts.AlertRule {
	if len(c.Rules) > 0 {
		return c.Rules
	}
	return alerts.DefaultRules()
}

type rulesFile struct {
	Rules []alerts.AlertRule `yaml:"rules"`
}

// LoadRules reads a YAML rule seed file.
func LoadRules(path string) ([]alerts.AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rules %s: %w", path, err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse rules %s: %w", path, err)
	}
	for _, rule := range file.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("config: rule %s: %w", rule.Kind, err)
		}
	}
	return file.Rules, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
