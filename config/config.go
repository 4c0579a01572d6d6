package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	ThreatScope ThreatScopeConfig `yaml:"threatscope"`
}

// ThreatScopeConfig is the project configuration.
type ThreatScopeConfig struct {
	Input       InputConfig       `yaml:"input"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Features    FeaturesConfig    `yaml:"features"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Rules       RulesConfig       `yaml:"rules"`
	Store       StoreConfig       `yaml:"store"`
	Output      OutputConfig      `yaml:"output"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// InputConfig controls the event source.
type InputConfig struct {
	Mode  string           `yaml:"mode"` // redis|kafka|file
	Redis RedisConfig      `yaml:"redis"`
	Kafka KafkaInputConfig `yaml:"kafka"`
	File  FileInputConfig  `yaml:"file"`
}

// RedisConfig controls the Redis list input.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	DeadKey      string        `yaml:"dead_key"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// KafkaInputConfig controls the Kafka consumer.
type KafkaInputConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	GroupID string        `yaml:"group_id"`
	MaxWait time.Duration `yaml:"max_wait"`
}

// FileInputConfig reads JSONL events; "-" is stdin.
type FileInputConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig controls pipeline behavior.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	QueueSize     int           `yaml:"queue_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	PruneInterval time.Duration `yaml:"prune_interval"`
	PruneSkew     time.Duration `yaml:"prune_skew"`
}

// FeaturesConfig controls window feature extraction.
type FeaturesConfig struct {
	HomeCountry string `yaml:"home_country"`
	// Timezone for off-hours classification; empty uses each event's own offset.
	Timezone string `yaml:"timezone"`
}

// ThresholdsConfig holds level lower bounds.
type ThresholdsConfig struct {
	Critical float64 `yaml:"critical"`
	High     float64 `yaml:"high"`
	Medium   float64 `yaml:"medium"`
}

// EstimatorConfig selects one scoring capability.
type EstimatorConfig struct {
	Type    string            `yaml:"type"` // builtin|linear|http
	Name    string            `yaml:"name"`
	Path    string            `yaml:"path"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// ScoringConfig controls ensemble scoring.
type ScoringConfig struct {
	Thresholds       ThresholdsConfig  `yaml:"thresholds"`
	Timeout          time.Duration     `yaml:"timeout"`
	DefaultCategory  string            `yaml:"default_category"`
	SnapshotFeatures bool              `yaml:"snapshot_features"`
	Estimators       []EstimatorConfig `yaml:"estimators"`
}

// CorrelationConfig controls incident formation.
type CorrelationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	WindowMinutes int           `yaml:"window_minutes"`
	TriggerLevel  string        `yaml:"trigger_level"`
	Cooldown      time.Duration `yaml:"cooldown"`
	CooldownSize  int           `yaml:"cooldown_size"`
}

// RulesConfig controls the Sigma threat-category classifier.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// StoreConfig controls alert and incident persistence.
type StoreConfig struct {
	Mode         string           `yaml:"mode"` // memory|redis
	Redis        RedisStoreConfig `yaml:"redis"`
	WriteTimeout time.Duration    `yaml:"write_timeout"`
}

// RedisStoreConfig controls the Redis store.
type RedisStoreConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// OutputConfig controls notification sinks. Mode is a comma separated list.
type OutputConfig struct {
	Mode       string                 `yaml:"mode"` // file,http,clickhouse,kafka,nats
	File       FileOutputConfig       `yaml:"file"`
	HTTP       HTTPOutputConfig       `yaml:"http"`
	ClickHouse ClickHouseOutputConfig `yaml:"clickhouse"`
	Kafka      KafkaOutputConfig      `yaml:"kafka"`
	NATS       NATSOutputConfig       `yaml:"nats"`
}

// FileOutputConfig config for local JSONL output.
type FileOutputConfig struct {
	AlertsPath    string `yaml:"alerts_path"`
	IncidentsPath string `yaml:"incidents_path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	AlertsURL    string            `yaml:"alerts_url"`
	IncidentsURL string            `yaml:"incidents_url"`
	Timeout      time.Duration     `yaml:"timeout"`
	Headers      map[string]string `yaml:"headers"`
}

// ClickHouseOutputConfig config for ClickHouse HTTP JSONEachRow writes.
type ClickHouseOutputConfig struct {
	URL           string            `yaml:"url"`
	Database      string            `yaml:"database"`
	AlertTable    string            `yaml:"alert_table"`
	IncidentTable string            `yaml:"incident_table"`
	Username      string            `yaml:"username"`
	Password      string            `yaml:"password"`
	Timeout       time.Duration     `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

// KafkaOutputConfig config for the Kafka alert bus.
type KafkaOutputConfig struct {
	Brokers       []string      `yaml:"brokers"`
	AlertTopic    string        `yaml:"alert_topic"`
	IncidentTopic string        `yaml:"incident_topic"`
	Timeout       time.Duration `yaml:"timeout"`
}

// NATSOutputConfig config for NATS publication.
type NATSOutputConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv loads an optional .env file from the working directory and applies
// environment overrides. Existing process variables win over .env entries.
func ApplyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	ts := &cfg.ThreatScope
	floats := []struct {
		key string
		dst *float64
	}{
		{"THRESHOLD_CRITICAL", &ts.Scoring.Thresholds.Critical},
		{"THRESHOLD_HIGH", &ts.Scoring.Thresholds.High},
		{"THRESHOLD_MEDIUM", &ts.Scoring.Thresholds.Medium},
	}
	for _, f := range floats {
		v, ok := lookup(f.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = n
	}
	if v, ok := lookup("HOME_COUNTRY"); ok && strings.TrimSpace(v) != "" {
		ts.Features.HomeCountry = strings.TrimSpace(v)
	}
	if v, ok := lookup("CORRELATION_WINDOW_MINUTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("CORRELATION_WINDOW_MINUTES: %w", err)
		}
		ts.Correlation.WindowMinutes = n
	}
	if v, ok := lookup("REDIS_ADDR"); ok && strings.TrimSpace(v) != "" {
		ts.Input.Redis.Addr = strings.TrimSpace(v)
		ts.Store.Redis.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup("LOG_LEVEL"); ok && strings.TrimSpace(v) != "" {
		ts.Logging.Level = strings.TrimSpace(v)
	}
	return nil
}
