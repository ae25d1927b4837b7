package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Local  StoreConfig  `yaml:"local"`
	Remote StoreConfig  `yaml:"remote"`
	Sync   SyncConfig   `yaml:"sync"`
	Prices PricesConfig `yaml:"prices"`
	HTTP   HTTPConfig   `yaml:"http"`
	Debug  bool         `yaml:"debug"`
}

type StoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type SyncConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	PingTimeoutSeconds int `yaml:"ping_timeout_seconds"`

	PullBatchSize   int `yaml:"pull_batch_size"`
	OutboxBatchSize int `yaml:"outbox_batch_size"`
	MaxRetries      int `yaml:"max_retries"`

	// Synced outbox entries older than this are purged at the end of a tick.
	OutboxRetentionHours int `yaml:"outbox_retention_hours"`

	PushDisabled bool `yaml:"push_disabled"`

	// Resource names accepted in their historical spellings; canonicalized on load.
	Resources     []string `yaml:"resources"`
	DenyResources []string `yaml:"deny_resources"`
}

type PricesConfig struct {
	CashURL        string `yaml:"cash_url"`
	OtherURL       string `yaml:"other_url"`
	CacheFile      string `yaml:"cache_file"`
	TTLSeconds     int    `yaml:"ttl_seconds"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
