package server

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the router configuration. Nothing persists across runs.
type Config struct {
	ListenAddr            string   `yaml:"listen_addr"`
	ShardAddrs            []string `yaml:"shard_addrs"`
	MaxConcurrentRequests int      `yaml:"max_concurrent_requests"`
	MaxInputLength        int      `yaml:"max_input_length"`
	MaxBatchSize          int      `yaml:"max_batch_size"`
	MaxWaitingTokens      int      `yaml:"max_waiting_tokens"`
	ValidationWorkers     int      `yaml:"validation_workers"`
}

// DefaultConfig returns the configuration used when no file or flag says
// otherwise.
func DefaultConfig() Config {
	return Config{
		ListenAddr:            ":3000",
		ShardAddrs:            []string{"localhost:50051"},
		MaxConcurrentRequests: 128,
		MaxInputLength:        1000,
		MaxBatchSize:          32,
		MaxWaitingTokens:      20,
		ValidationWorkers:     2,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
