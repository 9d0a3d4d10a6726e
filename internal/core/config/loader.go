package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Bus.Exchange == "" {
		cfg.Bus.Exchange = "mailpipe"
	}
	if cfg.Pipeline.ChunkSize == 0 {
		cfg.Pipeline.ChunkSize = 2000
	}
	if cfg.Pipeline.RequeueLimit == 0 {
		cfg.Pipeline.RequeueLimit = 100
	}
	if cfg.Pipeline.RequeueTimeout == 0 {
		cfg.Pipeline.RequeueTimeout = 30 * time.Second
	}
	if cfg.Signer.Timeout == 0 {
		cfg.Signer.Timeout = 10 * time.Second
	}
}
