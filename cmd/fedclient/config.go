package main

import (
	"fmt"
	"time"

	"github.com/fluxorio/fedclient/pkg/config"
)

// Config is cmd/fedclient's own process configuration, loaded via
// pkg/config the same way the rest of the pack's binaries do: a YAML
// file on disk with environment variable overrides layered on top.
type Config struct {
	Store struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`

	OplogDir string `yaml:"oplog_dir"`

	Federation struct {
		ID             string        `yaml:"id"`
		NATSURL        string        `yaml:"nats_url"`
		SubjectPrefix  string        `yaml:"subject_prefix"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"federation"`

	Auth struct {
		SecretKey string        `yaml:"secret_key"`
		Issuer    string        `yaml:"issuer"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Wallet struct {
		StartingBalance uint64 `yaml:"starting_balance"`
	} `yaml:"wallet"`
}

// defaultConfig fills in every field a bare demo run needs so the binary
// works against a throwaway SQLite file and a local NATS server without
// requiring a config file at all.
func defaultConfig() *Config {
	var cfg Config
	cfg.Store.Driver = "sqlite3"
	cfg.Store.DSN = "fedclient-demo.db"
	cfg.OplogDir = "fedclient-demo-oplog"
	cfg.Federation.ID = "demo-federation"
	cfg.Federation.NATSURL = "nats://127.0.0.1:4222"
	cfg.Federation.SubjectPrefix = "fedclient"
	cfg.Federation.RequestTimeout = 5 * time.Second
	cfg.Auth.SecretKey = "fedclient-demo-secret-key-change-me"
	cfg.Auth.Issuer = "fedclient-demo"
	cfg.Auth.TokenTTL = 30 * time.Second
	cfg.Wallet.StartingBalance = 1_000_000
	return &cfg
}

// loadConfig returns defaultConfig overridden by path (if non-empty) and
// then by FEDCLIENT_-prefixed environment variables, mirroring
// pkg/config.LoadWithEnv's file-then-env layering.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := config.LoadWithEnv(path, "FEDCLIENT", cfg); err != nil {
			return nil, fmt.Errorf("fedclient: loading config: %w", err)
		}
	} else if err := config.ApplyEnvOverrides("FEDCLIENT", cfg); err != nil {
		return nil, fmt.Errorf("fedclient: applying env overrides: %w", err)
	}
	return cfg, nil
}
