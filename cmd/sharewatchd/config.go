package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/datawire/envconfig"
)

// daemonConfig holds sharewatchd's own tunables — as distinct from
// pkg/share/config, which persists the user's ShareConfig set. Loaded
// from the environment with datawire/envconfig (the teacher's direct
// dependency, carried for exactly this purpose), struct-tag driven.
type daemonConfig struct {
	ConfigPath        string `env:"SHAREWATCHD_CONFIG,default="`
	StartupRecordPath string `env:"SHAREWATCHD_STARTUP_RECORD,default="`
	MetricsAddr       string `env:"SHAREWATCHD_METRICS_ADDR,default=127.0.0.1:9377"`
}

// loadDaemonConfig parses the environment, then fills in any path left
// empty with its default under home.
func loadDaemonConfig(ctx context.Context, home string) (daemonConfig, error) {
	var cfg daemonConfig
	if err := envconfig.Parse(ctx, &cfg); err != nil {
		return cfg, err
	}
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(home, ".config", "sharewatchd", "shares.json")
	}
	if cfg.StartupRecordPath == "" {
		cfg.StartupRecordPath = filepath.Join(home, ".cache", "sharewatchd", "startup.json")
	}
	return cfg, nil
}

// resolveHome returns the --home flag value, falling back to
// os.UserHomeDir.
func resolveHome(flagHome string) (string, error) {
	if flagHome != "" {
		return flagHome, nil
	}
	return os.UserHomeDir()
}
