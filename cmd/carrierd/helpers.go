package main

import (
	"fmt"

	"github.com/kuuji/carrier/internal/config"
)

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/carrier/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}

// loadConfig loads the full config (including the identity secret) from
// the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// validateConfig checks that the fields carrierd needs to dial a broker
// are present.
func validateConfig(cfg *config.Config) error {
	if cfg.Device.Secret.IsZero() {
		return fmt.Errorf("device.secret is required — run 'carrierd keygen' and save its output to secrets.toml")
	}
	if len(cfg.Bootstrap.Names) == 0 {
		return fmt.Errorf("bootstrap.names must list at least one DNS seed record")
	}
	return nil
}
