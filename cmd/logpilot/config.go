package main

import (
	"fmt"
	"os"

	"github.com/fluxorio/logpilot/pkg/config"
	"github.com/fluxorio/logpilot/pkg/engine"
	"github.com/fluxorio/logpilot/pkg/observability/tracing"
)

// AppConfig is the logpilot configuration file.
type AppConfig struct {
	Storage  engine.Config  `yaml:"storage" json:"storage"`
	LogLevel string         `yaml:"log_level" json:"log_level"`
	Tracing  tracing.Config `yaml:"tracing" json:"tracing"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
}

// MetricsConfig configures the Prometheus endpoint served by consume.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `yaml:"addr" json:"addr"`
}

const defaultConfigPath = "logpilot.yaml"

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Storage:  engine.DefaultConfig(),
		LogLevel: "info",
		Tracing:  tracing.DefaultConfig(),
	}
}

// loadConfig reads path, or CONFIG_PATH, or ./logpilot.yaml when present, on top
// of the defaults, then applies LOGPILOT_* overrides.
func loadConfig(path string) (*AppConfig, error) {
	cfg := defaultAppConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv("CONFIG_PATH")
		explicit = path != ""
	}
	if !explicit {
		path = defaultConfigPath
	}

	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		err = config.LoadWithEnv(path, engine.EnvPrefix, cfg)
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, statErr)
	} else {
		err = config.ApplyEnvOverrides(engine.EnvPrefix, cfg)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Tracing.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
