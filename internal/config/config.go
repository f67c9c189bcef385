package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the node-wide configuration, loaded from YAML.
type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
	} `yaml:"logger"`
	Backend struct {
		// Preference selects the compute backend: "auto", "cuda" or
		// "cpu". Auto tries CUDA and falls back to CPU.
		Preference string `yaml:"preference"`
		CUDA       struct {
			// DriverPath and CusparsePath override the default
			// soname search for the vendor libraries.
			DriverPath   string `yaml:"driverPath"`
			CusparsePath string `yaml:"cusparsePath"`
			Device       int    `yaml:"device"`
			// Workers sets the host task worker pool size.
			Workers int `yaml:"workers"`
		} `yaml:"cuda"`
	} `yaml:"backend"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Logger.Verbosity = "info"
	cfg.Backend.Preference = "auto"
	cfg.Backend.CUDA.Workers = 1
	cfg.Metrics.Listen = ":9090"
	return cfg
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	switch config.Backend.Preference {
	case "auto", "cuda", "cpu":
	default:
		return nil, fmt.Errorf("invalid backend preference %q", config.Backend.Preference)
	}
	if config.Backend.CUDA.Workers < 1 {
		return nil, fmt.Errorf("backend.cuda.workers must be at least 1, got %d", config.Backend.CUDA.Workers)
	}

	return config, nil
}
