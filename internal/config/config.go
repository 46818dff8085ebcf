// Package config provides configuration loading for the relay process:
// a YAML file for tunables that are rarely touched, overridable by
// environment variables, in turn overridable by explicit CLI flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete relay process configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Tuning TuningConfig `yaml:"tuning"`
}

// ServerConfig controls the externally visible surface of the relay.
type ServerConfig struct {
	BindAddress string `yaml:"bind_address"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

// TuningConfig holds tunables that spec.md's external interface does
// not expose as flags, because operators rarely need to change them.
type TuningConfig struct {
	MaxRooms        int `yaml:"max_rooms"`
	MaxConnections  int `yaml:"max_connections"`
	SinkQueueDepth  int `yaml:"sink_queue_depth"`
	RateLimitPerSec int `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int `yaml:"rate_limit_burst"`
}

// Default returns the configuration used when no file is supplied and
// no environment variables are set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BindAddress: "127.0.0.1:8080",
			LogLevel:    "info",
			LogFormat:   "text",
		},
		Tuning: TuningConfig{
			MaxRooms: 10000,
			// Zero means 10 connections per room across MaxRooms.
			MaxConnections:  0,
			SinkQueueDepth:  32,
			RateLimitPerSec: 32,
			RateLimitBurst:  64,
		},
	}
}

// Load builds a Config starting from Default, layering in a YAML file
// (if path is non-empty) and then environment variables, in that
// order — each layer overrides the previous one only for the fields it
// sets.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CLIPRELAY_BIND_ADDRESS"); v != "" {
		cfg.Server.BindAddress = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Server.LogFormat = v
	}
}
