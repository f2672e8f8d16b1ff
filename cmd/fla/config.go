package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the fla configuration file (~/.config/fla/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	// Engine defaults
	Mode     string `yaml:"mode"`
	Tier     string `yaml:"tier"`
	ChunkLen *int64 `yaml:"chunk_len"`
	Workers  *int64 `yaml:"workers"`

	// Bench defaults
	Warmup *int64 `yaml:"warmup"`
	Runs   *int64 `yaml:"runs"`
	Shapes string `yaml:"shapes"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "fla", "config.yaml")
}

// applyBenchConfig applies config file defaults to bench command variables
// when the corresponding CLI flag was not explicitly set.
func applyBenchConfig(c *cli.Command, cfg Config, mode *string, warmup, runs *int64, shapes *string) {
	if cfg.Mode != "" && !c.IsSet("mode") {
		*mode = cfg.Mode
	}
	if cfg.Tier != "" && !c.IsSet("tier") {
		tier = cfg.Tier
	}
	if cfg.ChunkLen != nil && !c.IsSet("chunk-len") && !c.IsSet("chunk_len") {
		chunkLen = *cfg.ChunkLen
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Warmup != nil && !c.IsSet("warmup") {
		*warmup = *cfg.Warmup
	}
	if cfg.Runs != nil && !c.IsSet("runs") {
		*runs = *cfg.Runs
	}
	if cfg.Shapes != "" && !c.IsSet("shapes") {
		*shapes = cfg.Shapes
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyValidateConfig applies config file defaults to validate command variables.
func applyValidateConfig(c *cli.Command, cfg Config, shapes *string) {
	if cfg.Tier != "" && !c.IsSet("tier") {
		tier = cfg.Tier
	}
	if cfg.ChunkLen != nil && !c.IsSet("chunk-len") && !c.IsSet("chunk_len") {
		chunkLen = *cfg.ChunkLen
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Shapes != "" && !c.IsSet("shapes") {
		*shapes = cfg.Shapes
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
