package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the karst configuration file (~/.config/karst/config.yaml).
// Flags given on the command line win over values found here.
type Config struct {
	ModelPath     string `yaml:"model_path"`
	TokenizerPath string `yaml:"tokenizer_path"`
	Device        string `yaml:"device"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
	FlightAddress string `yaml:"flight_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "karst", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config when the file is
// missing or unreadable.
func LoadConfig() Config {
	return loadConfig(configPath())
}

func loadConfig(path string) Config {
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

// applyCommonConfig fills model, tokenizer, device and logging settings from
// the config file when the matching flag was not set on the command line.
func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.ModelPath != "" && !c.IsSet("model") {
		modelPath = cfg.ModelPath
	}
	if cfg.TokenizerPath != "" && !c.IsSet("tokenizer") {
		tokenizerPath = cfg.TokenizerPath
	}
	if cfg.Device != "" && !c.IsSet("device") {
		deviceName = cfg.Device
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func applyEmbedConfig(c *cli.Command, cfg Config, flightAddr *string) {
	if cfg.FlightAddress != "" && !c.IsSet("flight") {
		*flightAddr = cfg.FlightAddress
	}
}
