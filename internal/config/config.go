package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPath names the environment variable that overrides the config location.
	EnvPath           = "BESTFOCUS_CONFIG"
	defaultConfigPath = "~/.config/bestfocus/config.yaml"
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `yaml:"processing" toml:"processing" json:"processing"`
	Logging    Logging    `yaml:"logging" toml:"logging" json:"logging"`
	Paths      Paths      `yaml:"paths" toml:"paths" json:"paths"`
	Selection  Selection  `yaml:"selection" toml:"selection" json:"selection"`
	Channels   Channels   `yaml:"channels" toml:"channels" json:"channels"`
	Server     Server     `yaml:"server" toml:"server" json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `yaml:"parallel_jobs" toml:"parallel_jobs" json:"parallel_jobs"`
	Workers      int    `yaml:"workers" toml:"workers" json:"workers"`
	Backend      string `yaml:"backend" toml:"backend" json:"backend"` // native, magick
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `yaml:"level" toml:"level" json:"level"`    // debug, info, warn, error
	Format     string `yaml:"format" toml:"format" json:"format"` // text, json
	FileOutput bool   `yaml:"file_output" toml:"file_output" json:"file_output"`
	LogDir     string `yaml:"log_dir" toml:"log_dir" json:"log_dir"`
	MaxSize    int    `yaml:"max_size" toml:"max_size" json:"max_size"` // MB before rotation
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" toml:"max_age" json:"max_age"` // days
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `yaml:"default_output" toml:"default_output" json:"default_output"`
	DatabasePath  string `yaml:"database_path" toml:"database_path" json:"database_path"`
}

// Selection configures best-plane correction and the plane policy.
type Selection struct {
	Policy    string  `yaml:"policy" toml:"policy" json:"policy"` // best, window, topk
	Threshold float64 `yaml:"threshold" toml:"threshold" json:"threshold"`
	Above     int     `yaml:"above" toml:"above" json:"above"`
	Below     int     `yaml:"below" toml:"below" json:"below"`
	K         int     `yaml:"k" toml:"k" json:"k"`
}

// Channels configures which named channels reach the output.
type Channels struct {
	Ignored   []string         `yaml:"ignored" toml:"ignored" json:"ignored"`
	Reference ReferenceChannel `yaml:"reference" toml:"reference" json:"reference"`
}

// ReferenceChannel is the channel kept even when its name is ignored.
type ReferenceChannel struct {
	Cycle   int    `yaml:"cycle" toml:"cycle" json:"cycle"`
	Channel int    `yaml:"channel" toml:"channel" json:"channel"`
	Name    string `yaml:"name" toml:"name" json:"name"`
}

// Server holds listen addresses for serve.
type Server struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" json:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" json:"grpc_addr"`
}

// Path returns the config file location after applying the environment override.
func Path() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to defaults when no file exists.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile reads a YAML or TOML file chosen by extension over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", expanded, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Selection.Policy {
	case "best", "window", "topk":
	default:
		return fmt.Errorf("selection.policy must be best, window or topk, got %q", c.Selection.Policy)
	}
	if c.Selection.Threshold < 0 {
		return fmt.Errorf("selection.threshold must be >= 0, got %v", c.Selection.Threshold)
	}
	if c.Selection.Above < 0 || c.Selection.Below < 0 {
		return fmt.Errorf("selection window must be >= 0, got above=%d below=%d", c.Selection.Above, c.Selection.Below)
	}
	if c.Selection.K < 1 {
		return fmt.Errorf("selection.k must be >= 1, got %d", c.Selection.K)
	}
	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be >= 1, got %d", c.Processing.Workers)
	}
	return nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: 2,
			Workers:      runtime.NumCPU(),
			Backend:      "native",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "bestfocus.db"),
		},
		Selection: Selection{
			Policy:    "best",
			Threshold: 3,
			Above:     1,
			Below:     1,
			K:         3,
		},
		Channels: Channels{
			Ignored:   []string{"Blank", "Empty", "DAPI"},
			Reference: ReferenceChannel{Cycle: 1, Channel: 1, Name: "DAPI"},
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
