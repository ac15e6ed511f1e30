package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models fixline.yml.
type Config struct {
	Engine struct {
		RetryMax          int `yaml:"retry_max"`
		MaxTasks          int `yaml:"max_tasks"`
		Workers           int `yaml:"workers"`
		CheckpointEvery   int `yaml:"checkpoint_every"`
		StuckAfterSeconds int `yaml:"stuck_after_seconds"`
		LeaseSeconds      int `yaml:"lease_seconds"`
	} `yaml:"engine"`
	Gateway struct {
		BaseURL        string `yaml:"base_url"`
		Model          string `yaml:"model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		RetryCount     int    `yaml:"retry_count"`
		MaxFieldBytes  int    `yaml:"max_field_bytes"`
	} `yaml:"gateway"`
	Sandbox struct {
		Runner           string `yaml:"runner"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
		Workers          int    `yaml:"workers"`
		OutputLimitBytes int    `yaml:"output_limit_bytes"`
	} `yaml:"sandbox"`
	GitHost struct {
		APIBase    string `yaml:"api_base"`
		BaseBranch string `yaml:"base_branch"`
	} `yaml:"githost"`
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run fl config show to see defaults", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Engine.RetryMax < 0 {
		return fmt.Errorf("config.engine.retry_max must be >= 0")
	}
	if c.Engine.MaxTasks < 1 {
		return fmt.Errorf("config.engine.max_tasks must be >= 1")
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("config.engine.workers must be >= 1")
	}
	if c.Engine.CheckpointEvery < 1 {
		return fmt.Errorf("config.engine.checkpoint_every must be >= 1")
	}
	if c.Engine.StuckAfterSeconds < 0 {
		return fmt.Errorf("config.engine.stuck_after_seconds must be >= 0")
	}
	if c.Engine.LeaseSeconds < 1 {
		return fmt.Errorf("config.engine.lease_seconds must be >= 1")
	}
	if c.Gateway.Model == "" {
		return fmt.Errorf("config.gateway.model is required")
	}
	if c.Gateway.TimeoutSeconds < 1 {
		return fmt.Errorf("config.gateway.timeout_seconds must be >= 1")
	}
	if c.Gateway.RetryCount < 0 {
		return fmt.Errorf("config.gateway.retry_count must be >= 0")
	}
	if c.Gateway.MaxFieldBytes < 1 {
		return fmt.Errorf("config.gateway.max_field_bytes must be >= 1")
	}
	if strings.TrimSpace(c.Sandbox.Runner) == "" {
		return fmt.Errorf("config.sandbox.runner is required")
	}
	if c.Sandbox.TimeoutSeconds < 1 {
		return fmt.Errorf("config.sandbox.timeout_seconds must be >= 1")
	}
	if c.Sandbox.Workers < 1 {
		return fmt.Errorf("config.sandbox.workers must be >= 1")
	}
	if c.Sandbox.OutputLimitBytes < 1 {
		return fmt.Errorf("config.sandbox.output_limit_bytes must be >= 1")
	}
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not a known level", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fixline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Absent sections
// fall back to defaults so a partial file only overrides what it names.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `engine:
  retry_max: 1
  max_tasks: 25
  workers: 3
  checkpoint_every: 5
  stuck_after_seconds: 300
  lease_seconds: 900

gateway:
  base_url: https://generativelanguage.googleapis.com
  model: gemini-3-flash-preview
  timeout_seconds: 60
  retry_count: 2
  max_field_bytes: 65536

sandbox:
  runner: python3 -m pytest -q
  timeout_seconds: 30
  workers: 3
  output_limit_bytes: 65536

githost:
  api_base: ""
  base_branch: ""

log:
  level: info
  json: false
`
