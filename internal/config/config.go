package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dealerdesk.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Storage struct {
		Root string `yaml:"root"`
	} `yaml:"storage"`
	Proofs     ProofsConfig     `yaml:"proofs"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Generators GeneratorsConfig `yaml:"generators"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
}

type ProofsConfig struct {
	MaxFiles         int           `yaml:"max_files"`
	MaxImageBytes    int64         `yaml:"max_image_bytes"`
	MaxDocumentBytes int64         `yaml:"max_document_bytes"`
	MaxVideoBytes    int64         `yaml:"max_video_bytes"`
	URLTTL           time.Duration `yaml:"url_ttl"`
	SigningKey       string        `yaml:"signing_key"`
}

type JobsConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Batch        int           `yaml:"batch"`
}

type GeneratorsConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timezone string        `yaml:"timezone"`
	// MaxCatchUp bounds how many missed occurrences one run materialises.
	MaxCatchUp int `yaml:"max_catch_up"`
}

type ArchiveConfig struct {
	CompletedAfter time.Duration `yaml:"completed_after"`
	Interval       time.Duration `yaml:"interval"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Location resolves the generator timezone, UTC when unset.
func (c *Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Generators.Timezone) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Generators.Timezone)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	p := c.Proofs
	if p.MaxFiles <= 0 {
		return fmt.Errorf("config.proofs.max_files must be positive")
	}
	if p.MaxImageBytes <= 0 || p.MaxDocumentBytes <= 0 || p.MaxVideoBytes <= 0 {
		return fmt.Errorf("config.proofs size limits must be positive")
	}
	if p.URLTTL <= 0 {
		return fmt.Errorf("config.proofs.url_ttl must be positive")
	}
	if c.Jobs.PollInterval <= 0 {
		return fmt.Errorf("config.jobs.poll_interval must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("config.jobs.max_attempts must be positive")
	}
	if c.Generators.Interval <= 0 {
		return fmt.Errorf("config.generators.interval must be positive")
	}
	if c.Generators.MaxCatchUp <= 0 {
		return fmt.Errorf("config.generators.max_catch_up must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config.generators.timezone: %w", err)
	}
	if c.Archive.CompletedAfter < 0 {
		return fmt.Errorf("config.archive.completed_after must not be negative")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event filter", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dealerdesk.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// LoadOptional reads the workspace config, falling back to defaults when the
// file does not exist. Values in the file override defaults key by key.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses YAML over the defaults and validates the result.
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

// Write stores cfg as the workspace config file.
func Write(workspace string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o600)
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

auth:
  jwt_secret: ""

storage:
  root: ""

proofs:
  max_files: 5
  max_image_bytes: 5242880
  max_document_bytes: 10485760
  max_video_bytes: 104857600
  url_ttl: 60m
  signing_key: ""

jobs:
  poll_interval: 2s
  max_attempts: 5
  batch: 20

generators:
  interval: 1m
  timezone: UTC
  max_catch_up: 31

archive:
  completed_after: 720h
  interval: 1h

webhooks: []
`
