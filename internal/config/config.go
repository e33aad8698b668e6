package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models coachline.yml. It is built once at startup and passed by
// reference into the engine, adapters and server; no component reads ambient
// environment state directly.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret     string `yaml:"jwt_secret"`
		AllowDevLogin bool   `yaml:"allow_dev_login"`
	} `yaml:"auth"`
	Selector SelectorConfig `yaml:"selector"`
	Lock     LockConfig     `yaml:"lock"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Generate GenerateConfig `yaml:"generate"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SelectorConfig struct {
	// OpeningCutoff is the full-move number before which positions are not
	// considered for coaching.
	OpeningCutoff int `yaml:"opening_cutoff"`
	// SampleStride bounds oracle calls: every Nth player position after the
	// cutoff is evaluated.
	SampleStride int `yaml:"sample_stride"`
	MinPositions int `yaml:"min_positions"`
	MaxPositions int `yaml:"max_positions"`
	// MinSpacing is the minimum distance in full moves between two selected
	// positions.
	MinSpacing int `yaml:"min_spacing"`
}

type LockConfig struct {
	// RedisAddr empty selects the in-process locker (single-node mode).
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	AcquireWait   time.Duration `yaml:"acquire_wait"`
	// FailOpen relaxes the at-most-one-pipeline guarantee when the lock
	// backend is unreachable. Every fail-open admission is audited.
	FailOpen bool `yaml:"fail_open"`
}

type OracleConfig struct {
	URL     string        `yaml:"url"`
	Depth   int           `yaml:"depth"`
	Timeout time.Duration `yaml:"timeout"`
	// MaxElapsed bounds the total retry window for one position.
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

type GenerateConfig struct {
	// Providers is the ordered fallback list. Known entries: anthropic,
	// openai, template. The template provider never fails and should be last.
	Providers       []string      `yaml:"providers"`
	Timeout         time.Duration `yaml:"timeout"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	AnthropicModel  string        `yaml:"anthropic_model"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	OpenAIModel     string        `yaml:"openai_model"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Selector.OpeningCutoff < 0 {
		return fmt.Errorf("config.selector.opening_cutoff must be >= 0")
	}
	if c.Selector.SampleStride < 1 {
		return fmt.Errorf("config.selector.sample_stride must be >= 1")
	}
	if c.Selector.MinPositions < 1 {
		return fmt.Errorf("config.selector.min_positions must be >= 1")
	}
	if c.Selector.MaxPositions < c.Selector.MinPositions {
		return fmt.Errorf("config.selector.max_positions must be >= min_positions")
	}
	if c.Selector.MinSpacing < 0 {
		return fmt.Errorf("config.selector.min_spacing must be >= 0")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("config.lock.ttl must be positive")
	}
	if c.Lock.AcquireWait < 0 {
		return fmt.Errorf("config.lock.acquire_wait must be >= 0")
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("config.oracle.timeout must be positive")
	}
	if len(c.Generate.Providers) == 0 {
		return fmt.Errorf("config.generate.providers is required")
	}
	for _, p := range c.Generate.Providers {
		switch p {
		case "anthropic", "openai", "template":
		default:
			return fmt.Errorf("config.generate.providers contains unknown provider %s", p)
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "coachline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Missing fields
// keep their default values.
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.BasePath = "/v0"
	cfg.Selector = SelectorConfig{
		OpeningCutoff: 10,
		SampleStride:  2,
		MinPositions:  3,
		MaxPositions:  5,
		MinSpacing:    3,
	}
	cfg.Lock = LockConfig{
		TTL:         5 * time.Minute,
		AcquireWait: 2 * time.Second,
		FailOpen:    false,
	}
	cfg.Oracle = OracleConfig{
		URL:        "https://stockfish.online/api/s/v2.php",
		Depth:      15,
		Timeout:    15 * time.Second,
		MaxElapsed: 15 * time.Second,
	}
	cfg.Generate = GenerateConfig{
		Providers:      []string{"anthropic", "openai", "template"},
		Timeout:        30 * time.Second,
		AnthropicModel: "claude-3-5-haiku-latest",
		OpenAIModel:    "gpt-4o-mini",
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for `cl init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0

auth:
  jwt_secret: ""
  allow_dev_login: false

selector:
  opening_cutoff: 10
  sample_stride: 2
  min_positions: 3
  max_positions: 5
  min_spacing: 3

lock:
  # Empty redis_addr selects the in-process lock (single node only).
  redis_addr: ""
  ttl: 5m
  acquire_wait: 2s
  # fail_open admits pipeline runs while the lock backend is down. The
  # at-most-one-run guarantee is relaxed for that window; every such
  # admission is written to the event log.
  fail_open: false

oracle:
  url: https://stockfish.online/api/s/v2.php
  depth: 15
  timeout: 15s
  max_elapsed: 15s

generate:
  providers: [anthropic, openai, template]
  timeout: 30s
  anthropic_model: claude-3-5-haiku-latest
  openai_model: gpt-4o-mini

webhooks: []
`
