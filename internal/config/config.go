package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"parity/internal/domain"
)

// Config models parity.yml.
type Config struct {
	Server struct {
		Addr        string   `yaml:"addr"`
		BasePath    string   `yaml:"base_path"`
		UIDir       string   `yaml:"ui_dir"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`
	Storage struct {
		Driver  string `yaml:"driver"`
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
	Runs struct {
		MaxPerOwner int `yaml:"max_per_owner"`
	} `yaml:"runs"`
	Workflow struct {
		Steps []Step `yaml:"steps"`
	} `yaml:"workflow"`
	Simulation   Simulation                    `yaml:"simulation"`
	Analysis     Analysis                      `yaml:"analysis"`
	Environments map[string]domain.Environment `yaml:"environments"`
	Catalog      domain.Catalog                `yaml:"catalog"`
	Webhooks     []WebhookConfig               `yaml:"webhooks"`
}

// Step is one stage of the simulated purchase workflow.
type Step struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
}

type Simulation struct {
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MinLatencyMS int           `yaml:"min_latency_ms"`
	MaxLatencyMS int           `yaml:"max_latency_ms"`
	Seed         int64         `yaml:"seed"`
}

type Analysis struct {
	RemoteURL  string        `yaml:"remote_url"`
	Token      string        `yaml:"token"`
	Model      string        `yaml:"model"`
	DailyLimit int           `yaml:"daily_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with parity config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(path string) (*Config, error) {
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
	switch c.Storage.Driver {
	case "sqlite", "files":
	default:
		return fmt.Errorf("config.storage.driver must be 'sqlite' or 'files'")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config.storage.data_dir is required")
	}
	if c.Runs.MaxPerOwner <= 0 {
		return fmt.Errorf("config.runs.max_per_owner must be positive")
	}
	if len(c.Workflow.Steps) == 0 {
		return fmt.Errorf("config.workflow.steps is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Workflow.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("workflow step %d has empty name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("workflow step %s is duplicated", s.Name)
		}
		seen[s.Name] = true
		switch s.Method {
		case "GET", "POST", "PUT", "PATCH", "DELETE":
		default:
			return fmt.Errorf("workflow step %s has unsupported method %q", s.Name, s.Method)
		}
	}
	sim := c.Simulation
	if sim.MinDelay < 0 || sim.MaxDelay < sim.MinDelay {
		return fmt.Errorf("config.simulation delay bounds are invalid")
	}
	if sim.MinLatencyMS < 0 || sim.MaxLatencyMS < sim.MinLatencyMS {
		return fmt.Errorf("config.simulation latency bounds are invalid")
	}
	if c.Analysis.DailyLimit < 0 {
		return fmt.Errorf("config.analysis.daily_limit must not be negative")
	}
	for _, cat := range c.Catalog.Categories {
		if cat.Key == "" || strings.Contains(cat.Key, ":") {
			return fmt.Errorf("catalog category key %q is invalid", cat.Key)
		}
		for _, prod := range cat.Products {
			if prod.Key == "" || strings.Contains(prod.Key, ":") {
				return fmt.Errorf("catalog product key %q in %s is invalid", prod.Key, cat.Key)
			}
			for _, plan := range prod.Plans {
				if plan.Key == "" || strings.Contains(plan.Key, ":") {
					return fmt.Errorf("catalog plan key %q in %s:%s is invalid", plan.Key, cat.Key, prod.Key)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path inside dir.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "parity.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Workflow.Steps = nil
	cfg.Catalog = domain.Catalog{}
	cfg.Environments = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	def := Default()
	if len(cfg.Workflow.Steps) == 0 {
		cfg.Workflow.Steps = def.Workflow.Steps
	}
	if len(cfg.Catalog.Categories) == 0 {
		cfg.Catalog = def.Catalog
	}
	if len(cfg.Environments) == 0 {
		cfg.Environments = def.Environments
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

// StepNames lists workflow step names in order.
func (c *Config) StepNames() []string {
	names := make([]string, 0, len(c.Workflow.Steps))
	for _, s := range c.Workflow.Steps {
		names = append(names, s.Name)
	}
	return names
}

// EnvironmentSet wraps the configured environments in their stored document shape.
func (c *Config) EnvironmentSet() domain.EnvironmentSet {
	envs := make(map[string]domain.Environment, len(c.Environments))
	for k, v := range c.Environments {
		envs[k] = v
	}
	return domain.EnvironmentSet{Environments: envs}
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8000
  base_path: /api/v1
  ui_dir: ""
  cors_origins: ["*"]

storage:
  driver: sqlite
  data_dir: ./data

log:
  level: info
  json: false

runs:
  max_per_owner: 10

workflow:
  steps:
    - {name: application, method: POST}
    - {name: payment, method: POST}
    - {name: policy, method: GET}
    - {name: verification, method: GET}

simulation:
  min_delay: 500ms
  max_delay: 2s
  min_latency_ms: 100
  max_latency_ms: 500
  seed: 0

analysis:
  remote_url: ""
  token: ""
  model: Qwen/Qwen2.5-3B-Instruct
  daily_limit: 50
  timeout: 30s

environments:
  target:
    name: Target Environment
    base_url: https://api-target.example.com
    auth: {type: bearer, token_field: target_token}
  baseline:
    name: Baseline Environment
    base_url: https://api-baseline.example.com
    auth: {type: bearer, token_field: baseline_token}

catalog:
  categories:
    - key: car
      name: Car
      display_order: 1
      products:
        - key: zurich_autocillin_mv4
          name: Zurich Autocillin MV4
          plans:
            - {key: tlo, name: Total Loss Only}
            - {key: comprehensive, name: Comprehensive}
        - key: oona_mv4
          name: Oona MV4
          plans:
            - {key: basic, name: Basic}
            - {key: premium, name: Premium}
    - key: travel
      name: Travel
      display_order: 2
      products:
        - key: international
          name: International
          plans:
            - {key: single_trip, name: Single Trip}
            - {key: annual, name: Annual}
    - key: health
      name: Health
      display_order: 3
      products:
        - key: family
          name: Family
          plans:
            - {key: hmo, name: HMO}
            - {key: ppo, name: PPO}

webhooks: []
`
