package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models keyturn.yml.
type Config struct {
	Coordinator struct {
		ID string `yaml:"id"`
	} `yaml:"coordinator"`
	Documents struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		Required []string `yaml:"required"`
	} `yaml:"documents"`
	Projections struct {
		RetryBudget       int `yaml:"retry_budget"`
		ReconcileInterval int `yaml:"reconcile_interval_seconds"`
	} `yaml:"projections"`
	Notifications struct {
		URL            string `yaml:"url"`
		Secret         string `yaml:"secret"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"notifications"`
	Directory struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"directory"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run kt init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Coordinator.ID == "" {
		return fmt.Errorf("config.coordinator.id is required")
	}
	for _, kind := range c.Documents.Required {
		if kind == "" {
			return fmt.Errorf("config.documents.required contains empty kind")
		}
		if len(c.Documents.Catalog) > 0 {
			if _, ok := c.Documents.Catalog[kind]; !ok {
				return fmt.Errorf("required document kind %s not in catalog", kind)
			}
		}
	}
	if c.Projections.RetryBudget < 0 {
		return fmt.Errorf("config.projections.retry_budget must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "keyturn.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(coordinatorID string) string {
	return fmt.Sprintf(defaultTemplate, coordinatorID)
}

// Default returns the default Config struct for a coordinator.
func Default(coordinatorID string) *Config {
	var cfg Config
	cfg.Coordinator.ID = coordinatorID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, coordinatorID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `coordinator:
  id: %s

documents:
  catalog:
    title.deed:
      description: "Title deed presented to the buyer"
    energy.certificate:
      description: "Energy performance certificate"
    floor.plan:
      description: "Registered floor plan"
    sale.contract:
      description: "Signed sale contract draft"
  required: [title.deed, energy.certificate, sale.contract]

projections:
  retry_budget: 3
  reconcile_interval_seconds: 30

notifications:
  url: ""
  secret: ""
  timeout_seconds: 5

directory:
  url: ""
  timeout_seconds: 5

webhooks: []
`
