package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models v3ktor.yml.
type Config struct {
	Agent struct {
		Name         string `yaml:"name"`
		DefaultModel string `yaml:"default_model"`
	} `yaml:"agent"`
	Models    map[string]ModelPricing `yaml:"models"`
	Providers struct {
		Zai struct {
			BaseURL string `yaml:"base_url"`
			Key     string `yaml:"key"`
		} `yaml:"zai"`
		Ollama struct {
			Local   bool   `yaml:"local"`
			BaseURL string `yaml:"base_url"`
		} `yaml:"ollama"`
	} `yaml:"providers"`
}

// ModelPricing is USD per million tokens.
type ModelPricing struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
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
	if c.Agent.Name == "" {
		return fmt.Errorf("config.agent.name is required")
	}
	for model, p := range c.Models {
		if model == "" {
			return fmt.Errorf("config.models contains empty model id")
		}
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("model %s has negative pricing", model)
		}
	}
	if c.Agent.DefaultModel != "" && len(c.Models) > 0 {
		if _, ok := c.Models[c.Agent.DefaultModel]; !ok {
			return fmt.Errorf("default model %s not in config.models", c.Agent.DefaultModel)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "v3ktor.yml")
}

// Default returns the built-in Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `agent:
  name: v3ktor
  default_model: zai/glm-4.7

models:
  zai/glm-4.7:
    input_per_million: 0.50
    output_per_million: 1.50
  zai/glm-4.7-flash:
    input_per_million: 0.10
    output_per_million: 0.30
  ollama/llama-4:
    input_per_million: 0.0
    output_per_million: 0.0

providers:
  zai:
    base_url: https://api.z.ai/api/paas/v4
    key: ""
  ollama:
    local: true
    base_url: http://127.0.0.1:11434
`
