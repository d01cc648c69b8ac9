package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models contextline.yml.
type Config struct {
	Service struct {
		ID          string `yaml:"id"`
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		URL         string `yaml:"url"`
	} `yaml:"service"`
	Card struct {
		ProtocolVersion string  `yaml:"protocol_version"`
		Skills          []Skill `yaml:"skills"`
	} `yaml:"card"`
	Delivery struct {
		DefaultFormat string `yaml:"default_format"`
	} `yaml:"delivery"`
	LinesOfBusiness map[string]LOB `yaml:"lines_of_business"`
	Auth            struct {
		JWTSecret      string `yaml:"jwt_secret"`
		AllowAnonymous bool   `yaml:"allow_anonymous"`
	} `yaml:"auth"`
}

// Skill is one entry of the capability card.
type Skill struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
}

type LOB struct {
	Description string `yaml:"description"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with ctxline config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Card.ProtocolVersion == "" {
		return fmt.Errorf("config.card.protocol_version is required")
	}
	if len(c.Card.Skills) == 0 {
		return fmt.Errorf("config.card.skills is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Card.Skills {
		if s.ID == "" {
			return fmt.Errorf("card skill with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("card skill %s defined twice", s.ID)
		}
		seen[s.ID] = true
	}
	switch c.Delivery.DefaultFormat {
	case "", "structured", "text", "key-value":
	default:
		return fmt.Errorf("config.delivery.default_format %s is not a known format", c.Delivery.DefaultFormat)
	}
	for id := range c.LinesOfBusiness {
		if id == "" {
			return fmt.Errorf("config.lines_of_business contains empty id")
		}
	}
	return nil
}

// KnownLOB reports whether a line of business is declared in the catalog.
// An empty catalog accepts any tag.
func (c *Config) KnownLOB(id string) bool {
	if len(c.LinesOfBusiness) == 0 {
		return true
	}
	_, ok := c.LinesOfBusiness[id]
	return ok
}

// SkillByID returns the card skill with the given id.
func (c *Config) SkillByID(id string) (Skill, bool) {
	for _, s := range c.Card.Skills {
		if s.ID == id {
			return s, true
		}
	}
	return Skill{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "contextline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
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

// Default returns the default Config struct for a service.
func Default(serviceID string) *Config {
	var cfg Config
	cfg.Service.ID = serviceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceID))).Decode(&cfg)
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

const defaultTemplate = `service:
  id: %s
  name: Contextline
  description: "Governed context and prompt delivery for registered agents"
  url: http://localhost:8080

card:
  protocol_version: "0.2"
  skills:
    - id: get_context
      name: Get Context
      description: "Deliver the approved version of a named context"
      tags: [context, governed]
    - id: get_prompt
      name: Get Prompt
      description: "Deliver the approved version of a named prompt"
      tags: [prompt, governed]
    - id: list_contexts
      name: List Contexts
      description: "List active context items visible to the caller"
      tags: [context, discovery]
    - id: list_prompts
      name: List Prompts
      description: "List active prompt items visible to the caller"
      tags: [prompt, discovery]

delivery:
  default_format: structured

lines_of_business:
  investment_banking:
    description: "Investment banking"
  wealth_management:
    description: "Wealth management"
  retail:
    description: "Retail banking"
  compliance:
    description: "Compliance and surveillance"

auth:
  jwt_secret: ""
  allow_anonymous: true
`
