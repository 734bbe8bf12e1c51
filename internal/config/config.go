package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"crewline/internal/domain"
)

// Config models crewline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Pipeline struct {
		// ClaimRoles overrides the per-status claim eligibility table.
		// Empty means the built-in table.
		ClaimRoles map[string][]string `yaml:"claim_roles"`
	} `yaml:"pipeline"`
	Agents struct {
		// StaleAfterSeconds: no heartbeat within this window makes an agent
		// stale and its claims eligible for takeover.
		StaleAfterSeconds int `yaml:"stale_after_seconds"`
		// OfflineAfterSeconds: the reaper marks agents offline past this
		// window and frees their claimed task.
		OfflineAfterSeconds int `yaml:"offline_after_seconds"`
	} `yaml:"agents"`
	Idempotency struct {
		// RetentionSeconds bounds how long processed operation tokens are
		// kept for retry deduplication.
		RetentionSeconds int `yaml:"retention_seconds"`
	} `yaml:"idempotency"`
}

// StaleWindow returns the heartbeat staleness window.
func (c *Config) StaleWindow() time.Duration {
	s := c.Agents.StaleAfterSeconds
	if s <= 0 {
		s = 60
	}
	return time.Duration(s) * time.Second
}

// OfflineWindow returns the reaper's offline window.
func (c *Config) OfflineWindow() time.Duration {
	s := c.Agents.OfflineAfterSeconds
	if s <= 0 {
		s = 300
	}
	return time.Duration(s) * time.Second
}

// TokenRetention returns how long idempotency tokens are retained.
func (c *Config) TokenRetention() time.Duration {
	s := c.Idempotency.RetentionSeconds
	if s <= 0 {
		s = 86400
	}
	return time.Duration(s) * time.Second
}

// ClaimRoles returns the effective claim eligibility table.
func (c *Config) ClaimRoles() map[domain.Status][]string {
	if len(c.Pipeline.ClaimRoles) == 0 {
		return domain.ClaimRoles
	}
	out := make(map[domain.Status][]string, len(c.Pipeline.ClaimRoles))
	for status, roles := range c.Pipeline.ClaimRoles {
		out[domain.Status(status)] = roles
	}
	return out
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "software-project" {
		return fmt.Errorf("config.project.kind must be 'software-project'")
	}
	for status, roles := range c.Pipeline.ClaimRoles {
		s := domain.Status(status)
		if !domain.ValidStatus(s) {
			return fmt.Errorf("config.pipeline.claim_roles references unknown status %s", status)
		}
		if s.Terminal() {
			return fmt.Errorf("config.pipeline.claim_roles: %s is terminal and cannot be claimed", status)
		}
		if len(roles) == 0 {
			return fmt.Errorf("config.pipeline.claim_roles.%s must name at least one role", status)
		}
		for _, r := range roles {
			if r == "" {
				return fmt.Errorf("config.pipeline.claim_roles.%s contains an empty role", status)
			}
		}
	}
	if c.Agents.StaleAfterSeconds < 0 {
		return fmt.Errorf("config.agents.stale_after_seconds must not be negative")
	}
	if c.Agents.OfflineAfterSeconds < 0 {
		return fmt.Errorf("config.agents.offline_after_seconds must not be negative")
	}
	if c.Agents.OfflineAfterSeconds > 0 && c.Agents.StaleAfterSeconds > c.Agents.OfflineAfterSeconds {
		return fmt.Errorf("config.agents.stale_after_seconds must not exceed offline_after_seconds")
	}
	if c.Idempotency.RetentionSeconds < 0 {
		return fmt.Errorf("config.idempotency.retention_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
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

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "software-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s
  kind: software-project

pipeline:
  claim_roles:
    ready: [coder]
    in_progress: [coder]
    in_qa: [qa]
    in_review: [reviewer]

agents:
  stale_after_seconds: 60
  offline_after_seconds: 300

idempotency:
  retention_seconds: 86400
`
