package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyFile holds the approval-chain templates and the role directory that
// the review service consumes as external collaborators.
type PolicyFile struct {
	Templates []TemplateConfig `yaml:"templates"`
	Users     []UserConfig     `yaml:"users"`
}

// TemplateConfig describes one approval chain.
type TemplateConfig struct {
	ID     string             `yaml:"id"`
	Name   string             `yaml:"name"`
	Policy PolicyConfig       `yaml:"policy"`
	Steps  []TemplateStepConf `yaml:"steps"`
}

// PolicyConfig selects how a chain decides approval.
type PolicyConfig struct {
	Kind           string `yaml:"kind"` // unanimous | quorum | weighted
	QuorumCount    int    `yaml:"quorum_count"`
	RequiredWeight int    `yaml:"required_weight"`
}

// TemplateStepConf is one step of a chain. UserID wins over Role.
type TemplateStepConf struct {
	Role      string `yaml:"role"`
	UserID    string `yaml:"user_id"`
	Weight    int    `yaml:"weight"`
	DueInDays int    `yaml:"due_in_days"`
}

// UserConfig is one directory entry.
type UserConfig struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
	// Admin grants administrator rights on every project.
	Admin bool `yaml:"admin"`
	// Projects maps project id to the roles held there.
	Projects map[string][]string `yaml:"projects"`
}

// LoadPolicyFile reads, env-expands and validates a policy file.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	// #nosec G304 -- path is operator-provided.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePolicyFile(raw)
}

// ParsePolicyFile decodes policy YAML.
func ParsePolicyFile(raw []byte) (*PolicyFile, error) {
	expanded := os.ExpandEnv(string(raw))
	expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

	var pf PolicyFile
	if err := yaml.Unmarshal([]byte(expanded), &pf); err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	return &pf, pf.Validate()
}

// Validate checks template ids, step definitions and policy parameters.
func (p *PolicyFile) Validate() error {
	seen := make(map[string]bool, len(p.Templates))
	for _, t := range p.Templates {
		if t.ID == "" {
			return fmt.Errorf("template id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("template %q defined twice", t.ID)
		}
		seen[t.ID] = true
		if len(t.Steps) == 0 {
			return fmt.Errorf("template %q has no steps", t.ID)
		}
		switch t.Policy.Kind {
		case "", "unanimous":
		case "quorum":
			if t.Policy.QuorumCount < 1 || t.Policy.QuorumCount > len(t.Steps) {
				return fmt.Errorf("template %q: quorum_count must be between 1 and %d", t.ID, len(t.Steps))
			}
		case "weighted":
			if t.Policy.RequiredWeight < 1 {
				return fmt.Errorf("template %q: required_weight must be positive", t.ID)
			}
		default:
			return fmt.Errorf("template %q: unknown policy kind %q", t.ID, t.Policy.Kind)
		}
		for i, s := range t.Steps {
			if s.Role == "" && s.UserID == "" {
				return fmt.Errorf("template %q step %d needs a role or user_id", t.ID, i+1)
			}
			if s.Weight < 0 {
				return fmt.Errorf("template %q step %d has negative weight", t.ID, i+1)
			}
		}
	}
	for _, u := range p.Users {
		if u.ID == "" {
			return fmt.Errorf("user id is required")
		}
	}
	return nil
}

// Template returns the template with the given id.
func (p *PolicyFile) Template(id string) (TemplateConfig, bool) {
	for _, t := range p.Templates {
		if t.ID == id {
			return t, true
		}
	}
	return TemplateConfig{}, false
}
