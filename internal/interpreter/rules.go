package interpreter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// NodeTemplate describes one node a rule produces. Description may contain
// the {instruction} placeholder. DependsOn names earlier templates of the
// same rule by Ref.
type NodeTemplate struct {
	Ref           string              `yaml:"ref" toml:"ref"`
	AgentType     tasks.AgentType     `yaml:"agent_type" toml:"agent_type"`
	ReferenceType tasks.ReferenceType `yaml:"reference_type,omitempty" toml:"reference_type"`
	Description   string              `yaml:"description" toml:"description"`
	Tags          []string            `yaml:"tags,omitempty" toml:"tags"`
	DependsOn     []string            `yaml:"depends_on,omitempty" toml:"depends_on"`
}

// Variant replaces a rule's default nodes when the instruction also contains
// any of WhenAny.
type Variant struct {
	WhenAny []string       `yaml:"when_any" toml:"when_any"`
	Nodes   []NodeTemplate `yaml:"nodes" toml:"nodes"`
}

// Rule matches when the instruction contains any keyword. Variants are tried
// in order before falling back to Nodes.
type Rule struct {
	Name     string         `yaml:"name" toml:"name"`
	Keywords []string       `yaml:"keywords" toml:"keywords"`
	Variants []Variant      `yaml:"variants,omitempty" toml:"variants"`
	Nodes    []NodeTemplate `yaml:"nodes" toml:"nodes"`
}

// RuleSet is an ordered list of rules plus the nodes produced when no rule
// matches. The first matching rule wins.
type RuleSet struct {
	Rules    []Rule         `yaml:"rules" toml:"rules"`
	Fallback []NodeTemplate `yaml:"fallback" toml:"fallback"`
}

// LoadRules reads a rule set from a YAML (.yaml, .yml, .json) or TOML
// (.toml) file and validates it.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rs RuleSet
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &rs); err != nil {
			return nil, fmt.Errorf("failed to parse TOML rules: %w", err)
		}
	case ".yaml", ".yml", ".json":
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("failed to parse YAML rules: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported rules file extension %q", filepath.Ext(path))
	}

	if err := rs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rules in %s: %w", path, err)
	}
	return &rs, nil
}

// Validate checks that every template has an agent type and a description,
// refs are unique within their node list, and dependencies point backwards.
func (rs *RuleSet) Validate() error {
	if len(rs.Fallback) == 0 {
		return fmt.Errorf("fallback must produce at least one node")
	}
	if err := validateTemplates("fallback", rs.Fallback); err != nil {
		return err
	}
	for i, r := range rs.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rules[%d]", i)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("%s: no keywords", name)
		}
		if len(r.Nodes) == 0 {
			return fmt.Errorf("%s: no nodes", name)
		}
		if err := validateTemplates(name, r.Nodes); err != nil {
			return err
		}
		for j, v := range r.Variants {
			label := fmt.Sprintf("%s.variants[%d]", name, j)
			if len(v.WhenAny) == 0 || len(v.Nodes) == 0 {
				return fmt.Errorf("%s: needs when_any and nodes", label)
			}
			if err := validateTemplates(label, v.Nodes); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateTemplates(label string, nodes []NodeTemplate) error {
	seen := make(map[string]bool, len(nodes))
	for i, n := range nodes {
		if n.AgentType == "" {
			return fmt.Errorf("%s.nodes[%d]: agent_type is required", label, i)
		}
		if strings.TrimSpace(n.Description) == "" {
			return fmt.Errorf("%s.nodes[%d]: description is required", label, i)
		}
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%s.nodes[%d]: depends_on %q does not name an earlier node", label, i, dep)
			}
		}
		if n.Ref != "" {
			if seen[n.Ref] {
				return fmt.Errorf("%s.nodes[%d]: duplicate ref %q", label, i, n.Ref)
			}
			seen[n.Ref] = true
		}
	}
	return nil
}
