// Package types holds the configuration and descriptor types shared across
// skillhost packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LaunchConfig is the declarative, user-supplied description of how to start
// a skill process. Once validated, only the sanitized copy produced by the
// validator is ever spawned.
type LaunchConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Clone returns a deep copy of the config.
func (c LaunchConfig) Clone() LaunchConfig {
	out := LaunchConfig{Command: c.Command}
	if c.Args != nil {
		out.Args = make([]string, len(c.Args))
		copy(out.Args, c.Args)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// ToolDescriptor is a tool advertised by a skill process (or by the static
// manifest before any process has been spawned).
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// PrefixTool returns the catalog-visible name for a skill's tool.
func PrefixTool(skill, tool string) string {
	return skill + "." + tool
}

// SplitTool splits a prefixed tool name into skill and bare tool name.
// A name without a prefix is returned with an empty skill.
func SplitTool(prefixed string) (skill, tool string) {
	if i := strings.IndexByte(prefixed, '.'); i >= 0 {
		return prefixed[:i], prefixed[i+1:]
	}
	return "", prefixed
}

// Manifest is the on-disk skill manifest: skill name to advertised tools and
// the launch configuration used to start the skill on first call.
type Manifest struct {
	Skills map[string]ManifestSkill `yaml:"skills"`
}

// ManifestSkill is one manifest entry.
type ManifestSkill struct {
	Tools  []ManifestTool `yaml:"tools,omitempty"`
	Config LaunchConfig   `yaml:"config"`
}

// ManifestTool mirrors ToolDescriptor with YAML-friendly schema typing.
type ManifestTool struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty"`
}

// Descriptor converts a manifest tool into a ToolDescriptor.
func (t ManifestTool) Descriptor() ToolDescriptor {
	d := ToolDescriptor{Name: t.Name, Description: t.Description}
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			d.InputSchema = raw
		}
	}
	return d
}

// ParseManifest parses raw YAML bytes into a Manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing skill manifest: %w", err)
	}
	for name, sk := range m.Skills {
		if sk.Config.Command == "" {
			return nil, fmt.Errorf("skill manifest: skill %q has no command", name)
		}
	}
	return &m, nil
}

// HostConfig is the top-level skillhost.yaml configuration.
type HostConfig struct {
	ManifestPath     string        `yaml:"manifest"`
	StateDir         string        `yaml:"state_dir,omitempty"`
	MaxConcurrent    int           `yaml:"max_concurrent,omitempty"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout,omitempty"`
	CallTimeout      time.Duration `yaml:"call_timeout,omitempty"`
	DrainTimeout     time.Duration `yaml:"drain_timeout,omitempty"`
	Port             int           `yaml:"port,omitempty"`
	Host             string        `yaml:"host,omitempty"`
}

// ParseHostConfig parses raw YAML bytes into a HostConfig and applies
// defaults for unset fields.
func ParseHostConfig(data []byte) (*HostConfig, error) {
	var cfg HostConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing host config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with defaults.
func (c *HostConfig) ApplyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 8
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = 30 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 60 * time.Second
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.StateDir == "" {
		c.StateDir = ".skillhost"
	}
}
