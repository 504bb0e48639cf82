// Package catalog serves the static, manifest-derived index of tools. It
// lets the host advertise every tool instantly, before any skill process has
// been spawned; the pool consults it to know what to launch on first call.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/types"
)

// Entry is one catalog row.
type Entry struct {
	PrefixedName string
	SkillName    string
	Config       types.LaunchConfig
	Tool         types.ToolDescriptor
}

// Catalog is the manifest-backed lookup table. Reads are concurrent; the
// table is rebuilt wholesale on Reload.
type Catalog struct {
	path   string
	logger telemetry.Logger

	mu      sync.RWMutex
	entries map[string]Entry            // keyed by prefixed tool name
	skills  map[string]types.LaunchConfig
}

// New creates a Catalog reading from the manifest at path and performs the
// initial load. A missing manifest is not an error: the catalog starts
// empty and skills can still be started explicitly by name.
func New(path string, logger telemetry.Logger) (*Catalog, error) {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload clears and rebuilds the catalog from the manifest file.
func (c *Catalog) Reload() error {
	entries := make(map[string]Entry)
	skills := make(map[string]types.LaunchConfig)

	data, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
		c.logger.Warn("skill manifest absent, catalog empty", map[string]any{"path": c.path})
	case err != nil:
		return fmt.Errorf("reading skill manifest: %w", err)
	default:
		m, err := types.ParseManifest(data)
		if err != nil {
			return err
		}
		for name, sk := range m.Skills {
			skills[name] = sk.Config.Clone()
			for _, tool := range sk.Tools {
				prefixed := types.PrefixTool(name, tool.Name)
				entries[prefixed] = Entry{
					PrefixedName: prefixed,
					SkillName:    name,
					Config:       sk.Config.Clone(),
					Tool:         tool.Descriptor(),
				}
			}
		}
	}

	c.mu.Lock()
	c.entries = entries
	c.skills = skills
	c.mu.Unlock()
	c.logger.Info("catalog loaded", map[string]any{"skills": len(skills), "tools": len(entries)})
	return nil
}

// ListTools returns every manifest-advertised tool, each under its
// skill-prefixed name. No process is spawned.
func (c *Catalog) ListTools() []types.ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.ToolDescriptor, 0, len(c.entries))
	for prefixed, e := range c.entries {
		tool := e.Tool
		tool.Name = prefixed
		out = append(out, tool)
	}
	return out
}

// SkillForTool resolves a prefixed tool name to its owning skill and launch
// configuration.
func (c *Catalog) SkillForTool(prefixed string) (string, types.LaunchConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[prefixed]
	if !ok {
		return "", types.LaunchConfig{}, false
	}
	return e.SkillName, e.Config.Clone(), true
}

// SkillConfig resolves a skill name to its launch configuration, for
// explicit start-by-name.
func (c *Catalog) SkillConfig(skill string) (types.LaunchConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.skills[skill]
	return cfg.Clone(), ok
}

// Skills returns every skill name in the catalog.
func (c *Catalog) Skills() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.skills))
	for name := range c.skills {
		out = append(out, name)
	}
	return out
}
