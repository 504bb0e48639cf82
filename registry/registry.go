// Package registry defines the tool-registry collaborator the sandbox core
// reports discovered tools to, plus an in-memory implementation used by the
// operator server and tests. Downstream routing by tool name happens here,
// outside the sandboxing core.
package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/initializ/skillhost/types"
)

// Caller is the callable address registered for a skill: it routes a bare
// (unprefixed) tool invocation to the owning session.
type Caller interface {
	CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// ToolRegistry receives tool registrations from skill sessions.
type ToolRegistry interface {
	RegisterSkillTools(skill string, tools []types.ToolDescriptor, caller Caller)
	UnregisterSkill(skill string)
}

// registration is one skill's live tool set.
type registration struct {
	tools  []types.ToolDescriptor
	caller Caller
}

// InMemory is a concurrency-safe ToolRegistry.
type InMemory struct {
	mu     sync.RWMutex
	skills map[string]registration
}

// NewInMemory creates an empty registry.
func NewInMemory() *InMemory {
	return &InMemory{skills: make(map[string]registration)}
}

// RegisterSkillTools replaces the registration for skill.
func (r *InMemory) RegisterSkillTools(skill string, tools []types.ToolDescriptor, caller Caller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[skill] = registration{tools: tools, caller: caller}
}

// UnregisterSkill removes the skill's registration. Unknown skills are a
// no-op so teardown stays idempotent.
func (r *InMemory) UnregisterSkill(skill string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.skills, skill)
}

// Caller returns the callable address for a registered skill.
func (r *InMemory) Caller(skill string) (Caller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.skills[skill]
	return reg.caller, ok
}

// ListTools returns every registered tool with its skill-prefixed name,
// sorted for stable output.
func (r *InMemory) ListTools() []types.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.ToolDescriptor
	for skill, reg := range r.skills {
		for _, tool := range reg.tools {
			prefixed := tool
			prefixed.Name = types.PrefixTool(skill, tool.Name)
			out = append(out, prefixed)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Skills returns the names of all registered skills, sorted.
func (r *InMemory) Skills() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for skill := range r.skills {
		out = append(out, skill)
	}
	sort.Strings(out)
	return out
}
