// Package host wires the catalog, validator, spawner, session pool and
// reload coordinator into one skill-hosting runtime. Servers and the CLI
// talk to a Host; everything below it stays composable and separately
// testable.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/initializ/skillhost/catalog"
	"github.com/initializ/skillhost/policy"
	"github.com/initializ/skillhost/pool"
	"github.com/initializ/skillhost/registry"
	"github.com/initializ/skillhost/reload"
	"github.com/initializ/skillhost/session"
	"github.com/initializ/skillhost/spawn"
	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/types"
	"github.com/initializ/skillhost/validate"
)

// Sentinel errors surfaced to callers so transports can map them to
// distinct error codes.
var (
	ErrUnknownSkill = errors.New("unknown skill")
	ErrUnknownTool  = errors.New("unknown tool")
)

// Config configures a Host.
type Config struct {
	HostConfig types.HostConfig
	Policy     *policy.Policy // nil means policy.Default()
	Logger     telemetry.Logger
	Sink       telemetry.Sink
}

// Host is the composed skill runtime.
type Host struct {
	cfg       types.HostConfig
	logger    telemetry.Logger
	sink      telemetry.Sink
	validator *validate.Validator
	spawner   *spawn.Spawner
	catalog   *catalog.Catalog
	registry  *registry.InMemory
	pool      *pool.Pool
	reloader  *reload.Coordinator
}

// New builds a Host from the given configuration. The manifest is read
// immediately; a missing manifest file yields an empty catalog, not an
// error, so the host can start before skills are installed.
func New(cfg Config) (*Host, error) {
	hc := cfg.HostConfig
	hc.ApplyDefaults()
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}
	pol := cfg.Policy
	if pol == nil {
		pol = policy.Default()
	}

	cat, err := catalog.New(hc.ManifestPath, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	h := &Host{
		cfg:       hc,
		logger:    cfg.Logger,
		sink:      cfg.Sink,
		validator: validate.New(pol),
		spawner:   spawn.New(cfg.Logger, cfg.Sink),
		catalog:   cat,
		registry:  registry.NewInMemory(),
	}
	h.pool = pool.New(pool.Config{
		Max:    hc.MaxConcurrent,
		Launch: h.launch,
		Logger: cfg.Logger,
		Sink:   cfg.Sink,
	})
	h.reloader = reload.New(reload.Config{
		StateDir:     hc.StateDir,
		Fleet:        h.pool,
		Catalog:      cat,
		Logger:       cfg.Logger,
		Sink:         cfg.Sink,
		DrainTimeout: hc.DrainTimeout,
	})
	return h, nil
}

// launch is the pool's LaunchFunc: validate, spawn, handshake. A failure
// at any stage leaves no running process behind.
func (h *Host) launch(ctx context.Context, name string, cfg types.LaunchConfig) (pool.Member, error) {
	outcome := h.validator.ValidateConfig(cfg)
	if !outcome.Valid() {
		h.sink.Emit(telemetry.Event{
			Name: telemetry.EventSecurityRejected,
			Metadata: map[string]string{
				"skill":  name,
				"reason": string(outcome.Rejection.Reason),
				"detail": outcome.Rejection.Detail,
			},
		})
		h.logger.Warn("launch config rejected", map[string]any{
			"skill":  name,
			"reason": string(outcome.Rejection.Reason),
			"detail": outcome.Rejection.Detail,
		})
		return nil, outcome.Rejection
	}

	proc, err := h.spawner.Spawn(outcome.Config, outcome.Rule)
	if err != nil {
		h.sink.Emit(telemetry.Event{
			Name: telemetry.EventSpawnFailed,
			Metadata: map[string]string{
				"skill": name,
				"error": err.Error(),
			},
		})
		return nil, fmt.Errorf("spawn %s: %w", name, err)
	}

	sess := session.New(session.Config{
		Name:             name,
		Proc:             proc,
		Registry:         h.registry,
		Logger:           h.logger,
		Sink:             h.sink,
		DiscoveryTimeout: h.cfg.DiscoveryTimeout,
		CallTimeout:      h.cfg.CallTimeout,
	})
	if err := sess.Start(ctx); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return sess, nil
}

// StartSkill spawns and handshakes one named skill from the catalog.
// Starting an already-active skill is a no-op.
func (h *Host) StartSkill(ctx context.Context, name string) error {
	cfg, ok := h.catalog.SkillConfig(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSkill, name)
	}
	_, err := h.pool.Start(ctx, name, cfg)
	return err
}

// CallTool routes a prefixed tool name to its owning skill, starting the
// skill on demand if it is not already running.
func (h *Host) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	skill, cfg, ok := h.catalog.SkillForTool(tool)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	member, err := h.pool.Start(ctx, skill, cfg)
	if err != nil {
		return nil, err
	}
	return member.CallTool(ctx, tool, args)
}

// ListTools returns every tool the manifest advertises, prefixed with its
// skill name. This reads the catalog only; no skill is spawned.
func (h *Host) ListTools() []types.ToolDescriptor {
	return h.catalog.ListTools()
}

// ActiveTools returns the tools of currently running sessions.
func (h *Host) ActiveTools() []types.ToolDescriptor {
	return h.registry.ListTools()
}

// Skills returns the names of all skills in the catalog.
func (h *Host) Skills() []string {
	return h.catalog.Skills()
}

// Stats reports pool occupancy.
func (h *Host) Stats() pool.Stats {
	return h.pool.Stats()
}

// ValidateRaw validates a raw JSON launch configuration without spawning
// anything. The CLI validate command uses this.
func (h *Host) ValidateRaw(raw json.RawMessage) validate.Outcome {
	return h.validator.Validate(raw)
}

// Reload drains the fleet, terminates it and rebuilds the catalog. When
// force is set a held reload lock is broken first.
func (h *Host) Reload(ctx context.Context, force bool) error {
	if force {
		return h.reloader.ForceReload(ctx)
	}
	return h.reloader.Reload(ctx)
}

// Terminate force-stops one skill session.
func (h *Host) Terminate(name string) {
	h.pool.Terminate(name)
	h.sink.Emit(telemetry.Event{
		Name:     telemetry.EventSkillStopped,
		Metadata: map[string]string{"skill": name},
	})
}

// Shutdown stops every running session. Called on process exit.
func (h *Host) Shutdown() {
	h.pool.TerminateAll()
	h.logger.Info("host shut down", map[string]any{})
}
