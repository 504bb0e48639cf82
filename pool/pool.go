// Package pool tracks all live skill sessions, enforces the maximum
// concurrent count and restarts crashed sessions under an intensity/window
// budget.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/types"
)

// Sentinel errors.
var (
	ErrPoolLimit     = errors.New("pool limit reached")
	ErrRestartBudget = errors.New("restart budget exceeded")
)

// Member is a live skill session as the pool sees it. *session.Session
// satisfies it.
type Member interface {
	Drain()
	Drained() bool
	Close() error
	Done() <-chan struct{}
	Tools() []types.ToolDescriptor
	CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// LaunchFunc validates, spawns and handshakes one skill, returning the
// active session. Failures at any stage must leave no side effects.
type LaunchFunc func(ctx context.Context, name string, cfg types.LaunchConfig) (Member, error)

// Config configures a Pool.
type Config struct {
	Max           int
	Launch        LaunchFunc
	Logger        telemetry.Logger
	Sink          telemetry.Sink
	RestartBudget int           // default 3 restarts
	RestartWindow time.Duration // default 60s rolling window
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Active      int     `json:"active"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization"`
}

type entry struct {
	member Member
	cfg    types.LaunchConfig
}

// Pool is the bounded session table. All mutations are serialized through
// its mutex; readers never observe a half-updated entry.
type Pool struct {
	max    int
	launch LaunchFunc
	logger telemetry.Logger
	sink   telemetry.Sink

	restartBudget int
	restartWindow time.Duration
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry
	starting map[string]chan struct{}
	crashes  map[string][]time.Time
	fatal    map[string]bool
}

// New creates a Pool.
func New(cfg Config) *Pool {
	if cfg.Max == 0 {
		cfg.Max = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}
	if cfg.RestartBudget == 0 {
		cfg.RestartBudget = 3
	}
	if cfg.RestartWindow == 0 {
		cfg.RestartWindow = time.Minute
	}
	return &Pool{
		max:           cfg.Max,
		launch:        cfg.Launch,
		logger:        cfg.Logger,
		sink:          cfg.Sink,
		restartBudget: cfg.RestartBudget,
		restartWindow: cfg.RestartWindow,
		now:           time.Now,
		sessions:      make(map[string]*entry),
		starting:      make(map[string]chan struct{}),
		crashes:       make(map[string][]time.Time),
		fatal:         make(map[string]bool),
	}
}

// Start resolves or starts the session for a skill. An existing live session
// is returned as-is (idempotent start). Beyond the concurrency limit the
// call is rejected immediately, never queued. A failed launch leaves no
// partial entry in the pool.
func (p *Pool) Start(ctx context.Context, name string, cfg types.LaunchConfig) (Member, error) {
	for {
		p.mu.Lock()
		if p.fatal[name] {
			p.mu.Unlock()
			return nil, ErrRestartBudget
		}
		if e, ok := p.sessions[name]; ok {
			p.mu.Unlock()
			return e.member, nil
		}
		if ch, ok := p.starting[name]; ok {
			// Another caller is launching this skill; wait and re-check.
			p.mu.Unlock()
			select {
			case <-ch:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if len(p.sessions)+len(p.starting) >= p.max {
			p.mu.Unlock()
			p.sink.Emit(telemetry.Event{
				Name:         telemetry.EventPoolLimit,
				Measurements: map[string]float64{"max": float64(p.max)},
				Metadata:     map[string]string{"skill": name},
			})
			p.logger.Warn("pool limit reached", map[string]any{"skill": name, "max": p.max})
			return nil, ErrPoolLimit
		}
		ch := make(chan struct{})
		p.starting[name] = ch
		p.mu.Unlock()

		member, err := p.launch(ctx, name, cfg)

		p.mu.Lock()
		delete(p.starting, name)
		close(ch)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		e := &entry{member: member, cfg: cfg.Clone()}
		p.sessions[name] = e
		p.mu.Unlock()

		go p.watch(name, e)
		return member, nil
	}
}

// watch waits for the member's process to exit. A deliberate terminate
// removes the entry first, so an entry still present means an unexpected
// crash.
func (p *Pool) watch(name string, e *entry) {
	<-e.member.Done()

	p.mu.Lock()
	current, ok := p.sessions[name]
	if !ok || current != e {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, name)

	now := p.now()
	recent := p.crashes[name][:0]
	for _, ts := range p.crashes[name] {
		if now.Sub(ts) < p.restartWindow {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	p.crashes[name] = recent
	exceeded := len(recent) > p.restartBudget
	if exceeded {
		p.fatal[name] = true
	}
	p.mu.Unlock()

	e.member.Close() //nolint:errcheck
	p.sink.Emit(telemetry.Event{
		Name:         telemetry.EventSkillCrashed,
		Measurements: map[string]float64{"restarts_in_window": float64(len(recent))},
		Metadata:     map[string]string{"skill": name},
	})

	if exceeded {
		// Fatal configuration signal, not something to retry forever.
		p.logger.Error("skill exceeded restart budget", map[string]any{
			"skill": name, "budget": p.restartBudget, "window": p.restartWindow.String(),
		})
		return
	}

	p.logger.Warn("skill crashed, restarting", map[string]any{
		"skill": name, "restarts_in_window": len(recent),
	})

	// The crash freed a slot and a concurrent Start may have taken it.
	// Reserve capacity the same way Start does; when the pool is full the
	// restart is dropped, never inserted over the limit.
	p.mu.Lock()
	if _, exists := p.sessions[name]; exists {
		p.mu.Unlock()
		return
	}
	if _, racing := p.starting[name]; racing {
		// Another caller is already relaunching this skill.
		p.mu.Unlock()
		return
	}
	if len(p.sessions)+len(p.starting) >= p.max {
		p.mu.Unlock()
		p.sink.Emit(telemetry.Event{
			Name:         telemetry.EventPoolLimit,
			Measurements: map[string]float64{"max": float64(p.max)},
			Metadata:     map[string]string{"skill": name},
		})
		p.logger.Warn("restart dropped, pool full", map[string]any{"skill": name, "max": p.max})
		return
	}
	ch := make(chan struct{})
	p.starting[name] = ch
	p.mu.Unlock()

	member, err := p.launch(context.Background(), name, e.cfg)

	p.mu.Lock()
	delete(p.starting, name)
	close(ch)
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("skill restart failed", map[string]any{"skill": name, "error": err.Error()})
		return
	}
	if p.fatal[name] {
		p.mu.Unlock()
		member.Close() //nolint:errcheck
		return
	}
	ne := &entry{member: member, cfg: e.cfg}
	p.sessions[name] = ne
	p.mu.Unlock()
	go p.watch(name, ne)
}

// Get returns the live session for a skill, if any.
func (p *Pool) Get(name string) (Member, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.sessions[name]
	if !ok {
		return nil, false
	}
	return e.member, true
}

// Stats reports active/max/utilization.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := len(p.sessions)
	return Stats{
		Active:      active,
		Max:         p.max,
		Utilization: float64(active) / float64(p.max),
	}
}

// Terminate force-stops one session.
func (p *Pool) Terminate(name string) {
	p.mu.Lock()
	e, ok := p.sessions[name]
	if ok {
		delete(p.sessions, name)
	}
	p.mu.Unlock()
	if ok {
		e.member.Close() //nolint:errcheck
	}
}

// TerminateAll force-stops every session.
func (p *Pool) TerminateAll() {
	p.mu.Lock()
	entries := p.sessions
	p.sessions = make(map[string]*entry)
	p.mu.Unlock()
	for _, e := range entries {
		e.member.Close() //nolint:errcheck
	}
}

// DrainAll signals every session to stop accepting new calls.
func (p *Pool) DrainAll() {
	for _, e := range p.snapshot() {
		e.member.Drain()
	}
}

// AllDrained reports whether every session has finished its in-flight calls.
func (p *Pool) AllDrained() bool {
	for _, e := range p.snapshot() {
		if !e.member.Drained() {
			return false
		}
	}
	return true
}

// ClearRestartState forgets crash history and fatal marks; the reload
// coordinator calls this so a corrected configuration gets a fresh budget.
func (p *Pool) ClearRestartState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.crashes = make(map[string][]time.Time)
	p.fatal = make(map[string]bool)
}

func (p *Pool) snapshot() []*entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*entry, 0, len(p.sessions))
	for _, e := range p.sessions {
		out = append(out, e)
	}
	return out
}
