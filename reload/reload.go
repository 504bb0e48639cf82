// Package reload coordinates the fleet-wide hot reload: drain every session,
// tear the fleet down, rebuild the catalog — all under a node-scoped lock so
// at most one reload runs at a time.
package reload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/initializ/skillhost/telemetry"
)

// ErrInProgress is returned to a caller who lost the race for the reload
// lock. The caller should retry later rather than block.
var ErrInProgress = errors.New("reload already in progress")

// Fleet is the session pool as the coordinator sees it.
type Fleet interface {
	DrainAll()
	AllDrained() bool
	TerminateAll()
	ClearRestartState()
}

// CatalogReloader rebuilds the static catalog from its manifest.
type CatalogReloader interface {
	Reload() error
}

// Config configures a Coordinator.
type Config struct {
	StateDir     string // the lock file lives here, scoping the lock to this node
	Fleet        Fleet
	Catalog      CatalogReloader
	Logger       telemetry.Logger
	Sink         telemetry.Sink
	DrainTimeout time.Duration // default 30s
	PollInterval time.Duration // default 250ms
}

// Coordinator serializes fleet-wide reloads.
type Coordinator struct {
	lockPath     string
	fleet        Fleet
	catalog      CatalogReloader
	logger       telemetry.Logger
	sink         telemetry.Sink
	drainTimeout time.Duration
	pollInterval time.Duration
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Coordinator{
		lockPath:     filepath.Join(cfg.StateDir, "reload.lock"),
		fleet:        cfg.Fleet,
		catalog:      cfg.Catalog,
		logger:       cfg.Logger,
		sink:         cfg.Sink,
		drainTimeout: cfg.DrainTimeout,
		pollInterval: cfg.PollInterval,
	}
}

// tryAcquire takes the node-scoped lock without blocking. The lock is a
// lease file created exclusively; its content is this process's pid for
// operator inspection.
func (c *Coordinator) tryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(c.lockPath), 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	f, err := os.OpenFile(c.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrInProgress
		}
		return fmt.Errorf("acquiring reload lock: %w", err)
	}
	f.WriteString(strconv.Itoa(os.Getpid())) //nolint:errcheck
	return f.Close()
}

func (c *Coordinator) release() {
	if err := os.Remove(c.lockPath); err != nil && !os.IsNotExist(err) {
		c.logger.Error("releasing reload lock", map[string]any{"error": err.Error()})
	}
}

// Reload drains and restarts the whole fleet atomically. A second concurrent
// caller receives ErrInProgress instead of blocking. The lock is released in
// all cases, including when the catalog rebuild fails.
func (c *Coordinator) Reload(ctx context.Context) error {
	if err := c.tryAcquire(); err != nil {
		return err
	}
	return c.run(ctx)
}

// ForceReload bypasses the in-progress check by forcibly releasing any held
// lock first. Operator escape hatch, not for routine use.
func (c *Coordinator) ForceReload(ctx context.Context) error {
	c.release()
	if err := c.tryAcquire(); err != nil {
		return err
	}
	return c.run(ctx)
}

func (c *Coordinator) run(ctx context.Context) (err error) {
	start := time.Now()
	defer c.release()
	defer func() {
		success := "true"
		if err != nil {
			success = "false"
		}
		c.sink.Emit(telemetry.Event{
			Name:         telemetry.EventReload,
			Measurements: map[string]float64{"duration_ms": float64(time.Since(start).Milliseconds())},
			Metadata:     map[string]string{"success": success},
		})
	}()

	c.logger.Info("reload started", nil)
	c.fleet.DrainAll()

	// Poll until every session has finished its in-flight calls, or the
	// drain deadline elapses. Proceeding on timeout is best-effort.
	deadline := time.Now().Add(c.drainTimeout)
	for !c.fleet.AllDrained() {
		if time.Now().After(deadline) {
			c.logger.Warn("drain deadline elapsed, proceeding", map[string]any{
				"timeout": c.drainTimeout.String(),
			})
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	c.fleet.TerminateAll()
	c.fleet.ClearRestartState()

	if err := c.catalog.Reload(); err != nil {
		c.logger.Error("catalog reload failed", map[string]any{"error": err.Error()})
		return fmt.Errorf("reload: %w", err)
	}

	c.logger.Info("reload complete", map[string]any{"duration": time.Since(start).String()})
	return nil
}
