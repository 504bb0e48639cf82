package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFleet struct {
	mu         sync.Mutex
	drained    bool
	drainCalls int
	termCalls  int
	clearCalls int
}

func (f *fakeFleet) DrainAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drainCalls++
}

func (f *fakeFleet) AllDrained() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drained
}

func (f *fakeFleet) TerminateAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.termCalls++
}

func (f *fakeFleet) ClearRestartState() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
}

type fakeCatalog struct {
	reloads atomic.Int64
	block   chan struct{} // if set, Reload waits until closed
	fail    error
}

func (c *fakeCatalog) Reload() error {
	if c.block != nil {
		<-c.block
	}
	c.reloads.Add(1)
	return c.fail
}

func newCoordinator(t *testing.T, fleet *fakeFleet, cat *fakeCatalog) *Coordinator {
	t.Helper()
	return New(Config{
		StateDir:     t.TempDir(),
		Fleet:        fleet,
		Catalog:      cat,
		DrainTimeout: 200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
}

func TestReload_HappyPath(t *testing.T) {
	fleet := &fakeFleet{drained: true}
	cat := &fakeCatalog{}
	c := newCoordinator(t, fleet, cat)

	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if fleet.drainCalls != 1 || fleet.termCalls != 1 || fleet.clearCalls != 1 {
		t.Fatalf("fleet calls: %+v", fleet)
	}
	if cat.reloads.Load() != 1 {
		t.Fatalf("catalog reloads: %d", cat.reloads.Load())
	}
	if _, err := os.Stat(c.lockPath); !os.IsNotExist(err) {
		t.Fatal("lock not released after reload")
	}
}

func TestReload_ConcurrentSecondCallerGetsInProgress(t *testing.T) {
	fleet := &fakeFleet{drained: true}
	cat := &fakeCatalog{block: make(chan struct{})}
	c := newCoordinator(t, fleet, cat)

	first := make(chan error, 1)
	go func() { first <- c.Reload(context.Background()) }()

	// Wait for the first caller to hold the lock.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(c.lockPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first reload never took the lock")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := c.Reload(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}

	close(cat.block)
	if err := <-first; err != nil {
		t.Fatalf("first reload: %v", err)
	}
	if cat.reloads.Load() != 1 {
		t.Fatalf("expected exactly one catalog rebuild, got %d", cat.reloads.Load())
	}
}

func TestReload_DrainTimeoutProceedsAnyway(t *testing.T) {
	fleet := &fakeFleet{drained: false} // never drains
	cat := &fakeCatalog{}
	c := newCoordinator(t, fleet, cat)

	start := time.Now()
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatal("reload returned before the drain deadline")
	}
	if fleet.termCalls != 1 || cat.reloads.Load() != 1 {
		t.Fatal("reload did not proceed after the drain timeout")
	}
}

func TestReload_LockReleasedOnFailure(t *testing.T) {
	fleet := &fakeFleet{drained: true}
	cat := &fakeCatalog{fail: errors.New("bad manifest")}
	c := newCoordinator(t, fleet, cat)

	if err := c.Reload(context.Background()); err == nil {
		t.Fatal("expected reload failure")
	}
	// The lock must be released even on failure so a retry can proceed.
	cat.fail = nil
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestForceReload_BypassesHeldLock(t *testing.T) {
	fleet := &fakeFleet{drained: true}
	cat := &fakeCatalog{}
	c := newCoordinator(t, fleet, cat)

	// Simulate a stale lock left by a crashed process.
	if err := os.MkdirAll(filepath.Dir(c.lockPath), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.lockPath, []byte("99999"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := c.Reload(context.Background()); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress with stale lock, got %v", err)
	}
	if err := c.ForceReload(context.Background()); err != nil {
		t.Fatalf("ForceReload: %v", err)
	}
}
