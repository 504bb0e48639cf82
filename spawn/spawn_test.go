package spawn

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/initializ/skillhost/policy"
	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/types"
)

func TestSpawn_ExecutableNotFound(t *testing.T) {
	s := New(telemetry.NopLogger{}, telemetry.NopSink{})

	_, err := s.Spawn(types.LaunchConfig{Command: "definitely-not-a-binary-xyz"}, policy.CommandRule{Timeout: time.Second})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestSpawn_Echo(t *testing.T) {
	s := New(telemetry.NopLogger{}, telemetry.NopSink{})

	p, err := s.Spawn(types.LaunchConfig{Command: "cat"}, policy.CommandRule{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close() //nolint:errcheck

	if p.PID() == 0 {
		t.Fatal("expected a PID")
	}

	if _, err := p.Stdin().Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("echo mismatch: %q", line)
	}

	p.Disarm()
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit after Close")
	}
}

func TestSpawn_WatchdogFiresOnce(t *testing.T) {
	events := make(chan telemetry.Event, 8)
	s := New(telemetry.NopLogger{}, sinkFunc(func(e telemetry.Event) { events <- e }))

	p, err := s.Spawn(types.LaunchConfig{Command: "sleep", Args: []string{"10"}}, policy.CommandRule{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close() //nolint:errcheck

	select {
	case <-p.WatchdogFired():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not killed by watchdog")
	}

	fired := 0
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case e := <-events:
			if e.Name == telemetry.EventWatchdogFired {
				fired++
			}
			continue
		case <-deadline:
		}
		break
	}
	if fired != 1 {
		t.Fatalf("expected exactly one watchdog event, got %d", fired)
	}
}

func TestSpawn_DisarmPreventsKill(t *testing.T) {
	s := New(telemetry.NopLogger{}, telemetry.NopSink{})

	p, err := s.Spawn(types.LaunchConfig{Command: "sleep", Args: []string{"0.2"}}, policy.CommandRule{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close() //nolint:errcheck
	p.Disarm()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	select {
	case <-p.WatchdogFired():
		t.Fatal("watchdog fired after disarm")
	default:
	}
	if p.ExitErr() != nil {
		t.Fatalf("expected clean exit, got %v", p.ExitErr())
	}
}

func TestSpawn_OutputReadableAfterExit(t *testing.T) {
	s := New(telemetry.NopLogger{}, telemetry.NopSink{})

	// A skill may write its final framed response and exit immediately.
	// Those bytes must stay readable after the process has been reaped.
	p, err := s.Spawn(types.LaunchConfig{
		Command: "echo",
		Args:    []string{`{"jsonrpc":"2.0","id":1,"result":{}}`},
	}, policy.CommandRule{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close() //nolint:errcheck

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}

	data, err := io.ReadAll(p.Stdout())
	if err != nil {
		t.Fatalf("read after exit: %v", err)
	}
	if !strings.Contains(string(data), `"id":1`) {
		t.Fatalf("final output lost: %q", data)
	}
}

func TestSpawn_MinimalEnv(t *testing.T) {
	s := New(telemetry.NopLogger{}, telemetry.NopSink{})
	t.Setenv("SHOULD_NOT_LEAK", "secret")

	p, err := s.Spawn(types.LaunchConfig{
		Command: "env",
		Env:     map[string]string{"SKILL_KEY": "v1"},
	}, policy.CommandRule{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer p.Close() //nolint:errcheck

	var sawKey, sawLeak bool
	sc := bufio.NewScanner(p.Stdout())
	for sc.Scan() {
		switch {
		case sc.Text() == "SKILL_KEY=v1":
			sawKey = true
		case sc.Text() == "SHOULD_NOT_LEAK=secret":
			sawLeak = true
		}
	}
	if !sawKey {
		t.Fatal("sanitized env entry missing from child environment")
	}
	if sawLeak {
		t.Fatal("host environment leaked into child")
	}
}

type sinkFunc func(telemetry.Event)

func (f sinkFunc) Emit(e telemetry.Event) { f(e) }
