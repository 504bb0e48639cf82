// Package spawn creates and supervises skill OS processes. A spawned process
// always carries a timeout watchdog owned by the spawner, so no call site can
// forget to impose a deadline.
package spawn

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/initializ/skillhost/policy"
	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/types"
)

// Sentinel errors for differentiated operator diagnostics.
var (
	ErrExecutableNotFound = errors.New("executable not found")
	ErrSpawnFailed        = errors.New("spawn failed")
)

// Process is one managed OS process with binary I/O framing, an exit
// notification channel and an armed watchdog. It has exactly one owner.
type Process struct {
	pid       int
	cfg       types.LaunchConfig
	spawnTime time.Time

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	stderrMu sync.Mutex
	stderr   bytes.Buffer

	done    chan struct{} // closed after the process exits
	exitErr error         // valid once done is closed

	watchdog      *time.Timer
	watchdogFired chan struct{} // closed when the watchdog force-kills
	disarmOnce    sync.Once
	killOnce      sync.Once
	closeOnce     sync.Once
}

// Spawner creates managed processes from sanitized launch configurations.
type Spawner struct {
	Logger telemetry.Logger
	Sink   telemetry.Sink

	// lookPath resolves a command to an absolute path; defaults to
	// exec.LookPath.
	lookPath func(string) (string, error)
}

// New creates a Spawner.
func New(logger telemetry.Logger, sink telemetry.Sink) *Spawner {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &Spawner{Logger: logger, Sink: sink, lookPath: exec.LookPath}
}

// Spawn starts cfg as an OS process under the rule's timeout. Arguments are
// passed as an explicit vector, never through a shell, and the environment
// contains only PATH, HOME and the sanitized env entries. The returned
// process has its watchdog armed; the owner must Disarm it once the process
// is under protocol control, or Close on any failure path.
func (s *Spawner) Spawn(cfg types.LaunchConfig, rule policy.CommandRule) (*Process, error) {
	path, err := s.lookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutableNotFound, cfg.Command)
	}

	cmd := exec.Command(path, cfg.Args...)
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	for name, value := range cfg.Env {
		env = append(env, name+"="+value)
	}
	cmd.Env = env

	p := &Process{
		cfg:           cfg.Clone(),
		spawnTime:     time.Now(),
		cmd:           cmd,
		done:          make(chan struct{}),
		watchdogFired: make(chan struct{}),
	}

	// The pipes are managed here rather than via StdinPipe/StdoutPipe:
	// cmd.Wait closes the pipes those helpers hand out, and the session
	// keeps reading stdout after the child exits to drain its final framed
	// response. With explicit os.Pipe files, Wait only reaps the process
	// and the buffered bytes stay readable until EOF.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close() //nolint:errcheck
		stdinW.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = &boundedWriter{p: p}
	p.stdin = stdinW
	p.stdout = stdoutR

	if err := cmd.Start(); err != nil {
		stdinR.Close()  //nolint:errcheck
		stdinW.Close()  //nolint:errcheck
		stdoutR.Close() //nolint:errcheck
		stdoutW.Close() //nolint:errcheck
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, cfg.Command, err)
	}
	if cmd.Process == nil {
		return nil, fmt.Errorf("%w: %s: no process handle", ErrSpawnFailed, cfg.Command)
	}
	// Release the parent's copies of the child's ends so stdout reaches
	// EOF once the child exits.
	stdinR.Close()  //nolint:errcheck
	stdoutW.Close() //nolint:errcheck
	p.pid = cmd.Process.Pid

	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	timeout := rule.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	p.watchdog = time.AfterFunc(timeout, func() {
		close(p.watchdogFired)
		s.Logger.Warn("watchdog fired, killing process", map[string]any{
			"command": cfg.Command, "pid": p.pid, "timeout": timeout.String(),
		})
		s.Sink.Emit(telemetry.Event{
			Name:         telemetry.EventWatchdogFired,
			Measurements: map[string]float64{"timeout_seconds": timeout.Seconds()},
			Metadata:     map[string]string{"command": cfg.Command},
		})
		p.Kill() //nolint:errcheck
	})

	s.Logger.Info("process spawned", map[string]any{"command": cfg.Command, "pid": p.pid})
	s.Sink.Emit(telemetry.Event{
		Name:         telemetry.EventSkillSpawned,
		Measurements: map[string]float64{"pid": float64(p.pid)},
		Metadata:     map[string]string{"command": cfg.Command},
	})
	return p, nil
}

// boundedWriter captures stderr for diagnostics, keeping at most 16KiB.
type boundedWriter struct {
	p *Process
}

func (b *boundedWriter) Write(data []byte) (int, error) {
	b.p.stderrMu.Lock()
	defer b.p.stderrMu.Unlock()
	if b.p.stderr.Len() < 16<<10 {
		b.p.stderr.Write(data) //nolint:errcheck
	}
	return len(data), nil
}

// PID returns the OS process id.
func (p *Process) PID() int { return p.pid }

// Config returns the launch configuration the process was spawned from.
func (p *Process) Config() types.LaunchConfig { return p.cfg }

// SpawnTime returns when the process was started.
func (p *Process) SpawnTime() time.Time { return p.spawnTime }

// Stdin is the process's input stream.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the process's output stream.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the captured stderr output so far.
func (p *Process) Stderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return p.stderr.String()
}

// Done is closed when the process has exited for any reason.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait error; only meaningful after Done is closed.
func (p *Process) ExitErr() error { return p.exitErr }

// WatchdogFired is closed when the watchdog force-terminated the process.
func (p *Process) WatchdogFired() <-chan struct{} { return p.watchdogFired }

// Disarm cancels the spawn watchdog. Safe to call more than once and after
// the watchdog has fired.
func (p *Process) Disarm() {
	p.disarmOnce.Do(func() {
		if p.watchdog != nil {
			p.watchdog.Stop()
		}
	})
}

// Kill force-terminates the process. Idempotent; tolerates already-exited.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
		}
	})
	return err
}

// Close disarms the watchdog, closes the I/O streams and kills the process
// if it is still running. Idempotent: it is invoked both from explicit stop
// and from abnormal-exit teardown.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.Disarm()
		p.stdin.Close()  //nolint:errcheck
		p.stdout.Close() //nolint:errcheck
		select {
		case <-p.done:
		default:
			p.Kill() //nolint:errcheck
		}
	})
	return nil
}
