// Package session owns one spawned skill process: it drives the JSON-RPC
// discovery handshake, serves id-correlated tool calls over the process's
// byte stream and tears the process down safely.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/initializ/skillhost/mcp"
	"github.com/initializ/skillhost/registry"
	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/types"
)

// Status is the session lifecycle state.
type Status int32

const (
	StatusStarting Status = iota
	StatusActive
	StatusDraining
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusActive:
		return "active"
	case StatusDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Sentinel errors.
var (
	ErrDiscoveryFailed = errors.New("discovery failed")
	ErrCallTimeout     = errors.New("call timed out")
	ErrDraining        = errors.New("session is draining")
	ErrNotActive       = errors.New("session is not active")
	ErrProcessExited   = errors.New("skill process exited")
)

// Proc is the subset of a spawned process the session drives. spawn.Process
// satisfies it; tests substitute in-memory pipes.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Done() <-chan struct{}
	Disarm()
	Close() error
	Stderr() string
	PID() int
}

// Config configures a Session.
type Config struct {
	Name             string
	Proc             Proc
	Registry         registry.ToolRegistry
	Logger           telemetry.Logger
	Sink             telemetry.Sink
	Client           mcp.ClientInfo
	DiscoveryTimeout time.Duration // default 30s; generous because first runs may fetch artifacts
	CallTimeout      time.Duration // default 60s
}

// Session is one live skill session.
type Session struct {
	name             string
	proc             Proc
	reg              registry.ToolRegistry
	logger           telemetry.Logger
	sink             telemetry.Sink
	client           mcp.ClientInfo
	discoveryTimeout time.Duration
	callTimeout      time.Duration

	writeMu sync.Mutex // serializes frames onto the process stdin

	nextID atomic.Int64

	mu       sync.Mutex
	status   Status
	tools    []types.ToolDescriptor
	pending  map[int64]chan *mcp.Response
	inflight int

	closeOnce sync.Once
	stopped   chan struct{}
}

// New creates a Session in Starting state. Call Start to run the handshake.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	if cfg.Sink == nil {
		cfg.Sink = telemetry.NopSink{}
	}
	if cfg.DiscoveryTimeout == 0 {
		cfg.DiscoveryTimeout = 30 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.Client.Name == "" {
		cfg.Client = mcp.ClientInfo{Name: "skillhost", Version: "0.1.0"}
	}
	s := &Session{
		name:             cfg.Name,
		proc:             cfg.Proc,
		reg:              cfg.Registry,
		logger:           cfg.Logger,
		sink:             cfg.Sink,
		client:           cfg.Client,
		discoveryTimeout: cfg.DiscoveryTimeout,
		callTimeout:      cfg.CallTimeout,
		status:           StatusStarting,
		pending:          make(map[int64]chan *mcp.Response),
		stopped:          make(chan struct{}),
	}
	s.nextID.Store(2) // ids 1 and 2 are reserved for the handshake
	return s
}

// Name returns the skill name.
func (s *Session) Name() string { return s.name }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Tools returns the tool list discovered by the handshake.
func (s *Session) Tools() []types.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// Done is closed when the underlying process has exited.
func (s *Session) Done() <-chan struct{} { return s.proc.Done() }

// Start performs the two-phase handshake: initialize (id=1), the initialized
// notification, then tools/list (id=2). On success the session is Active and
// its tools are registered with the tool registry. On any protocol error,
// malformed response or timeout the process is released and the session is
// Stopped; there is no partial-success state.
func (s *Session) Start(ctx context.Context) error {
	go s.readLoop()

	initResp, err := s.roundTrip(ctx, mcp.NewInitializeRequest(1, s.client), s.discoveryTimeout)
	if err != nil {
		return s.failStart(fmt.Errorf("%w: initialize: %v", ErrDiscoveryFailed, err))
	}
	if initResp.Error != nil {
		return s.failStart(fmt.Errorf("%w: initialize: %v", ErrDiscoveryFailed, initResp.Error))
	}

	if err := s.write(mcp.NewInitializedNotification()); err != nil {
		return s.failStart(fmt.Errorf("%w: initialized notification: %v", ErrDiscoveryFailed, err))
	}

	listResp, err := s.roundTrip(ctx, mcp.NewToolsListRequest(2), s.discoveryTimeout)
	if err != nil {
		return s.failStart(fmt.Errorf("%w: tools/list: %v", ErrDiscoveryFailed, err))
	}
	if listResp.Error != nil {
		return s.failStart(fmt.Errorf("%w: tools/list: %v", ErrDiscoveryFailed, listResp.Error))
	}
	var result struct {
		Tools []types.ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &result); err != nil {
		return s.failStart(fmt.Errorf("%w: malformed tools/list result: %v", ErrDiscoveryFailed, err))
	}

	s.mu.Lock()
	if s.status != StatusStarting {
		s.mu.Unlock()
		return s.failStart(fmt.Errorf("%w: session stopped during handshake", ErrDiscoveryFailed))
	}
	s.status = StatusActive
	s.tools = result.Tools
	s.mu.Unlock()

	// The process is under protocol control now; the spawn watchdog has done
	// its job.
	s.proc.Disarm()

	if s.reg != nil {
		s.reg.RegisterSkillTools(s.name, result.Tools, s)
	}
	s.logger.Info("skill session active", map[string]any{
		"skill": s.name, "tools": len(result.Tools), "pid": s.proc.PID(),
	})
	return nil
}

func (s *Session) failStart(err error) error {
	stderr := s.proc.Stderr()
	fields := map[string]any{"skill": s.name, "error": err.Error()}
	if stderr != "" {
		if len(stderr) > 400 {
			stderr = stderr[:400]
		}
		fields["stderr"] = stderr
	}
	s.logger.Error("skill handshake failed", fields)
	s.sink.Emit(telemetry.Event{
		Name:     telemetry.EventDiscoveryFailed,
		Metadata: map[string]string{"skill": s.name},
	})
	s.Close() //nolint:errcheck
	return err
}

// CallTool sends a tools/call request and blocks for the correlated response.
// The tool name may carry the skill's prefix; it is stripped before sending.
// A timeout returns ErrCallTimeout but does not kill the process: a slow tool
// may still finish and its late answer is simply discarded by the reader.
func (s *Session) CallTool(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	if skill, bare := types.SplitTool(tool); skill == s.name {
		tool = bare
	}

	s.mu.Lock()
	switch s.status {
	case StatusDraining:
		s.mu.Unlock()
		return nil, ErrDraining
	case StatusActive:
	default:
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	s.inflight++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.mu.Unlock()
	}()

	id := s.nextID.Add(1)
	resp, err := s.roundTrip(ctx, mcp.NewToolsCallRequest(id, tool, args), s.callTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tool %s: %w", tool, resp.Error)
	}
	return resp.Result, nil
}

// Drain stops acceptance of new calls while in-flight calls finish.
func (s *Session) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusActive {
		s.status = StatusDraining
	}
}

// Drained reports whether no calls remain in flight.
func (s *Session) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight == 0
}

// Close tears the session down: watchdog disarmed, process stream closed
// (tolerating already-closed), tools unregistered. Idempotent — it is
// invoked from explicit stop and from abnormal process-exit notification.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.status = StatusStopped
		s.mu.Unlock()
		close(s.stopped)

		s.proc.Disarm()
		s.proc.Close() //nolint:errcheck
		if s.reg != nil {
			s.reg.UnregisterSkill(s.name)
		}
		s.failPending()
	})
	return nil
}

// write frames one request onto the process stdin.
func (s *Session) write(req mcp.Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return mcp.WriteMessage(s.proc.Stdin(), req)
}

// roundTrip registers a waiter for req's id, sends the request and blocks
// for the correlated response. Requests are processed by the child in send
// order but responses are matched by id, never by arrival order.
func (s *Session) roundTrip(ctx context.Context, req mcp.Request, timeout time.Duration) (*mcp.Response, error) {
	if req.ID == nil {
		return nil, errors.New("round trip requires a request id")
	}
	id := *req.ID

	ch := make(chan *mcp.Response, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.write(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrProcessExited
		}
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s (method %s)", ErrCallTimeout, timeout, req.Method)
	case <-s.proc.Done():
		return nil, ErrProcessExited
	case <-s.stopped:
		return nil, ErrProcessExited
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop dispatches framed responses to the matching waiter. It exits when
// the stream closes — either clean shutdown or process death — and then runs
// teardown so exit notifications and data share one multiplex point.
func (s *Session) readLoop() {
	dec := mcp.NewDecoder(s.proc.Stdout())
	for {
		resp, err := dec.ReadMessage()
		if err != nil {
			break
		}
		id, ok := resp.RequestID()
		if !ok {
			continue // server-initiated notification or unmatched noise
		}
		s.mu.Lock()
		ch, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
		// A response with no waiter belongs to a call that already timed
		// out; it is discarded.
	}
	s.Close() //nolint:errcheck
}

// failPending unblocks every waiter with a nil response.
func (s *Session) failPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan *mcp.Response)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- nil
	}
}
