// Package server exposes the skill host over HTTP: a JSON-RPC 2.0 POST
// endpoint for operators, a health probe, and a websocket event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/initializ/skillhost/host"
	"github.com/initializ/skillhost/pool"
	"github.com/initializ/skillhost/reload"
	"github.com/initializ/skillhost/session"
	"github.com/initializ/skillhost/spawn"
	"github.com/initializ/skillhost/telemetry"
	"github.com/initializ/skillhost/validate"
)

// JSON-RPC 2.0 standard error codes plus host-specific codes in the
// implementation-defined -32000..-32099 range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeSecurityRejected = -32000
	codePoolLimit        = -32001
	codeSpawnFailed      = -32002
	codeDiscoveryFailed  = -32003
	codeCallTimeout      = -32004
	codeUnknownName      = -32005
	codeRestartBudget    = -32006
	codeReloadInProgress = -32007
	codeSkillUnavailable = -32008
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

func resultResponse(id, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

// Handler processes one JSON-RPC request.
type Handler func(ctx context.Context, id any, params json.RawMessage) *rpcResponse

// Config configures the HTTP server.
type Config struct {
	Port            int
	Host            string        // bind address ("" = all interfaces)
	ShutdownTimeout time.Duration // graceful shutdown timeout (0 = immediate)
	Runtime         *host.Host
	Logger          telemetry.Logger
	Events          *telemetry.FanoutSink // event stream source; nil disables /events
}

// Server is the operator-facing HTTP server.
type Server struct {
	port            int
	bindHost        string
	shutdownTimeout time.Duration
	runtime         *host.Host
	logger          telemetry.Logger
	events          *telemetry.FanoutSink
	handlers        map[string]Handler
	srv             *http.Server
}

// New creates a Server with all skill-host methods registered.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger{}
	}
	s := &Server{
		port:            cfg.Port,
		bindHost:        cfg.Host,
		shutdownTimeout: cfg.ShutdownTimeout,
		runtime:         cfg.Runtime,
		logger:          cfg.Logger,
		events:          cfg.Events,
		handlers:        make(map[string]Handler),
	}
	s.handlers["tools/list"] = s.handleToolsList
	s.handlers["tools/call"] = s.handleToolsCall
	s.handlers["skills/list"] = s.handleSkillsList
	s.handlers["skills/start"] = s.handleSkillsStart
	s.handlers["skills/stop"] = s.handleSkillsStop
	s.handlers["skills/stats"] = s.handleSkillsStats
	s.handlers["skills/reload"] = s.handleSkillsReload
	s.handlers["config/validate"] = s.handleConfigValidate
	return s
}

// Port returns the configured port, updated to the actual port once Start
// resolves conflicts.
func (s *Server) Port() int { return s.port }

// Start begins serving HTTP. It blocks until the context is cancelled or
// an error occurs.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /", s.handleJSONRPC)
	if s.events != nil {
		mux.HandleFunc("GET /events", s.handleEvents)
	}

	s.srv = &http.Server{
		Handler:     mux,
		IdleTimeout: 120 * time.Second,
	}

	// Try the configured port, then auto-increment on conflict.
	var ln net.Listener
	var listenErr error
	actualPort := s.port
	for range 10 {
		addr := fmt.Sprintf("%s:%d", s.bindHost, actualPort)
		ln, listenErr = net.Listen("tcp", addr)
		if listenErr == nil {
			break
		}
		if !isAddrInUse(listenErr) {
			return fmt.Errorf("listen on %s: %w", addr, listenErr)
		}
		actualPort++
	}
	if listenErr != nil {
		return fmt.Errorf("all ports %d-%d in use: %w", s.port, actualPort, listenErr)
	}
	s.port = actualPort
	s.srv.Addr = fmt.Sprintf("%s:%d", s.bindHost, actualPort)
	s.logger.Info("server listening", map[string]any{"addr": s.srv.Addr})

	go func() {
		<-ctx.Done()
		shutdownCtx := context.Background()
		if s.shutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.shutdownTimeout)
			defer cancel()
		}
		s.srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, codeParseError, "parse error: "+err.Error()))
		return
	}
	if req.JSONRPC != "2.0" {
		writeJSON(w, errorResponse(req.ID, codeInvalidRequest, `jsonrpc must be "2.0"`))
		return
	}
	h, ok := s.handlers[req.Method]
	if !ok {
		writeJSON(w, errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method))
		return
	}
	writeJSON(w, h(r.Context(), req.ID, req.Params))
}

func (s *Server) handleToolsList(_ context.Context, id any, _ json.RawMessage) *rpcResponse {
	return resultResponse(id, map[string]any{"tools": s.runtime.ListTools()})
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleToolsCall(ctx context.Context, id any, params json.RawMessage) *rpcResponse {
	var p toolsCallParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return errorResponse(id, codeInvalidParams, "params require a tool name")
	}
	result, err := s.runtime.CallTool(ctx, p.Name, p.Arguments)
	if err != nil {
		return s.hostError(id, err)
	}
	return resultResponse(id, json.RawMessage(result))
}

func (s *Server) handleSkillsList(_ context.Context, id any, _ json.RawMessage) *rpcResponse {
	return resultResponse(id, map[string]any{"skills": s.runtime.Skills()})
}

type skillParams struct {
	Skill string `json:"skill"`
	Force bool   `json:"force,omitempty"`
}

func (s *Server) handleSkillsStart(ctx context.Context, id any, params json.RawMessage) *rpcResponse {
	var p skillParams
	if err := json.Unmarshal(params, &p); err != nil || p.Skill == "" {
		return errorResponse(id, codeInvalidParams, "params require a skill name")
	}
	if err := s.runtime.StartSkill(ctx, p.Skill); err != nil {
		return s.hostError(id, err)
	}
	return resultResponse(id, map[string]any{"skill": p.Skill, "status": "active"})
}

func (s *Server) handleSkillsStop(_ context.Context, id any, params json.RawMessage) *rpcResponse {
	var p skillParams
	if err := json.Unmarshal(params, &p); err != nil || p.Skill == "" {
		return errorResponse(id, codeInvalidParams, "params require a skill name")
	}
	s.runtime.Terminate(p.Skill)
	return resultResponse(id, map[string]any{"skill": p.Skill, "status": "stopped"})
}

func (s *Server) handleSkillsStats(_ context.Context, id any, _ json.RawMessage) *rpcResponse {
	st := s.runtime.Stats()
	return resultResponse(id, map[string]any{
		"active":      st.Active,
		"max":         st.Max,
		"utilization": st.Utilization,
	})
}

func (s *Server) handleSkillsReload(ctx context.Context, id any, params json.RawMessage) *rpcResponse {
	var p skillParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return errorResponse(id, codeInvalidParams, "malformed reload params")
		}
	}
	if err := s.runtime.Reload(ctx, p.Force); err != nil {
		return s.hostError(id, err)
	}
	return resultResponse(id, map[string]any{"status": "reloaded"})
}

type validateParams struct {
	Config json.RawMessage `json:"config"`
}

func (s *Server) handleConfigValidate(_ context.Context, id any, params json.RawMessage) *rpcResponse {
	var p validateParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.Config) == 0 {
		return errorResponse(id, codeInvalidParams, "params require a config object")
	}
	outcome := s.runtime.ValidateRaw(p.Config)
	if !outcome.Valid() {
		return resultResponse(id, map[string]any{
			"valid":  false,
			"reason": string(outcome.Rejection.Reason),
			"detail": outcome.Rejection.Detail,
		})
	}
	return resultResponse(id, map[string]any{
		"valid":  true,
		"config": outcome.Config,
	})
}

// hostError maps runtime errors onto distinct JSON-RPC error codes so
// operators can react programmatically.
func (s *Server) hostError(id any, err error) *rpcResponse {
	var rej *validate.Rejection
	switch {
	case errors.As(err, &rej):
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{
			Code:    codeSecurityRejected,
			Message: err.Error(),
			Data:    map[string]string{"reason": string(rej.Reason)},
		}}
	case errors.Is(err, pool.ErrPoolLimit):
		return errorResponse(id, codePoolLimit, err.Error())
	case errors.Is(err, pool.ErrRestartBudget):
		return errorResponse(id, codeRestartBudget, err.Error())
	case errors.Is(err, spawn.ErrExecutableNotFound), errors.Is(err, spawn.ErrSpawnFailed):
		return errorResponse(id, codeSpawnFailed, err.Error())
	case errors.Is(err, session.ErrDiscoveryFailed):
		return errorResponse(id, codeDiscoveryFailed, err.Error())
	case errors.Is(err, session.ErrCallTimeout):
		return errorResponse(id, codeCallTimeout, err.Error())
	case errors.Is(err, session.ErrDraining), errors.Is(err, session.ErrNotActive),
		errors.Is(err, session.ErrProcessExited):
		return errorResponse(id, codeSkillUnavailable, err.Error())
	case errors.Is(err, host.ErrUnknownTool), errors.Is(err, host.ErrUnknownSkill):
		return errorResponse(id, codeUnknownName, err.Error())
	case errors.Is(err, reload.ErrInProgress):
		return errorResponse(id, codeReloadInProgress, err.Error())
	default:
		return errorResponse(id, codeInternal, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// isAddrInUse reports whether the error indicates the address is taken.
func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *syscall.Errno
		if errors.As(opErr.Err, &sysErr) {
			return *sysErr == syscall.EADDRINUSE
		}
	}
	return false
}
