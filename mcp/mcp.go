// Package mcp implements the JSON-RPC 2.0 tool-discovery protocol spoken by
// skill processes over their standard streams: one JSON object per logical
// message, newline-terminated.
package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is the discovery protocol revision sent in initialize.
const ProtocolVersion = "2024-11-05"

// Request is an outgoing JSON-RPC request or notification (ID nil).
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

// Response is an incoming JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error member.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RequestID decodes the response's correlation id. Skill processes echo the
// numeric ids we send; anything else (string, null, absent) is reported as
// not-a-request-id so the reader can discard the message.
func (r *Response) RequestID() (int64, bool) {
	if len(r.ID) == 0 {
		return 0, false
	}
	var id int64
	if err := json.Unmarshal(r.ID, &id); err != nil {
		return 0, false
	}
	return id, true
}

// ClientInfo identifies this host to the skill process.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the initialize request parameters.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// CallParams are the tools/call request parameters. The tool name is the
// unprefixed name the skill advertised.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// NewInitializeRequest builds the initialize request with the given id.
func NewInitializeRequest(id int64, client ClientInfo) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  "initialize",
		ID:      &id,
		Params: InitializeParams{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{},
			ClientInfo:      client,
		},
	}
}

// NewInitializedNotification builds the one-way initialized notification.
func NewInitializedNotification() Request {
	return Request{JSONRPC: "2.0", Method: "notifications/initialized"}
}

// NewToolsListRequest builds the tools/list request with the given id.
func NewToolsListRequest(id int64) Request {
	return Request{JSONRPC: "2.0", Method: "tools/list", ID: &id}
}

// NewToolsCallRequest builds a tools/call request.
func NewToolsCallRequest(id int64, tool string, args json.RawMessage) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  "tools/call",
		ID:      &id,
		Params:  CallParams{Name: tool, Arguments: args},
	}
}

// WriteMessage encodes a request as a single newline-terminated line.
func WriteMessage(w io.Writer, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", req.Method, err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing %s request: %w", req.Method, err)
	}
	return nil
}

// Decoder reads newline-framed JSON-RPC messages from a byte stream. The
// stream may deliver partial lines, several messages per read, or a message
// split across reads; the underlying bufio.Reader accumulates bytes until a
// full line is available. Lines that are not JSON-RPC (package-manager
// install chatter, progress output) are skipped, not treated as errors.
type Decoder struct {
	r *bufio.Reader
}

// MaxMessageSize bounds a single framed message. A line longer than this is
// a protocol violation.
const MaxMessageSize = 8 << 20

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64<<10)}
}

// ReadMessage returns the next framed JSON-RPC message. io.EOF is returned
// when the stream closes cleanly.
func (d *Decoder) ReadMessage() (*Response, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue // interleaved non-protocol output
		}
		if resp.JSONRPC != "2.0" {
			continue
		}
		return &resp, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := d.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > MaxMessageSize {
				return nil, fmt.Errorf("framed message exceeds %d bytes", MaxMessageSize)
			}
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			// Final unterminated line still counts as a message.
			return buf, nil
		}
		return nil, err
	}
}
