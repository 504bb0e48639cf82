package mcp

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// chunkReader yields the underlying data in fixed-size chunks to simulate a
// pipe delivering partial lines.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestDecoder_SplitAcrossReads(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}` + "\n"
	d := NewDecoder(&chunkReader{data: []byte(raw), size: 3})

	resp, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	id, ok := resp.RequestID()
	if !ok || id != 1 {
		t.Fatalf("expected id 1, got %v %v", id, ok)
	}
}

func TestDecoder_MultipleMessagesPerRead(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":1,"result":{}}` + "\n" + `{"jsonrpc":"2.0","id":2,"result":{}}` + "\n"
	d := NewDecoder(strings.NewReader(raw))

	for want := int64(1); want <= 2; want++ {
		resp, err := d.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage %d: %v", want, err)
		}
		if id, _ := resp.RequestID(); id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	if _, err := d.ReadMessage(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestDecoder_SkipsNonProtocolOutput(t *testing.T) {
	raw := strings.Join([]string{
		"npm warn deprecated something",
		"Installing dependencies...",
		`{"not":"jsonrpc"}`,
		`{"jsonrpc":"2.0","id":2,"result":{"tools":[]}}`,
	}, "\n") + "\n"
	d := NewDecoder(strings.NewReader(raw))

	resp, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if id, _ := resp.RequestID(); id != 2 {
		t.Fatalf("expected id 2, got %d", id)
	}
}

func TestDecoder_UnterminatedFinalLine(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":7,"result":{}}` // no trailing newline
	d := NewDecoder(strings.NewReader(raw))

	resp, err := d.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if id, _ := resp.RequestID(); id != 7 {
		t.Fatalf("expected id 7, got %d", id)
	}
}

func TestWriteMessage_Framing(t *testing.T) {
	var buf bytes.Buffer
	req := NewInitializeRequest(1, ClientInfo{Name: "skillhost", Version: "0.1.0"})
	if err := WriteMessage(&buf, req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Fatal("message must be newline-terminated")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if decoded["method"] != "initialize" {
		t.Fatalf("method: %v", decoded["method"])
	}
	params := decoded["params"].(map[string]any)
	if params["protocolVersion"] != ProtocolVersion {
		t.Fatalf("protocolVersion: %v", params["protocolVersion"])
	}
}

func TestResponse_RequestID_NonNumeric(t *testing.T) {
	var resp Response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":"abc","result":{}}`), &resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp.RequestID(); ok {
		t.Fatal("non-numeric id must not correlate")
	}
}
