package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestJSONLogger_DebugGatedByVerbose(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLogger(&buf, false)
	l.Debug("hidden", nil)
	l.Info("shown", map[string]any{"skill": "web"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not NDJSON: %v", err)
	}
	if rec["msg"] != "shown" || rec["skill"] != "web" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNDJSONSink_StampsTimestamp(t *testing.T) {
	var buf bytes.Buffer
	s := NewNDJSONSink(&buf)
	s.Emit(Event{Name: EventSkillSpawned, Measurements: map[string]float64{"pid": 42}})

	var rec Event
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("not NDJSON: %v", err)
	}
	if rec.Timestamp == "" {
		t.Fatal("expected timestamp to be stamped")
	}
	if rec.Measurements["pid"] != 42 {
		t.Fatalf("measurements lost: %v", rec.Measurements)
	}
}

type countSink struct{ n int }

func (c *countSink) Emit(Event) { c.n++ }

func TestFanoutSink_AddRemove(t *testing.T) {
	f := NewFanoutSink()
	a := &countSink{}
	b := &countSink{}
	idA := f.Add(a)
	f.Add(b)

	f.Emit(Event{Name: EventReload})
	f.Remove(idA)
	f.Emit(Event{Name: EventReload})

	if a.n != 1 || b.n != 2 {
		t.Fatalf("fanout counts: a=%d b=%d", a.n, b.n)
	}
}
