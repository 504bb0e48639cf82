package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event name constants.
const (
	EventSkillSpawned     = "skill_spawned"
	EventSecurityRejected = "security_rejected"
	EventSpawnFailed      = "spawn_failed"
	EventDiscoveryFailed  = "discovery_failed"
	EventSkillStopped     = "skill_stopped"
	EventSkillCrashed     = "skill_crashed"
	EventPoolLimit        = "pool_limit"
	EventWatchdogFired    = "watchdog_fired"
	EventReload           = "reload"
)

// Event is a single named telemetry record with numeric measurements and
// string metadata.
type Event struct {
	Timestamp    string             `json:"ts"`
	Name         string             `json:"event"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
}

// Sink accepts telemetry events.
type Sink interface {
	Emit(event Event)
}

// NDJSONSink writes events as NDJSON lines.
type NDJSONSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNDJSONSink creates an NDJSONSink writing to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	return &NDJSONSink{w: w}
}

// Emit writes the event as one NDJSON line, stamping it if unstamped.
func (s *NDJSONSink) Emit(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	s.w.Write(data) //nolint:errcheck
	s.mu.Unlock()
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// FanoutSink forwards each event to every registered sink. Subscribers may
// come and go while events flow (the operator event stream attaches one sink
// per connected client).
type FanoutSink struct {
	mu    sync.RWMutex
	sinks map[int]Sink
	next  int
}

// NewFanoutSink creates an empty FanoutSink.
func NewFanoutSink() *FanoutSink {
	return &FanoutSink{sinks: make(map[int]Sink)}
}

// Add registers a sink and returns a handle for Remove.
func (f *FanoutSink) Add(s Sink) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.sinks[id] = s
	return id
}

// Remove detaches a previously added sink.
func (f *FanoutSink) Remove(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, id)
}

// Emit stamps the event once and forwards it to every sink.
func (f *FanoutSink) Emit(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.sinks {
		s.Emit(event)
	}
}
