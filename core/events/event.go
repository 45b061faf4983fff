package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cipherpool/core/types"
)

// Event represents a structured state change emitted by the pool.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Buffer collects events emitted during an operation so they can be released
// only once the operation commits.
type Buffer struct {
	pending []Event
}

// Emit queues the event.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

// Flush forwards queued events to the sink in emission order and clears the
// buffer.
func (b *Buffer) Flush(sink Emitter) {
	if b == nil {
		return
	}
	pending := b.pending
	b.pending = nil
	if sink == nil {
		return
	}
	for _, evt := range pending {
		sink.Emit(evt)
	}
}

// Reset drops queued events.
func (b *Buffer) Reset() {
	if b == nil {
		return
	}
	b.pending = nil
}

// Len reports the number of queued events.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.pending)
}

// Fanout forwards each event to every registered emitter.
type Fanout []Emitter

// Emit implements the Emitter interface.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Entry is a recorded event together with its position in the stream.
type Entry struct {
	Seq   uint64
	ID    uuid.UUID
	At    time.Time
	Event *types.Event
}

// Recorder keeps the most recent events in memory for query endpoints and
// tests. Sequence numbers start at one and keep counting past trimmed
// entries.
type Recorder struct {
	mu      sync.RWMutex
	limit   int
	next    uint64
	entries []Entry
	nowFn   func() time.Time
}

// NewRecorder constructs a recorder retaining at most limit events. A
// non-positive limit keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit, nowFn: time.Now}
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	if r == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries = append(r.entries, Entry{Seq: r.next, ID: uuid.New(), At: r.nowFn().UTC(), Event: payload})
	if r.limit > 0 && len(r.entries) > r.limit {
		r.entries = append([]Entry(nil), r.entries[len(r.entries)-r.limit:]...)
	}
}

// Events returns a copy of the recorded events, optionally filtered by type.
func (r *Recorder) Events(eventType string) []*types.Event {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Event, 0, len(r.entries))
	for _, entry := range r.entries {
		if eventType != "" && entry.Event.Type != eventType {
			continue
		}
		out = append(out, entry.Event)
	}
	return out
}

// Since returns the retained entries with a sequence number above afterSeq.
func (r *Recorder) Since(afterSeq uint64) []Entry {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.Seq > afterSeq {
			out = append(out, entry)
		}
	}
	return out
}
