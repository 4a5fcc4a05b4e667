package bridge

import (
	"sync"
	"time"
)

// DefaultRingSize is how many recent outbound protocol events a session keeps
// for diagnostics.
const DefaultRingSize = 20

type RingEntry struct {
	Seq       int64
	EventType string
	Detail    string
	At        time.Time
}

// Ring is a bounded buffer of the most recent outbound protocol events for one
// session. Written by whichever goroutine sends upstream, read when an error
// needs context.
type Ring struct {
	mu   sync.Mutex
	buf  []RingEntry
	next int64
}

func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]RingEntry, 0, size)}
}

func (r *Ring) Record(eventType string) {
	r.RecordDetail(eventType, "")
}

func (r *Ring) RecordDetail(eventType, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := RingEntry{Seq: r.next, EventType: eventType, Detail: detail, At: time.Now().UTC()}
	r.next++
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, e)
		return
	}
	copy(r.buf, r.buf[1:])
	r.buf[len(r.buf)-1] = e
}

// Snapshot returns entries oldest-first.
func (r *Ring) Snapshot() []RingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RingEntry, len(r.buf))
	copy(out, r.buf)
	return out
}

// Types returns just the event type names, oldest-first, for log lines.
func (r *Ring) Types() []string {
	snap := r.Snapshot()
	out := make([]string, len(snap))
	for i, e := range snap {
		out[i] = e.EventType
	}
	return out
}
