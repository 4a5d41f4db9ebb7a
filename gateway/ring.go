package gateway

import (
	"sync"

	"github.com/martinemde/tether/agentloop"
)

// ring is a bounded buffer of the most recent events for one session,
// kept to serve attach_from_seq replays. Events arrive with strictly
// increasing seq, so replay is a scan of the retained window.
type ring struct {
	mu     sync.Mutex
	buf    []agentloop.Event
	size   int
	start  int
	count  int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1024
	}
	return &ring{buf: make([]agentloop.Event, size), size: size}
}

// add appends an event, evicting the oldest when full.
func (r *ring) add(ev agentloop.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.buf[r.start] = ev
		r.start = (r.start + 1) % r.size
		return
	}
	r.buf[idx] = ev
	r.count++
}

// since returns buffered events with seq >= from, oldest first.
func (r *ring) since(from uint64) []agentloop.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []agentloop.Event
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%r.size]
		if ev.Seq >= from {
			out = append(out, ev)
		}
	}
	return out
}
