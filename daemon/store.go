package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/transcript"
)

// managedSession is a session plus the daemon-side bookkeeping around it:
// the active turn, the parked continuation, subscribers, and the
// transcript writer.
type managedSession struct {
	session *agentloop.Session
	emitter *agentloop.Emitter
	writer  *transcript.Writer

	activeTurn *agentloop.Turn
	cancelTurn context.CancelFunc

	// parked continuation; keyed by ids, not by session pointer, so the
	// store stays cycle-free.
	parkedTurnID string
	parkedCall   agentloop.ParkedCall
	resumeCh     chan agentloop.ResumeDecision

	nextSubID   uint64
	subscribers map[uint64]agentloop.Sink
}

// Store is the in-memory session map. It is the only cross-task mutable
// state in the daemon; all operations are short critical sections.
type Store struct {
	mu          sync.Mutex
	sessions    map[string]*managedSession
	maxSessions int
}

// NewStore creates a Store bounded at maxSessions.
func NewStore(maxSessions int) *Store {
	return &Store{
		sessions:    make(map[string]*managedSession),
		maxSessions: maxSessions,
	}
}

var (
	ErrSessionLimit   = fmt.Errorf("session limit reached")
	ErrUnknownSession = fmt.Errorf("unknown session")
	ErrBusy           = fmt.Errorf("a turn is already active")
	ErrStaleResume    = fmt.Errorf("no parked turn with that id")
)

// add registers a new session.
func (s *Store) add(ms *managedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.maxSessions {
		return ErrSessionLimit
	}
	s.sessions[ms.session.ID] = ms
	return nil
}

// get looks up a session.
func (s *Store) get(id string) (*managedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return ms, nil
}

// remove deletes a session and returns it for teardown.
func (s *Store) remove(id string) (*managedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	delete(s.sessions, id)
	return ms, nil
}

// list returns a snapshot of session ids.
func (s *Store) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// count returns the number of live sessions.
func (s *Store) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// idleSessions returns ids whose last activity is older than ttl.
func (s *Store) idleSessions(ttl time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-ttl)
	var out []string
	for id, ms := range s.sessions {
		if ms.session.LastActivity().Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// beginTurn claims the session for a new turn. At most one turn, running
// or parked, exists per session.
func (s *Store) beginTurn(sessionID string, turn *agentloop.Turn, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if ms.activeTurn != nil {
		return ErrBusy
	}
	ms.activeTurn = turn
	ms.cancelTurn = cancel
	return nil
}

// endTurn releases the session when its runner returns.
func (s *Store) endTurn(sessionID, turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if ms.activeTurn != nil && ms.activeTurn.ID == turnID {
		ms.activeTurn = nil
		ms.cancelTurn = nil
	}
	if ms.parkedTurnID == turnID {
		ms.parkedTurnID = ""
		ms.resumeCh = nil
	}
}

// Park implements agentloop.Parker. It records the suspension point and
// hands the runner a channel that will carry the resume decision.
func (s *Store) Park(sessionID, turnID string, call agentloop.ParkedCall) (<-chan agentloop.ResumeDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	if ms.parkedTurnID != "" {
		return nil, fmt.Errorf("turn %s is already parked", ms.parkedTurnID)
	}
	ch := make(chan agentloop.ResumeDecision, 1)
	ms.parkedTurnID = turnID
	ms.parkedCall = call
	ms.resumeCh = ch
	return ch, nil
}

// Unpark implements agentloop.Parker; the runner calls it when a park
// ends without a decision (timeout, cancellation).
func (s *Store) Unpark(sessionID, turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if ms.parkedTurnID == turnID {
		ms.parkedTurnID = ""
		ms.resumeCh = nil
	}
}

// resume delivers a decision to a parked turn. A turn id that does not
// match the parked turn is a stale resume.
func (s *Store) resume(sessionID, turnID string, decision agentloop.ResumeDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if ms.parkedTurnID == "" || ms.parkedTurnID != turnID {
		return ErrStaleResume
	}
	ch := ms.resumeCh
	ms.parkedTurnID = ""
	ms.resumeCh = nil
	ch <- decision
	return nil
}

// subscribe attaches a sink to a session's live event flow and returns
// an unsubscribe handle.
func (s *Store) subscribe(sessionID string, sink agentloop.Sink) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	ms.nextSubID++
	id := ms.nextSubID
	ms.subscribers[id] = sink
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ms, ok := s.sessions[sessionID]; ok {
			delete(ms.subscribers, id)
		}
	}, nil
}

// snapshotSubscribers copies the subscriber list for fan-out outside the
// lock.
func (s *Store) snapshotSubscribers(sessionID string) []agentloop.Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]agentloop.Sink, 0, len(ms.subscribers))
	for _, sink := range ms.subscribers {
		out = append(out, sink)
	}
	return out
}
