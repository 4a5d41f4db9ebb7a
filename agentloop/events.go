package agentloop

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/martinemde/tether/backend"
)

// EventKind identifies the payload variant of a wire event.
type EventKind string

const (
	EventThinking   EventKind = "thinking"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventContent    EventKind = "content"
	EventYield      EventKind = "yield"
	EventDone       EventKind = "done"
	EventError      EventKind = "error"
)

// ErrorCode enumerates the wire error codes.
type ErrorCode string

const (
	ErrUnknownTool     ErrorCode = "unknown_tool"
	ErrSchema          ErrorCode = "schema"
	ErrDenied          ErrorCode = "denied"
	ErrCancelled       ErrorCode = "cancelled"
	ErrApprovalTimeout ErrorCode = "approval_timeout"
	ErrBackend         ErrorCode = "backend"
	ErrInternal        ErrorCode = "internal"
	ErrStaleResume     ErrorCode = "stale_resume"
	ErrBusy            ErrorCode = "busy"
)

// Event is one record on a session's event stream. Seq is assigned by the
// daemon-side emitter, is strictly increasing per session, and is never
// renumbered downstream.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	TurnID    string    `json:"turn_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`

	Thinking   *ThinkingEvent   `json:"thinking,omitempty"`
	ToolCall   *ToolCallEvent   `json:"tool_call,omitempty"`
	ToolResult *ToolResultEvent `json:"tool_result,omitempty"`
	Content    *ContentEvent    `json:"content,omitempty"`
	Yield      *YieldEvent      `json:"yield,omitempty"`
	Done       *DoneEvent       `json:"done,omitempty"`
	Error      *ErrorEvent      `json:"error,omitempty"`
}

// ThinkingEvent carries partial model output.
type ThinkingEvent struct {
	TextChunk string `json:"text_chunk"`
}

// ToolCallEvent announces a tool dispatch.
type ToolCallEvent struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResultEvent carries the outcome of one tool call.
type ToolResultEvent struct {
	ID         string `json:"id"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
	Content    string `json:"content"`
}

// ContentEvent carries the final assistant text of a turn.
type ContentEvent struct {
	Text string `json:"text"`
}

// YieldEvent signals the turn is parked awaiting external approval.
type YieldEvent struct {
	TurnID   string          `json:"turn_id"`
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
	Reason   string          `json:"reason"`
}

// DoneEvent terminates a turn's stream.
type DoneEvent struct {
	TurnID string        `json:"turn_id"`
	Usage  backend.Usage `json:"usage"`
	Reason string        `json:"reason"` // "stop" or "iteration_cap"
}

// ErrorEvent reports a protocol or turn failure.
type ErrorEvent struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Sink receives sequenced events. Implementations fan out to attached
// clients and the transcript writer.
type Sink func(Event)

// Emitter assigns per-session sequence numbers and delivers events to a
// sink. Seq is strictly increasing and gapless for the session lifetime.
type Emitter struct {
	sessionID string
	sink      Sink
	mu        sync.Mutex
	seq       uint64
}

// NewEmitter creates an emitter for one session.
func NewEmitter(sessionID string, sink Sink) *Emitter {
	return &Emitter{sessionID: sessionID, sink: sink}
}

// Emit stamps the event with the session id, the next sequence number,
// and the current time, then hands it to the sink.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	ev.Seq = e.seq
	ev.SessionID = e.sessionID
	ev.Timestamp = time.Now().UTC()
	// Delivered under the lock so sequence order and delivery order agree
	// even when protocol errors race an active turn.
	e.sink(ev)
}

// LastSeq returns the most recently assigned sequence number.
func (e *Emitter) LastSeq() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
