// Package transcript persists each session's event stream as an
// append-only JSONL file, one record per line. The format is recoverable
// by reading sequentially: replaying a transcript reconstructs the
// session's message history up to the final done event.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/backend"
)

// RecordKind discriminates transcript records.
type RecordKind string

const (
	// RecordEvent wraps one wire event.
	RecordEvent RecordKind = "event"
	// RecordPrompt captures the user input that opened a turn; prompts
	// arrive on the control channel, not the event stream, so they are
	// recorded separately to make replay self-contained.
	RecordPrompt RecordKind = "prompt"
)

// Record is one line of a transcript file.
type Record struct {
	Kind      RecordKind       `json:"kind"`
	Timestamp time.Time        `json:"timestamp"`
	SessionID string           `json:"session_id"`
	TurnID    string           `json:"turn_id,omitempty"`
	Prompt    string           `json:"prompt,omitempty"`
	Event     *agentloop.Event `json:"event,omitempty"`
}

// Writer appends records for one session. Writes are serialized; each
// record is flushed so a crashed daemon loses at most the line in flight.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	buf  *bufio.Writer
	path string
}

// NewWriter opens (creating if needed) the transcript for a session under
// dir.
func NewWriter(dir, sessionID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("transcript dir: %w", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("transcript open: %w", err)
	}
	return &Writer{f: f, buf: bufio.NewWriter(f), path: path}, nil
}

// Path returns the transcript file path.
func (w *Writer) Path() string { return w.path }

// WriteEvent appends one wire event.
func (w *Writer) WriteEvent(ev agentloop.Event) error {
	return w.append(Record{
		Kind:      RecordEvent,
		Timestamp: time.Now().UTC(),
		SessionID: ev.SessionID,
		TurnID:    ev.TurnID,
		Event:     &ev,
	})
}

// WritePrompt appends a user prompt record.
func (w *Writer) WritePrompt(sessionID, turnID, text string) error {
	return w.append(Record{
		Kind:      RecordPrompt,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		TurnID:    turnID,
		Prompt:    text,
	})
}

func (w *Writer) append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transcript marshal: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("transcript closed")
	}
	if _, err := w.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	return w.buf.Flush()
}

// Close flushes and closes the file. Safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	_ = w.buf.Flush()
	err := w.f.Close()
	w.f = nil
	return err
}

// Read loads every record of a transcript file in order. Truncated final
// lines (a crash mid-write) are skipped rather than failing the read.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript read: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// Replay reconstructs the message history from transcript records.
// Thinking chunks coalesce into the assistant text of tool-calling
// iterations; the content event supplies the final reply text.
func Replay(records []Record) []agentloop.Message {
	var history []agentloop.Message

	var thinking strings.Builder
	var calls []backend.ToolCall
	var results []backend.ToolResult
	var usage backend.Usage

	flush := func() {
		if len(calls) == 0 && thinking.Len() == 0 {
			return
		}
		if len(calls) > 0 {
			history = append(history,
				agentloop.NewAssistantMessage(thinking.String(), calls, usage),
				agentloop.NewToolResultsMessage(results),
			)
		}
		thinking.Reset()
		calls, results = nil, nil
	}

	for _, rec := range records {
		switch rec.Kind {
		case RecordPrompt:
			flush()
			history = append(history, agentloop.NewUserMessage(rec.Prompt))

		case RecordEvent:
			ev := rec.Event
			if ev == nil {
				continue
			}
			switch ev.Kind {
			case agentloop.EventThinking:
				if len(calls) > 0 {
					flush()
				}
				if ev.Thinking != nil {
					thinking.WriteString(ev.Thinking.TextChunk)
				}
			case agentloop.EventToolCall:
				if ev.ToolCall != nil {
					calls = append(calls, backend.ToolCall{
						ID:        ev.ToolCall.ID,
						Name:      ev.ToolCall.Name,
						Arguments: ev.ToolCall.Args,
					})
				}
			case agentloop.EventToolResult:
				if ev.ToolResult != nil {
					results = append(results, backend.ToolResult{
						CallID:     ev.ToolResult.ID,
						OK:         ev.ToolResult.OK,
						Content:    ev.ToolResult.Content,
						DurationMs: ev.ToolResult.DurationMs,
					})
				}
			case agentloop.EventContent:
				flush()
				thinking.Reset()
				if ev.Content != nil {
					history = append(history, agentloop.NewAssistantMessage(ev.Content.Text, nil, usage))
				}
			case agentloop.EventDone:
				flush()
			}
		}
	}
	flush()
	return history
}
