package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/daemon"
)

// DaemonClient implements Backend over the daemon's local stream socket,
// for split-process deployments. One connection carries all sessions;
// responses correlate by request id and events route by session id.
type DaemonClient struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[string]chan daemon.Frame
	sinks   map[string]map[uint64]agentloop.Sink
	nextSub uint64
	closed  bool

	callTimeout time.Duration
}

// DialDaemon connects to the daemon socket and starts the read loop.
func DialDaemon(socketPath string) (*DaemonClient, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon dial: %w", err)
	}
	c := &DaemonClient{
		conn:        conn,
		enc:         json.NewEncoder(conn),
		pending:     make(map[string]chan daemon.Frame),
		sinks:       make(map[string]map[uint64]agentloop.Sink),
		callTimeout: 30 * time.Second,
	}
	go c.readLoop()
	return c, nil
}

// Close tears the connection down; outstanding calls fail.
func (c *DaemonClient) Close() error {
	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *DaemonClient) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var frame daemon.Frame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		switch frame.Type {
		case daemon.FrameEvent:
			if frame.Event != nil {
				c.dispatch(*frame.Event)
			}
		case daemon.FrameResponse:
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		}
	}
}

func (c *DaemonClient) dispatch(ev agentloop.Event) {
	c.mu.Lock()
	subs := make([]agentloop.Sink, 0, len(c.sinks[ev.SessionID]))
	for _, sink := range c.sinks[ev.SessionID] {
		subs = append(subs, sink)
	}
	c.mu.Unlock()
	for _, sink := range subs {
		sink(ev)
	}
}

// call sends one request and waits for its response frame.
func (c *DaemonClient) call(req daemon.Request) (daemon.Frame, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return daemon.Frame{}, fmt.Errorf("daemon connection closed")
	}
	c.nextID++
	req.ID = strconv.FormatUint(c.nextID, 10)
	ch := make(chan daemon.Frame, 1)
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return daemon.Frame{}, fmt.Errorf("daemon send: %w", err)
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return daemon.Frame{}, fmt.Errorf("daemon connection closed")
		}
		if frame.Error != nil {
			return frame, frameError(frame)
		}
		return frame, nil
	case <-time.After(c.callTimeout):
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return daemon.Frame{}, fmt.Errorf("daemon call timed out")
	}
}

// frameError converts an error frame into a typed sentinel so the edge
// maps it back onto a wire code.
func frameError(frame daemon.Frame) error {
	switch frame.Error.Code {
	case agentloop.ErrBusy:
		return fmt.Errorf("%s: %w", frame.Error.Message, daemon.ErrBusy)
	case agentloop.ErrStaleResume:
		return fmt.Errorf("%s: %w", frame.Error.Message, daemon.ErrStaleResume)
	default:
		return fmt.Errorf("daemon: %s", frame.Error.Message)
	}
}

// OpenSession implements Backend.
func (c *DaemonClient) OpenSession(persona, mode, cwd string, rules []daemon.RuleSpec) (string, error) {
	frame, err := c.call(daemon.Request{
		Method:  daemon.MethodOpenSession,
		Persona: persona,
		Mode:    mode,
		Cwd:     cwd,
		Rules:   rules,
	})
	if err != nil {
		return "", err
	}
	return frame.SessionID, nil
}

// Attach implements Backend. The first sink for a session triggers the
// protocol-level attach; later sinks share the same subscription.
func (c *DaemonClient) Attach(sessionID string, sink agentloop.Sink) (uint64, func(), error) {
	c.mu.Lock()
	first := len(c.sinks[sessionID]) == 0
	c.mu.Unlock()

	var lastSeq uint64
	if first {
		frame, err := c.call(daemon.Request{Method: daemon.MethodAttachSession, SessionID: sessionID})
		if err != nil {
			return 0, nil, err
		}
		lastSeq = frame.LastSeq
	}

	c.mu.Lock()
	if c.sinks[sessionID] == nil {
		c.sinks[sessionID] = make(map[uint64]agentloop.Sink)
	}
	c.nextSub++
	id := c.nextSub
	c.sinks[sessionID][id] = sink
	c.mu.Unlock()

	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.sinks[sessionID], id)
	}
	return lastSeq, unsub, nil
}

// SendPrompt implements Backend.
func (c *DaemonClient) SendPrompt(sessionID, text string) (string, error) {
	frame, err := c.call(daemon.Request{Method: daemon.MethodSendPrompt, SessionID: sessionID, Text: text})
	if err != nil {
		return "", err
	}
	return frame.TurnID, nil
}

// ResumeTurn implements Backend.
func (c *DaemonClient) ResumeTurn(sessionID, turnID string, approved bool, remember string) error {
	_, err := c.call(daemon.Request{
		Method:    daemon.MethodResumeTurn,
		SessionID: sessionID,
		TurnID:    turnID,
		Approved:  approved,
		Remember:  remember,
	})
	return err
}

// CancelTurn implements Backend.
func (c *DaemonClient) CancelTurn(sessionID, turnID string) error {
	_, err := c.call(daemon.Request{Method: daemon.MethodCancelTurn, SessionID: sessionID, TurnID: turnID})
	return err
}

// CloseSession implements Backend.
func (c *DaemonClient) CloseSession(sessionID string) error {
	_, err := c.call(daemon.Request{Method: daemon.MethodCloseSession, SessionID: sessionID})
	c.mu.Lock()
	delete(c.sinks, sessionID)
	c.mu.Unlock()
	return err
}
