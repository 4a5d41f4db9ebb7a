package gateway

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/daemon"
)

// clientConn is one authenticated WebSocket attachment. It forwards
// requests to the backend and pumps subscribed session events out.
type clientConn struct {
	gateway *Gateway
	conn    *websocket.Conn

	writeMu sync.Mutex
	authed  bool

	mu       sync.Mutex
	attached map[string]uint64 // session id -> subscriber id
	closed   bool
}

func newClientConn(g *Gateway, conn *websocket.Conn) *clientConn {
	return &clientConn{
		gateway:  g,
		conn:     conn,
		attached: make(map[string]uint64),
	}
}

func (c *clientConn) run() {
	defer c.teardown()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", agentloop.ErrInternal, "malformed message")
			continue
		}
		if !c.handle(msg) {
			return
		}
	}
}

func (c *clientConn) teardown() {
	c.mu.Lock()
	c.closed = true
	attached := c.attached
	c.attached = map[string]uint64{}
	c.mu.Unlock()

	for sessionID, subID := range attached {
		if st := c.gateway.lookupStream(sessionID); st != nil {
			st.unsubscribe(subID)
		}
	}
	_ = c.conn.Close()
}

// handle processes one message; returning false closes the connection.
func (c *clientConn) handle(msg ClientMessage) bool {
	// Auth must precede all other messages.
	if !c.authed {
		if msg.Type != "auth" {
			c.sendError(msg.ID, agentloop.ErrDenied, "authenticate first")
			return false
		}
		if !c.gateway.checkToken(msg.Token) {
			c.sendError(msg.ID, agentloop.ErrDenied, "bad token")
			return false
		}
		c.authed = true
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true})
		return true
	}

	backend := c.gateway.backend
	switch msg.Type {
	case "open_session":
		sessionID, err := backend.OpenSession(msg.Persona, msg.Mode, msg.Cwd, msg.Rules)
		if err != nil {
			c.sendError(msg.ID, agentloop.ErrInternal, err.Error())
			return true
		}
		if _, ok := c.attach(sessionID, 0); !ok {
			return true
		}
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true, SessionID: sessionID})

	case "attach_session":
		lastSeq, ok := c.attach(msg.SessionID, msg.FromSeq)
		if !ok {
			return true
		}
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true, SessionID: msg.SessionID, LastSeq: lastSeq})

	case "send_prompt":
		turnID, err := backend.SendPrompt(msg.SessionID, msg.Text)
		if err != nil {
			c.sendError(msg.ID, errorCodeOf(err), err.Error())
			return true
		}
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true, SessionID: msg.SessionID, TurnID: turnID})

	case "resume_turn":
		if err := backend.ResumeTurn(msg.SessionID, msg.TurnID, msg.Approved, msg.Remember); err != nil {
			c.sendError(msg.ID, errorCodeOf(err), err.Error())
			return true
		}
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true})

	case "cancel_turn":
		if err := backend.CancelTurn(msg.SessionID, msg.TurnID); err != nil {
			c.sendError(msg.ID, errorCodeOf(err), err.Error())
			return true
		}
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true})

	case "close_session":
		if err := backend.CloseSession(msg.SessionID); err != nil {
			c.sendError(msg.ID, agentloop.ErrInternal, err.Error())
			return true
		}
		c.gateway.dropStream(msg.SessionID)
		c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: msg.ID, OK: true})

	default:
		c.sendError(msg.ID, agentloop.ErrInternal, "unknown message type "+msg.Type)
	}
	return true
}

// attach subscribes this connection to a session's live events and
// starts the pump goroutine. The live subscription begins buffering
// before the ring replays, and the pump skips anything the replay
// already delivered, so the client sees a contiguous stream.
func (c *clientConn) attach(sessionID string, fromSeq uint64) (uint64, bool) {
	st, err := c.gateway.ensureStream(sessionID)
	if err != nil {
		c.sendError("", agentloop.ErrInternal, err.Error())
		return 0, false
	}

	subID, ch := st.subscribe(c.gateway.cfg.ClientBuffer, func() {
		c.gateway.logger.Warn("dropping slow client", "session", sessionID)
		_ = c.conn.Close()
	})

	var lastSeq uint64
	if fromSeq > 0 {
		for _, ev := range st.ring.since(fromSeq) {
			c.sendEvent(ev)
			lastSeq = ev.Seq
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		st.unsubscribe(subID)
		return 0, false
	}
	c.attached[sessionID] = subID
	c.mu.Unlock()

	go func() {
		for ev := range ch {
			if ev.Seq <= lastSeq {
				continue
			}
			c.sendEvent(ev)
		}
	}()
	return lastSeq, true
}

func (c *clientConn) sendEvent(ev agentloop.Event) {
	c.sendFrame(daemon.Frame{Type: daemon.FrameEvent, Event: &ev})
}

func (c *clientConn) sendError(id string, code agentloop.ErrorCode, message string) {
	c.sendFrame(daemon.Frame{Type: daemon.FrameResponse, ID: id, Error: &daemon.ErrorBody{Code: code, Message: message}})
}

func (c *clientConn) sendFrame(frame daemon.Frame) {
	data, err := marshalFrame(frame)
	if err != nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// errorCodeOf maps backend errors onto wire codes.
func errorCodeOf(err error) agentloop.ErrorCode {
	switch {
	case errors.Is(err, daemon.ErrBusy):
		return agentloop.ErrBusy
	case errors.Is(err, daemon.ErrStaleResume):
		return agentloop.ErrStaleResume
	default:
		return agentloop.ErrInternal
	}
}
