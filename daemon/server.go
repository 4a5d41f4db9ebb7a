package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/martinemde/tether/agentloop"
)

// Server exposes the daemon protocol on a local stream socket, one JSON
// object per newline in both directions.
type Server struct {
	daemon   *Daemon
	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewServer binds the daemon socket, replacing a stale socket file.
func NewServer(d *Daemon, socketPath string) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("daemon socket dir: %w", err)
	}
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon socket: %w", err)
	}
	return &Server{daemon: d, listener: ln, stop: make(chan struct{})}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve accepts connections until Stop. Call in a goroutine.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stop:
				return nil
			default:
				return err
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Stop closes the listener and waits for connections to drain.
func (s *Server) Stop() {
	close(s.stop)
	_ = s.listener.Close()
	s.wg.Wait()
}

// lockedConn wraps a connection with a write lock so event fan-out and
// request responses interleave at frame granularity.
type lockedConn struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

func (c *lockedConn) send(frame Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(frame)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	lc := &lockedConn{conn: conn, enc: json.NewEncoder(conn)}

	var unsubs []func()
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = lc.send(errorFrame("", agentloop.ErrInternal, "malformed request"))
			continue
		}
		if unsub := s.handleRequest(lc, req); unsub != nil {
			unsubs = append(unsubs, unsub)
		}
	}
}

// handleRequest dispatches one request and writes the response frame. A
// non-nil return is an attach subscription to tear down on disconnect.
func (s *Server) handleRequest(lc *lockedConn, req Request) func() {
	d := s.daemon
	switch req.Method {
	case MethodOpenSession:
		sessionID, err := d.OpenSession(req.Persona, req.Mode, req.Cwd, req.Rules)
		if err != nil {
			_ = lc.send(errorFrame(req.ID, errorCode(err), err.Error()))
			return nil
		}
		frame := okFrame(req.ID)
		frame.SessionID = sessionID
		_ = lc.send(frame)
		return nil

	case MethodAttachSession:
		lastSeq, unsub, err := d.Attach(req.SessionID, func(ev agentloop.Event) {
			_ = lc.send(Frame{Type: FrameEvent, Event: &ev})
		})
		if err != nil {
			_ = lc.send(errorFrame(req.ID, errorCode(err), err.Error()))
			return nil
		}
		frame := okFrame(req.ID)
		frame.SessionID = req.SessionID
		frame.LastSeq = lastSeq
		_ = lc.send(frame)
		return unsub

	case MethodSendPrompt:
		turnID, err := d.SendPrompt(req.SessionID, req.Text)
		if err != nil {
			_ = lc.send(errorFrame(req.ID, errorCode(err), err.Error()))
			return nil
		}
		frame := okFrame(req.ID)
		frame.SessionID = req.SessionID
		frame.TurnID = turnID
		_ = lc.send(frame)
		return nil

	case MethodResumeTurn:
		if err := d.ResumeTurn(req.SessionID, req.TurnID, req.Approved, req.Remember); err != nil {
			_ = lc.send(errorFrame(req.ID, errorCode(err), err.Error()))
			return nil
		}
		_ = lc.send(okFrame(req.ID))
		return nil

	case MethodCancelTurn:
		if err := d.CancelTurn(req.SessionID, req.TurnID); err != nil {
			_ = lc.send(errorFrame(req.ID, errorCode(err), err.Error()))
			return nil
		}
		_ = lc.send(okFrame(req.ID))
		return nil

	case MethodCloseSession:
		if err := d.CloseSession(req.SessionID); err != nil {
			_ = lc.send(errorFrame(req.ID, errorCode(err), err.Error()))
			return nil
		}
		_ = lc.send(okFrame(req.ID))
		return nil

	case MethodListSessions:
		frame := okFrame(req.ID)
		frame.Sessions = d.ListSessions()
		_ = lc.send(frame)
		return nil

	default:
		_ = lc.send(errorFrame(req.ID, agentloop.ErrInternal, fmt.Sprintf("unknown method %q", req.Method)))
		return nil
	}
}

// errorCode maps store errors onto wire error codes.
func errorCode(err error) agentloop.ErrorCode {
	switch {
	case errors.Is(err, ErrBusy):
		return agentloop.ErrBusy
	case errors.Is(err, ErrStaleResume):
		return agentloop.ErrStaleResume
	default:
		return agentloop.ErrInternal
	}
}
