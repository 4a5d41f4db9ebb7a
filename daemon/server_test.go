package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/backend"
)

type protoClient struct {
	t    *testing.T
	conn net.Conn
	dec  *bufio.Scanner
}

func dialServer(t *testing.T, addr string) *protoClient {
	t.Helper()
	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &protoClient{t: t, conn: conn, dec: sc}
}

func (c *protoClient) send(req Request) {
	c.t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		c.t.Fatal(err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatal(err)
	}
}

func (c *protoClient) next() Frame {
	c.t.Helper()
	if !c.dec.Scan() {
		c.t.Fatal("connection closed")
	}
	var frame Frame
	if err := json.Unmarshal(c.dec.Bytes(), &frame); err != nil {
		c.t.Fatalf("bad frame: %v", err)
	}
	return frame
}

// nextResponse skips event frames until a response arrives.
func (c *protoClient) nextResponse() Frame {
	c.t.Helper()
	for {
		frame := c.next()
		if frame.Type == FrameResponse {
			return frame
		}
	}
}

func startServer(t *testing.T, sb *scriptedBackend) string {
	t.Helper()
	d, _ := newTestDaemon(t, sb)
	socket := filepath.Join(t.TempDir(), "d.sock")
	srv, err := NewServer(d, socket)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve() }()
	t.Cleanup(srv.Stop)
	return socket
}

func TestServerPromptFlow(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{textResponse("hello from the model")}}
	addr := startServer(t, sb)
	c := dialServer(t, addr)

	c.send(Request{ID: "1", Method: MethodOpenSession, Persona: "coder", Mode: "default", Cwd: t.TempDir()})
	open := c.nextResponse()
	if !open.OK || open.SessionID == "" {
		t.Fatalf("open = %+v", open)
	}

	c.send(Request{ID: "1a", Method: MethodAttachSession, SessionID: open.SessionID})
	attach := c.nextResponse()
	if !attach.OK {
		t.Fatalf("attach = %+v", attach)
	}

	c.send(Request{ID: "2", Method: MethodSendPrompt, SessionID: open.SessionID, Text: "hi"})

	var sawPromptAck bool
	var events []agentloop.Event
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		frame := c.next()
		if frame.Type == FrameResponse && frame.ID == "2" {
			if !frame.OK || frame.TurnID == "" {
				t.Fatalf("prompt ack = %+v", frame)
			}
			sawPromptAck = true
			continue
		}
		if frame.Type == FrameEvent && frame.Event != nil {
			events = append(events, *frame.Event)
			if frame.Event.Kind == agentloop.EventDone {
				break
			}
		}
	}
	if !sawPromptAck {
		t.Fatal("no prompt ack")
	}

	var prev uint64
	for _, ev := range events {
		if ev.Seq <= prev {
			t.Fatalf("seq not strictly increasing: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
	last := events[len(events)-1]
	if last.Done == nil || last.Done.Reason != "stop" {
		t.Errorf("final event = %+v", last)
	}
}

func TestServerRejectsUnknownMethod(t *testing.T) {
	addr := startServer(t, &scriptedBackend{})
	c := dialServer(t, addr)

	c.send(Request{ID: "1", Method: "explode"})
	frame := c.nextResponse()
	if frame.OK || frame.Error == nil {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestServerStaleResumeInline(t *testing.T) {
	addr := startServer(t, &scriptedBackend{})
	c := dialServer(t, addr)

	c.send(Request{ID: "1", Method: MethodOpenSession, Persona: "coder", Mode: "default", Cwd: t.TempDir()})
	open := c.nextResponse()

	c.send(Request{ID: "2", Method: MethodResumeTurn, SessionID: open.SessionID, TurnID: "bogus", Approved: true})
	resp := c.nextResponse()
	if resp.OK || resp.Error == nil || resp.Error.Code != agentloop.ErrStaleResume {
		t.Fatalf("resp = %+v", resp)
	}

	// The session survives the protocol error.
	c.send(Request{ID: "3", Method: MethodListSessions})
	list := c.nextResponse()
	if len(list.Sessions) != 1 {
		t.Errorf("sessions = %v", list.Sessions)
	}
}

func TestServerRoundTripEventJSON(t *testing.T) {
	ev := agentloop.Event{
		SessionID: "s", Seq: 7, TurnID: "t", Kind: agentloop.EventYield,
		Yield: &agentloop.YieldEvent{TurnID: "t", CallID: "c", ToolName: "Write", Args: json.RawMessage(`{"path":"x"}`), Reason: "mode:default"},
	}
	data, err := json.Marshal(Frame{Type: FrameEvent, Event: &ev})
	if err != nil {
		t.Fatal(err)
	}
	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Event.Seq != 7 || decoded.Event.Yield.ToolName != "Write" {
		t.Errorf("decoded = %+v", decoded.Event)
	}
	if string(decoded.Event.Yield.Args) != `{"path":"x"}` {
		t.Errorf("args = %s", decoded.Event.Yield.Args)
	}
}
