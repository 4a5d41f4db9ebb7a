// Package gateway is the client-facing edge: it authenticates WebSocket
// clients, multiplexes them onto daemon sessions, and fans the daemon's
// event streams out to every attachment. The gateway holds no session
// semantics — parking, policy, and history all live in the daemon — and
// never renumbers events.
package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/config"
	"github.com/martinemde/tether/daemon"
)

// Backend is the daemon surface the gateway needs. *daemon.Daemon
// implements it for single-binary mode; a socket client implements it
// when the gateway runs as its own process.
type Backend interface {
	OpenSession(persona, mode, cwd string, rules []daemon.RuleSpec) (string, error)
	Attach(sessionID string, sink agentloop.Sink) (uint64, func(), error)
	SendPrompt(sessionID, text string) (turnID string, err error)
	ResumeTurn(sessionID, turnID string, approved bool, remember string) error
	CancelTurn(sessionID, turnID string) error
	CloseSession(sessionID string) error
}

// ClientMessage is one inbound WebSocket message.
type ClientMessage struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// auth
	Token string `json:"token,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`

	// open_session
	Persona string            `json:"persona,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Rules   []daemon.RuleSpec `json:"rules,omitempty"`

	// attach_session
	FromSeq uint64 `json:"from_seq,omitempty"`

	// send_prompt
	Text string `json:"text,omitempty"`

	// resume_turn
	Approved bool   `json:"approved,omitempty"`
	Remember string `json:"remember,omitempty"`
}

// Gateway accepts client connections and shuttles frames to the daemon.
type Gateway struct {
	cfg      config.Config
	backend  Backend
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu      sync.Mutex
	streams map[string]*stream
}

// stream is the gateway's per-session fan-out point: one daemon
// attachment feeding a ring buffer and every connected client.
type stream struct {
	ring   *ring
	unsub  func()
	mu     sync.Mutex
	subs   map[uint64]*clientSub
	nextID uint64
}

// clientSub is one client attachment with its bounded delivery buffer.
type clientSub struct {
	ch      chan agentloop.Event
	dropped func()
}

// New creates a Gateway over the given backend.
func New(cfg config.Config, backend Backend, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		streams: make(map[string]*stream),
	}
}

// Start binds and serves until Stop. The registry, when non-nil, is
// mounted at /metrics.
func (g *Gateway) Start(registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("%s:%d", g.cfg.Gateway.Bind, g.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	srv := &http.Server{Handler: mux}
	g.mu.Lock()
	g.listener = ln
	g.server = srv
	g.mu.Unlock()
	g.logger.Info("gateway listening", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Addr returns the bound address once Start has been called.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop shuts the HTTP server down.
func (g *Gateway) Stop() {
	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}

// ensureStream attaches the gateway to a session's event flow once,
// lazily, and returns the fan-out point.
func (g *Gateway) ensureStream(sessionID string) (*stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.streams[sessionID]; ok {
		return st, nil
	}

	st := &stream{
		ring: newRing(g.cfg.EventBuffer),
		subs: make(map[uint64]*clientSub),
	}
	_, unsub, err := g.backend.Attach(sessionID, func(ev agentloop.Event) {
		st.ring.add(ev)
		st.broadcast(ev)
	})
	if err != nil {
		return nil, err
	}
	st.unsub = unsub
	g.streams[sessionID] = st
	return st, nil
}

// lookupStream returns an existing stream without creating one.
func (g *Gateway) lookupStream(sessionID string) *stream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streams[sessionID]
}

// dropStream detaches from the daemon when a session closes.
func (g *Gateway) dropStream(sessionID string) {
	g.mu.Lock()
	st, ok := g.streams[sessionID]
	delete(g.streams, sessionID)
	g.mu.Unlock()
	if ok && st.unsub != nil {
		st.unsub()
	}
}

// broadcast delivers an event to every subscriber. A subscriber whose
// buffer is full is disconnected; the session and turn continue.
func (st *stream) broadcast(ev agentloop.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sub := range st.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(st.subs, id)
			close(sub.ch)
			if sub.dropped != nil {
				sub.dropped()
			}
		}
	}
}

// subscribe adds a client buffer sized at the configured high-watermark.
func (st *stream) subscribe(buffer int, dropped func()) (uint64, <-chan agentloop.Event) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	sub := &clientSub{ch: make(chan agentloop.Event, buffer), dropped: dropped}
	st.subs[st.nextID] = sub
	return st.nextID, sub.ch
}

func (st *stream) unsubscribe(id uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if sub, ok := st.subs[id]; ok {
		delete(st.subs, id)
		close(sub.ch)
	}
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := newClientConn(g, conn)
	client.run()
}

// checkToken compares the presented bearer token in constant time.
func (g *Gateway) checkToken(token string) bool {
	expected := g.cfg.Gateway.Token
	if expected == "" {
		// No token configured: local-only development posture.
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// marshalFrame encodes an outbound frame for the wire.
func marshalFrame(frame daemon.Frame) ([]byte, error) {
	return json.Marshal(frame)
}
