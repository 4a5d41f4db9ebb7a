// Package daemon owns the session store and turn runners. It exposes the
// session protocol twice: as an in-process API for single-binary mode,
// and over a local stream socket for a split gateway.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/martinemde/tether/agentloop"
	"github.com/martinemde/tether/backend"
	"github.com/martinemde/tether/config"
	"github.com/martinemde/tether/policy"
	"github.com/martinemde/tether/transcript"
)

// Daemon multiplexes concurrent sessions. Each session's turn is
// logically single-threaded; distinct sessions run in parallel.
type Daemon struct {
	cfg     config.Config
	client  *backend.Client
	store   *Store
	logger  *slog.Logger
	metrics *Metrics

	// PersistRule is invoked for remember=always approvals. The
	// persistence path is a configuration concern; the default logs and
	// drops.
	PersistRule func(policy.Rule) error

	stopSweep chan struct{}
}

// New creates a Daemon.
func New(cfg config.Config, client *backend.Client, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:       cfg,
		client:    client,
		store:     NewStore(cfg.MaxSessions),
		logger:    logger,
		metrics:   NewMetrics(),
		stopSweep: make(chan struct{}),
	}
	go d.sweepIdle()
	return d
}

// Close stops background work and closes every session.
func (d *Daemon) Close() {
	close(d.stopSweep)
	for _, id := range d.store.list() {
		_ = d.CloseSession(id)
	}
}

// OpenSession creates a session and returns its id.
func (d *Daemon) OpenSession(persona, mode, cwd string, ruleSpecs []RuleSpec) (string, error) {
	m := policy.Mode(mode)
	if mode == "" {
		m = policy.ModeDefault
	}
	if !policy.ValidMode(m) {
		return "", fmt.Errorf("unknown permission mode %q", mode)
	}

	rules := make([]policy.Rule, 0, len(ruleSpecs))
	for _, spec := range ruleSpecs {
		rule, err := policy.ParseRule(policy.Effect(spec.Effect), spec.Pattern)
		if err != nil {
			return "", fmt.Errorf("rule %q: %w", spec.Pattern, err)
		}
		rules = append(rules, rule)
	}

	target := backend.ParseTarget(d.cfg.Target)
	env := agentloop.NewLocalEnv(cwd)
	loopCfg := agentloop.DefaultConfig()
	loopCfg.MaxIterations = d.cfg.MaxTurns
	loopCfg.ToolTimeoutMs = d.cfg.ToolTimeoutMs
	loopCfg.ShellTimeoutMs = d.cfg.ShellTimeoutMs
	loopCfg.ParkTTLMs = d.cfg.ParkTTLMs

	session := agentloop.NewSession(agentloop.PersonaByName(persona, target), env, m, rules, loopCfg)
	session.Persona.Registry.Seal()

	writer, err := transcript.NewWriter(d.cfg.TranscriptDir, session.ID)
	if err != nil {
		return "", err
	}

	ms := &managedSession{
		session:     session,
		writer:      writer,
		subscribers: make(map[uint64]agentloop.Sink),
	}
	ms.emitter = agentloop.NewEmitter(session.ID, d.fanOut(session.ID, writer))

	if err := d.store.add(ms); err != nil {
		_ = writer.Close()
		return "", err
	}

	d.metrics.SessionsActive.Set(float64(d.store.count()))
	d.logger.Info("session opened", "session", session.ID, "persona", session.Persona.Name, "mode", m)
	return session.ID, nil
}

// fanOut builds the emitter sink: transcript first, then every attached
// subscriber. Transcript writes are serialized by the writer.
func (d *Daemon) fanOut(sessionID string, writer *transcript.Writer) agentloop.Sink {
	return func(ev agentloop.Event) {
		if err := writer.WriteEvent(ev); err != nil {
			d.logger.Warn("transcript write failed", "session", sessionID, "error", err)
		}
		d.metrics.observeEvent(ev)
		for _, sink := range d.store.snapshotSubscribers(sessionID) {
			sink(ev)
		}
	}
}

// Attach subscribes a sink to a session's event flow and returns the
// session's last sequence number plus an unsubscribe handle.
func (d *Daemon) Attach(sessionID string, sink agentloop.Sink) (uint64, func(), error) {
	ms, err := d.store.get(sessionID)
	if err != nil {
		return 0, nil, err
	}
	unsub, err := d.store.subscribe(sessionID, sink)
	if err != nil {
		return 0, nil, err
	}
	return ms.emitter.LastSeq(), unsub, nil
}

// SendPrompt starts a new turn. A session with a running or parked turn
// rejects the prompt as busy.
func (d *Daemon) SendPrompt(sessionID, text string) (string, error) {
	ms, err := d.store.get(sessionID)
	if err != nil {
		return "", err
	}

	turn := agentloop.NewTurn(sessionID, ms.session.Config.MaxIterations)
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.store.beginTurn(sessionID, turn, cancel); err != nil {
		cancel()
		return "", err
	}

	if err := ms.writer.WritePrompt(sessionID, turn.ID, text); err != nil {
		d.logger.Warn("transcript prompt write failed", "session", sessionID, "error", err)
	}

	runner := &agentloop.Runner{
		Session:     ms.session,
		Client:      d.client,
		Engine:      policy.NewEngine(ms.session.Persona.Registry, ms.session.Env.ProjectRoot()),
		Emitter:     ms.emitter,
		Parker:      d.store,
		PersistRule: d.persistRule,
		Logger:      d.logger,
	}

	go func() {
		defer d.store.endTurn(sessionID, turn.ID)
		defer cancel()
		start := time.Now()
		runner.Run(ctx, turn, text)
		d.metrics.TurnDuration.Observe(time.Since(start).Seconds())
		d.metrics.TurnsTotal.WithLabelValues(string(turn.Phase())).Inc()
	}()

	return turn.ID, nil
}

func (d *Daemon) persistRule(rule policy.Rule) error {
	if d.PersistRule != nil {
		return d.PersistRule(rule)
	}
	d.logger.Info("remember=always requested; no rule persistence configured", "pattern", rule.Pattern.String())
	return nil
}

// ResumeTurn delivers an approval decision to a parked turn.
func (d *Daemon) ResumeTurn(sessionID, turnID string, approved bool, remember string) error {
	return d.store.resume(sessionID, turnID, agentloop.ResumeDecision{
		Approved: approved,
		Remember: agentloop.RememberScope(remember),
	})
}

// CancelTurn cancels the session's active turn, parked or running.
func (d *Daemon) CancelTurn(sessionID, turnID string) error {
	ms, err := d.store.get(sessionID)
	if err != nil {
		return err
	}
	d.store.mu.Lock()
	cancel := ms.cancelTurn
	active := ms.activeTurn
	d.store.mu.Unlock()
	if active == nil || active.ID != turnID {
		return ErrStaleResume
	}
	cancel()
	return nil
}

// CloseSession tears a session down. An outstanding parked turn is
// cancelled; its runner observes the cancelled context.
func (d *Daemon) CloseSession(sessionID string) error {
	ms, err := d.store.remove(sessionID)
	if err != nil {
		return err
	}
	d.store.mu.Lock()
	cancel := ms.cancelTurn
	resumeCh := ms.resumeCh
	ms.parkedTurnID = ""
	ms.resumeCh = nil
	d.store.mu.Unlock()
	_ = resumeCh // never read: the runner leaves its park through the cancelled context
	if cancel != nil {
		cancel()
	}
	_ = ms.writer.Close()
	d.metrics.SessionsActive.Set(float64(d.store.count()))
	d.logger.Info("session closed", "session", sessionID)
	return nil
}

// MetricsRegistry exposes the prometheus registry for the gateway's
// /metrics endpoint.
func (d *Daemon) MetricsRegistry() *prometheus.Registry {
	return d.metrics.Registry
}

// ListSessions returns the ids of live sessions.
func (d *Daemon) ListSessions() []string {
	return d.store.list()
}

// sweepIdle closes sessions whose last activity exceeds the idle TTL.
func (d *Daemon) sweepIdle() {
	ttl := time.Duration(d.cfg.IdleSessionTTLMs) * time.Millisecond
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopSweep:
			return
		case <-ticker.C:
			for _, id := range d.store.idleSessions(ttl) {
				d.logger.Info("closing idle session", "session", id)
				_ = d.CloseSession(id)
			}
		}
	}
}
