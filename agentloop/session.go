package agentloop

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/tether/backend"
	"github.com/martinemde/tether/policy"
)

// Config holds the per-session knobs of the agent loop.
type Config struct {
	MaxIterations    int            `json:"max_iterations"`
	ToolTimeoutMs    int            `json:"tool_timeout_ms"`
	ShellTimeoutMs   int            `json:"shell_timeout_ms"`
	ParkTTLMs        int            `json:"park_ttl_ms"`
	LoopDetection    bool           `json:"loop_detection"`
	LoopWindow       int            `json:"loop_window"`
	ToolOutputLimits map[string]int `json:"tool_output_limits,omitempty"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:  12,
		ToolTimeoutMs:  120_000,
		ShellTimeoutMs: 600_000,
		ParkTTLMs:      900_000,
		LoopWindow:     10,
	}
}

// Session holds one conversation: its history, persona, permission state,
// and accumulated usage. A session admits at most one turn at a time; the
// turn's runner holds exclusive write access to the history while it runs.
type Session struct {
	ID      string
	Persona *Persona
	Env     ExecutionEnvironment
	Config  Config

	mu      sync.Mutex
	mode    policy.Mode
	rules   []policy.Rule
	history []Message
	usage   backend.Usage

	CreatedAt    time.Time
	lastActivity time.Time
}

// NewSession creates a session with a cryptographically random id.
func NewSession(persona *Persona, env ExecutionEnvironment, mode policy.Mode, rules []policy.Rule, cfg Config) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           uuid.NewString(),
		Persona:      persona,
		Env:          env,
		Config:       cfg,
		mode:         mode,
		rules:        rules,
		CreatedAt:    now,
		lastActivity: now,
	}
}

// Mode returns the session's permission mode.
func (s *Session) Mode() policy.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Rules returns a copy of the session's rule set.
func (s *Session) Rules() []policy.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// AddRule appends a rule to the session's rule set (remember=session).
func (s *Session) AddRule(r policy.Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, r)
}

// History returns a copy of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// AppendHistory adds messages to the history. Only the turn runner that
// owns the active turn calls this.
func (s *Session) AppendHistory(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

// Usage returns the accumulated token usage.
func (s *Session) Usage() backend.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// AddUsage accumulates usage from one completion.
func (s *Session) AddUsage(u backend.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = s.usage.Add(u)
}

// Touch records activity for idle-timeout accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
