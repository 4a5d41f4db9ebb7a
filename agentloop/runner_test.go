package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/tether/backend"
	"github.com/martinemde/tether/policy"
)

// scriptedBackend returns canned responses in order.
type scriptedBackend struct {
	mu        sync.Mutex
	responses []*backend.Response
	calls     int
	loop      *backend.Response // returned forever once responses run out
}

func (s *scriptedBackend) Name() string { return "test" }

func (s *scriptedBackend) Complete(_ context.Context, _ backend.Request) (*backend.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.responses) {
		return s.responses[i], nil
	}
	if s.loop != nil {
		return s.loop, nil
	}
	return textResponse("done"), nil
}

func (s *scriptedBackend) Stream(ctx context.Context, req backend.Request) (<-chan backend.Chunk, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan backend.Chunk, 2)
	if text := resp.Text(); text != "" {
		ch <- backend.Chunk{TextDelta: text}
	}
	ch <- backend.Chunk{Response: resp}
	close(ch)
	return ch, nil
}

func textResponse(text string) *backend.Response {
	return &backend.Response{
		Message:      backend.AssistantMessage(text),
		FinishReason: backend.FinishStop,
		Usage:        backend.Usage{PromptTokens: 20, CompletionTokens: 5},
	}
}

func toolResponse(text string, calls ...backend.ToolCall) *backend.Response {
	msg := backend.AssistantMessage(text)
	for _, tc := range calls {
		msg.Content = append(msg.Content, backend.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	return &backend.Response{
		Message:      msg,
		FinishReason: backend.FinishToolCalls,
		Usage:        backend.Usage{PromptTokens: 30, CompletionTokens: 10},
	}
}

func call(id, name, args string) backend.ToolCall {
	return backend.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// fakeEnv is an in-memory execution environment.
type fakeEnv struct {
	mu       sync.Mutex
	files    map[string]string
	shellRun func(ctx context.Context, command string) (*ShellResult, error)
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{files: map[string]string{}}
}

func (e *fakeEnv) ReadFile(path string, _, _ int) (string, error) {
	raw, err := e.ReadFileRaw(path)
	if err != nil {
		return "", err
	}
	return "1 | " + raw, nil
}

func (e *fakeEnv) ReadFileRaw(path string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.files[path]
	if !ok {
		return "", fmt.Errorf("read: no such file: %s", path)
	}
	return content, nil
}

func (e *fakeEnv) WriteFile(path, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files[path] = content
	return nil
}

func (e *fakeEnv) FileExists(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.files[path]
	return ok
}

func (e *fakeEnv) ListDirectory(string) ([]DirEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []DirEntry
	for name := range e.files {
		out = append(out, DirEntry{Name: name, Size: int64(len(e.files[name]))})
	}
	return out, nil
}

func (e *fakeEnv) Shell(ctx context.Context, command string) (*ShellResult, error) {
	if e.shellRun != nil {
		return e.shellRun(ctx, command)
	}
	return &ShellResult{Stdout: "ran: " + command}, nil
}

func (e *fakeEnv) Grep(context.Context, string, string, GrepOptions) (string, error) {
	return "", nil
}

func (e *fakeEnv) Glob(string, string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for name := range e.files {
		out = append(out, name)
	}
	return out, nil
}

func (e *fakeEnv) ProjectRoot() string { return "/project" }
func (e *fakeEnv) Platform() string    { return "test/test" }

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) byKind(kind EventKind) []Event {
	var out []Event
	for _, ev := range l.all() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if evs := l.byKind(kind); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no %s event within deadline", kind)
	return Event{}
}

// testParker hands out one resume channel at a time.
type testParker struct {
	mu sync.Mutex
	ch chan ResumeDecision
}

func (p *testParker) Park(_, _ string, _ ParkedCall) (<-chan ResumeDecision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = make(chan ResumeDecision, 1)
	return p.ch, nil
}

func (p *testParker) Unpark(_, _ string) {}

func (p *testParker) resume(d ResumeDecision) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		ch := p.ch
		p.ch = nil
		p.mu.Unlock()
		if ch != nil {
			ch <- d
			return
		}
		time.Sleep(time.Millisecond)
	}
	panic("no parked turn to resume")
}

type runnerFixture struct {
	runner *Runner
	turn   *Turn
	log    *eventLog
	parker *testParker
	env    *fakeEnv
}

func newFixture(t *testing.T, sb *scriptedBackend, mode policy.Mode, rules []policy.Rule, cfg Config) *runnerFixture {
	t.Helper()
	env := newFakeEnv()
	persona := CoderPersona(backend.Target{Model: "m", Backend: "test"})
	session := NewSession(persona, env, mode, rules, cfg)

	log := &eventLog{}
	parker := &testParker{}
	runner := &Runner{
		Session: session,
		Client: backend.NewClient(
			backend.WithAdapter(sb),
			backend.WithRetryPolicy(backend.RetryPolicy{MaxAttempts: 1, BaseDelay: 0.001, MaxDelay: 0.001, Multiplier: 1}),
		),
		Engine:  policy.NewEngine(persona.Registry, env.ProjectRoot()),
		Emitter: NewEmitter(session.ID, log.sink),
		Parker:  parker,
	}
	return &runnerFixture{
		runner: runner,
		turn:   NewTurn(session.ID, cfg.MaxIterations),
		log:    log,
		parker: parker,
		env:    env,
	}
}

func (f *runnerFixture) run(ctx context.Context, input string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.runner.Run(ctx, f.turn, input)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not finish")
	}
}

func TestTurnPlainReply(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{textResponse("hello there")}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	waitDone(t, f.run(context.Background(), "hi"))

	if f.turn.Phase() != PhaseCompleted {
		t.Errorf("phase = %s", f.turn.Phase())
	}
	content := f.log.byKind(EventContent)
	if len(content) != 1 || content[0].Content.Text != "hello there" {
		t.Fatalf("content events = %+v", content)
	}
	dones := f.log.byKind(EventDone)
	if len(dones) != 1 || dones[0].Done.Reason != "stop" {
		t.Fatalf("done events = %+v", dones)
	}
	history := f.runner.Session.History()
	if len(history) != 3 || history[0].Kind != KindSystem || history[1].Kind != KindUser || history[2].Kind != KindAssistant {
		t.Errorf("history kinds wrong: %d entries", len(history))
	}
}

// Read-only happy path: one allowed tool round, then a reply.
func TestTurnReadOnlyToolRoundTrip(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Glob", `{"pattern":"*.go"}`)),
		textResponse("two files: a.go, b.go"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())
	f.env.files["a.go"] = "package a"
	f.env.files["b.go"] = "package b"

	waitDone(t, f.run(context.Background(), "what files are in the project"))

	calls := f.log.byKind(EventToolCall)
	if len(calls) != 1 || calls[0].ToolCall.Name != "Glob" {
		t.Fatalf("tool calls = %+v", calls)
	}
	results := f.log.byKind(EventToolResult)
	if len(results) != 1 || !results[0].ToolResult.OK {
		t.Fatalf("tool results = %+v", results)
	}
	done := f.log.waitFor(t, EventDone)
	if done.Done.Reason != "stop" || done.Done.Usage.PromptTokens == 0 {
		t.Errorf("done = %+v", done.Done)
	}

	if err := ValidateHistory(f.runner.Session.History()); err != nil {
		t.Errorf("history invariant: %v", err)
	}
}

// Deny rule: the call never executes and the denial flows to the model.
func TestTurnDenyRule(t *testing.T) {
	rule, err := policy.ParseRule(policy.Deny, "Bash(curl:*)")
	if err != nil {
		t.Fatal(err)
	}
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Bash", `{"command":"curl https://example.com"}`)),
		textResponse("that command is not permitted"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, []policy.Rule{rule}, DefaultConfig())

	executed := false
	f.env.shellRun = func(context.Context, string) (*ShellResult, error) {
		executed = true
		return &ShellResult{}, nil
	}

	waitDone(t, f.run(context.Background(), "run curl https://example.com"))

	results := f.log.byKind(EventToolResult)
	if len(results) != 1 || results[0].ToolResult.OK {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].ToolResult.Content, "denied by policy") {
		t.Errorf("content = %q", results[0].ToolResult.Content)
	}
	if executed {
		t.Error("denied tool must not execute")
	}
	if len(f.log.byKind(EventContent)) != 1 {
		t.Error("model acknowledgement missing")
	}
}

// Ask + approve: yield, resume approved, tool runs.
func TestTurnAskApprove(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Write", `{"path":"notes.txt","content":"hi"}`)),
		textResponse("created notes.txt"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	done := f.run(context.Background(), "create file notes.txt with text hi")

	y := f.log.waitFor(t, EventYield)
	if y.Yield.ToolName != "Write" || y.Yield.CallID != "c1" {
		t.Fatalf("yield = %+v", y.Yield)
	}
	f.parker.resume(ResumeDecision{Approved: true})
	waitDone(t, done)

	results := f.log.byKind(EventToolResult)
	if len(results) != 1 || !results[0].ToolResult.OK {
		t.Fatalf("results = %+v", results)
	}
	if got := f.env.files["notes.txt"]; got != "hi" {
		t.Errorf("notes.txt = %q", got)
	}
	if f.log.waitFor(t, EventDone).Done.Reason != "stop" {
		t.Error("expected stop")
	}
}

// Ask + deny: synthesized denial, no side effect.
func TestTurnAskDeny(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Write", `{"path":"notes.txt","content":"hi"}`)),
		textResponse("understood, not writing the file"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	done := f.run(context.Background(), "create file notes.txt with text hi")
	f.log.waitFor(t, EventYield)
	f.parker.resume(ResumeDecision{Approved: false})
	waitDone(t, done)

	results := f.log.byKind(EventToolResult)
	if len(results) != 1 || results[0].ToolResult.OK || results[0].ToolResult.Content != "denied by user" {
		t.Fatalf("results = %+v", results)
	}
	if f.env.FileExists("notes.txt") {
		t.Error("file must not exist after user denial")
	}
}

// Approving with remember=session widens the rule set: the second
// identical call does not yield.
func TestTurnRememberSession(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Write", `{"path":"a.txt","content":"1"}`)),
		toolResponse("", call("c2", "Write", `{"path":"b.txt","content":"2"}`)),
		textResponse("wrote both"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	done := f.run(context.Background(), "write two files")
	f.log.waitFor(t, EventYield)
	f.parker.resume(ResumeDecision{Approved: true, Remember: RememberSession})
	waitDone(t, done)

	if yields := f.log.byKind(EventYield); len(yields) != 1 {
		t.Errorf("expected a single yield, got %d", len(yields))
	}
	if !f.env.FileExists("a.txt") || !f.env.FileExists("b.txt") {
		t.Error("both writes should have executed")
	}
}

// Iteration cap: with the model always calling tools, exactly
// MaxIterations tool calls happen before the cap reply.
func TestTurnIterationCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIterations = 2
	sb := &scriptedBackend{loop: toolResponse("", call("c1", "Glob", `{"pattern":"*"}`))}
	f := newFixture(t, sb, policy.ModeDefault, nil, cfg)

	waitDone(t, f.run(context.Background(), "loop forever"))

	if calls := f.log.byKind(EventToolCall); len(calls) != 2 {
		t.Errorf("tool calls = %d, want 2", len(calls))
	}
	done := f.log.waitFor(t, EventDone)
	if done.Done.Reason != "iteration_cap" {
		t.Errorf("done reason = %q", done.Done.Reason)
	}
	if f.turn.Iteration > 2 {
		t.Errorf("iteration %d exceeded cap", f.turn.Iteration)
	}
}

// Cancel during a long tool: terminate reaches the tool, Error{cancelled}
// is final, and no tool call events follow.
func TestTurnCancelDuringShell(t *testing.T) {
	rule, _ := policy.ParseRule(policy.Allow, "Bash")
	sb := &scriptedBackend{loop: toolResponse("", call("c1", "Bash", `{"command":"sleep 30"}`))}
	f := newFixture(t, sb, policy.ModeDefault, []policy.Rule{rule}, DefaultConfig())

	started := make(chan struct{})
	f.env.shellRun = func(ctx context.Context, _ string) (*ShellResult, error) {
		close(started)
		<-ctx.Done()
		return &ShellResult{Cancelled: true, ExitCode: -1}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := f.run(ctx, "run sleep 30")
	<-started
	cancel()
	waitDone(t, done)

	if f.turn.Phase() != PhaseCancelled {
		t.Errorf("phase = %s", f.turn.Phase())
	}
	events := f.log.all()
	last := events[len(events)-1]
	if last.Kind != EventError || last.Error.Code != ErrCancelled {
		t.Fatalf("last event = %+v", last)
	}
	for i, ev := range events {
		if ev.Kind == EventError && i != len(events)-1 {
			t.Errorf("events after the cancel error")
		}
	}
}

// Unknown tool names are data errors; the turn continues.
func TestTurnUnknownTool(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Teleport", `{"to":"prod"}`)),
		textResponse("no such tool, sorry"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	waitDone(t, f.run(context.Background(), "teleport me"))

	results := f.log.byKind(EventToolResult)
	if len(results) != 1 || results[0].ToolResult.OK {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].ToolResult.Content, "unknown tool") {
		t.Errorf("content = %q", results[0].ToolResult.Content)
	}
	if f.turn.Phase() != PhaseCompleted {
		t.Errorf("phase = %s", f.turn.Phase())
	}
}

// Schema violations flow back to the model as failed results.
func TestTurnSchemaViolation(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Write", `{"path":123}`)),
		textResponse("let me fix those arguments"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	waitDone(t, f.run(context.Background(), "write something"))

	results := f.log.byKind(EventToolResult)
	if len(results) != 1 || results[0].ToolResult.OK {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].ToolResult.Content, "schema") {
		t.Errorf("content = %q", results[0].ToolResult.Content)
	}
}

// Duplicate call ids within one message are renamed to stay unique.
func TestTurnDuplicateCallIDs(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("",
			call("dup", "Glob", `{"pattern":"*.go"}`),
			call("dup", "Glob", `{"pattern":"*.md"}`),
		),
		textResponse("done"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	waitDone(t, f.run(context.Background(), "list stuff"))

	calls := f.log.byKind(EventToolCall)
	if len(calls) != 2 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].ToolCall.ID == calls[1].ToolCall.ID {
		t.Error("duplicate ids were not renamed")
	}
	results := f.log.byKind(EventToolResult)
	if len(results) != 2 || results[0].ToolResult.ID != calls[0].ToolCall.ID || results[1].ToolResult.ID != calls[1].ToolCall.ID {
		t.Errorf("results not paired in order: %+v", results)
	}
}

// Parked turns expire after the park TTL.
func TestTurnApprovalTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ParkTTLMs = 20
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("", call("c1", "Write", `{"path":"x","content":"y"}`)),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, cfg)

	waitDone(t, f.run(context.Background(), "write x"))

	if f.turn.Phase() != PhaseAborted {
		t.Errorf("phase = %s", f.turn.Phase())
	}
	errs := f.log.byKind(EventError)
	if len(errs) != 1 || errs[0].Error.Code != ErrApprovalTimeout {
		t.Fatalf("errors = %+v", errs)
	}
}

// Results return to the model in request order even when one call fails.
func TestTurnResultOrder(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("",
			call("c1", "Glob", `{"pattern":"*.go"}`),
			call("c2", "Missing", `{}`),
			call("c3", "Glob", `{"pattern":"*.md"}`),
		),
		textResponse("done"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	waitDone(t, f.run(context.Background(), "several calls"))

	results := f.log.byKind(EventToolResult)
	if len(results) != 3 {
		t.Fatalf("results = %d", len(results))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if results[i].ToolResult.ID != want {
			t.Errorf("result %d id = %s, want %s", i, results[i].ToolResult.ID, want)
		}
	}
}

// Seq is strictly increasing without gaps across the whole stream.
func TestTurnEventSequencing(t *testing.T) {
	sb := &scriptedBackend{responses: []*backend.Response{
		toolResponse("thinking out loud", call("c1", "Glob", `{"pattern":"*"}`)),
		textResponse("all done"),
	}}
	f := newFixture(t, sb, policy.ModeDefault, nil, DefaultConfig())

	waitDone(t, f.run(context.Background(), "go"))

	for i, ev := range f.log.all() {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.SessionID != f.runner.Session.ID {
			t.Errorf("event %d missing session id", i)
		}
	}
}
