package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/gate"
	"github.com/haasonsaas/relay/internal/infra"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// fakeProvider replays a fixed sequence of completions.
type fakeProvider struct {
	name      string
	available bool

	mu    sync.Mutex
	steps []func() (*agent.Completion, error)
	calls int
}

func (p *fakeProvider) Name() string    { return p.name }
func (p *fakeProvider) Available() bool { return p.available }

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	return step()
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func say(text string) func() (*agent.Completion, error) {
	return func() (*agent.Completion, error) { return &agent.Completion{Content: text}, nil }
}

func callTool(name, args string) func() (*agent.Completion, error) {
	return func() (*agent.Completion, error) {
		return &agent.Completion{ToolCalls: []models.ToolCall{
			{ID: "1", Name: name, Arguments: json.RawMessage(args)},
		}}, nil
	}
}

// wipeTool is a gated write tool for confirmation-path tests.
type wipeTool struct {
	mu  sync.Mutex
	ran bool
}

func (w *wipeTool) Name() string             { return "wipe" }
func (w *wipeTool) Description() string      { return "wipes the workspace" }
func (w *wipeTool) Schema() json.RawMessage  { return json.RawMessage(`{"type":"object"}`) }
func (w *wipeTool) Security() agent.Security { return agent.Security{Level: agent.SecurityWrite} }

func (w *wipeTool) Execute(ctx context.Context, params json.RawMessage, tc *agent.ToolContext) (*agent.ToolResult, error) {
	w.mu.Lock()
	w.ran = true
	w.mu.Unlock()
	return &agent.ToolResult{Content: "wiped"}, nil
}

func (w *wipeTool) didRun() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ran
}

type testEnv struct {
	dispatcher  *Dispatcher
	adapter     *channels.MemoryAdapter
	provider    *fakeProvider
	registry    *sessions.Registry
	transcripts *sessions.TranscriptStore
	gate        *gate.Gate
}

func newTestEnv(t *testing.T, provider *fakeProvider, extraTools []agent.Tool, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	registry, err := sessions.NewRegistry(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	transcripts, err := sessions.NewTranscriptStore(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("NewTranscriptStore() error = %v", err)
	}
	store, err := infra.Open(filepath.Join(dir, "infra.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	toolReg := agent.NewToolRegistry()
	if err := toolReg.Register(tools.NewEchoTool()); err != nil {
		t.Fatalf("Register(echo) error = %v", err)
	}
	for _, tool := range extraTools {
		if err := toolReg.Register(tool); err != nil {
			t.Fatalf("Register(%s) error = %v", tool.Name(), err)
		}
	}

	var providers []agent.Provider
	if provider != nil {
		providers = []agent.Provider{provider}
	}
	loop := agent.NewLoop(providers, toolReg, agent.NewExecutor(toolReg), transcripts)

	confirmGate := gate.New(gate.WithTimeout(2 * time.Second))
	t.Cleanup(confirmGate.Shutdown)

	chanReg := channels.NewRegistry()
	adapter := channels.NewMemoryAdapter(models.ChannelMemory)
	if err := chanReg.Register(adapter); err != nil {
		t.Fatalf("Register(adapter) error = %v", err)
	}

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	d := New(cfg, Deps{
		Sessions:    registry,
		Transcripts: transcripts,
		Infra:       store,
		Loop:        loop,
		Gate:        confirmGate,
		Channels:    chanReg,
	})
	d.Attach()

	return &testEnv{
		dispatcher:  d,
		adapter:     adapter,
		provider:    provider,
		registry:    registry,
		transcripts: transcripts,
		gate:        confirmGate,
	}
}

func inbound(messageID, body string) *models.MsgContext {
	return &models.MsgContext{
		Channel:   models.ChannelMemory,
		From:      "u1",
		ChatType:  models.ChatDirect,
		MessageID: messageID,
		Body:      body,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (e *testEnv) readTranscript(t *testing.T, key string) []*models.Message {
	t.Helper()
	entry, ok := e.registry.Get(key)
	if !ok {
		t.Fatalf("session %s not found", key)
	}
	msgs, err := e.transcripts.Read(entry.SessionID, 0)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return msgs
}

func TestPipelineToolRoundTrip(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){
			callTool("echo", `{"message":"hello"}`),
			say("echoed: hello"),
		},
	}
	env := newTestEnv(t, provider, nil, nil)

	env.adapter.Inject(context.Background(), inbound("m1", "please echo hello"))

	sent := env.adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Text != "echoed: hello" {
		t.Errorf("reply = %q, want echoed text", sent[0].Text)
	}
	if sent[0].ReplyTo != "m1" {
		t.Errorf("reply quotes %q, want m1", sent[0].ReplyTo)
	}

	msgs := env.readTranscript(t, "memory:u1")
	if len(msgs) != 4 {
		t.Fatalf("transcript has %d messages, want user+assistant+tool+assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "please echo hello" {
		t.Errorf("turn 0 = %s %q", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != models.RoleAssistant || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("turn 1 = %s with %d calls", msgs[1].Role, len(msgs[1].ToolCalls))
	}
	if msgs[2].Role != models.RoleTool || len(msgs[2].ToolResults) != 1 {
		t.Errorf("turn 2 = %s with %d results", msgs[2].Role, len(msgs[2].ToolResults))
	}
	if msgs[3].Role != models.RoleAssistant || msgs[3].Content != "echoed: hello" {
		t.Errorf("turn 3 = %s %q", msgs[3].Role, msgs[3].Content)
	}
}

func TestPipelineDuplicateSuppressed(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("hi"), say("hi again")},
	}
	env := newTestEnv(t, provider, nil, nil)

	env.adapter.Inject(context.Background(), inbound("m1", "hello"))
	env.adapter.Inject(context.Background(), inbound("m1", "hello"))

	if got := provider.callCount(); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
	if sent := env.adapter.Sent(); len(sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(sent))
	}
	if msgs := env.readTranscript(t, "memory:u1"); len(msgs) != 2 {
		t.Errorf("transcript has %d messages, want 2", len(msgs))
	}
}

func TestPipelineRateLimited(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("one")},
	}
	env := newTestEnv(t, provider, nil, func(cfg *config.Config) {
		cfg.Dispatch.RateMax = 1
		cfg.Dispatch.RateWindow = time.Minute
	})

	env.adapter.Inject(context.Background(), inbound("m1", "first"))
	env.adapter.Inject(context.Background(), inbound("m2", "second"))

	if got := provider.callCount(); got != 1 {
		t.Errorf("provider called %d times, want 1", got)
	}
	sent := env.adapter.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want reply + warning", len(sent))
	}
	warning := sent[1].Text
	if !strings.Contains(warning, "Rate limit") || !strings.Contains(warning, "wait") {
		t.Errorf("warning = %q, want rate-limit text with wait hint", warning)
	}
	// The over-limit turn never reaches the transcript.
	if msgs := env.readTranscript(t, "memory:u1"); len(msgs) != 2 {
		t.Errorf("transcript has %d messages, want 2", len(msgs))
	}
}

func TestPipelineGroupRequiresMention(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("on it")},
	}
	env := newTestEnv(t, provider, nil, nil)

	group := &models.MsgContext{
		Channel:   models.ChannelMemory,
		From:      "u1",
		ChatType:  models.ChatGroup,
		GroupID:   "g1",
		MessageID: "m1",
		Body:      "hey everyone",
		Timestamp: time.Now(),
	}
	env.adapter.Inject(context.Background(), group)
	if got := provider.callCount(); got != 0 {
		t.Fatalf("unaddressed group message reached the agent")
	}
	if len(env.adapter.Sent()) != 0 {
		t.Fatal("unaddressed group message produced a reply")
	}

	mentioned := *group
	mentioned.MessageID = "m2"
	mentioned.Body = "@relay summarize this"
	env.adapter.Inject(context.Background(), &mentioned)

	if got := provider.callCount(); got != 1 {
		t.Fatalf("mentioned group message did not reach the agent")
	}
	msgs := env.readTranscript(t, "memory:g1")
	if msgs[0].Content != "summarize this" {
		t.Errorf("user turn = %q, want mention stripped", msgs[0].Content)
	}
}

func TestPipelineGroupAllowlist(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("sure")},
	}
	env := newTestEnv(t, provider, nil, func(cfg *config.Config) {
		cfg.Dispatch.GroupAllowlist = []string{"g1"}
	})

	env.adapter.Inject(context.Background(), &models.MsgContext{
		Channel:   models.ChannelMemory,
		From:      "u1",
		ChatType:  models.ChatGroup,
		GroupID:   "g1",
		MessageID: "m1",
		Body:      "no mention needed",
		Timestamp: time.Now(),
	})
	if got := provider.callCount(); got != 1 {
		t.Errorf("allowlisted group message did not reach the agent")
	}
}

func TestCommandNew(t *testing.T) {
	provider := &fakeProvider{name: "anthropic", available: true}
	env := newTestEnv(t, provider, nil, nil)

	env.adapter.Inject(context.Background(), inbound("m1", "/new"))

	if got := provider.callCount(); got != 0 {
		t.Errorf("slash command reached the agent")
	}
	sent := env.adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].Text != "Started a fresh session (rotation 1)." {
		t.Errorf("reply = %q", sent[0].Text)
	}

	env.adapter.Inject(context.Background(), inbound("m2", "/new"))
	sent = env.adapter.Sent()
	if sent[1].Text != "Started a fresh session (rotation 2)." {
		t.Errorf("second rotation reply = %q", sent[1].Text)
	}
}

func TestCommandStatus(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{name: "anthropic", available: true}, nil, nil)

	env.adapter.Inject(context.Background(), inbound("m1", "/status"))

	sent := env.adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	status := sent[0].Text
	for _, want := range []string{"Rate:", "Pending confirmations: 0", "Queued system events: 0"} {
		if !strings.Contains(status, want) {
			t.Errorf("status %q missing %q", status, want)
		}
	}
}

func TestCommandModel(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{name: "anthropic", available: true}, nil, func(cfg *config.Config) {
		cfg.LLM.DefaultModel = "claude-sonnet-4"
	})

	env.adapter.Inject(context.Background(), inbound("m1", "/model"))
	env.adapter.Inject(context.Background(), inbound("m2", "/model gpt-4o"))
	env.adapter.Inject(context.Background(), inbound("m3", "/model"))

	sent := env.adapter.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
	if sent[0].Text != "Model: claude-sonnet-4 (default)" {
		t.Errorf("default model reply = %q", sent[0].Text)
	}
	if sent[1].Text != "Model set to gpt-4o." {
		t.Errorf("set model reply = %q", sent[1].Text)
	}
	if sent[2].Text != "Model: gpt-4o" {
		t.Errorf("session model reply = %q", sent[2].Text)
	}
}

func TestUnknownCommandFallsThrough(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("it's sunny")},
	}
	env := newTestEnv(t, provider, nil, nil)

	env.adapter.Inject(context.Background(), inbound("m1", "/weather tomorrow"))

	if got := provider.callCount(); got != 1 {
		t.Errorf("unknown command did not reach the agent")
	}
	sent := env.adapter.Sent()
	if len(sent) != 1 || sent[0].Text != "it's sunny" {
		t.Errorf("sent = %v, want agent reply", sent)
	}
}

func TestPipelineNoUsableProvider(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{name: "anthropic", available: false}, nil, nil)

	env.adapter.Inject(context.Background(), inbound("m1", "hello"))

	sent := env.adapter.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if !strings.Contains(sent[0].Text, "No language model is authorized") {
		t.Errorf("reply = %q, want provider preflight warning", sent[0].Text)
	}
	// The user turn is persisted even when the run is refused.
	if msgs := env.readTranscript(t, "memory:u1"); len(msgs) != 1 {
		t.Errorf("transcript has %d messages, want 1", len(msgs))
	}
}

func TestPipelineGatedToolConfirmed(t *testing.T) {
	wipe := &wipeTool{}
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){
			callTool("wipe", `{}`),
			say("workspace wiped"),
		},
	}
	env := newTestEnv(t, provider, []agent.Tool{wipe}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.adapter.Inject(context.Background(), inbound("m1", "wipe it"))
	}()

	// Wait for the confirmation prompt, then approve.
	deadline := time.Now().Add(2 * time.Second)
	var prompted bool
	for time.Now().Before(deadline) {
		for _, s := range env.adapter.Sent() {
			if strings.Contains(s.Text, "wipe") && strings.Contains(s.Text, "y/yes") {
				prompted = true
			}
		}
		if prompted {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !prompted {
		t.Fatal("confirmation prompt never sent")
	}
	env.adapter.Inject(context.Background(), inbound("m2", "y"))
	<-done

	if !wipe.didRun() {
		t.Error("confirmed tool did not run")
	}
	last := env.adapter.Sent()
	if last[len(last)-1].Text != "workspace wiped" {
		t.Errorf("final reply = %q", last[len(last)-1].Text)
	}
	// The bare approval never becomes a conversation turn.
	for _, msg := range env.readTranscript(t, "memory:u1") {
		if msg.Role == models.RoleUser && msg.Content == "y" {
			t.Error("confirmation reply leaked into the transcript")
		}
	}
}

func TestFlushSystemEvents(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("Noted, I'll remind you.")},
	}
	env := newTestEnv(t, provider, nil, nil)
	ctx := context.Background()

	if err := env.dispatcher.EnqueueSystemEvent(ctx, "Reminder: stretch", map[string]string{"job_id": "j1"}); err != nil {
		t.Fatalf("EnqueueSystemEvent() error = %v", err)
	}
	if got := env.dispatcher.PendingSystemEvents(); got != 1 {
		t.Fatalf("PendingSystemEvents() = %d, want 1", got)
	}

	n, err := env.dispatcher.FlushSystemEvents(ctx, "cron:j1")
	if err != nil {
		t.Fatalf("FlushSystemEvents() error = %v", err)
	}
	if n != 1 {
		t.Errorf("FlushSystemEvents() = %d, want 1", n)
	}
	if got := env.dispatcher.PendingSystemEvents(); got != 0 {
		t.Errorf("PendingSystemEvents() after flush = %d", got)
	}

	msgs := env.readTranscript(t, "cron:main")
	if len(msgs) != 2 {
		t.Fatalf("main transcript has %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "Reminder: stretch" {
		t.Errorf("event turn = %q", msgs[0].Content)
	}
	if msgs[1].Role != models.RoleAssistant {
		t.Errorf("reply role = %s", msgs[1].Role)
	}
	// System events never go out a channel.
	if len(env.adapter.Sent()) != 0 {
		t.Error("system event produced a channel send")
	}
}

func TestEnqueueSystemEventRejectsEmpty(t *testing.T) {
	env := newTestEnv(t, &fakeProvider{name: "anthropic", available: true}, nil, nil)
	if err := env.dispatcher.EnqueueSystemEvent(context.Background(), "   ", nil); err == nil {
		t.Error("EnqueueSystemEvent() accepted whitespace payload")
	}
}

func TestRunIsolatedJob(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){say("digest complete")},
	}
	env := newTestEnv(t, provider, nil, nil)

	job := &cron.Job{
		ID:   "j1",
		Name: "daily digest",
		Payload: cron.Payload{
			Kind:    cron.PayloadAgentTurn,
			Message: "Compile the daily digest.",
		},
	}
	outcome, err := env.dispatcher.RunIsolatedJob(context.Background(), job, job.Payload.Message)
	if err != nil {
		t.Fatalf("RunIsolatedJob() error = %v", err)
	}
	if outcome.Status != cron.StatusOK {
		t.Errorf("outcome.Status = %s, want ok", outcome.Status)
	}
	if outcome.Summary != "digest complete" {
		t.Errorf("outcome.Summary = %q", outcome.Summary)
	}

	msgs := env.readTranscript(t, "cron:job:j1")
	if len(msgs) != 2 {
		t.Fatalf("job transcript has %d messages, want 2", len(msgs))
	}
}

func TestRunIsolatedJobLoopError(t *testing.T) {
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){
			func() (*agent.Completion, error) { return nil, errors.New("[auth] 401 unauthorized") },
		},
	}
	env := newTestEnv(t, provider, nil, nil)

	job := &cron.Job{ID: "j1", Name: "digest", Payload: cron.Payload{Kind: cron.PayloadAgentTurn, Message: "go"}}
	outcome, err := env.dispatcher.RunIsolatedJob(context.Background(), job, "go")
	if err != nil {
		t.Fatalf("RunIsolatedJob() error = %v, loop failures fold into the outcome", err)
	}
	if outcome.Status != cron.StatusError {
		t.Errorf("outcome.Status = %s, want error", outcome.Status)
	}
	if outcome.Error == "" {
		t.Error("outcome.Error empty")
	}
}

func TestBusyTracksInflight(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{
		name: "anthropic", available: true,
		steps: []func() (*agent.Completion, error){
			func() (*agent.Completion, error) {
				<-release
				return &agent.Completion{Content: "done"}, nil
			},
		},
	}
	env := newTestEnv(t, provider, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.adapter.Inject(context.Background(), inbound("m1", "slow request"))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !env.dispatcher.Busy() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !env.dispatcher.Busy() {
		t.Fatal("dispatcher never reported busy")
	}
	close(release)
	<-done
	if env.dispatcher.Busy() {
		t.Error("dispatcher still busy after turn finished")
	}
}
