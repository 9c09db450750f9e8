package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/authprofiles"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/providers"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
)

type scriptedRunner struct {
	mu      sync.Mutex
	calls   int
	results []func(hooks providers.Hooks) (*providers.Result, error)
}

func (r *scriptedRunner) Name() string { return "anthropic" }

func (r *scriptedRunner) Run(ctx context.Context, req providers.Request, hooks providers.Hooks) (*providers.Result, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.mu.Unlock()
	if i >= len(r.results) {
		i = len(r.results) - 1
	}
	hooks.OnRunStart()
	return r.results[i](hooks)
}

func reply(text string) func(providers.Hooks) (*providers.Result, error) {
	return func(hooks providers.Hooks) (*providers.Result, error) {
		hooks.OnAssistantMessageStart()
		hooks.OnTextDelta(text)
		return &providers.Result{
			Text:       text,
			StopReason: "stop",
			Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}, nil
	}
}

func fail(kind providers.ErrorKind, msg string) func(providers.Hooks) (*providers.Result, error) {
	return func(providers.Hooks) (*providers.Result, error) {
		return nil, &providers.RunError{Kind: kind, Message: msg}
	}
}

type captureDeliverer struct {
	mu   sync.Mutex
	msgs []bus.OutboundMessage
}

func (c *captureDeliverer) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *captureDeliverer) all() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.msgs...)
}

func testOrchestrator(t *testing.T, runner *scriptedRunner) (*Orchestrator, *sessions.Store, *captureDeliverer) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Agents.Defaults.Model = "anthropic/claude-opus-4"
	cfg.Agents.Defaults.TypingMode = "never"
	cfg.Session.QueueMode = "interrupt"

	store, err := sessions.Open(sessions.Options{
		Dir:          t.TempDir(),
		DefaultAgent: "main",
		DefaultModel: cfg.Agents.Defaults.Model,
	})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}

	auth, err := authprofiles.Ensure(t.TempDir())
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if err := auth.Put("anthropic:test", authprofiles.APIKey{Provider: "anthropic", Key: "sk-test"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	out := &captureDeliverer{}
	o := New(Options{
		Config:   cfg,
		Sessions: store,
		Auth:     auth,
		Factory: func(provider string, cred authprofiles.Credential) (providers.Runner, error) {
			return runner, nil
		},
		Outbound: out,
	})
	return o, store, out
}

func TestRunDeliversReply(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		reply("hello from the agent"),
	}}
	o, store, out := testOrchestrator(t, runner)

	key := sessions.MainKey("main", "main")
	res, err := o.Run(context.Background(), RunRequest{
		SessionKey: key,
		Prompt:     "hi",
		Channel:    "telegram",
		To:         "12345",
		Deliver:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "hello from the agent" || res.Suppressed {
		t.Fatalf("result %+v", res)
	}

	msgs := out.all()
	if len(msgs) != 1 || msgs[0].Channel != "telegram" || msgs[0].To != "12345" {
		t.Fatalf("delivered %v", msgs)
	}

	entry, ok := store.Get(key)
	if !ok {
		t.Fatal("session missing")
	}
	if entry.TotalTokens != 15 || entry.LastChannel != "telegram" || entry.LastTo != "12345" {
		t.Fatalf("bookkeeping %+v", entry)
	}
}

func TestContextOverflowResetsAndRetriesOnce(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		fail(providers.KindContextOverflow, "prompt is too long"),
		reply("fresh start"),
	}}
	o, store, _ := testOrchestrator(t, runner)

	key := sessions.MainKey("main", "main")
	before, err := store.Ensure(key)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	res, err := o.Run(context.Background(), RunRequest{SessionKey: key, Prompt: "hi"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "fresh start" {
		t.Fatalf("text = %q", res.Text)
	}
	if runner.calls != 2 {
		t.Fatalf("calls = %d, want 2", runner.calls)
	}

	after, _ := store.Get(key)
	if after.SessionID == before.SessionID {
		t.Fatal("session was not reset on overflow")
	}
}

func TestSecondOverflowFails(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		fail(providers.KindContextOverflow, "prompt is too long"),
	}}
	o, _, out := testOrchestrator(t, runner)

	key := sessions.MainKey("main", "main")
	_, err := o.Run(context.Background(), RunRequest{
		SessionKey: key,
		Prompt:     "hi",
		Channel:    "telegram",
		To:         "12345",
		Deliver:    true,
	})
	if err == nil {
		t.Fatal("want error after repeated overflow")
	}
	if runner.calls != 2 {
		t.Fatalf("calls = %d, want 2 (original plus one retry)", runner.calls)
	}

	msgs := out.all()
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Content, failedBeforeReply) {
		t.Fatalf("delivered %v, want failure notice", msgs)
	}
}

func TestCorruptHistoryNotifiesUser(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		fail(providers.KindCorruptHistory, "unexpected `tool_use_id` found"),
		reply("recovered"),
	}}
	o, _, out := testOrchestrator(t, runner)

	key := sessions.MainKey("main", "main")
	res, err := o.Run(context.Background(), RunRequest{
		SessionKey: key,
		Prompt:     "hi",
		Channel:    "telegram",
		To:         "12345",
		Deliver:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != "recovered" {
		t.Fatalf("text = %q", res.Text)
	}

	msgs := out.all()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want reset notice plus reply", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "reset") {
		t.Fatalf("first message %q should mention the reset", msgs[0].Content)
	}
}

func TestBlockStreamingDeliversPartialReplies(t *testing.T) {
	text := "first block\n\nsecond block"
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		reply(text),
	}}
	o, _, out := testOrchestrator(t, runner)
	o.cfg.Agents.Defaults.BlockStreaming = &config.BlockStreamingConfig{Enabled: true, MinChars: 5, IdleMs: 50}

	res, err := o.Run(context.Background(), RunRequest{
		SessionKey: sessions.MainKey("main", "main"),
		Prompt:     "hi",
		Channel:    "telegram",
		To:         "12345",
		Deliver:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Text != text {
		t.Fatalf("text = %q", res.Text)
	}

	// the paragraph flush and the end-of-message flush each deliver one
	// block; the full-reply delivery is skipped
	msgs := out.all()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want two blocks: %v", len(msgs), msgs)
	}
	if msgs[0].Content != "first block" || msgs[1].Content != "second block" {
		t.Fatalf("blocks = %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestNoReplySuppressed(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		reply(NoReplySentinel),
	}}
	o, _, out := testOrchestrator(t, runner)

	res, err := o.Run(context.Background(), RunRequest{
		SessionKey: sessions.MainKey("main", "main"),
		Prompt:     "hi",
		Channel:    "telegram",
		To:         "12345",
		Deliver:    true,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Suppressed {
		t.Fatal("sentinel reply was not suppressed")
	}
	if msgs := out.all(); len(msgs) != 0 {
		t.Fatalf("delivered %v, want nothing", msgs)
	}
}

func TestEmptyPromptRejected(t *testing.T) {
	o, _, _ := testOrchestrator(t, &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		reply("unused"),
	}})
	_, err := o.Run(context.Background(), RunRequest{SessionKey: sessions.MainKey("main", "main")})
	re := providers.Classify(err)
	if re == nil || re.Kind != providers.KindInvalidRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestModelAllowlistEnforced(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		reply("unused"),
	}}
	o, _, _ := testOrchestrator(t, runner)
	o.cfg.Agents.Defaults.ModelAllow = []string{"openai/gpt-5"}

	_, err := o.Run(context.Background(), RunRequest{
		SessionKey: sessions.MainKey("main", "main"),
		Prompt:     "hi",
	})
	re := providers.Classify(err)
	if re == nil || re.Kind != providers.KindInvalidRequest {
		t.Fatalf("err = %v", err)
	}
	if runner.calls != 0 {
		t.Fatal("runner invoked despite allowlist rejection")
	}
}

func TestHistoryPersistsAcrossTurns(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		reply("first answer"),
		reply("second answer"),
	}}
	o, store, _ := testOrchestrator(t, runner)

	key := sessions.MainKey("main", "main")
	ctx := context.Background()
	if _, err := o.Run(ctx, RunRequest{SessionKey: key, Prompt: "one"}); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := o.Run(ctx, RunRequest{SessionKey: key, Prompt: "two"}); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	entry, _ := store.Get(key)
	lines, err := store.ReadTranscript(entry.SessionID, 10)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	if len(lines) != 4 {
		t.Fatalf("transcript has %d lines, want 4", len(lines))
	}
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"one", "first answer", "two", "second answer"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("transcript missing %q:\n%s", want, joined)
		}
	}
}

func TestRunTimesOut(t *testing.T) {
	runner := &scriptedRunner{results: []func(providers.Hooks) (*providers.Result, error){
		func(providers.Hooks) (*providers.Result, error) {
			time.Sleep(200 * time.Millisecond)
			return nil, &providers.RunError{Kind: providers.KindAborted, Message: "aborted"}
		},
	}}
	o, _, _ := testOrchestrator(t, runner)

	res, err := o.Run(context.Background(), RunRequest{
		SessionKey: sessions.MainKey("main", "main"),
		Prompt:     "hi",
		TimeoutSec: 1,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Aborted {
		t.Fatalf("result %+v, want aborted", res)
	}
}
