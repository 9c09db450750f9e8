// Package agent executes conversational turns: it resolves the session and
// model, drives the provider with credential failover, streams partial
// replies, and delivers the result through the channel docks.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/clawdbot/internal/authprofiles"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/providers"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/internal/usage"
)

// NoReplySentinel suppresses delivery and typing when it is the whole reply.
const NoReplySentinel = "NO_REPLY"

// historyLimit caps transcript turns loaded into the provider context.
const historyLimit = 100

// failedBeforeReply is the user-visible fatal error text.
const failedBeforeReply = "Agent failed before reply"

// Deliverer hands payloads to a channel for chunking and sending.
type Deliverer interface {
	Deliver(ctx context.Context, msg bus.OutboundMessage) error
}

// Options wire an Orchestrator.
type Options struct {
	Config   *config.Config
	Sessions *sessions.Store
	Auth     *authprofiles.Store
	Factory  providers.Factory
	Outbound Deliverer
	Events   bus.EventPublisher
	Ledger   *usage.Ledger // optional

	// TypingFor builds a typing signaler for a channel route; nil disables.
	TypingFor func(channel, to string) TypingSignaler

	Now func() time.Time
}

// Orchestrator runs agent turns with per-session serialization.
type Orchestrator struct {
	cfg      *config.Config
	sessions *sessions.Store
	auth     *authprofiles.Store
	factory  providers.Factory
	outbound Deliverer
	events   bus.EventPublisher
	ledger   *usage.Ledger
	typing   func(channel, to string) TypingSignaler
	queues   *queueSet
	now      func() time.Time
}

func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Factory == nil {
		opts.Factory = providers.DefaultFactory
	}
	return &Orchestrator{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		auth:     opts.Auth,
		factory:  opts.Factory,
		outbound: opts.Outbound,
		events:   opts.Events,
		ledger:   opts.Ledger,
		typing:   opts.TypingFor,
		queues:   newQueueSet(opts.Config.Session.QueueMode),
		now:      opts.Now,
	}
}

// Abort cancels the active run on a session key and waits for it to exit.
// Wired as the session store's delete hook.
func (o *Orchestrator) Abort(key sessions.SessionKey) error {
	return o.queues.Abort(key)
}

// RunRequest is one turn.
type RunRequest struct {
	SessionKey sessions.SessionKey `json:"sessionKey"`
	RunID      string              `json:"runId,omitempty"`
	Prompt     string              `json:"prompt"`

	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`

	// Channel route for delivery and typing.
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`

	Deliver     bool   `json:"deliver,omitempty"`
	IsHeartbeat bool   `json:"isHeartbeat,omitempty"`
	Lane        string `json:"lane,omitempty"` // "" or "subagent"
	TimeoutSec  int    `json:"timeoutSec,omitempty"`
}

// RunResult is the outcome of one turn.
type RunResult struct {
	RunID      string          `json:"runId"`
	SessionID  string          `json:"sessionId"`
	Text       string          `json:"text,omitempty"`
	Reasoning  string          `json:"reasoning,omitempty"`
	Suppressed bool            `json:"suppressed,omitempty"`
	Aborted    bool            `json:"aborted,omitempty"`
	Usage      providers.Usage `json:"usage"`
	DurationMs int64           `json:"durationMs"`
	Error      string          `json:"error,omitempty"`
}

// Run executes one turn under the session queue, with a single reset+retry
// on context overflow or corrupt history.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Prompt == "" {
		return nil, &providers.RunError{Kind: providers.KindInvalidRequest, Message: "prompt is empty"}
	}

	ctx, span := otel.Tracer("clawdbot/agent").Start(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("session.key", string(req.SessionKey)),
		attribute.String("run.id", req.RunID),
	)
	defer span.End()

	var result *RunResult
	err := o.queues.Run(ctx, req.SessionKey, func(runCtx context.Context) error {
		timeout := time.Duration(req.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(o.timeoutSec()) * time.Second
		}
		runCtx, cancel := context.WithTimeout(runCtx, timeout)
		defer cancel()

		o.emitRunEvent("run.started", req, nil)
		res, err := o.runTurn(runCtx, req)
		if err == nil {
			result = res
			o.emitRunEvent("run.completed", req, res)
			return nil
		}

		re := providers.Classify(err)
		switch re.Kind {
		case providers.KindContextOverflow, providers.KindCorruptHistory:
			slog.Warn("resetting session after unrecoverable history",
				"key", req.SessionKey, "kind", re.Kind)
			if _, rerr := o.sessions.Reset(req.SessionKey); rerr != nil {
				return rerr
			}
			if re.Kind == providers.KindCorruptHistory {
				o.deliverNote(runCtx, req, "Session history was corrupted and has been reset.")
			}
			res, err = o.runTurn(runCtx, req)
			if err == nil {
				result = res
				o.emitRunEvent("run.completed", req, res)
				return nil
			}
			re = providers.Classify(err)
		}

		if re.Kind == providers.KindAborted {
			result = &RunResult{RunID: req.RunID, Aborted: true}
			o.emitRunEvent("run.aborted", req, result)
			return nil
		}
		o.emitRunEvent("run.failed", req, &RunResult{RunID: req.RunID, Error: re.Message})
		o.deliverNote(runCtx, req, failedBeforeReply+": "+re.Message)
		return re
	})
	return result, err
}

// runTurn performs one provider attempt sequence for the turn.
func (o *Orchestrator) runTurn(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := o.now()

	entry, err := o.sessions.Ensure(req.SessionKey)
	if err != nil {
		return nil, err
	}
	agentID := sessions.AgentOf(req.SessionKey)

	model := entry.ModelOverride
	if model == "" {
		model = o.cfg.ResolveModel(agentID)
	}
	provider, _, ok := sessions.SplitModelRef(model)
	if !ok {
		return nil, &providers.RunError{
			Kind: providers.KindInvalidRequest, Message: fmt.Sprintf("bad model ref %q", model),
		}
	}
	if allow := o.cfg.Agents.Defaults.ModelAllow; len(allow) > 0 && !containsStr(allow, model) {
		return nil, &providers.RunError{
			Kind: providers.KindInvalidRequest, Message: fmt.Sprintf("model %q not allowed", model),
		}
	}

	messages, err := o.loadHistory(entry.SessionID)
	if err != nil {
		slog.Warn("transcript load failed, starting fresh", "key", req.SessionKey, "error", err)
		messages = nil
	}
	messages = append(messages, providers.Message{Role: "user", Content: req.Prompt})

	preq := providers.Request{
		Model:         model,
		System:        o.buildSystemPrompt(agentID, req.ExtraSystemPrompt),
		Messages:      messages,
		ThinkingLevel: o.sessions.EffectiveThinking(req.SessionKey),
	}

	hooks, finish := o.newRunHooks(ctx, req)
	defer finish()

	res, profileID, err := o.runWithFailover(ctx, authprofiles.NormalizeProvider(provider), preq, hooks, "")
	if err != nil {
		return nil, err
	}
	hooks.finishStream()

	o.appendTurn(entry.SessionID, req.Prompt, res.Text)

	suppressed := strings.TrimSpace(res.Text) == NoReplySentinel || res.Text == ""
	result := &RunResult{
		RunID:      req.RunID,
		SessionID:  entry.SessionID,
		Text:       res.Text,
		Reasoning:  res.Reasoning,
		Suppressed: suppressed,
		Usage:      res.Usage,
		DurationMs: o.now().Sub(start).Milliseconds(),
	}

	if req.Deliver && !suppressed && req.Channel != "" && !hooks.streamedAll() {
		o.deliver(ctx, req, res.Text)
	}

	o.bookkeep(ctx, req, agentID, provider, model, profileID, result)
	return result, nil
}

// bookkeep updates the session entry, the usage ledger, and logs.
func (o *Orchestrator) bookkeep(ctx context.Context, req RunRequest, agentID, provider, model, profileID string, res *RunResult) {
	err := o.sessions.Touch(req.SessionKey, func(e *sessions.Entry) {
		e.InputTokens += res.Usage.InputTokens
		e.OutputTokens += res.Usage.OutputTokens
		e.TotalTokens += res.Usage.TotalTokens
		if req.Channel != "" && req.Channel != "webchat" {
			e.LastChannel = req.Channel
			e.LastTo = req.To
			e.LastAccountID = req.AccountID
		}
	})
	if err != nil {
		slog.Warn("session bookkeeping failed", "key", req.SessionKey, "error", err)
	}
	if o.ledger != nil {
		_ = o.ledger.Record(ctx, usage.Turn{
			At:           o.now().UnixMilli(),
			SessionKey:   string(req.SessionKey),
			AgentID:      agentID,
			Provider:     provider,
			Model:        model,
			ProfileID:    profileID,
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			DurationMs:   res.DurationMs,
			Aborted:      res.Aborted,
		})
	}
}

func (o *Orchestrator) deliver(ctx context.Context, req RunRequest, text string) {
	if o.outbound == nil || strings.TrimSpace(text) == "" {
		return
	}
	err := o.outbound.Deliver(ctx, bus.OutboundMessage{
		Channel:   req.Channel,
		AccountID: req.AccountID,
		To:        req.To,
		Content:   text,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		slog.Error("delivery failed", "channel", req.Channel, "to", req.To, "error", err)
	}
}

func (o *Orchestrator) deliverNote(ctx context.Context, req RunRequest, note string) {
	if req.Deliver && req.Channel != "" {
		o.deliver(ctx, req, note)
	}
}

// loadHistory reads the transcript tail into provider messages.
func (o *Orchestrator) loadHistory(sessionID string) ([]providers.Message, error) {
	lines, err := o.sessions.ReadTranscript(sessionID, historyLimit)
	if err != nil {
		return nil, err
	}
	var out []providers.Message
	for _, line := range lines {
		var rec transcriptRecord
		if json.Unmarshal([]byte(line), &rec) != nil || rec.Role == "" {
			continue
		}
		out = append(out, providers.Message{Role: rec.Role, Content: rec.Content})
	}
	return out, nil
}

type transcriptRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	At      int64  `json:"at,omitempty"`
}

func (o *Orchestrator) appendTurn(sessionID, prompt, reply string) {
	at := o.now().UnixMilli()
	for _, rec := range []transcriptRecord{
		{Role: "user", Content: prompt, At: at},
		{Role: "assistant", Content: reply, At: at},
	} {
		if rec.Content == "" {
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if err := o.sessions.AppendTranscript(sessionID, line); err != nil {
			slog.Warn("transcript append failed", "sessionId", sessionID, "error", err)
			return
		}
	}
}

func (o *Orchestrator) buildSystemPrompt(agentID, extra string) string {
	var b strings.Builder
	name := agentID
	if spec, ok := o.cfg.Agents.List[agentID]; ok && spec.DisplayName != "" {
		name = spec.DisplayName
	}
	fmt.Fprintf(&b, "You are %s, a personal agent reachable over chat channels.\n", name)
	if ws := o.cfg.Agents.Defaults.Workspace; ws != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", ws)
	}
	fmt.Fprintf(&b, "Current time: %s\n", o.now().UTC().Format(time.RFC3339))
	b.WriteString("Reply with NO_REPLY when no response is warranted.\n")
	if extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
	}
	return b.String()
}

func (o *Orchestrator) timeoutSec() int {
	if t := o.cfg.Agents.Defaults.TimeoutSec; t > 0 {
		return t
	}
	return 600
}

func (o *Orchestrator) emitRunEvent(kind string, req RunRequest, res *RunResult) {
	if o.events == nil {
		return
	}
	payload := map[string]any{
		"type":       kind,
		"runId":      req.RunID,
		"sessionKey": string(req.SessionKey),
	}
	if req.Lane != "" {
		payload["lane"] = req.Lane
	}
	if res != nil {
		if res.Error != "" {
			payload["error"] = res.Error
		}
		payload["aborted"] = res.Aborted
	}
	o.events.Broadcast(bus.Event{Name: "agent", Payload: payload})
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ Deliverer = (*nopDeliverer)(nil)

// nopDeliverer drops payloads; used when no channels are configured.
type nopDeliverer struct{}

func (nopDeliverer) Deliver(context.Context, bus.OutboundMessage) error { return nil }

// runHooks bridge provider callbacks to typing, block streaming, and events.
type runHooks struct {
	providers.NopHooks

	o   *Orchestrator
	ctx context.Context
	req RunRequest

	mu        sync.Mutex
	typing    *typingController
	stream    *blockStream
	streamed  int // bytes delivered via block streaming
	total     int // bytes of assistant text seen
	stopTick  chan struct{}
	streaming bool
}

// newRunHooks builds hooks for one turn; finish releases the ticker and
// typing indicator on every exit path.
func (o *Orchestrator) newRunHooks(ctx context.Context, req RunRequest) (*runHooks, func()) {
	var sig TypingSignaler
	if o.typing != nil && req.Channel != "" {
		sig = o.typing(req.Channel, req.To)
	}
	mode := o.cfg.Agents.Defaults.TypingMode
	h := &runHooks{
		o:        o,
		ctx:      ctx,
		req:      req,
		typing:   newTypingController(mode, sig, req.IsHeartbeat),
		stopTick: make(chan struct{}),
	}

	bsCfg := o.cfg.Agents.Defaults.BlockStreaming
	if bsCfg != nil && bsCfg.Enabled && req.Deliver && req.Channel != "" {
		h.streaming = true
		h.stream = newBlockStream(bsCfg.MinChars, bsCfg.IdleMs, bsCfg.EnforceFinalTag, func(text string, reason BreakReason) {
			h.OnBlockReply(text)
			o.emitBlockReply(req, text, reason)
		})
		go h.tickLoop()
	}

	return h, func() {
		close(h.stopTick)
		h.mu.Lock()
		h.typing.stop()
		h.mu.Unlock()
	}
}

func (h *runHooks) tickLoop() {
	t := time.NewTicker(250 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-h.stopTick:
			return
		case at := <-t.C:
			h.mu.Lock()
			if h.stream != nil {
				h.stream.Tick(at)
			}
			h.mu.Unlock()
		}
	}
}

func (h *runHooks) OnRunStart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing.onRunStart()
}

func (h *runHooks) OnAssistantMessageStart() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing.onAssistantMessageStart()
}

func (h *runHooks) OnTextDelta(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing.onTextDelta()
	h.total += len(text)
	if h.stream != nil {
		h.stream.Push(text, h.o.now())
	}
}

func (h *runHooks) OnReasoningDelta(string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.typing.onReasoningDelta()
}

func (h *runHooks) OnToolStart(name string, args map[string]any) {
	h.mu.Lock()
	h.typing.onToolActivity()
	h.mu.Unlock()
	if h.o.events != nil {
		h.o.events.Broadcast(bus.Event{Name: "agent", Payload: map[string]any{
			"type": "tool.call", "runId": h.req.RunID, "tool": name,
		}})
	}
}

func (h *runHooks) OnToolResult(name string, result string, failed bool) {
	h.mu.Lock()
	h.typing.onToolActivity()
	h.mu.Unlock()
	if h.o.events != nil {
		h.o.events.Broadcast(bus.Event{Name: "agent", Payload: map[string]any{
			"type": "tool.result", "runId": h.req.RunID, "tool": name, "failed": failed,
		}})
	}
}

// OnBlockReply delivers one flushed partial reply over the request route.
// Invoked with mu held from the block stream flush.
func (h *runHooks) OnBlockReply(text string) {
	h.streamed += len(text)
	h.o.deliver(h.ctx, h.req, text)
}

// finishStream flushes the block accumulator at message end.
func (h *runHooks) finishStream() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream != nil {
		h.stream.Finish()
	}
}

// streamedAll reports whether block streaming already delivered the reply.
func (h *runHooks) streamedAll() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming && h.streamed > 0
}

func (o *Orchestrator) emitBlockReply(req RunRequest, text string, reason BreakReason) {
	if o.events == nil {
		return
	}
	o.events.Broadcast(bus.Event{Name: "agent", Payload: map[string]any{
		"type": "block.reply", "runId": req.RunID, "reason": string(reason), "chars": len(text),
	}})
}
