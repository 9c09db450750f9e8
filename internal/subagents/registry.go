// Package subagents owns the lifecycle of child sessions spawned from a
// parent: policy checks, run tracking, the announce flow back to the
// requester, and archival cleanup.
package subagents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
)

// sweepInterval is how often archived child sessions are reaped.
const sweepInterval = time.Minute

// AgentRunner executes one agent turn. Satisfied by *agent.Orchestrator.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Record tracks one spawned child run. All timestamps are unix ms.
type Record struct {
	RunID               string `json:"runId"`
	ChildSessionKey     string `json:"childSessionKey"`
	RequesterSessionKey string `json:"requesterSessionKey"`
	RequesterDisplayKey string `json:"requesterDisplayKey"`
	Task                string `json:"task"`
	Cleanup             string `json:"cleanup"` // "delete" or "keep"
	Label               string `json:"label,omitempty"`
	CreatedAt           int64  `json:"createdAt"`
	StartedAt           int64  `json:"startedAt,omitempty"`
	EndedAt             int64  `json:"endedAt,omitempty"`
	ArchiveAtMs         int64  `json:"archiveAtMs,omitempty"`

	announceHandled bool
	done            chan struct{}
	resultText      string
	resultUsage     string
}

// Registry tracks in-flight subagent runs for one process.
type Registry struct {
	cfg      *config.Config
	sessions *sessions.Store
	runner   AgentRunner
	now      func() time.Time

	mu   sync.Mutex
	runs map[string]*Record

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options wire a Registry.
type Options struct {
	Config   *config.Config
	Sessions *sessions.Store
	Runner   AgentRunner
	Now      func() time.Time
}

func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		runner:   opts.Runner,
		now:      opts.Now,
		runs:     map[string]*Record{},
		stop:     make(chan struct{}),
	}
}

// Start launches the archive sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-t.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// SpawnRequest describes one sessions_spawn call.
type SpawnRequest struct {
	RequesterKey sessions.SessionKey
	TargetAgent  string // defaults to the requester's agent
	Task         string
	Model        string // optional explicit override
	Label        string
	Cleanup      string // "delete" or "keep" (default)
	TimeoutSec   int
}

// SpawnResult is returned to the spawning tool immediately.
type SpawnResult struct {
	RunID           string `json:"runId"`
	ChildSessionKey string `json:"childSessionKey"`
}

// Spawn creates a child session, kicks off its run asynchronously, and
// registers the record for announce and cleanup.
func (r *Registry) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	parentAgent := sessions.AgentOf(req.RequesterKey)
	target := config.NormalizeAgentID(req.TargetAgent)
	if target == "" {
		target = parentAgent
	}
	if !r.spawnAllowed(parentAgent, target) {
		return nil, fmt.Errorf("subagents: spawning agent %q is not allowed from %q", target, parentAgent)
	}
	if strings.TrimSpace(req.Task) == "" {
		return nil, fmt.Errorf("subagents: task is empty")
	}

	childKey := sessions.SubagentKey(target, strings.ToLower(shortuuid.New()))
	if _, err := r.sessions.Ensure(childKey); err != nil {
		return nil, err
	}
	patch := sessions.Patch{SpawnedBy: optSet(string(req.RequesterKey))}
	if req.Label != "" {
		patch.Label = optSet(req.Label)
	}
	if _, err := r.sessions.Apply(childKey, patch); err != nil {
		return nil, err
	}
	if model := r.childModel(parentAgent, req.Model); model != "" {
		if _, err := r.sessions.Apply(childKey, sessions.Patch{Model: optSet(model)}); err != nil {
			// invalid model override falls back to the configured default
			slog.Warn("subagent model override rejected", "model", model, "error", err)
		}
	}

	cleanup := req.Cleanup
	if cleanup != "delete" {
		cleanup = "keep"
	}
	rec := &Record{
		RunID:               uuid.NewString(),
		ChildSessionKey:     string(childKey),
		RequesterSessionKey: string(req.RequesterKey),
		RequesterDisplayKey: displayKey(req.RequesterKey),
		Task:                req.Task,
		Cleanup:             cleanup,
		Label:               req.Label,
		CreatedAt:           r.now().UnixMilli(),
		done:                make(chan struct{}),
	}
	if arch := r.archiveAfter(); cleanup == "keep" && arch > 0 {
		rec.ArchiveAtMs = r.now().Add(arch).UnixMilli()
	}

	r.mu.Lock()
	r.runs[rec.RunID] = rec
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runChild(rec, childKey, req.TimeoutSec)

	return &SpawnResult{RunID: rec.RunID, ChildSessionKey: rec.ChildSessionKey}, nil
}

func (r *Registry) runChild(rec *Record, childKey sessions.SessionKey, timeoutSec int) {
	defer r.wg.Done()

	r.mu.Lock()
	rec.StartedAt = r.now().UnixMilli()
	r.mu.Unlock()

	res, err := r.runner.Run(context.Background(), agent.RunRequest{
		SessionKey: childKey,
		RunID:      rec.RunID,
		Prompt:     rec.Task,
		Lane:       "subagent",
		Deliver:    false,
		TimeoutSec: timeoutSec,
	})
	if err != nil {
		slog.Warn("subagent run failed", "runId", rec.RunID, "error", err)
	}

	r.mu.Lock()
	rec.EndedAt = r.now().UnixMilli()
	if res != nil {
		rec.resultText = res.Text
		rec.resultUsage = fmt.Sprintf("%d in / %d out tokens, %dms",
			res.Usage.InputTokens, res.Usage.OutputTokens, res.DurationMs)
	}
	close(rec.done)
	r.mu.Unlock()

	r.NotifyCompleted(rec.RunID)
}

// Wait blocks until the run completes or the timeout elapses. It is the
// cross-process completion fallback behind the agent.wait RPC.
func (r *Registry) Wait(ctx context.Context, runID string, timeout time.Duration) (bool, error) {
	r.mu.Lock()
	rec := r.runs[runID]
	r.mu.Unlock()
	if rec == nil {
		return false, fmt.Errorf("subagents: unknown run %s", runID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-rec.done:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// BeginAnnounce atomically claims the announce flag for a run. The first
// caller gets true; later completion signals are ignored.
func (r *Registry) BeginAnnounce(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.runs[runID]
	if rec == nil || rec.announceHandled {
		return false
	}
	rec.announceHandled = true
	return true
}

// NotifyCompleted triggers the announce flow for a finished run. Safe to
// call from both the in-process completion path and a lifecycle event
// listener; only the first signal announces.
func (r *Registry) NotifyCompleted(runID string) {
	if !r.BeginAnnounce(runID) {
		return
	}
	r.mu.Lock()
	rec := r.runs[runID]
	r.mu.Unlock()

	r.announce(rec)

	// the record stays registered so late agent.wait calls still resolve
	if rec.Cleanup == "delete" {
		if err := r.sessions.Delete(sessions.SessionKey(rec.ChildSessionKey)); err != nil {
			slog.Warn("subagent cleanup delete failed", "key", rec.ChildSessionKey, "error", err)
		}
	}
}

// announce runs a summarization step against the requester session and
// delivers one message to its last-known target.
func (r *Registry) announce(rec *Record) {
	reqKey := sessions.SessionKey(rec.RequesterSessionKey)
	channel, to, accountID := r.resolveRequesterTarget(reqKey)
	if channel == "" {
		slog.Info("subagent announce skipped, requester has no delivery target",
			"runId", rec.RunID, "requester", rec.RequesterDisplayKey)
		return
	}

	prompt := announcePrompt(rec)
	_, err := r.runner.Run(context.Background(), agent.RunRequest{
		SessionKey:        reqKey,
		Prompt:            prompt,
		ExtraSystemPrompt: "You are relaying a background task result. Reply with one short message for the user.",
		Channel:           channel,
		To:                to,
		AccountID:         accountID,
		Deliver:           true,
	})
	if err != nil {
		slog.Warn("subagent announce failed", "runId", rec.RunID, "error", err)
	}
}

// resolveRequesterTarget prefers the requester entry's last route and falls
// back to scanning the agent's session list.
func (r *Registry) resolveRequesterTarget(key sessions.SessionKey) (channel, to, accountID string) {
	if e, ok := r.sessions.Get(key); ok && e.LastChannel != "" && e.LastChannel != "webchat" {
		return e.LastChannel, e.LastTo, e.LastAccountID
	}
	for _, le := range r.sessions.List(sessions.AgentOf(key)) {
		if le.Entry.LastChannel != "" && le.Entry.LastChannel != "webchat" {
			return le.Entry.LastChannel, le.Entry.LastTo, le.Entry.LastAccountID
		}
	}
	return "", "", ""
}

func announcePrompt(rec *Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A background task you spawned has finished.\n\nTask: %s\n", rec.Task)
	if rec.Label != "" {
		fmt.Fprintf(&b, "Label: %s\n", rec.Label)
	}
	if rec.resultText != "" {
		fmt.Fprintf(&b, "\nResult:\n%s\n", rec.resultText)
	} else {
		b.WriteString("\nThe task produced no output.\n")
	}
	if rec.resultUsage != "" {
		fmt.Fprintf(&b, "\nUsage: %s\n", rec.resultUsage)
	}
	b.WriteString("\nSummarize this outcome for the user in one message.")
	return b.String()
}

// spawnAllowed applies subagents.allowAgents: ["*"] opens all agents, a
// list names permitted targets, empty restricts to the parent agent.
func (r *Registry) spawnAllowed(parentAgent, target string) bool {
	var allow []string
	if sub := r.cfg.Agents.Defaults.Subagents; sub != nil {
		allow = sub.AllowAgents
	}
	if len(allow) == 0 {
		return target == parentAgent
	}
	for _, a := range allow {
		if a == "*" || config.NormalizeAgentID(a) == target {
			return true
		}
	}
	return false
}

// childModel resolves the model override: explicit param, then per-agent
// subagentModel, then the subagents default. Empty keeps the agent default.
func (r *Registry) childModel(parentAgent, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return r.cfg.ResolveSubagentModel(parentAgent)
}

func (r *Registry) archiveAfter() time.Duration {
	if sub := r.cfg.Agents.Defaults.Subagents; sub != nil && sub.ArchiveAfterMinutes > 0 {
		return time.Duration(sub.ArchiveAfterMinutes) * time.Minute
	}
	return 0
}

// sweep deletes archived child sessions past their archive deadline.
func (r *Registry) sweep() {
	now := r.now().UnixMilli()
	r.mu.Lock()
	var due []*Record
	for id, rec := range r.runs {
		if rec.ArchiveAtMs > 0 && rec.ArchiveAtMs <= now && rec.EndedAt > 0 {
			due = append(due, rec)
			delete(r.runs, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range due {
		if err := r.sessions.Delete(sessions.SessionKey(rec.ChildSessionKey)); err != nil {
			slog.Warn("subagent archive delete failed", "key", rec.ChildSessionKey, "error", err)
		}
	}
}

// List snapshots the registered runs, newest first left to the caller.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.runs))
	for _, rec := range r.runs {
		out = append(out, *rec)
	}
	return out
}

// displayKey shortens a session key for user-facing announce text.
func displayKey(key sessions.SessionKey) string {
	parts, err := sessions.Parse(key, "main")
	if err != nil {
		return string(key)
	}
	if parts.SubagentID != "" {
		return parts.AgentID + "/subagent/" + parts.SubagentID
	}
	return parts.AgentID
}

func optSet(v string) sessions.OptString {
	return sessions.OptString{Set: true, Value: v}
}
