package gateway

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
	"github.com/nextlevelbuilder/clawdbot/internal/subagents"
	"github.com/nextlevelbuilder/clawdbot/pkg/protocol"
)

// restartSentinel is written by config.apply; the supervisor restarts the
// process when it appears.
const restartSentinel = "restart.requested"

func (s *Server) registerMethods() {
	s.router.Register(protocol.MethodAgent, s.handleAgent)
	s.router.Register(protocol.MethodAgentWait, s.handleAgentWait)

	s.router.Register(protocol.MethodSessionsList, s.handleSessionsList)
	s.router.Register(protocol.MethodSessionsResolve, s.handleSessionsResolve)
	s.router.Register(protocol.MethodSessionsPatch, s.handleSessionsPatch)
	s.router.Register(protocol.MethodSessionsReset, s.handleSessionsReset)
	s.router.Register(protocol.MethodSessionsDelete, s.handleSessionsDelete)
	s.router.Register(protocol.MethodSessionsCompact, s.handleSessionsCompact)
	s.router.Register(protocol.MethodSessionsSpawn, s.handleSessionsSpawn)

	s.router.Register(protocol.MethodChatHistory, s.handleChatHistory)
	s.router.Register(protocol.MethodSend, s.handleSend)

	s.router.Register(protocol.MethodConfigGet, s.handleConfigGet)
	s.router.Register(protocol.MethodConfigSchema, s.handleConfigSchema)
	s.router.Register(protocol.MethodConfigSet, s.handleConfigSet)
	s.router.Register(protocol.MethodConfigApply, s.handleConfigApply)

	s.router.Register(protocol.MethodChannelsStatus, s.handleChannelsStatus)
	s.router.Register(protocol.MethodChannelsLogout, s.handleChannelsLogout)

	s.router.Register(protocol.MethodHealth, s.handleHealth)
}

type agentParams struct {
	SessionKey        string `json:"sessionKey"`
	RunID             string `json:"runId,omitempty"`
	Prompt            string `json:"prompt"`
	ExtraSystemPrompt string `json:"extraSystemPrompt,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	AccountID         string `json:"accountId,omitempty"`
	ThreadID          string `json:"threadId,omitempty"`
	Deliver           bool   `json:"deliver,omitempty"`
	Lane              string `json:"lane,omitempty"`
	TimeoutSec        int    `json:"timeoutSec,omitempty"`
}

// handleAgent runs one turn. When the client opted into streaming, run
// events for this runId are forwarded as non-final frames.
func (s *Server) handleAgent(ctx context.Context, call *Call) (any, error) {
	var p agentParams
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if p.Prompt == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "prompt is required")
	}
	key, err := s.sessions.Resolve(p.SessionKey)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	if p.RunID == "" {
		p.RunID = uuid.NewString()
	}

	if call.Emit != nil && s.events != nil {
		subID := "agent-stream-" + p.RunID
		s.events.Subscribe(subID, func(ev bus.Event) {
			if ev.Name != protocol.EventAgent {
				return
			}
			if payload, ok := ev.Payload.(map[string]any); ok && payload["runId"] == p.RunID {
				call.Emit(ev.Name, payload)
			}
		})
		defer s.events.Unsubscribe(subID)
	}

	res, err := s.orchestrator.Run(ctx, agent.RunRequest{
		SessionKey:        key,
		RunID:             p.RunID,
		Prompt:            p.Prompt,
		ExtraSystemPrompt: p.ExtraSystemPrompt,
		Channel:           p.Channel,
		To:                p.To,
		AccountID:         p.AccountID,
		ThreadID:          p.ThreadID,
		Deliver:           p.Deliver,
		Lane:              p.Lane,
		TimeoutSec:        p.TimeoutSec,
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Server) handleAgentWait(ctx context.Context, call *Call) (any, error) {
	var p struct {
		RunID     string `json:"runId"`
		TimeoutMs int    `json:"timeoutMs"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "runId is required")
	}
	if s.subagents == nil {
		return nil, protocol.NewRPCError(protocol.ErrUnavailable, "subagents disabled")
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done, err := s.subagents.Wait(ctx, p.RunID, timeout)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	return map[string]any{"ok": done}, nil
}

func (s *Server) handleSessionsList(ctx context.Context, call *Call) (any, error) {
	var p struct {
		AgentID string `json:"agentId,omitempty"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	return map[string]any{"sessions": s.sessions.List(p.AgentID)}, nil
}

func (s *Server) handleSessionsResolve(ctx context.Context, call *Call) (any, error) {
	var p struct {
		Ref string `json:"ref"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	key, err := s.sessions.Resolve(p.Ref)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	return map[string]any{"key": key}, nil
}

func (s *Server) handleSessionsPatch(ctx context.Context, call *Call) (any, error) {
	var p struct {
		Key   string         `json:"key"`
		Patch sessions.Patch `json:"patch"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	key, err := s.sessions.Resolve(p.Key)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	entry, err := s.sessions.Apply(key, p.Patch)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "entry": entry}, nil
}

func (s *Server) handleSessionsReset(ctx context.Context, call *Call) (any, error) {
	key, err := s.resolveKeyParam(call)
	if err != nil {
		return nil, err
	}
	entry, err := s.sessions.Reset(key)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "entry": entry}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, call *Call) (any, error) {
	key, err := s.resolveKeyParam(call)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Delete(key); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, err.Error())
	}
	return map[string]any{"key": key, "deleted": true}, nil
}

func (s *Server) handleSessionsCompact(ctx context.Context, call *Call) (any, error) {
	var p struct {
		Key      string `json:"key"`
		MaxLines int    `json:"maxLines"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	key, err := s.sessions.Resolve(p.Key)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	if p.MaxLines <= 0 {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "maxLines must be positive")
	}
	entry, err := s.sessions.Compact(key, p.MaxLines)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "entry": entry}, nil
}

func (s *Server) handleSessionsSpawn(ctx context.Context, call *Call) (any, error) {
	var p struct {
		Key         string `json:"key"`
		TargetAgent string `json:"targetAgent,omitempty"`
		Task        string `json:"task"`
		Model       string `json:"model,omitempty"`
		Label       string `json:"label,omitempty"`
		Cleanup     string `json:"cleanup,omitempty"`
		TimeoutSec  int    `json:"timeoutSec,omitempty"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if s.subagents == nil {
		return nil, protocol.NewRPCError(protocol.ErrUnavailable, "subagents disabled")
	}
	key, err := s.sessions.Resolve(p.Key)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	res, err := s.subagents.Spawn(ctx, subagents.SpawnRequest{
		RequesterKey: key,
		TargetAgent:  p.TargetAgent,
		Task:         p.Task,
		Model:        p.Model,
		Label:        p.Label,
		Cleanup:      p.Cleanup,
		TimeoutSec:   p.TimeoutSec,
	})
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, err.Error())
	}
	return res, nil
}

func (s *Server) handleChatHistory(ctx context.Context, call *Call) (any, error) {
	var p struct {
		Key   string `json:"key"`
		Limit int    `json:"limit,omitempty"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	key, err := s.sessions.Resolve(p.Key)
	if err != nil {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	entry, ok := s.sessions.Get(key)
	if !ok {
		return nil, protocol.NewRPCError(protocol.ErrNotFound, "no session for "+string(key))
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 200
	}
	lines, err := s.sessions.ReadTranscript(entry.SessionID, limit)
	if err != nil {
		return nil, err
	}
	turns := make([]json.RawMessage, 0, len(lines))
	for _, line := range lines {
		turns = append(turns, json.RawMessage(line))
	}
	return map[string]any{"key": key, "sessionId": entry.SessionID, "turns": turns}, nil
}

func (s *Server) handleSend(ctx context.Context, call *Call) (any, error) {
	var p bus.OutboundMessage
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if p.Channel == "" || p.To == "" || p.Content == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "channel, to and content are required")
	}
	if s.outbound == nil {
		return nil, protocol.NewRPCError(protocol.ErrUnavailable, "no outbound senders configured")
	}
	if err := s.outbound.Deliver(ctx, p); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrUnavailable, err.Error())
	}
	return map[string]any{"sent": true}, nil
}

func (s *Server) handleConfigGet(ctx context.Context, call *Call) (any, error) {
	return map[string]any{"config": s.cfg.MaskedCopy(), "path": s.configPath}, nil
}

func (s *Server) handleConfigSchema(ctx context.Context, call *Call) (any, error) {
	r := &jsonschema.Reflector{DoNotReference: true}
	return map[string]any{"schema": r.Reflect(&config.Config{})}, nil
}

func (s *Server) handleConfigSet(ctx context.Context, call *Call) (any, error) {
	return s.applyConfig(call, false)
}

// handleConfigApply persists like config.set and additionally schedules a
// process restart via the sentinel file.
func (s *Server) handleConfigApply(ctx context.Context, call *Call) (any, error) {
	return s.applyConfig(call, true)
}

func (s *Server) applyConfig(call *Call, restart bool) (any, error) {
	var p struct {
		Config json.RawMessage `json:"config"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if len(p.Config) == 0 {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "config is required")
	}
	next := config.Default()
	if err := json.Unmarshal(p.Config, next); err != nil {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "bad config: "+err.Error())
	}
	next.StripMaskedSecrets()
	if err := config.Save(s.configPath, next); err != nil {
		return nil, err
	}
	s.cfg.ReplaceFrom(next)

	result := map[string]any{"saved": true}
	if restart {
		sentinel := filepath.Join(filepath.Dir(s.configPath), restartSentinel)
		if err := os.WriteFile(sentinel, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o600); err != nil {
			return nil, err
		}
		result["restartScheduled"] = true
		if s.restart != nil {
			go s.restart()
		}
	}
	return result, nil
}

func (s *Server) handleChannelsStatus(ctx context.Context, call *Call) (any, error) {
	if s.outbound == nil {
		return map[string]any{"channels": []any{}}, nil
	}
	return map[string]any{"channels": s.outbound.Statuses()}, nil
}

func (s *Server) handleChannelsLogout(ctx context.Context, call *Call) (any, error) {
	var p struct {
		Channel string `json:"channel"`
	}
	if err := call.Bind(&p); err != nil {
		return nil, err
	}
	if p.Channel == "" {
		return nil, protocol.NewRPCError(protocol.ErrInvalidRequest, "channel is required")
	}
	unlinked := s.outbound != nil && s.outbound.Logout(p.Channel)
	return map[string]any{"channel": p.Channel, "unlinked": unlinked}, nil
}

func (s *Server) handleHealth(ctx context.Context, call *Call) (any, error) {
	snapshot := map[string]any{
		"status":       "ok",
		"version":      s.version,
		"protocol":     protocol.ProtocolVersion,
		"uptimeSec":    int64(time.Since(s.startedAt).Seconds()),
		"sessionCount": len(s.sessions.List("")),
		"defaultAgent": s.cfg.ResolveDefaultAgentID(),
	}
	if s.outbound != nil {
		snapshot["channels"] = s.outbound.Statuses()
	}
	if s.subagents != nil {
		snapshot["subagentRuns"] = len(s.subagents.List())
	}
	if s.ledger != nil {
		if totals, err := s.ledger.DailyTotals(ctx, time.Now()); err == nil {
			snapshot["usageToday"] = totals
		}
	}
	return snapshot, nil
}

func (s *Server) resolveKeyParam(call *Call) (sessions.SessionKey, error) {
	var p struct {
		Key string `json:"key"`
	}
	if err := call.Bind(&p); err != nil {
		return "", err
	}
	key, err := s.sessions.Resolve(p.Key)
	if err != nil {
		return "", protocol.NewRPCError(protocol.ErrNotFound, err.Error())
	}
	return key, nil
}
