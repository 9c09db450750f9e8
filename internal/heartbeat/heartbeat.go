// Package heartbeat runs the periodic probe turn against the default
// agent's main session and delivers proactive results over its last route.
package heartbeat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/channels"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
)

// AckSentinel suppresses heartbeat delivery when it is the whole reply.
const AckSentinel = "HEARTBEAT_OK"

const defaultInterval = 30 * time.Minute

const defaultPrompt = "Heartbeat check. Review pending work and reply HEARTBEAT_OK " +
	"if nothing needs the user's attention."

// AgentRunner executes one agent turn. Satisfied by *agent.Orchestrator.
type AgentRunner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// Deliverer sends a proactive payload over a channel route.
type Deliverer interface {
	Deliver(ctx context.Context, msg bus.OutboundMessage) error
}

// ChannelStatus reports whether a channel account is linked and listening.
// Nil means always ready.
type ChannelStatus func(channel, accountID string) bool

// Runner is the heartbeat loop.
type Runner struct {
	cfg      *config.Config
	sessions *sessions.Store
	runner   AgentRunner
	outbound Deliverer
	status   ChannelStatus
	now      func() time.Time
	cron     *gronx.Gronx

	stop chan struct{}
	done chan struct{}
}

// Options wire a Runner.
type Options struct {
	Config   *config.Config
	Sessions *sessions.Store
	Runner   AgentRunner
	Outbound Deliverer
	Status   ChannelStatus
	Now      func() time.Time
}

func New(opts Options) *Runner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		runner:   opts.Runner,
		outbound: opts.Outbound,
		status:   opts.Status,
		now:      opts.Now,
		cron:     gronx.New(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. A zero or unparseable interval disables it.
func (r *Runner) Start() {
	interval := r.interval()
	if interval <= 0 {
		slog.Info("heartbeat disabled")
		close(r.done)
		return
	}
	go func() {
		defer close(r.done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-t.C:
				r.Tick(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (r *Runner) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	<-r.done
}

// interval parses heartbeat.every. "0m", empty with no default, or garbage
// disables; empty falls back to 30m.
func (r *Runner) interval() time.Duration {
	hb := r.cfg.Agents.Defaults.Heartbeat
	if hb == nil || hb.Every == "" {
		return defaultInterval
	}
	d, err := time.ParseDuration(hb.Every)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// TickStatus describes what one tick did, for health reporting.
type TickStatus struct {
	Ran       bool   `json:"ran"`
	Delivered bool   `json:"delivered"`
	Skipped   string `json:"skipped,omitempty"` // reason when not run or not delivered
}

// Tick runs one heartbeat turn.
func (r *Runner) Tick(ctx context.Context) TickStatus {
	hb := r.cfg.Agents.Defaults.Heartbeat
	if hb == nil {
		hb = &config.HeartbeatConfig{}
	}

	if hb.ActiveHours != "" {
		due, err := r.cron.IsDue(hb.ActiveHours, r.now())
		if err != nil {
			slog.Warn("heartbeat activeHours invalid", "expr", hb.ActiveHours, "error", err)
		} else if !due {
			return TickStatus{Skipped: "outside-active-hours"}
		}
	}

	agentID := r.cfg.ResolveDefaultAgentID()
	key := sessions.MainKey(agentID, r.cfg.MainKey())
	target := r.resolveDeliveryTarget(key, hb)
	if target.Reason == "none" {
		return TickStatus{Skipped: "no-target"}
	}
	if target.Channel == "whatsapp" && r.status != nil && !r.status(target.Channel, target.AccountID) {
		return TickStatus{Skipped: "channel-not-ready"}
	}

	prompt := hb.Prompt
	if prompt == "" {
		prompt = defaultPrompt
	}

	res, err := r.runner.Run(ctx, agent.RunRequest{
		SessionKey:  key,
		Prompt:      prompt,
		IsHeartbeat: true,
		Deliver:     false,
	})
	if err != nil {
		slog.Warn("heartbeat run failed", "error", err)
		return TickStatus{Ran: true, Skipped: "run-failed"}
	}

	st := TickStatus{Ran: true}
	if hb.IncludeReasoning && strings.TrimSpace(res.Reasoning) != "" {
		r.deliver(ctx, target, res.Reasoning)
		st.Delivered = true
	}

	final := res.Text
	if IsAck(final) {
		if !st.Delivered {
			st.Skipped = "heartbeat-ok"
		}
		return st
	}
	if hb.AckMaxChars > 0 && len(final) > hb.AckMaxChars {
		final = channels.Truncate(final, hb.AckMaxChars)
	}
	if strings.TrimSpace(final) != "" {
		r.deliver(ctx, target, final)
		st.Delivered = true
	}
	return st
}

func (r *Runner) deliver(ctx context.Context, target Target, text string) {
	if r.outbound == nil {
		return
	}
	err := r.outbound.Deliver(ctx, bus.OutboundMessage{
		Channel:   target.Channel,
		AccountID: target.AccountID,
		To:        target.To,
		Content:   text,
	})
	if err != nil {
		slog.Error("heartbeat delivery failed", "channel", target.Channel, "to", target.To, "error", err)
	}
}

// Target is the resolved heartbeat delivery route.
type Target struct {
	Channel   string `json:"channel,omitempty"`
	To        string `json:"to,omitempty"`
	AccountID string `json:"accountId,omitempty"`
	Reason    string `json:"reason"`
}

// resolveDeliveryTarget picks where a heartbeat result goes:
// explicit target wins, then the session's last route, then nowhere.
func (r *Runner) resolveDeliveryTarget(key sessions.SessionKey, hb *config.HeartbeatConfig) Target {
	if hb.Target == "none" {
		return Target{Reason: "none"}
	}

	channel, to := hb.Target, hb.To
	reason := "explicit"
	if channel == "" || channel == "last" {
		entry, ok := r.sessions.Get(key)
		if !ok || entry.LastChannel == "" {
			return Target{Reason: "none"}
		}
		channel, to = entry.LastChannel, entry.LastTo
		reason = "last-route"
		if to == "" {
			return Target{Reason: "none"}
		}
	}
	if channel == "webchat" {
		return Target{Reason: "none"}
	}

	if channel == "whatsapp" {
		allow := r.cfg.Channels.WhatsApp.ResolveAllowFrom("")
		if len(allow) > 0 && !allowListed(allow, to) && !strings.HasSuffix(to, "@g.us") {
			return Target{Channel: channel, To: allow[0], Reason: "allowFrom-fallback"}
		}
	}
	return Target{Channel: channel, To: to, Reason: reason}
}

func allowListed(allow []string, to string) bool {
	for _, a := range allow {
		if strings.EqualFold(strings.TrimSpace(a), to) {
			return true
		}
	}
	return false
}

// ackPattern matches the sentinel optionally wrapped in simple markup, e.g.
// "<b>HEARTBEAT_OK</b>", "*HEARTBEAT_OK*" or "`HEARTBEAT_OK`".
var ackPattern = regexp.MustCompile(`^(?:[*_~` + "`" + `]+|<[^>]+>)*\s*HEARTBEAT_OK\s*(?:[*_~` + "`" + `]+|<[^>]+>)*$`)

// IsAck reports whether a final payload is the bare sentinel, including
// markup-wrapped variants.
func IsAck(text string) bool {
	return ackPattern.MatchString(strings.TrimSpace(text))
}
