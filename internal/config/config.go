// Package config owns clawdbot.json: a JSON5 document with $include
// deep-merge, environment overlays for secrets, and atomic persistence.
package config

import (
	"encoding/json"
	"strings"
	"sync"
)

// DefaultAgentID is used when no agent is explicitly marked default.
const DefaultAgentID = "main"

// Config is the root configuration for the clawdbot gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Auth      AuthConfig      `json:"auth,omitempty"`
	Gateway   GatewayConfig   `json:"gateway"`
	Channels  ChannelsConfig  `json:"channels,omitempty"`
	Session   SessionConfig   `json:"session,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	Workspace string `json:"workspace,omitempty"`

	// Model is "provider/model", e.g. "anthropic/claude-opus-4".
	Model      string   `json:"model,omitempty"`
	ModelAllow []string `json:"modelAllow,omitempty"` // allowlist of "provider/model"; empty = catalog only
	TimeoutSec int      `json:"timeoutSec,omitempty"` // per-run timeout (default 600)

	TypingMode string `json:"typingMode,omitempty"` // "instant", "message", "thinking", "never"

	BlockStreaming *BlockStreamingConfig `json:"blockStreaming,omitempty"`
	Subagents      *SubagentsConfig      `json:"subagents,omitempty"`
	Heartbeat      *HeartbeatConfig      `json:"heartbeat,omitempty"`
}

// AgentSpec is the per-agent configuration override. Zero values inherit.
type AgentSpec struct {
	DisplayName   string `json:"displayName,omitempty"`
	Model         string `json:"model,omitempty"`
	SubagentModel string `json:"subagentModel,omitempty"`
	Workspace     string `json:"workspace,omitempty"`
	Default       bool   `json:"default,omitempty"`
}

// BlockStreamingConfig tunes partial-reply delivery during a run.
type BlockStreamingConfig struct {
	Enabled         bool `json:"enabled,omitempty"`
	MinChars        int  `json:"minChars,omitempty"` // char_budget threshold (default 1500)
	IdleMs          int  `json:"idleMs,omitempty"`   // quiet interval before emit (default 1000)
	EnforceFinalTag bool `json:"enforceFinalTag,omitempty"`
}

// SubagentsConfig configures subagent spawning.
type SubagentsConfig struct {
	AllowAgents         []string `json:"allowAgents,omitempty"` // ["*"], agent ids, or empty = parent only
	ArchiveAfterMinutes int      `json:"archiveAfterMinutes,omitempty"`
	Model               string   `json:"model,omitempty"` // default model for spawned children
}

// HeartbeatConfig configures the periodic heartbeat turn against the main session.
type HeartbeatConfig struct {
	Every            string `json:"every,omitempty"`       // duration string; "0m" disables (default "30m")
	ActiveHours      string `json:"activeHours,omitempty"` // cron expression window, e.g. "* 8-22 * * *"
	Target           string `json:"target,omitempty"`      // "last" (default), "none", or channel id
	To               string `json:"to,omitempty"`          // recipient override
	Prompt           string `json:"prompt,omitempty"`      // overrides the default heartbeat prompt
	AckMaxChars      int    `json:"ackMaxChars,omitempty"` // truncate final ack (0 = no final ack cap)
	IncludeReasoning bool   `json:"includeReasoning,omitempty"`
}

// AuthConfig tunes credential profile ordering and backoff.
type AuthConfig struct {
	// Order pins an explicit candidate ordering per provider.
	Order map[string][]string `json:"order,omitempty"`

	Cooldowns CooldownConfig `json:"cooldowns,omitempty"`
}

// CooldownConfig controls failure backoff windows.
type CooldownConfig struct {
	FailureWindowHours            float64            `json:"failureWindowHours,omitempty"`            // counter reset window (default 24)
	BillingBackoffHours           float64            `json:"billingBackoffHours,omitempty"`           // default 5
	BillingMaxHours               float64            `json:"billingMaxHours,omitempty"`               // cap (default 24)
	BillingBackoffHoursByProvider map[string]float64 `json:"billingBackoffHoursByProvider,omitempty"`
}

// GatewayConfig configures the WS/HTTP listener.
type GatewayConfig struct {
	Host string `json:"host,omitempty"` // default 127.0.0.1
	Port int    `json:"port,omitempty"` // default 18789

	Auth GatewayAuth `json:"auth,omitempty"`

	// TailscaleMode: "" (off), "serve" (tailnet) or "funnel" (public).
	// Funnel binds require auth mode "password".
	TailscaleMode string `json:"tailscaleMode,omitempty"`

	RateLimitRPM         int `json:"rateLimitRpm,omitempty"`
	IdempotencyWindowMin int `json:"idempotencyWindowMin,omitempty"` // default 10
}

// GatewayAuth selects how clients authenticate before upgrade.
type GatewayAuth struct {
	Mode     string `json:"mode,omitempty"` // "off", "token", "password"
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// ChannelsConfig carries per-channel account settings consumed by the docks.
type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	Signal   SignalConfig   `json:"signal,omitempty"`
}

// WhatsAppConfig configures the WhatsApp account.
type WhatsAppConfig struct {
	AllowFrom []string                   `json:"allowFrom,omitempty"`
	Accounts  map[string]WhatsAppAccount `json:"accounts,omitempty"`
}

// WhatsAppAccount is a secondary account entry keyed by account id.
type WhatsAppAccount struct {
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// ResolveAllowFrom returns the allow-list for an account id, falling back to
// the channel-level list.
func (w WhatsAppConfig) ResolveAllowFrom(accountID string) []string {
	if accountID != "" {
		if acct, ok := w.Accounts[accountID]; ok && len(acct.AllowFrom) > 0 {
			return acct.AllowFrom
		}
	}
	return w.AllowFrom
}

// TelegramConfig configures the Telegram bot account.
type TelegramConfig struct {
	BotToken  string   `json:"botToken,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// DiscordConfig configures the Discord bot account.
type DiscordConfig struct {
	BotToken    string   `json:"botToken,omitempty"`
	AllowFrom   []string `json:"allowFrom,omitempty"`
	ReplyToMode string   `json:"replyToMode,omitempty"` // "off", "first", "all"
}

// SlackConfig configures the Slack app.
type SlackConfig struct {
	BotToken    string   `json:"botToken,omitempty"`
	AppToken    string   `json:"appToken,omitempty"`
	AllowFrom   []string `json:"allowFrom,omitempty"`
	ReplyToMode string   `json:"replyToMode,omitempty"`
}

// SignalConfig configures the signal-cli bridge.
type SignalConfig struct {
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// SessionConfig configures session scoping and persistence.
type SessionConfig struct {
	AgentDir  string `json:"agentDir,omitempty"`  // default ~/.clawdbot
	MainKey   string `json:"mainKey,omitempty"`   // default "main"
	QueueMode string `json:"queueMode,omitempty"` // "interrupt" (default) or "queue"
}

// TelemetryConfig configures optional OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

// ResolveDefaultAgentID returns the agent marked default, or DefaultAgentID.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveModel returns the effective default "provider/model" for an agent.
func (c *Config) ResolveModel(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.Model != "" {
		return spec.Model
	}
	return c.Agents.Defaults.Model
}

// ResolveSubagentModel returns the model override for children spawned by an
// agent: per-agent subagentModel, then subagents.model default, then "".
func (c *Config) ResolveSubagentModel(agentID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if spec, ok := c.Agents.List[agentID]; ok && spec.SubagentModel != "" {
		return spec.SubagentModel
	}
	if sub := c.Agents.Defaults.Subagents; sub != nil {
		return sub.Model
	}
	return ""
}

// MainKey returns the configured main session scope key.
func (c *Config) MainKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Session.MainKey != "" {
		return c.Session.MainKey
	}
	return "main"
}

// ReplaceFrom copies all data fields from src, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Auth = src.Auth
	c.Gateway = src.Gateway
	c.Channels = src.Channels
	c.Session = src.Session
	c.Telemetry = src.Telemetry
}

const secretMask = "***"

// MaskedCopy returns a deep copy with secret fields masked, for config.get.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := &Config{}
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Auth.Token)
	maskNonEmpty(&cp.Gateway.Auth.Password)
	maskNonEmpty(&cp.Channels.Telegram.BotToken)
	maskNonEmpty(&cp.Channels.Discord.BotToken)
	maskNonEmpty(&cp.Channels.Slack.BotToken)
	maskNonEmpty(&cp.Channels.Slack.AppToken)
	return cp
}

// StripMaskedSecrets clears fields still holding the mask value so a
// config.set round-trip never persists "***" as a real secret.
func (c *Config) StripMaskedSecrets() {
	strip := func(s *string) {
		if *s == secretMask {
			*s = ""
		}
	}
	strip(&c.Gateway.Auth.Token)
	strip(&c.Gateway.Auth.Password)
	strip(&c.Channels.Telegram.BotToken)
	strip(&c.Channels.Discord.BotToken)
	strip(&c.Channels.Slack.BotToken)
	strip(&c.Channels.Slack.AppToken)
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// NormalizeAgentID lowercases and trims an agent id.
func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
