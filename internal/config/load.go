package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/clawdbot/internal/fsatomic"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Model:      "anthropic/claude-opus-4",
				TimeoutSec: 600,
				TypingMode: "message",
				BlockStreaming: &BlockStreamingConfig{
					MinChars: 1500,
					IdleMs:   1000,
				},
				Subagents: &SubagentsConfig{
					ArchiveAfterMinutes: 60,
				},
				Heartbeat: &HeartbeatConfig{
					Every: "30m",
				},
			},
		},
		Gateway: GatewayConfig{
			Host:                 "127.0.0.1",
			Port:                 18789,
			IdempotencyWindowMin: 10,
		},
		Session: SessionConfig{
			AgentDir:  "~/.clawdbot",
			MainKey:   "main",
			QueueMode: "interrupt",
		},
	}
}

// Load reads clawdbot.json (JSON5, with $include resolution), then overlays
// env vars. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := loadWithIncludes(path, nil, 0)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, err
	}

	normalizeLegacyKeys(raw)

	// Re-marshal the merged document to plain JSON so struct tags apply.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("merge config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// normalizeLegacyKeys rewrites deprecated keys in place, warning once each.
func normalizeLegacyKeys(raw map[string]any) {
	gw, _ := raw["gateway"].(map[string]any)
	if gw == nil {
		return
	}
	// gateway.token moved under gateway.auth in the current schema.
	if tok, ok := gw["token"].(string); ok && tok != "" {
		slog.Warn("config: legacy key gateway.token; use gateway.auth.token")
		auth, _ := gw["auth"].(map[string]any)
		if auth == nil {
			auth = map[string]any{}
			gw["auth"] = auth
		}
		if _, exists := auth["token"]; !exists {
			auth["token"] = tok
			if _, ok := auth["mode"]; !ok {
				auth["mode"] = "token"
			}
		}
		delete(gw, "token")
	}
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CLAWDBOT_GATEWAY_TOKEN", &c.Gateway.Auth.Token)
	envStr("CLAWDBOT_GATEWAY_PASSWORD", &c.Gateway.Auth.Password)
	envStr("TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)
	envStr("DISCORD_BOT_TOKEN", &c.Channels.Discord.BotToken)
	envStr("SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)

	envStr("CLAWDBOT_HOST", &c.Gateway.Host)
	if v := os.Getenv("CLAWDBOT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("CLAWDBOT_AGENT_DIR", &c.Session.AgentDir)

	// Token/password present but no explicit mode → infer.
	if c.Gateway.Auth.Mode == "" {
		switch {
		case c.Gateway.Auth.Password != "":
			c.Gateway.Auth.Mode = "password"
		case c.Gateway.Auth.Token != "":
			c.Gateway.Auth.Mode = "token"
		}
	}
}

// Save writes the config atomically, keeping a .bak sibling of the previous
// contents. Secrets holding the mask value are stripped first.
func Save(path string, cfg *Config) error {
	cfg.StripMaskedSecrets()

	cfg.mu.RLock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	cfg.mu.RUnlock()
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return fsatomic.WriteFileWithBackup(path, data, 0o600)
}

// AgentDir returns the expanded agent state directory.
func (c *Config) AgentDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dir := c.Session.AgentDir
	if dir == "" {
		dir = "~/.clawdbot"
	}
	return ExpandHome(dir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// parseJSON5 decodes a JSON5 document into a generic map.
func parseJSON5(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
