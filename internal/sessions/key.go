// Package sessions is the registry of per-conversation state. It is the
// single source of truth across restarts: one JSON map on disk, mutated
// under a lock and persisted atomically on every write.
package sessions

import (
	"fmt"
	"strings"
)

// SessionKey identifies one conversation scope. Formats:
//
//	agent:<agentId>:<mainKey>                      per-agent main session
//	agent:<agentId>:subagent:<id>                  subagent session
//	agent:<agentId>:<channel>:<chatKind>:<chatId>  chat-scoped session
type SessionKey string

func (k SessionKey) String() string { return string(k) }

// MainKey builds the per-agent main session key.
func MainKey(agentID, mainKey string) SessionKey {
	if mainKey == "" {
		mainKey = "main"
	}
	return SessionKey("agent:" + agentID + ":" + mainKey)
}

// SubagentKey builds a subagent session key.
func SubagentKey(agentID, subagentID string) SessionKey {
	return SessionKey("agent:" + agentID + ":subagent:" + subagentID)
}

// ChatKey builds a chat-scoped session key for a channel route.
func ChatKey(agentID, channel, chatKind, chatID string) SessionKey {
	return SessionKey(fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, chatKind, chatID))
}

// KeyParts is the decomposed form of a SessionKey.
type KeyParts struct {
	AgentID    string
	Channel    string // empty for main and subagent keys
	ChatKind   string
	ChatID     string
	SubagentID string // set for subagent keys
	Main       bool
}

// Parse decomposes a session key. mainKey tells it which third segment marks
// the main session.
func Parse(key SessionKey, mainKey string) (KeyParts, error) {
	if mainKey == "" {
		mainKey = "main"
	}
	parts := strings.Split(string(key), ":")
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return KeyParts{}, fmt.Errorf("malformed session key %q", key)
	}
	out := KeyParts{AgentID: parts[1]}
	switch {
	case len(parts) == 3 && parts[2] == mainKey:
		out.Main = true
	case len(parts) == 4 && parts[2] == "subagent":
		out.SubagentID = parts[3]
	case len(parts) == 5:
		out.Channel, out.ChatKind, out.ChatID = parts[2], parts[3], parts[4]
	default:
		return KeyParts{}, fmt.Errorf("malformed session key %q", key)
	}
	return out, nil
}

// IsSubagent reports whether the key names a subagent session.
func IsSubagent(key SessionKey) bool {
	parts := strings.Split(string(key), ":")
	return len(parts) == 4 && parts[0] == "agent" && parts[2] == "subagent"
}

// AgentOf extracts the agent id, or "" for malformed keys.
func AgentOf(key SessionKey) string {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}
