// Package channels holds the per-channel dock table and the outbound
// senders. A dock is the compact, side-effect-free contract the orchestrator
// consumes: capabilities, chunk limits, allow-list resolution, mention
// stripping, and threading semantics. The heavyweight senders load lazily.
package channels

import (
	"regexp"
	"sort"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

// Capabilities describe what a channel surface can do.
type Capabilities struct {
	ChatTypes      []string
	Polls          bool
	Reactions      bool
	Threads        bool
	NativeCommands bool
	Media          bool
	BlockStreaming bool
}

// CoalesceDefaults tune the char_budget block-streaming break per channel.
type CoalesceDefaults struct {
	MinChars int
	IdleMs   int
}

// Dock is the static metadata record for one channel id.
type Dock struct {
	ID           string
	Capabilities Capabilities

	// TextChunkLimit is the max characters per outbound message.
	TextChunkLimit int

	Coalesce CoalesceDefaults

	// MentionPatterns strip bot mentions from visible group text.
	MentionPatterns []*regexp.Regexp

	// RequireMentionDefault gates group activation on a bot mention.
	RequireMentionDefault bool

	// ResolveAllowFrom returns the configured allow-list for an account.
	ResolveAllowFrom func(cfg *config.Config, accountID string) []string

	// ReplyToMode is the thread inheritance default: "off", "first", "all".
	ReplyToMode string

	// OwnerCommandsOnly restricts slash commands to the owner number.
	OwnerCommandsOnly bool
}

var dockTable = map[string]*Dock{
	"whatsapp": {
		ID: "whatsapp",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Polls:     true, Reactions: true, Media: true, BlockStreaming: true,
		},
		TextChunkLimit:        4000,
		Coalesce:              CoalesceDefaults{MinChars: 1500, IdleMs: 1000},
		MentionPatterns:       compile(`(?i)@\d{6,}`),
		RequireMentionDefault: true,
		OwnerCommandsOnly:     true,
		ResolveAllowFrom: func(cfg *config.Config, accountID string) []string {
			return cfg.Channels.WhatsApp.ResolveAllowFrom(accountID)
		},
	},
	"telegram": {
		ID: "telegram",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Polls:     true, Reactions: true, Threads: true, NativeCommands: true,
			Media: true, BlockStreaming: true,
		},
		TextChunkLimit:        4096,
		Coalesce:              CoalesceDefaults{MinChars: 1500, IdleMs: 1000},
		MentionPatterns:       compile(`(?i)@[A-Za-z0-9_]+bot\b`),
		RequireMentionDefault: true,
		ResolveAllowFrom: func(cfg *config.Config, _ string) []string {
			return cfg.Channels.Telegram.AllowFrom
		},
	},
	"discord": {
		ID: "discord",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Reactions: true, Threads: true, NativeCommands: true,
			Media: true, BlockStreaming: true,
		},
		TextChunkLimit:        2000,
		Coalesce:              CoalesceDefaults{MinChars: 1200, IdleMs: 1000},
		MentionPatterns:       compile(`<@!?\d+>`),
		RequireMentionDefault: true,
		ReplyToMode:           "off",
		ResolveAllowFrom: func(cfg *config.Config, _ string) []string {
			return cfg.Channels.Discord.AllowFrom
		},
	},
	"slack": {
		ID: "slack",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Reactions: true, Threads: true, Media: true, BlockStreaming: true,
		},
		TextChunkLimit:        4000,
		Coalesce:              CoalesceDefaults{MinChars: 1500, IdleMs: 1000},
		MentionPatterns:       compile(`<@[A-Z0-9]+>`),
		RequireMentionDefault: true,
		ReplyToMode:           "first",
		ResolveAllowFrom: func(cfg *config.Config, _ string) []string {
			return cfg.Channels.Slack.AllowFrom
		},
	},
	"signal": {
		ID: "signal",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Reactions: true, Media: true,
		},
		TextChunkLimit: 2000,
		Coalesce:       CoalesceDefaults{MinChars: 1500, IdleMs: 1000},
		ResolveAllowFrom: func(cfg *config.Config, _ string) []string {
			return cfg.Channels.Signal.AllowFrom
		},
	},
	"imessage": {
		ID: "imessage",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Reactions: true, Media: true,
		},
		TextChunkLimit: 4000,
		Coalesce:       CoalesceDefaults{MinChars: 1500, IdleMs: 1000},
	},
	"msteams": {
		ID: "msteams",
		Capabilities: Capabilities{
			ChatTypes: []string{"direct", "group"},
			Threads:   true, Media: true,
		},
		TextChunkLimit: 4000,
		Coalesce:       CoalesceDefaults{MinChars: 1500, IdleMs: 1000},
	},
	"webchat": {
		ID: "webchat",
		Capabilities: Capabilities{
			ChatTypes:      []string{"direct"},
			BlockStreaming: true,
		},
		TextChunkLimit: 100000,
		Coalesce:       CoalesceDefaults{MinChars: 800, IdleMs: 500},
	},
}

// DockFor returns the dock for a channel id.
func DockFor(channel string) (*Dock, bool) {
	d, ok := dockTable[channel]
	return d, ok
}

// Docks returns all known channel ids, sorted.
func Docks() []string {
	out := make([]string, 0, len(dockTable))
	for id := range dockTable {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StripMentions removes bot-mention markup from visible text.
func (d *Dock) StripMentions(text string) string {
	for _, re := range d.MentionPatterns {
		text = re.ReplaceAllString(text, "")
	}
	return text
}

// ResolveReplyToMode picks the thread inheritance mode, config over default.
func (d *Dock) ResolveReplyToMode(cfg *config.Config) string {
	var mode string
	switch d.ID {
	case "discord":
		mode = cfg.Channels.Discord.ReplyToMode
	case "slack":
		mode = cfg.Channels.Slack.ReplyToMode
	}
	if mode == "" {
		mode = d.ReplyToMode
	}
	if mode == "" {
		mode = "off"
	}
	return mode
}

// ToolContext carries the threading state a channel-owned tool needs when
// it sends into the conversation mid-run. HasReplied is shared across the
// turn so "first" mode threads only the first reply.
type ToolContext struct {
	CurrentChannelID string
	CurrentThreadTS  string
	ReplyToMode      string
	HasReplied       *bool
}

// BuildToolContext snapshots the threading contract for one turn.
func (d *Dock) BuildToolContext(cfg *config.Config, channelID, threadTS string) ToolContext {
	replied := false
	return ToolContext{
		CurrentChannelID: channelID,
		CurrentThreadTS:  threadTS,
		ReplyToMode:      d.ResolveReplyToMode(cfg),
		HasReplied:       &replied,
	}
}

// ElevatedAllowFrom is the allow-list consulted for elevated commands. It
// falls back to the channel allow-list; no dock carries a dedicated list.
func (d *Dock) ElevatedAllowFrom(cfg *config.Config, accountID string) []string {
	if d.ResolveAllowFrom == nil {
		return nil
	}
	return FormatAllowFrom(d.ResolveAllowFrom(cfg, accountID))
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}
