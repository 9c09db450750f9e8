package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

// Sender delivers outbound text for one channel. Implementations live in
// their own files and are constructed lazily on first use.
type Sender interface {
	SendText(ctx context.Context, msg bus.OutboundMessage) error
}

// Outbound is the lazy sender registry plus the chunking pipeline.
type Outbound struct {
	cfg *config.Config

	mu      sync.Mutex
	senders map[string]Sender
}

func NewOutbound(cfg *config.Config) *Outbound {
	return &Outbound{cfg: cfg, senders: map[string]Sender{}}
}

// Deliver chunks the payload per the dock's limit and sends each piece in
// order. Unknown channels and channels without a configured account fail.
func (o *Outbound) Deliver(ctx context.Context, msg bus.OutboundMessage) error {
	dock, ok := DockFor(msg.Channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", msg.Channel)
	}
	sender, err := o.senderFor(msg.Channel)
	if err != nil {
		return err
	}
	for _, chunk := range ChunkText(msg.Content, dock.TextChunkLimit) {
		part := msg
		part.Content = chunk
		if err := sender.SendText(ctx, part); err != nil {
			return fmt.Errorf("send %s: %w", msg.Channel, err)
		}
	}
	return nil
}

// Status describes one channel account for channels.status.
type Status struct {
	Channel    string `json:"channel"`
	Configured bool   `json:"configured"`
	Linked     bool   `json:"linked"` // a sender has been constructed
}

// Statuses reports every dock-known channel with its config and link state.
func (o *Outbound) Statuses() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(dockTable))
	for _, id := range Docks() {
		_, linked := o.senders[id]
		out = append(out, Status{
			Channel:    id,
			Configured: o.configured(id),
			Linked:     linked,
		})
	}
	return out
}

// Logout drops the cached sender so the next delivery relinks with fresh
// credentials. Returns false when nothing was linked.
func (o *Outbound) Logout(channel string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.senders[channel]; !ok {
		return false
	}
	delete(o.senders, channel)
	return true
}

func (o *Outbound) configured(channel string) bool {
	switch channel {
	case "telegram":
		return o.cfg.Channels.Telegram.BotToken != ""
	case "discord":
		return o.cfg.Channels.Discord.BotToken != ""
	case "slack":
		return o.cfg.Channels.Slack.BotToken != ""
	case "whatsapp":
		return len(o.cfg.Channels.WhatsApp.AllowFrom) > 0 || len(o.cfg.Channels.WhatsApp.Accounts) > 0
	case "signal":
		return len(o.cfg.Channels.Signal.AllowFrom) > 0
	default:
		return false
	}
}

func (o *Outbound) senderFor(channel string) (Sender, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.senders[channel]; ok {
		return s, nil
	}
	var (
		s   Sender
		err error
	)
	switch channel {
	case "telegram":
		s, err = newTelegramSender(o.cfg.Channels.Telegram.BotToken)
	case "discord":
		s, err = newDiscordSender(o.cfg.Channels.Discord.BotToken)
	case "slack":
		s, err = newSlackSender(o.cfg.Channels.Slack.BotToken)
	default:
		return nil, fmt.Errorf("channel %q has no outbound sender", channel)
	}
	if err != nil {
		return nil, err
	}
	o.senders[channel] = s
	return s, nil
}
