package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawdbot/internal/bus"
)

type discordSender struct {
	session *discordgo.Session
}

func newDiscordSender(token string) (Sender, error) {
	if token == "" {
		return nil, fmt.Errorf("discord: botToken not configured")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: %w", err)
	}
	return &discordSender{session: session}, nil
}

func (s *discordSender) SendText(ctx context.Context, msg bus.OutboundMessage) error {
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ThreadID != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: msg.ThreadID,
			ChannelID: msg.To,
		}
	}
	_, err := s.session.ChannelMessageSendComplex(msg.To, send, discordgo.WithContext(ctx))
	return err
}

func (s *discordSender) SendTyping(ctx context.Context, to string) error {
	return s.session.ChannelTyping(to, discordgo.WithContext(ctx))
}
