// Package bot connects the service to Discord: it implements the messaging
// backend capabilities (threads as conversation sub-threads) and feeds
// inbound message events into the relay.
package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/OrangeOmy/ContextSwap/internal/relay"
)

// EventSink receives normalized inbound message events.
type EventSink interface {
	Enqueue(ev relay.Event)
}

type Bot struct {
	session *discordgo.Session
	sink    EventSink
	log     *zap.Logger
}

func New(token string, log *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	b := &Bot{
		session: session,
		log:     log,
	}

	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	return b, nil
}

// SetSink attaches the inbound event consumer. The relay consumes events but
// also needs the bot as its messenger, so the sink is bound after
// construction and before Start.
func (b *Bot) SetSink(sink EventSink) {
	b.sink = sink
}

func (b *Bot) Start() error {
	if b.sink == nil {
		return fmt.Errorf("event sink is not set")
	}
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	return nil
}

func (b *Bot) Stop() error {
	return b.session.Close()
}

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	b.log.Info("gateway connected", zap.String("user", event.User.Username))
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	// Never feed back our own relays.
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	b.sink.Enqueue(relay.Event{
		MessageID:  m.ID,
		ThreadID:   m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
	})
}

// CreateThread opens a public thread in the conversation space channel.
func (b *Bot) CreateThread(ctx context.Context, spaceID, title string) (string, error) {
	if len(title) > 100 {
		title = title[:100]
	}
	thread, err := b.session.ThreadStartComplex(spaceID, &discordgo.ThreadStart{
		Name:                title,
		AutoArchiveDuration: 1440,
		Type:                discordgo.ChannelTypeGuildPublicThread,
		Invitable:           false,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("start thread in %s: %w", spaceID, err)
	}
	return thread.ID, nil
}

// SendMessage posts into a thread.
func (b *Bot) SendMessage(ctx context.Context, threadID, text string) (string, error) {
	msg, err := b.session.ChannelMessageSend(threadID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", threadID, err)
	}
	return msg.ID, nil
}

// CloseThread archives and locks a thread so nothing further can be posted.
func (b *Bot) CloseThread(ctx context.Context, threadID string) error {
	archived, locked := true, true
	_, err := b.session.ChannelEditComplex(threadID, &discordgo.ChannelEdit{
		Archived: &archived,
		Locked:   &locked,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("archive thread %s: %w", threadID, err)
	}
	return nil
}
