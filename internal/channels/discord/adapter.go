// Package discord adapts Discord gateway events to the channel contract.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config configures the Discord adapter.
type Config struct {
	// Token is the bot token (required).
	Token string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Adapter implements channels.Adapter for Discord. It is a thin
// translation layer: guild messages become group chats keyed by the
// Discord channel id, DMs become direct chats keyed by the author id.
type Adapter struct {
	config  Config
	session *discordgo.Session
	logger  *slog.Logger

	mu        sync.RWMutex
	handler   channels.Handler
	preFilter channels.PreFilter

	// dmChannels caches user id -> DM channel id for direct sends.
	dmMu       sync.Mutex
	dmChannels map[string]string
}

// NewAdapter creates a Discord adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Adapter{
		config:     config,
		logger:     config.Logger.With("adapter", "discord"),
		dmChannels: make(map[string]string),
	}, nil
}

func (a *Adapter) ID() models.ChannelType { return models.ChannelDiscord }

func (a *Adapter) OnMessage(h channels.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) SetPreFilter(f channels.PreFilter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.preFilter = f
}

// Start opens the gateway connection.
func (a *Adapter) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + a.config.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	dg.AddHandler(a.handleMessageCreate)

	if err := dg.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.session = dg
	a.logger.Info("discord adapter started")
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return fmt.Errorf("discord: close gateway: %w", err)
	}
	a.logger.Info("discord adapter stopped")
	return nil
}

// Send delivers text to a conversation. For group conversations the
// target is a Discord channel id; for direct conversations it is the
// recipient's user id and a DM channel is resolved first.
func (a *Adapter) Send(ctx context.Context, target, text string, opts channels.SendOptions) error {
	if a.session == nil {
		return fmt.Errorf("discord: adapter not started")
	}

	channelID, err := a.resolveChannel(target)
	if err != nil {
		return err
	}

	send := &discordgo.MessageSend{Content: text}
	if opts.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: opts.ReplyTo,
			ChannelID: channelID,
		}
	}
	if _, err := a.session.ChannelMessageSendComplex(channelID, send); err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	return nil
}

// resolveChannel maps a conversation target onto a channel id. Targets
// that already name a channel pass through via the DM cache miss path:
// UserChannelCreate only succeeds for user ids, so cache hits are
// authoritative and misses fall back to treating the target as a
// channel id.
func (a *Adapter) resolveChannel(target string) (string, error) {
	a.dmMu.Lock()
	if id, ok := a.dmChannels[target]; ok {
		a.dmMu.Unlock()
		return id, nil
	}
	a.dmMu.Unlock()

	ch, err := a.session.UserChannelCreate(target)
	if err != nil {
		// Not a user id; assume it is a channel id (group conversation).
		return target, nil
	}

	a.dmMu.Lock()
	a.dmChannels[target] = ch.ID
	a.dmMu.Unlock()
	return ch.ID, nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	msg := &models.MsgContext{
		Channel:    models.ChannelDiscord,
		From:       m.Author.ID,
		SenderName: m.Author.Username,
		MessageID:  m.ID,
		Body:       m.Content,
		Timestamp:  m.Timestamp,
	}
	if m.GuildID == "" {
		msg.ChatType = models.ChatDirect
		// Remember the DM channel so replies skip the lookup.
		a.dmMu.Lock()
		a.dmChannels[m.Author.ID] = m.ChannelID
		a.dmMu.Unlock()
	} else {
		msg.ChatType = models.ChatGroup
		msg.GroupID = m.ChannelID
	}

	a.mu.RLock()
	pf := a.preFilter
	h := a.handler
	a.mu.RUnlock()

	if pf != nil && pf(msg) {
		return
	}
	if h != nil {
		h(context.Background(), msg)
	}
}
