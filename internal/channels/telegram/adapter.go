// Package telegram adapts Telegram bot updates to the channel contract.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config configures the Telegram adapter.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Adapter implements channels.Adapter for Telegram using long polling.
// Private chats become direct conversations keyed by the sender id;
// groups and supergroups become group conversations keyed by chat id.
type Adapter struct {
	config Config
	bot    *bot.Bot
	logger *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	handler   channels.Handler
	preFilter channels.PreFilter
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Adapter{
		config: config,
		logger: config.Logger.With("adapter", "telegram"),
	}, nil
}

func (a *Adapter) ID() models.ChannelType { return models.ChannelTelegram }

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

// Start creates the bot and begins long polling on a background goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	b, err := bot.New(a.config.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b

	pollCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.bot.Start(pollCtx)
	}()

	a.logger.Info("telegram adapter started", "mode", "long_polling")
	return nil
}

// Stop cancels long polling and waits for the poll loop to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Info("telegram adapter stopped")
	return nil
}

// Send delivers text to a conversation; target is the chat id.
func (a *Adapter) Send(ctx context.Context, target, text string, opts channels.SendOptions) error {
	if a.bot == nil {
		return fmt.Errorf("telegram: adapter not started")
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", target, err)
	}

	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if opts.ReplyTo != "" {
		if msgID, err := strconv.Atoi(opts.ReplyTo); err == nil {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: msgID}
		}
	}

	if _, err := a.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.From.IsBot || m.Text == "" {
		return
	}

	msg := &models.MsgContext{
		Channel:    models.ChannelTelegram,
		From:       strconv.FormatInt(m.From.ID, 10),
		SenderName: senderName(m.From),
		MessageID:  strconv.Itoa(m.ID),
		Body:       m.Text,
		Timestamp:  time.Unix(int64(m.Date), 0),
	}
	if m.Chat.Type == "private" {
		msg.ChatType = models.ChatDirect
	} else {
		msg.ChatType = models.ChatGroup
		msg.GroupID = strconv.FormatInt(m.Chat.ID, 10)
	}

	a.mu.RLock()
	pf := a.preFilter
	h := a.handler
	a.mu.RUnlock()

	if pf != nil && pf(msg) {
		return
	}
	if h != nil {
		h(ctx, msg)
	}
}

func senderName(u *tgmodels.User) string {
	if u.Username != "" {
		return u.Username
	}
	return u.FirstName
}
