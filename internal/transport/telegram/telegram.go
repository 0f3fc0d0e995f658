// Package telegram implements transport.Transport over long-polling
// Telegram bot updates (spec §4.1), adapted from the teacher's
// internal/telegram/bot.go with the swarm/agent-registry command surface
// stripped out: this transport only produces normalized Inbound/Metadata
// events and accepts outbound Send calls, the way every other transport
// collaborator is expected to.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/transport"
)

type Telegram struct {
	bot     *telego.Bot
	handler *th.BotHandler
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func New(cfg config.TelegramConfig) (*Telegram, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, cfg: cfg}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Connect(ctx context.Context, cb transport.Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	updates, err := t.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(t.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	t.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		t.handleMessage(message, cb)
		return nil
	})

	go handler.Start()
	return nil
}

func (t *Telegram) Disconnect(ctx context.Context) {
	if t.cancel != nil {
		t.cancel()
	}
	if t.handler != nil {
		_ = t.handler.Stop()
	}
}

func (t *Telegram) handleMessage(msg telego.Message, cb transport.Callbacks) {
	if !t.allowedUser(msg) {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	isGroup := msg.Chat.Type != telego.ChatTypePrivate

	if cb.OnMetadata != nil {
		name := msg.Chat.Title
		if name == "" {
			name = msg.Chat.Username
		}
		if name == "" && msg.From != nil {
			name = msg.From.FirstName
		}
		cb.OnMetadata(transport.Metadata{
			ChatID:      chatID,
			DisplayName: name,
			Transport:   t.Name(),
			IsGroup:     isGroup,
		})
	}

	if cb.OnInbound == nil {
		return
	}

	senderID, senderName := "", ""
	if msg.From != nil {
		senderID = strconv.FormatInt(msg.From.ID, 10)
		senderName = msg.From.FirstName
	}

	cb.OnInbound(transport.Inbound{
		ChatID:     chatID,
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderID:   senderID,
		SenderName: senderName,
		Content:    text,
		IsGroup:    isGroup,
	})
}

// Send delivers text to chatID. Markdown parsing can fail on unescaped
// characters; a failed markdown send is retried once as plain text so the
// message still gets delivered (teacher's fallback pattern).
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}

	for _, chunk := range chunkMessage(toTelegramMarkdown(text), t.MaxMessageLength()) {
		msg := tu.Message(tu.ID(id), chunk)
		msg.ParseMode = telego.ModeMarkdown
		_, err := t.bot.SendMessage(ctx, msg)
		if err != nil {
			msg.ParseMode = ""
			_, err = t.bot.SendMessage(ctx, msg)
		}
		if err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// OwnsChatId reports whether chatID looks like a Telegram chat id (a
// signed 64-bit integer). With a single transport configured this is
// sufficient for transport.Multi to pick the right collaborator; a deployment
// running multiple transports would instead consult each transport's own
// registered-chat namespace.
func (t *Telegram) OwnsChatId(chatID string) bool {
	_, err := strconv.ParseInt(chatID, 10, 64)
	return err == nil
}

// MaxMessageLength is Telegram's hard per-message character limit.
func (t *Telegram) MaxMessageLength() int { return 4096 }

func (t *Telegram) SendTyping(ctx context.Context, chatID string) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return
	}
	if err := t.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(id), "typing")); err != nil {
		slog.Debug("send typing indicator failed", "chat", chatID, "error", err)
	}
}

func (t *Telegram) allowedUser(msg telego.Message) bool {
	if len(t.cfg.AllowFrom) == 0 {
		return true
	}
	if msg.From == nil {
		return false
	}
	for _, id := range t.cfg.AllowFrom {
		if id == msg.From.ID {
			return true
		}
	}
	slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", msg.Chat.ID)
	return false
}
