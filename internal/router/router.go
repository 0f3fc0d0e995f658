// Package router turns transport-normalized inbound events into Group Queue
// wake signals (spec §4.2). It owns message persistence and trigger-phrase
// matching; it never runs agent logic itself — that is the Sandbox Runner's
// job, downstream of the queue. Grounded on the teacher's
// internal/router/router.go for the overall "stateless dispatcher sitting
// between transport and execution" shape, though the teacher's version
// routes by LLM-classified agent name while nanoclaw routes by a compiled
// trigger-phrase regex per registered chat.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/transport"
)

// Signaler is the Group Queue's wake-up surface. The router only ever tells
// a folder "you have new work"; reading the actual messages since the
// cursor is the queue's responsibility (spec §4.3 step 1).
type Signaler interface {
	Signal(folder string)
}

type Router struct {
	store    *store.Store
	queue    Signaler
	transport string

	mu       sync.Mutex
	triggers map[string]*regexp.Regexp // trigger phrase -> compiled regex
}

func New(s *store.Store, queue Signaler, transportName string) *Router {
	return &Router{
		store:     s,
		queue:     queue,
		transport: transportName,
		triggers:  make(map[string]*regexp.Regexp),
	}
}

// HandleMetadata keeps the Chat table's display name / last-seen timestamp
// fresh whenever a transport observes chat activity, independent of whether
// that activity carried a message worth routing.
func (r *Router) HandleMetadata(meta transport.Metadata) {
	if err := r.store.UpsertChat(&store.Chat{
		ChatID:      meta.ChatID,
		DisplayName: meta.DisplayName,
		Transport:   meta.Transport,
		IsGroup:     meta.IsGroup,
		LastSeenAt:  time.Now(),
	}); err != nil {
		slog.Error("upsert chat failed", "chat_id", meta.ChatID, "error", err)
	}
}

// HandleInbound implements the five router steps from spec §4.2.
func (r *Router) HandleInbound(ctx context.Context, in transport.Inbound) error {
	now := time.Now()

	if err := r.store.UpsertChat(&store.Chat{
		ChatID:      in.ChatID,
		DisplayName: in.SenderName,
		Transport:   r.transport,
		IsGroup:     in.IsGroup,
		LastSeenAt:  now,
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}

	inserted, err := r.store.SaveMessage(&store.Message{
		ChatID:     in.ChatID,
		MessageID:  in.MessageID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Content:    in.Content,
		Timestamp:  now,
		Direction:  store.DirectionInbound,
	})
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	if !inserted {
		// Redelivered message on an already-seen (chat_id, message_id): no
		// new work, nothing to trigger.
		return nil
	}

	chat, err := r.store.GetRegisteredChat(in.ChatID)
	if err != nil {
		return fmt.Errorf("get registered chat: %w", err)
	}
	if chat == nil {
		return nil
	}

	if !r.triggered(chat, in.Content) {
		return nil
	}

	r.queue.Signal(chat.Folder)
	return nil
}

// triggered decides whether content should start (or continue) an agent
// run for chat, per the rule in spec §4.2.
func (r *Router) triggered(chat *store.RegisteredChat, content string) bool {
	if !chat.RequiresTrigger {
		return true
	}
	re := r.triggerRegex(chat.TriggerPhrase)
	if re == nil {
		return false
	}
	return re.MatchString(stripMentionMarkup(content))
}

// triggerRegex compiles (and caches) the anchored, case-insensitive,
// word-boundary regex for a trigger phrase, so "@Andy" matches "@Andy help"
// but not "@AndyX" (spec §4.2).
func (r *Router) triggerRegex(phrase string) *regexp.Regexp {
	if phrase == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if re, ok := r.triggers[phrase]; ok {
		return re
	}
	re, err := regexp.Compile(`(?i)^` + regexp.QuoteMeta(phrase) + `\b`)
	if err != nil {
		slog.Error("compile trigger regex failed", "phrase", phrase, "error", err)
		r.triggers[phrase] = nil
		return nil
	}
	r.triggers[phrase] = re
	return re
}

// mentionMarkup matches the wrapped-mention syntaxes transports other than
// Telegram's plain-text bot API use (Slack's <@U0123> style, Discord's
// <@!0123> style) so a trigger phrase still anchors against the visible
// text rather than the wire-level mention token.
var mentionMarkup = regexp.MustCompile(`^<@!?[\w|]+>\s*`)

func stripMentionMarkup(content string) string {
	return mentionMarkup.ReplaceAllString(strings.TrimSpace(content), "")
}
