package murmur

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	alertNoConversation = "No conversation selected."
	alertSendFailed     = "Failed to send message. Please try again."
)

// ChatOption configures a ChatView.
type ChatOption func(*ChatView)

func WithChatLogger(log *slog.Logger) ChatOption {
	return func(c *ChatView) { c.log = log }
}

func WithChatMetrics(m *Metrics) ChatOption {
	return func(c *ChatView) { c.metrics = m }
}

// WithChatCache shares an existing cache instead of creating one.
func WithChatCache(cache *ConversationCache) ChatOption {
	return func(c *ChatView) { c.cache = cache }
}

// ChatView is the controller of one signed-in user's chat screen: the open
// conversation, its cache, the pending reply and the optimistic mutations.
type ChatView struct {
	session *Session
	gateway Gateway
	view    Renderer
	alerts  Alerter
	cache   *ConversationCache
	coord   *Coordinator
	reply   *ReplyContext

	log     *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	current string
	opens   uint64
	loading bool
	// inserts received while the open conversation is being filled
	buffered []*Message
}

// NewChatView wires a chat view. alerts may be nil.
func NewChatView(session *Session, gateway Gateway, view Renderer, alerts Alerter, opts ...ChatOption) *ChatView {
	if alerts == nil {
		alerts = discardAlerter{}
	}
	c := &ChatView{
		session: session,
		gateway: gateway,
		view:    view,
		alerts:  alerts,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewConversationCache(WithCacheLogger(c.log), WithCacheMetrics(c.metrics))
	}
	c.coord = NewCoordinator(c.cache, gateway, view, alerts,
		WithCoordinatorLogger(c.log), WithCoordinatorMetrics(c.metrics))
	c.reply = NewReplyContext(c.log)
	return c
}

// Cache returns the conversation cache.
func (c *ChatView) Cache() *ConversationCache { return c.cache }

// Reply returns the reply context.
func (c *ChatView) Reply() *ReplyContext { return c.reply }

// Current returns the open conversation id, or "".
func (c *ChatView) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Attach subscribes the view to listener events.
func (c *ChatView) Attach(l *Listener) {
	l.OnEvent(c.HandleEvent)
	l.OnError(func(err error) {
		c.log.Warn("realtime error", "error", err)
	})
}

// ============================================================================
// Opening conversations
// ============================================================================

// Open switches to conversationID and renders its history, filling the cache
// on first access. Switching conversations drops any pending reply. When the
// history cannot be loaded the view stays empty and the error is returned.
func (c *ChatView) Open(ctx context.Context, conversationID string) (*CacheEntry, error) {
	c.mu.Lock()
	if c.current != conversationID {
		if c.reply.Cancel() {
			c.log.Debug("reply cancelled by conversation switch")
		}
	}
	c.current = conversationID
	c.opens++
	seq := c.opens
	c.loading = true
	c.buffered = nil
	c.mu.Unlock()

	c.view.Clear()
	entry, err := c.cache.Fill(ctx, conversationID, c.fetcher(conversationID))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opens != seq {
		// another Open took over while loading
		return entry, err
	}
	buffered := c.buffered
	c.loading = false
	c.buffered = nil
	if err != nil {
		c.log.Error("conversation unavailable", "conversation_id", conversationID, "error", err)
		return &CacheEntry{}, fmt.Errorf("open %s: %w", conversationID, err)
	}
	if len(buffered) > 0 {
		for _, m := range buffered {
			c.cache.Append(conversationID, m)
		}
		entry, _ = c.cache.Get(conversationID)
	}

	for _, m := range entry.Messages {
		c.render(entry, conversationID, m)
	}
	return entry, nil
}

// fetcher loads messages, participants and the conversation row in parallel.
func (c *ChatView) fetcher(conversationID string) Fetcher {
	return func(ctx context.Context) (*CacheEntry, error) {
		var (
			msgs         []*Message
			participants []string
			conv         *Conversation
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			msgs, err = c.gateway.FetchMessages(gctx, conversationID)
			return err
		})
		g.Go(func() (err error) {
			participants, err = c.gateway.FetchConversationParticipants(gctx, conversationID)
			return err
		})
		g.Go(func() (err error) {
			conv, err = c.gateway.FetchConversation(gctx, conversationID)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		entry := &CacheEntry{
			Type:         conv.Type,
			Theme:        conv.Theme,
			Participants: participants,
			Messages:     msgs,
		}
		entry.Name = c.displayName(ctx, conv, entry)
		return entry, nil
	}
}

func (c *ChatView) displayName(ctx context.Context, conv *Conversation, entry *CacheEntry) string {
	if conv.Type == ConversationGroup {
		if conv.Name != "" {
			return conv.Name
		}
		return UnknownUser
	}
	other, ok := entry.OtherParticipant(c.session.UserID)
	if !ok {
		c.log.Warn("direct conversation without other participant", "conversation_id", conv.ID)
		return UnknownUser
	}
	name, err := c.gateway.FetchUsername(ctx, other)
	if err != nil || name == "" {
		c.log.Warn("username unavailable", "user_id", other, "error", err)
		return UnknownUser
	}
	return name
}

// render displays m; callers hold c.mu.
func (c *ChatView) render(entry *CacheEntry, conversationID string, m *Message) {
	var preview *ReplyPreview
	if m.ReplyTo != nil {
		target := entry.Message(*m.ReplyTo)
		if target == nil {
			if cached, ok := c.cache.Message(conversationID, *m.ReplyTo); ok {
				target = cached
			}
		}
		if target != nil {
			preview = NewReplyPreview(target)
		} else {
			c.log.Debug("reply target not found", "message_id", m.ID, "reply_to", *m.ReplyTo)
		}
	}
	c.view.RenderMessage(m, c.session.UserID, conversationID, entry.Type, preview)
}

// ============================================================================
// Sending
// ============================================================================

// Send posts contents to the open conversation, honouring a pending reply only
// if it was started in this conversation.
func (c *ChatView) Send(ctx context.Context, contents string) (*Message, error) {
	conversationID := c.Current()
	if conversationID == "" {
		c.alerts.Alert(alertNoConversation)
		return nil, ErrNoConversation
	}
	text := strings.TrimSpace(contents)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	entry, err := c.cache.Fill(ctx, conversationID, c.fetcher(conversationID))
	if err != nil {
		c.log.Error("send failed, conversation unavailable", "conversation_id", conversationID, "error", err)
		c.alerts.Alert(alertSendFailed)
		return nil, fmt.Errorf("send: %w", err)
	}

	msg := &NewMessage{
		ConversationID: conversationID,
		From:           c.session.UserID,
		Contents:       text,
	}
	if entry.Type == ConversationDirect {
		if other, ok := entry.OtherParticipant(c.session.UserID); ok {
			msg.To = &other
		}
	}
	pending, _ := c.reply.Pending()
	msg.ReplyTo = c.reply.Take(conversationID)

	stored, err := c.gateway.InsertMessage(ctx, msg)
	if err != nil {
		if msg.ReplyTo != nil {
			c.reply.Start(pending.MessageID, pending.ConversationID, pending.Preview)
		}
		c.log.Error("send failed", "conversation_id", conversationID, "error", err)
		c.alerts.Alert(alertSendFailed)
		return nil, fmt.Errorf("send: %w", err)
	}

	c.mu.Lock()
	c.cache.Append(conversationID, stored)
	if c.current == conversationID {
		if _, shown := c.view.FindRenderedMessage(stored.ID); !shown {
			c.render(entry, conversationID, stored)
		}
	}
	c.mu.Unlock()

	broadcastEvent(ctx, c.gateway, c.log, entry.Participants, Inserted{Message: stored})
	return stored, nil
}

// ============================================================================
// Replies and mutations
// ============================================================================

// StartReply makes the next sent message a reply to messageID of the open conversation.
func (c *ChatView) StartReply(messageID int64) (ReplyTarget, error) {
	conversationID := c.Current()
	if conversationID == "" {
		return ReplyTarget{}, ErrNoConversation
	}
	m, ok := c.cache.Message(conversationID, messageID)
	if !ok {
		return ReplyTarget{}, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	contents := m.Contents
	if m.Deleted {
		contents = DeletedPlaceholder
	}
	c.reply.Start(messageID, conversationID, contents)
	t, _ := c.reply.Pending()
	return t, nil
}

// CancelReply drops the pending reply.
func (c *ChatView) CancelReply() bool {
	return c.reply.Cancel()
}

// ToggleLike flips the like of a message in the open conversation.
func (c *ChatView) ToggleLike(ctx context.Context, messageID int64) (LikeState, error) {
	conversationID := c.Current()
	if conversationID == "" {
		return "", ErrNoConversation
	}
	return c.coord.ToggleLike(ctx, conversationID, messageID)
}

// Delete soft-deletes a message in the open conversation.
func (c *ChatView) Delete(ctx context.Context, messageID int64) error {
	conversationID := c.Current()
	if conversationID == "" {
		return ErrNoConversation
	}
	return c.coord.Delete(ctx, conversationID, messageID)
}

// ============================================================================
// Realtime reconciliation
// ============================================================================

// HandleEvent reconciles a realtime event with the cache and the view.
//
// Inserts are appended to any cached conversation, open or not, and rendered
// only when they belong to the open one. Updates patch the cache and, if the
// message is displayed, the view. Events are applied as they come; a repeat
// insert is ignored and a repeat update is a no-op.
func (c *ChatView) HandleEvent(ev Event) {
	m := ev.EventMessage()
	if m == nil {
		return
	}
	if !m.AddressedTo(c.session.UserID) {
		c.log.Debug("ignoring event for another user", "message_id", m.ID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.(type) {
	case Inserted:
		if c.current == m.ConversationID && c.loading {
			c.buffered = append(c.buffered, cloneMessage(m))
			return
		}
		appended := c.cache.Append(m.ConversationID, m)
		if c.current != m.ConversationID {
			return
		}
		if _, shown := c.view.FindRenderedMessage(m.ID); shown {
			return
		}
		entry, ok := c.cache.Get(m.ConversationID)
		if !ok {
			entry = &CacheEntry{}
		}
		c.render(entry, m.ConversationID, m)
		if !appended {
			c.log.Debug("rendered insert without cache entry", "message_id", m.ID)
		}

	case Updated:
		patch := PatchFrom(m)
		c.cache.MutateMessage(m.ConversationID, m.ID, patch)
		if c.current != m.ConversationID {
			return
		}
		h, ok := c.view.FindRenderedMessage(m.ID)
		if !ok {
			c.log.Debug("update for message not displayed", "message_id", m.ID)
			return
		}
		if patch.Liked != nil {
			h.SetLiked(*patch.Liked)
		}
		if patch.Deleted {
			h.SetDeleted(true)
			c.view.BlankReplyPreviews(m.ID)
		}
	}
}
