package murmur

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

const (
	alertLikeFailed   = "Failed to update like. Please try again."
	alertDeleteFailed = "Failed to delete message. Please try again."
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithCoordinatorLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

func WithCoordinatorMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator applies like and delete optimistically to the view and the
// cache, confirms them remotely and rolls back on failure.
type Coordinator struct {
	cache   *ConversationCache
	gateway Gateway
	view    Renderer
	alerts  Alerter

	log     *slog.Logger
	metrics *Metrics
}

// NewCoordinator wires a coordinator. alerts may be nil.
func NewCoordinator(cache *ConversationCache, gateway Gateway, view Renderer, alerts Alerter, opts ...CoordinatorOption) *Coordinator {
	if alerts == nil {
		alerts = discardAlerter{}
	}
	c := &Coordinator{
		cache:   cache,
		gateway: gateway,
		view:    view,
		alerts:  alerts,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// currentLike reads the liked state from the rendered message, then the
// cache, then the store.
func (c *Coordinator) currentLike(ctx context.Context, conversationID string, messageID int64) (LikeState, RenderedMessage, error) {
	if h, ok := c.view.FindRenderedMessage(messageID); ok {
		return h.Liked(), h, nil
	}
	if m, ok := c.cache.Message(conversationID, messageID); ok {
		return m.Liked, nil, nil
	}
	m, err := c.gateway.FetchMessage(ctx, messageID)
	if err != nil {
		return "", nil, err
	}
	return m.Liked, nil, nil
}

func (c *Coordinator) applyLike(conversationID string, messageID int64, h RenderedMessage, state LikeState) {
	c.cache.MutateMessage(conversationID, messageID, LikePatch(state))
	if h != nil {
		h.SetLiked(state)
	}
}

// ToggleLike flips the liked state of a message and returns the resulting
// state. The remote write only succeeds if the stored state still equals the
// state this toggle started from; otherwise the change is rolled back and the
// prior state is returned with the error.
func (c *Coordinator) ToggleLike(ctx context.Context, conversationID string, messageID int64) (LikeState, error) {
	prev, h, err := c.currentLike(ctx, conversationID, messageID)
	if err != nil {
		return "", fmt.Errorf("toggle like of %d: %w", messageID, err)
	}
	if prev == "" {
		prev = LikeEmpty
	}
	next := prev.Toggled()

	c.metrics.mutation("like")
	c.applyLike(conversationID, messageID, h, next)

	updated, err := c.gateway.UpdateMessageLiked(ctx, messageID, prev, next)
	if err != nil {
		c.applyLike(conversationID, messageID, h, prev)
		c.metrics.rollback("like")
		c.log.Warn("like rolled back", "message_id", messageID, "state", prev, "error", err)
		c.alerts.Alert(alertLikeFailed)
		return prev, fmt.Errorf("toggle like of %d: %w", messageID, err)
	}

	c.broadcastUpdate(ctx, conversationID, messageID, updated)
	return next, nil
}

// Delete soft-deletes a message. The view is marked deleted at once; the
// cache is only marked, and reply previews quoting the message only blanked,
// once the store confirms. A failed delete clears the view marker again,
// unless the cache already holds the message as deleted.
func (c *Coordinator) Delete(ctx context.Context, conversationID string, messageID int64) error {
	if m, ok := c.cache.Message(conversationID, messageID); ok && m.Deleted {
		return nil
	}

	c.metrics.mutation("delete")
	h, rendered := c.view.FindRenderedMessage(messageID)
	if rendered {
		h.SetDeleted(true)
	}

	updated, err := c.gateway.UpdateMessageDeleted(ctx, messageID)
	if err != nil {
		if m, ok := c.cache.Message(conversationID, messageID); ok && m.Deleted {
			// confirmed meanwhile, e.g. by another session's update
			c.log.Info("delete failed but message already deleted", "message_id", messageID, "error", err)
			c.view.BlankReplyPreviews(messageID)
			return nil
		}
		if rendered {
			h.SetDeleted(false)
		}
		c.metrics.rollback("delete")
		c.log.Warn("delete rolled back", "message_id", messageID, "error", err)
		c.alerts.Alert(alertDeleteFailed)
		return fmt.Errorf("delete %d: %w", messageID, err)
	}

	c.cache.MutateMessage(conversationID, messageID, DeletePatch())
	c.view.BlankReplyPreviews(messageID)
	c.broadcastUpdate(ctx, conversationID, messageID, updated)
	return nil
}

// broadcastUpdate sends an update event to every participant's channel,
// including the caller's own so their other sessions follow. Failures are
// logged and otherwise ignored.
func (c *Coordinator) broadcastUpdate(ctx context.Context, conversationID string, messageID int64, updated *Message) {
	if updated == nil {
		m, ok := c.cache.Message(conversationID, messageID)
		if !ok {
			c.log.Warn("no message to broadcast", "message_id", messageID)
			return
		}
		updated = m
	}
	participants, err := c.participants(ctx, conversationID)
	if err != nil {
		c.log.Warn("participants unavailable, update not broadcast",
			"conversation_id", conversationID, "error", err)
		return
	}
	broadcastEvent(ctx, c.gateway, c.log, participants, Updated{Message: updated})
}

func (c *Coordinator) participants(ctx context.Context, conversationID string) ([]string, error) {
	if e, ok := c.cache.Get(conversationID); ok && len(e.Participants) > 0 {
		return e.Participants, nil
	}
	return c.gateway.FetchConversationParticipants(ctx, conversationID)
}

// broadcastEvent publishes ev on the channel of every user in recipients.
func broadcastEvent(ctx context.Context, gw Gateway, log *slog.Logger, recipients []string, ev Event) {
	payload := encodeEvent(ev)
	g, gctx := errgroup.WithContext(ctx)
	for _, userID := range recipients {
		topic := UserTopic(userID)
		g.Go(func() error {
			if err := gw.Broadcast(gctx, topic, BroadcastEvent, payload); err != nil {
				log.Warn("broadcast failed", "topic", topic, "type", ev.eventType(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
