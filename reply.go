package murmur

import (
	"log/slog"
	"sync"
)

// ReplyTarget is the message a pending reply quotes.
type ReplyTarget struct {
	MessageID      int64
	ConversationID string
	Preview        string
}

// ReplyContext tracks the single pending reply of a chat view. It is either
// idle or replying to one message of one conversation.
type ReplyContext struct {
	mu      sync.Mutex
	pending *ReplyTarget
	log     *slog.Logger
}

// NewReplyContext creates an idle reply context.
func NewReplyContext(log *slog.Logger) *ReplyContext {
	if log == nil {
		log = slog.Default()
	}
	return &ReplyContext{log: log}
}

// Start replaces any pending reply with one targeting messageID.
func (r *ReplyContext) Start(messageID int64, conversationID, contents string) {
	r.mu.Lock()
	r.pending = &ReplyTarget{
		MessageID:      messageID,
		ConversationID: conversationID,
		Preview:        PreviewText(contents),
	}
	r.mu.Unlock()
}

// Cancel drops the pending reply and reports whether there was one.
func (r *ReplyContext) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	had := r.pending != nil
	r.pending = nil
	return had
}

// Pending returns the pending reply, if any.
func (r *ReplyContext) Pending() (ReplyTarget, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return ReplyTarget{}, false
	}
	return *r.pending, true
}

// Take clears the context and returns the reply target id to attach to a
// message sent in activeConversationID. A reply captured in another
// conversation is dropped and nil is returned.
func (r *ReplyContext) Take(activeConversationID string) *int64 {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()

	if p == nil {
		return nil
	}
	if p.ConversationID != activeConversationID {
		r.log.Warn("dropping reply from another conversation",
			"reply_to", p.MessageID,
			"reply_conversation_id", p.ConversationID,
			"conversation_id", activeConversationID)
		return nil
	}
	id := p.MessageID
	return &id
}
