package murmur

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Cache entry
// ============================================================================

// CacheEntry is the cached state of one conversation. Messages are kept in
// arrival order, which is ascending id for history loaded by a fill.
type CacheEntry struct {
	Name         string
	Type         ConversationType
	Theme        string
	Participants []string
	Messages     []*Message
}

func (e *CacheEntry) clone() *CacheEntry {
	out := *e
	out.Participants = append([]string(nil), e.Participants...)
	out.Messages = make([]*Message, len(e.Messages))
	for i, m := range e.Messages {
		out.Messages[i] = cloneMessage(m)
	}
	return &out
}

func (e *CacheEntry) find(messageID int64) *Message {
	for _, m := range e.Messages {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

// Message returns the message with the given id, or nil.
func (e *CacheEntry) Message(messageID int64) *Message {
	return e.find(messageID)
}

// OtherParticipant returns the first participant that is not userID.
func (e *CacheEntry) OtherParticipant(userID string) (string, bool) {
	for _, p := range e.Participants {
		if p != userID {
			return p, true
		}
	}
	return "", false
}

func cloneMessage(m *Message) *Message {
	c := *m
	if m.To != nil {
		to := *m.To
		c.To = &to
	}
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	return &c
}

// ============================================================================
// ConversationCache
// ============================================================================

// Fetcher loads the full state of a conversation for a cache fill.
type Fetcher func(ctx context.Context) (*CacheEntry, error)

// CacheOption configures a ConversationCache.
type CacheOption func(*ConversationCache)

func WithCacheLogger(log *slog.Logger) CacheOption {
	return func(c *ConversationCache) { c.log = log }
}

func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *ConversationCache) { c.metrics = m }
}

// WithFillTimeout bounds a shared fetch. The default is 30 seconds.
func WithFillTimeout(d time.Duration) CacheOption {
	return func(c *ConversationCache) { c.fillTimeout = d }
}

// ConversationCache maps conversation ids to their cached entries.
// It is safe for concurrent use. Readers get copies; all writes go through
// Fill, Append and MutateMessage.
type ConversationCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	fills   singleflight.Group

	fillTimeout time.Duration

	log     *slog.Logger
	metrics *Metrics
}

// NewConversationCache creates an empty cache.
func NewConversationCache(opts ...CacheOption) *ConversationCache {
	c := &ConversationCache{
		entries:     make(map[string]*CacheEntry),
		fillTimeout: 30 * time.Second,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a copy of the entry for conversationID.
func (c *ConversationCache) Get(conversationID string) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Has reports whether conversationID has an entry.
func (c *ConversationCache) Has(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[conversationID]
	return ok
}

// Conversations returns the ids of all cached conversations, sorted.
func (c *ConversationCache) Conversations() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Fill returns the entry for conversationID, calling fetch on a miss.
//
// Concurrent fills of the same id share a single fetch. The fetched entry is
// only stored if no other writer created one meanwhile; otherwise the existing
// entry wins and the fetched one is discarded. A failed fetch stores nothing,
// so a later Fill retries. A fetch that returns no messages still creates an
// entry.
//
// The shared fetch runs detached from any one caller's ctx, bounded by the
// fill timeout. A caller whose ctx ends stops waiting with ctx.Err() while the
// fetch carries on for the others.
func (c *ConversationCache) Fill(ctx context.Context, conversationID string, fetch Fetcher) (*CacheEntry, error) {
	if e, ok := c.Get(conversationID); ok {
		c.metrics.cacheLookup(true)
		return e, nil
	}
	c.metrics.cacheLookup(false)

	ch := c.fills.DoChan(conversationID, func() (interface{}, error) {
		// a fill that completed between the lookup above and DoChan
		if e, ok := c.Get(conversationID); ok {
			return e, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
		defer cancel()
		fetched, err := fetch(fctx)
		if err != nil {
			c.metrics.cacheFill("failed")
			return nil, err
		}
		if fetched == nil {
			fetched = &CacheEntry{}
		}
		fetched = fetched.clone()

		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.entries[conversationID]; ok {
			c.metrics.cacheFill("discarded")
			c.log.Debug("cache fill discarded, entry already present", "conversation_id", conversationID)
			return existing.clone(), nil
		}
		c.entries[conversationID] = fetched
		c.metrics.cacheFill("stored")
		c.log.Debug("cache filled", "conversation_id", conversationID, "messages", len(fetched.Messages))
		return fetched.clone(), nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// shared callers must not alias each other's copy
		return res.Val.(*CacheEntry).clone(), nil
	}
}

// Append adds msg to its conversation's entry. It reports false if the
// conversation has no entry or already holds a message with the same id.
func (c *ConversationCache) Append(conversationID string, msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return false
	}
	if e.find(msg.ID) != nil {
		return false
	}
	e.Messages = append(e.Messages, cloneMessage(msg))
	return true
}

// MutateMessage applies patch to a cached message and reports whether the
// message was found. Deleted messages stay deleted.
func (c *ConversationCache) MutateMessage(conversationID string, messageID int64, patch MessagePatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return false
	}
	m := e.find(messageID)
	if m == nil {
		return false
	}
	patch.Apply(m)
	return true
}

// Message returns a copy of a cached message.
func (c *ConversationCache) Message(conversationID string, messageID int64) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[conversationID]
	if !ok {
		return nil, false
	}
	m := e.find(messageID)
	if m == nil {
		return nil, false
	}
	return cloneMessage(m), true
}
