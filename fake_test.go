package murmur

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errRemote = errors.New("remote unavailable")

type sentBroadcast struct {
	Topic string
	Event string
	Body  []byte
}

// fakeGateway is an in-memory store. Broadcasts are delivered synchronously
// through bus when one is set.
type fakeGateway struct {
	mu            sync.Mutex
	nextID        int64
	messages      map[int64]*Message
	conversations map[string]*Conversation
	participants  map[string][]string
	usernames     map[string]string

	fetchCalls map[string]int
	fetchDelay time.Duration
	fetchErr   error
	insertErr  error
	likeErr    error
	deleteErr  error

	broadcasts []sentBroadcast
	bus        *fakeBus
}

var _ Gateway = (*fakeGateway)(nil)

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages:      make(map[int64]*Message),
		conversations: make(map[string]*Conversation),
		participants:  make(map[string][]string),
		usernames:     make(map[string]string),
		fetchCalls:    make(map[string]int),
	}
}

func (g *fakeGateway) addConversation(id string, typ ConversationType, name string, participants ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conversations[id] = &Conversation{ID: id, Type: typ, Name: name}
	g.participants[id] = participants
}

func (g *fakeGateway) addMessage(conv, from string, to *string, contents string, replyTo *int64) *Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.insertLocked(&NewMessage{ConversationID: conv, From: from, To: to, Contents: contents, ReplyTo: replyTo})
}

func (g *fakeGateway) insertLocked(n *NewMessage) *Message {
	g.nextID++
	m := &Message{
		ID:             g.nextID,
		ConversationID: n.ConversationID,
		From:           n.From,
		To:             n.To,
		Contents:       n.Contents,
		CreatedAt:      time.Unix(1700000000+g.nextID, 0).UTC(),
		Liked:          LikeEmpty,
		ReplyTo:        n.ReplyTo,
	}
	g.messages[m.ID] = m
	return cloneMessage(m)
}

func (g *fakeGateway) stored(id int64) *Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.messages[id]; ok {
		return cloneMessage(m)
	}
	return nil
}

func (g *fakeGateway) fetches(conv string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetchCalls[conv]
}

func (g *fakeGateway) sent() []sentBroadcast {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentBroadcast(nil), g.broadcasts...)
}

func (g *fakeGateway) FetchMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	g.mu.Lock()
	g.fetchCalls[conversationID]++
	delay, err := g.fetchDelay, g.fetchErr
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Message
	for _, m := range g.messages {
		if m.ConversationID == conversationID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (g *fakeGateway) FetchMessage(ctx context.Context, messageID int64) (*Message, error) {
	if m := g.stored(messageID); m != nil {
		return m, nil
	}
	return nil, ErrNotFound
}

func (g *fakeGateway) FetchConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) FetchConversationType(ctx context.Context, conversationID string) (ConversationType, error) {
	c, err := g.FetchConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return c.Type, nil
}

func (g *fakeGateway) FetchConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.participants[conversationID]...), nil
}

func (g *fakeGateway) FetchUsername(ctx context.Context, userID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name, ok := g.usernames[userID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (g *fakeGateway) InsertMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.insertErr != nil {
		return nil, g.insertErr
	}
	return g.insertLocked(msg), nil
}

func (g *fakeGateway) UpdateMessageLiked(ctx context.Context, messageID int64, prev, next LikeState) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.likeErr != nil {
		return nil, g.likeErr
	}
	m, ok := g.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	if (m.Liked == LikeLiked) != (prev == LikeLiked) {
		return nil, ErrConflict
	}
	m.Liked = next
	return cloneMessage(m), nil
}

func (g *fakeGateway) UpdateMessageDeleted(ctx context.Context, messageID int64) (*Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return nil, g.deleteErr
	}
	m, ok := g.messages[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	m.Deleted = true
	return cloneMessage(m), nil
}

func (g *fakeGateway) Broadcast(ctx context.Context, topic, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.broadcasts = append(g.broadcasts, sentBroadcast{Topic: topic, Event: event, Body: body})
	bus := g.bus
	g.mu.Unlock()
	if bus != nil {
		bus.deliver(topic, body)
	}
	return nil
}

// fakeBus routes broadcasts to subscribers by topic, the way the realtime
// service fans out a user channel.
type fakeBus struct {
	mu   sync.Mutex
	subs map[string][]func(Event)
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]func(Event))}
}

func (b *fakeBus) subscribe(userID string, h func(Event)) {
	b.mu.Lock()
	b.subs[UserTopic(userID)] = append(b.subs[UserTopic(userID)], h)
	b.mu.Unlock()
}

func (b *fakeBus) deliver(topic string, body []byte) {
	ev, err := DecodeEvent(body)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	handlers := append([]func(Event){}, b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

type recordedAlerts struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordedAlerts) Alert(message string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, message)
	r.mu.Unlock()
}

func (r *recordedAlerts) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func strPtr(s string) *string { return &s }
func idPtr(id int64) *int64   { return &id }
