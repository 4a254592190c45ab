package murmur

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Gateway is the set of remote store operations the cache, the coordinator and
// the chat view depend on. *Client implements it against the hosted store.
type Gateway interface {
	FetchMessages(ctx context.Context, conversationID string) ([]*Message, error)
	FetchMessage(ctx context.Context, messageID int64) (*Message, error)
	FetchConversation(ctx context.Context, conversationID string) (*Conversation, error)
	FetchConversationType(ctx context.Context, conversationID string) (ConversationType, error)
	FetchConversationParticipants(ctx context.Context, conversationID string) ([]string, error)
	FetchUsername(ctx context.Context, userID string) (string, error)
	InsertMessage(ctx context.Context, msg *NewMessage) (*Message, error)
	UpdateMessageLiked(ctx context.Context, messageID int64, prev, next LikeState) (*Message, error)
	UpdateMessageDeleted(ctx context.Context, messageID int64) (*Message, error)
	Broadcast(ctx context.Context, topic, event string, payload interface{}) error
}

var _ Gateway = (*Client)(nil)

const (
	restPrefix         = "/rest/v1/"
	broadcastPath      = "/realtime/v1/api/broadcast"
	preferReturnRows   = "return=representation"
	preferIgnoreDupes  = "resolution=ignore-duplicates,return=minimal"
	conversationFields = "id,type,conversation_name,theme,direct_key"
)

func eq(v string) string { return "eq." + v }

// ============================================================================
// Reads
// ============================================================================

// FetchMessages returns a conversation's messages ordered by ascending id.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	var msgs []*Message
	err := c.do(ctx, request{
		method: "GET",
		path:   restPrefix + "message",
		query: url.Values{
			"select":          {"*"},
			"conversation_id": {eq(conversationID)},
			"order":           {"id.asc"},
		},
	}, &msgs)
	if err != nil {
		return nil, fmt.Errorf("fetch messages of %s: %w", conversationID, err)
	}
	return msgs, nil
}

// FetchMessage returns a single message by id.
func (c *Client) FetchMessage(ctx context.Context, messageID int64) (*Message, error) {
	var msgs []*Message
	err := c.do(ctx, request{
		method: "GET",
		path:   restPrefix + "message",
		query: url.Values{
			"select": {"*"},
			"id":     {eq(strconv.FormatInt(messageID, 10))},
			"limit":  {"1"},
		},
	}, &msgs)
	if err != nil {
		return nil, fmt.Errorf("fetch message %d: %w", messageID, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	return msgs[0], nil
}

// FetchConversation returns the conversation row.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	return c.fetchConversationBy(ctx, url.Values{"id": {eq(conversationID)}})
}

// FetchConversationType returns whether the conversation is direct or a group.
func (c *Client) FetchConversationType(ctx context.Context, conversationID string) (ConversationType, error) {
	conv, err := c.FetchConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	return conv.Type, nil
}

func (c *Client) fetchConversationBy(ctx context.Context, filter url.Values) (*Conversation, error) {
	q := url.Values{"select": {conversationFields}, "limit": {"1"}}
	for k, v := range filter {
		q[k] = v
	}
	var convs []*Conversation
	if err := c.do(ctx, request{method: "GET", path: restPrefix + "conversation", query: q}, &convs); err != nil {
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("conversation: %w", ErrNotFound)
	}
	return convs[0], nil
}

// FetchConversationParticipants returns the participant user ids of a conversation.
func (c *Client) FetchConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var rows []Participant
	err := c.do(ctx, request{
		method: "GET",
		path:   restPrefix + "conversation_participant",
		query: url.Values{
			"select":          {"participant"},
			"conversation_id": {eq(conversationID)},
		},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("fetch participants of %s: %w", conversationID, err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.Participant)
	}
	return ids, nil
}

// FetchProfile returns the profile linked to an auth user id.
func (c *Client) FetchProfile(ctx context.Context, userID string) (*Profile, error) {
	var rows []*Profile
	err := c.do(ctx, request{
		method: "GET",
		path:   restPrefix + "profile",
		query: url.Values{
			"select":  {"id,auth_id,username,bio"},
			"auth_id": {eq(userID)},
			"limit":   {"1"},
		},
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("fetch profile of %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile of %s: %w", userID, ErrNotFound)
	}
	return rows[0], nil
}

// FetchUsername returns the username of an auth user id.
func (c *Client) FetchUsername(ctx context.Context, userID string) (string, error) {
	p, err := c.FetchProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Username, nil
}

// ============================================================================
// Writes
// ============================================================================

// InsertMessage appends a message and returns the stored row.
func (c *Client) InsertMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	var rows []*Message
	err := c.do(ctx, request{
		method: "POST",
		path:   restPrefix + "message",
		body:   msg,
		prefer: preferReturnRows,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert message: no row returned")
	}
	return rows[0], nil
}

// UpdateMessageLiked sets the liked state only if the stored state still equals prev.
// A message that moved on in the meantime yields ErrConflict.
func (c *Client) UpdateMessageLiked(ctx context.Context, messageID int64, prev, next LikeState) (*Message, error) {
	var rows []*Message
	err := c.do(ctx, request{
		method: "PATCH",
		path:   restPrefix + "message",
		query:  likedFilter(url.Values{"id": {eq(strconv.FormatInt(messageID, 10))}}, prev),
		body:   map[string]LikeState{"liked": next},
		prefer: preferReturnRows,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("update liked of %d: %w", messageID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("message %d not %s: %w", messageID, prev, ErrConflict)
	}
	return rows[0], nil
}

// likedFilter adds the filter matching rows in state prev. Any stored value
// other than liked reads as empty, so empty also matches NULL and unknown values.
func likedFilter(q url.Values, prev LikeState) url.Values {
	if prev == LikeLiked {
		q.Set("liked", eq(string(LikeLiked)))
	} else {
		q.Set("or", "(liked.is.null,liked.neq."+string(LikeLiked)+")")
	}
	return q
}

// UpdateMessageDeleted soft-deletes a message.
func (c *Client) UpdateMessageDeleted(ctx context.Context, messageID int64) (*Message, error) {
	var rows []*Message
	err := c.do(ctx, request{
		method: "PATCH",
		path:   restPrefix + "message",
		query:  url.Values{"id": {eq(strconv.FormatInt(messageID, 10))}},
		body:   map[string]bool{"deleted": true},
		prefer: preferReturnRows,
	}, &rows)
	if err != nil {
		return nil, fmt.Errorf("delete message %d: %w", messageID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
	}
	return rows[0], nil
}

type broadcastMessage struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
}

// Broadcast publishes payload on a realtime topic. Delivery is fire-and-forget.
func (c *Client) Broadcast(ctx context.Context, topic, event string, payload interface{}) error {
	err := c.do(ctx, request{
		method: "POST",
		path:   broadcastPath,
		body: map[string][]broadcastMessage{
			"messages": {{Topic: topic, Event: event, Payload: payload}},
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("broadcast on %s: %w", topic, err)
	}
	return nil
}

// ============================================================================
// Direct conversations
// ============================================================================

// DirectKey is the canonical key of the direct conversation between two users.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// OpenDirectConversation returns the direct conversation between self and target,
// creating it when none exists. The direct_key column is unique, so when two users
// race to create the same chat the loser re-reads the winner's row.
func (c *Client) OpenDirectConversation(ctx context.Context, self, target string) (*Conversation, bool, error) {
	key := DirectKey(self, target)
	filter := url.Values{"direct_key": {eq(key)}, "type": {eq(string(ConversationDirect))}}

	conv, err := c.fetchConversationBy(ctx, filter)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	name := "Chat with " + target
	if username, err := c.FetchUsername(ctx, target); err == nil && username != "" {
		name = "Chat with " + username
	}

	var rows []*Conversation
	err = c.do(ctx, request{
		method: "POST",
		path:   restPrefix + "conversation",
		query:  url.Values{"select": {conversationFields}},
		body: &Conversation{
			Type:      ConversationDirect,
			Name:      name,
			DirectKey: key,
		},
		prefer: preferReturnRows,
	}, &rows)
	if errors.Is(err, ErrConflict) {
		conv, err := c.fetchConversationBy(ctx, filter)
		if err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create direct conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, fmt.Errorf("create direct conversation: no row returned")
	}
	conv = rows[0]

	err = c.do(ctx, request{
		method: "POST",
		path:   restPrefix + "conversation_participant",
		query:  url.Values{"on_conflict": {"conversation_id,participant"}},
		body: []Participant{
			{ConversationID: conv.ID, Participant: self},
			{ConversationID: conv.ID, Participant: target},
		},
		prefer: preferIgnoreDupes,
	}, nil)
	if err != nil {
		return nil, false, fmt.Errorf("add participants to %s: %w", conv.ID, err)
	}
	return conv, true, nil
}
