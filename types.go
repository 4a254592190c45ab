package murmur

import (
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthenticated means the access token is missing, expired or rejected.
	ErrUnauthenticated = errors.New("murmur: not authenticated")
	// ErrNotFound means the requested row does not exist or is not visible.
	ErrNotFound = errors.New("murmur: not found")
	// ErrConflict means a conditional write matched no row in its expected state.
	ErrConflict = errors.New("murmur: conflicting update")
	// ErrNoConversation is returned when sending without an open conversation.
	ErrNoConversation = errors.New("murmur: no conversation selected")
	// ErrEmptyMessage is returned when the trimmed contents are empty.
	ErrEmptyMessage = errors.New("murmur: empty message")
	// ErrNotConnected is returned by realtime calls made before Connect.
	ErrNotConnected = errors.New("murmur: realtime not connected")
	// ErrUnknownEvent is returned for realtime payloads with an unknown type tag.
	ErrUnknownEvent = errors.New("murmur: unknown realtime event")
	// ErrMalformedEvent is returned for realtime payloads that do not match an event shape.
	ErrMalformedEvent = errors.New("murmur: malformed realtime event")
)

// APIError is the error body returned by the remote store.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.Status, e.Code, e.Message)
}

// Is maps HTTP statuses onto the package sentinels so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.Status == 401 || e.Status == 403
	case ErrNotFound:
		return e.Status == 404 || e.Code == "PGRST116"
	case ErrConflict:
		return e.Status == 409 || e.Code == "23505"
	}
	return false
}

// ============================================================================
// Data model
// ============================================================================

// LikeState is the liked flag of a message.
type LikeState string

const (
	LikeEmpty LikeState = "empty"
	LikeLiked LikeState = "liked"
)

// Toggled returns the opposite state. Anything that is not liked toggles to liked.
func (s LikeState) Toggled() LikeState {
	if s == LikeLiked {
		return LikeEmpty
	}
	return LikeLiked
}

// ConversationType distinguishes direct chats from groups.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// UnknownUser is the display name used when a participant cannot be resolved.
const UnknownUser = "Unknown User"

// Message is a row of the message relation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	To             *string   `json:"to"`
	Contents       string    `json:"contents"`
	CreatedAt      time.Time `json:"created_at"`
	Liked          LikeState `json:"liked"`
	Deleted        bool      `json:"deleted"`
	ReplyTo        *int64    `json:"reply_to"`
}

// AddressedTo reports whether userID sent or receives the message.
// Group messages carry no recipient, so every participant matches.
func (m *Message) AddressedTo(userID string) bool {
	if m.From == userID {
		return true
	}
	return m.To == nil || *m.To == userID
}

// NewMessage is the insert payload for a message.
type NewMessage struct {
	ConversationID string  `json:"conversation_id"`
	From           string  `json:"from"`
	To             *string `json:"to,omitempty"`
	Contents       string  `json:"contents"`
	ReplyTo        *int64  `json:"reply_to,omitempty"`
}

// MessagePatch is a state change applied to a cached or rendered message.
// Deleted can only move a message to the deleted state, never back.
type MessagePatch struct {
	Liked   *LikeState
	Deleted bool
}

// LikePatch returns a patch that sets the liked state.
func LikePatch(state LikeState) MessagePatch {
	return MessagePatch{Liked: &state}
}

// DeletePatch returns a patch that marks the message deleted.
func DeletePatch() MessagePatch {
	return MessagePatch{Deleted: true}
}

// PatchFrom builds the patch carried by an update event for m.
func PatchFrom(m *Message) MessagePatch {
	p := MessagePatch{Deleted: m.Deleted}
	if m.Liked != "" {
		liked := m.Liked
		p.Liked = &liked
	}
	return p
}

// Apply mutates m and reports whether anything changed.
func (p MessagePatch) Apply(m *Message) bool {
	changed := false
	if p.Liked != nil && m.Liked != *p.Liked {
		m.Liked = *p.Liked
		changed = true
	}
	if p.Deleted && !m.Deleted {
		m.Deleted = true
		changed = true
	}
	return changed
}

// Conversation is a row of the conversation relation.
type Conversation struct {
	ID        string           `json:"id,omitempty"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"conversation_name,omitempty"`
	Theme     string           `json:"theme,omitempty"`
	DirectKey string           `json:"direct_key,omitempty"`
}

// Participant is a row of the conversation_participant relation.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	Participant    string `json:"participant"`
}

// Profile is a row of the profile relation.
type Profile struct {
	ID       int64  `json:"id"`
	AuthID   string `json:"auth_id"`
	Username string `json:"username"`
	Bio      string `json:"bio,omitempty"`
}

// ============================================================================
// Realtime wire payloads
// ============================================================================

// BroadcastEvent is the event name used for message broadcasts.
const BroadcastEvent = "new-message"

// eventPayload is the untyped broadcast body exchanged between clients.
type eventPayload struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// UserTopic returns the broadcast channel name of a user.
func UserTopic(userID string) string {
	return "user-" + userID
}
