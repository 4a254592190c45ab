package murmur

import (
	"sync"
)

// DeletedPlaceholder replaces the contents of a deleted message wherever it is previewed.
const DeletedPlaceholder = "This message was deleted"

const replyPreviewRunes = 100

// ReplyPreview is the quoted target shown above a reply.
type ReplyPreview struct {
	TargetID int64
	Text     string
	Deleted  bool
}

// NewReplyPreview builds the preview of target: the first 100 characters of its
// contents, or the deleted placeholder.
func NewReplyPreview(target *Message) *ReplyPreview {
	p := &ReplyPreview{TargetID: target.ID}
	if target.Deleted {
		p.Text = DeletedPlaceholder
		p.Deleted = true
		return p
	}
	p.Text = PreviewText(target.Contents)
	return p
}

// PreviewText truncates contents to the reply preview length.
func PreviewText(contents string) string {
	r := []rune(contents)
	if len(r) > replyPreviewRunes {
		return string(r[:replyPreviewRunes])
	}
	return contents
}

// ============================================================================
// View interfaces
// ============================================================================

// RenderedMessage is the view-side handle of a displayed message.
type RenderedMessage interface {
	MessageID() int64
	ConversationID() string
	Liked() LikeState
	SetLiked(LikeState)
	Deleted() bool
	SetDeleted(bool)
}

// Renderer is the rendering surface of the open conversation.
type Renderer interface {
	// RenderMessage displays msg and returns its handle. reply is nil for
	// messages that are not replies or whose target is unknown.
	RenderMessage(msg *Message, currentUserID, conversationID string, convType ConversationType, reply *ReplyPreview) RenderedMessage
	// FindRenderedMessage looks up a displayed message by id.
	FindRenderedMessage(messageID int64) (RenderedMessage, bool)
	// BlankReplyPreviews replaces every preview quoting targetID with the
	// deleted placeholder and returns how many were changed.
	BlankReplyPreviews(targetID int64) int
	// Clear removes everything, e.g. when another conversation is opened.
	Clear()
}

// Alerter surfaces a blocking notice to the user.
type Alerter interface {
	Alert(message string)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(message string)

func (f AlertFunc) Alert(message string) { f(message) }

type discardAlerter struct{}

func (discardAlerter) Alert(string) {}

// ============================================================================
// MemoryView
// ============================================================================

// ViewChange names what happened to a view item.
type ViewChange string

const (
	ViewRendered ViewChange = "rendered"
	ViewLiked    ViewChange = "liked"
	ViewDeleted  ViewChange = "deleted"
	ViewPreview  ViewChange = "preview"
	ViewCleared  ViewChange = "cleared"
)

// ViewObserver is notified after every change to a MemoryView. item is nil
// for ViewCleared.
type ViewObserver func(change ViewChange, item *ViewMessage)

// ViewMessage is a message as displayed by a MemoryView.
type ViewMessage struct {
	mu             sync.Mutex
	id             int64
	conversationID string
	from           string
	contents       string
	outgoing       bool
	liked          LikeState
	deleted        bool
	reply          *ReplyPreview
	notify         func(ViewChange, *ViewMessage)
}

func (v *ViewMessage) MessageID() int64       { return v.id }
func (v *ViewMessage) ConversationID() string { return v.conversationID }
func (v *ViewMessage) From() string           { return v.from }
func (v *ViewMessage) Contents() string       { return v.contents }
func (v *ViewMessage) Outgoing() bool         { return v.outgoing }

func (v *ViewMessage) Liked() LikeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.liked
}

func (v *ViewMessage) SetLiked(s LikeState) {
	v.mu.Lock()
	changed := v.liked != s
	v.liked = s
	v.mu.Unlock()
	if changed {
		v.notify(ViewLiked, v)
	}
}

func (v *ViewMessage) Deleted() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.deleted
}

func (v *ViewMessage) SetDeleted(d bool) {
	v.mu.Lock()
	changed := v.deleted != d
	v.deleted = d
	v.mu.Unlock()
	if changed {
		v.notify(ViewDeleted, v)
	}
}

// Reply returns a copy of the reply preview, or nil.
func (v *ViewMessage) Reply() *ReplyPreview {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reply == nil {
		return nil
	}
	r := *v.reply
	return &r
}

// MemoryView is an in-memory Renderer keyed by message id. It is the view
// model behind the CLI and is useful on its own in tests.
type MemoryView struct {
	mu       sync.RWMutex
	order    []int64
	items    map[int64]*ViewMessage
	observer ViewObserver
}

var _ Renderer = (*MemoryView)(nil)

// NewMemoryView creates an empty view.
func NewMemoryView() *MemoryView {
	return &MemoryView{items: make(map[int64]*ViewMessage)}
}

// Observe sets the observer notified after each change.
func (v *MemoryView) Observe(o ViewObserver) {
	v.mu.Lock()
	v.observer = o
	v.mu.Unlock()
}

func (v *MemoryView) notify(change ViewChange, item *ViewMessage) {
	v.mu.RLock()
	o := v.observer
	v.mu.RUnlock()
	if o != nil {
		o(change, item)
	}
}

func (v *MemoryView) RenderMessage(msg *Message, currentUserID, conversationID string, convType ConversationType, reply *ReplyPreview) RenderedMessage {
	item := &ViewMessage{
		id:             msg.ID,
		conversationID: conversationID,
		from:           msg.From,
		contents:       msg.Contents,
		outgoing:       msg.From == currentUserID,
		liked:          msg.Liked,
		deleted:        msg.Deleted,
		notify:         v.notify,
	}
	if item.liked == "" {
		item.liked = LikeEmpty
	}
	if reply != nil {
		r := *reply
		item.reply = &r
	}

	v.mu.Lock()
	if _, ok := v.items[msg.ID]; !ok {
		v.order = append(v.order, msg.ID)
	}
	v.items[msg.ID] = item
	v.mu.Unlock()

	v.notify(ViewRendered, item)
	return item
}

func (v *MemoryView) FindRenderedMessage(messageID int64) (RenderedMessage, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	item, ok := v.items[messageID]
	if !ok {
		return nil, false
	}
	return item, true
}

func (v *MemoryView) BlankReplyPreviews(targetID int64) int {
	v.mu.RLock()
	var changed []*ViewMessage
	for _, id := range v.order {
		item := v.items[id]
		item.mu.Lock()
		if item.reply != nil && item.reply.TargetID == targetID && !item.reply.Deleted {
			item.reply.Text = DeletedPlaceholder
			item.reply.Deleted = true
			changed = append(changed, item)
		}
		item.mu.Unlock()
	}
	v.mu.RUnlock()

	for _, item := range changed {
		v.notify(ViewPreview, item)
	}
	return len(changed)
}

func (v *MemoryView) Clear() {
	v.mu.Lock()
	v.order = nil
	v.items = make(map[int64]*ViewMessage)
	v.mu.Unlock()
	v.notify(ViewCleared, nil)
}

// Messages returns the displayed messages in render order.
func (v *MemoryView) Messages() []*ViewMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*ViewMessage, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.items[id])
	}
	return out
}

// Item returns the concrete view message for id.
func (v *MemoryView) Item(messageID int64) (*ViewMessage, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	item, ok := v.items[messageID]
	return item, ok
}
