package murmur

import (
	"strings"
	"testing"
)

func TestNewReplyPreview(t *testing.T) {
	t.Run("truncates to 100 characters", func(t *testing.T) {
		p := NewReplyPreview(&Message{ID: 1, Contents: strings.Repeat("a", 120)})
		if len(p.Text) != 100 {
			t.Errorf("len = %d, want 100", len(p.Text))
		}
		if p.Deleted {
			t.Error("preview of live message marked deleted")
		}
	})

	t.Run("short contents kept", func(t *testing.T) {
		p := NewReplyPreview(&Message{ID: 1, Contents: "hi"})
		if p.Text != "hi" {
			t.Errorf("text = %q, want hi", p.Text)
		}
	})

	t.Run("deleted target shows placeholder", func(t *testing.T) {
		p := NewReplyPreview(&Message{ID: 1, Contents: "secret", Deleted: true})
		if p.Text != DeletedPlaceholder || !p.Deleted {
			t.Errorf("preview = %+v, want placeholder", p)
		}
	})
}

func TestMemoryView(t *testing.T) {
	v := NewMemoryView()
	var changes []ViewChange
	v.Observe(func(c ViewChange, _ *ViewMessage) { changes = append(changes, c) })

	v.RenderMessage(&Message{ID: 1, From: "u1", Contents: "root"}, "u1", "c1", ConversationDirect, nil)
	v.RenderMessage(&Message{ID: 2, From: "u2", Contents: "re", ReplyTo: idPtr(1)}, "u1", "c1", ConversationDirect,
		&ReplyPreview{TargetID: 1, Text: "root"})
	v.RenderMessage(&Message{ID: 3, From: "u2", Contents: "re again", ReplyTo: idPtr(1)}, "u1", "c1", ConversationDirect,
		&ReplyPreview{TargetID: 1, Text: "root"})

	t.Run("lookup by id", func(t *testing.T) {
		h, ok := v.FindRenderedMessage(2)
		if !ok {
			t.Fatal("message 2 not found")
		}
		if h.ConversationID() != "c1" || h.Liked() != LikeEmpty {
			t.Errorf("handle = %s/%s", h.ConversationID(), h.Liked())
		}
		if _, ok := v.FindRenderedMessage(42); ok {
			t.Error("unexpected handle for 42")
		}
		item, _ := v.Item(1)
		if !item.Outgoing() {
			t.Error("message from current user should be outgoing")
		}
	})

	t.Run("blank previews across the conversation", func(t *testing.T) {
		if n := v.BlankReplyPreviews(1); n != 2 {
			t.Fatalf("blanked %d previews, want 2", n)
		}
		for _, id := range []int64{2, 3} {
			item, _ := v.Item(id)
			if r := item.Reply(); r == nil || r.Text != DeletedPlaceholder {
				t.Errorf("message %d preview = %+v", id, r)
			}
		}
		if n := v.BlankReplyPreviews(1); n != 0 {
			t.Errorf("second blank changed %d previews", n)
		}
	})

	t.Run("observer sees changes", func(t *testing.T) {
		h, _ := v.FindRenderedMessage(1)
		changes = nil
		h.SetLiked(LikeLiked)
		h.SetLiked(LikeLiked)
		h.SetDeleted(true)
		want := []ViewChange{ViewLiked, ViewDeleted}
		if len(changes) != len(want) {
			t.Fatalf("changes = %v, want %v", changes, want)
		}
		for i := range want {
			if changes[i] != want[i] {
				t.Fatalf("changes = %v, want %v", changes, want)
			}
		}
	})

	t.Run("clear", func(t *testing.T) {
		v.Clear()
		if len(v.Messages()) != 0 {
			t.Error("Clear left messages")
		}
		if _, ok := v.FindRenderedMessage(1); ok {
			t.Error("Clear left handle")
		}
	})
}
