package murmur

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func entryWith(msgs ...*Message) *CacheEntry {
	return &CacheEntry{Name: "bob", Type: ConversationDirect, Participants: []string{"u1", "u2"}, Messages: msgs}
}

func TestConversationCacheFill(t *testing.T) {
	ctx := context.Background()

	t.Run("miss then hit fetches once", func(t *testing.T) {
		cache := NewConversationCache()
		var calls int32
		fetch := func(context.Context) (*CacheEntry, error) {
			atomic.AddInt32(&calls, 1)
			return entryWith(&Message{ID: 1, ConversationID: "c1", Contents: "hi"}), nil
		}

		if _, ok := cache.Get("c1"); ok {
			t.Fatal("expected miss before fill")
		}
		first, err := cache.Fill(ctx, "c1", fetch)
		if err != nil {
			t.Fatalf("Fill: %v", err)
		}
		second, err := cache.Fill(ctx, "c1", fetch)
		if err != nil {
			t.Fatalf("Fill: %v", err)
		}
		if calls != 1 {
			t.Errorf("fetch called %d times, want 1", calls)
		}
		if len(first.Messages) != 1 || len(second.Messages) != 1 {
			t.Errorf("messages = %d/%d, want 1/1", len(first.Messages), len(second.Messages))
		}
	})

	t.Run("concurrent fills share one fetch", func(t *testing.T) {
		cache := NewConversationCache()
		var calls int32
		release := make(chan struct{})
		fetch := func(context.Context) (*CacheEntry, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return entryWith(), nil
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := cache.Fill(ctx, "c1", fetch); err != nil {
					t.Errorf("Fill: %v", err)
				}
			}()
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		if calls != 1 {
			t.Errorf("fetch called %d times, want 1", calls)
		}
	})

	t.Run("first writer wins", func(t *testing.T) {
		cache := NewConversationCache()
		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan *CacheEntry)
		go func() {
			e, _ := cache.Fill(ctx, "c1", func(context.Context) (*CacheEntry, error) {
				close(started)
				<-release
				return &CacheEntry{Name: "late"}, nil
			})
			done <- e
		}()
		<-started
		// another writer lands an entry while the fill is in flight
		cache.mu.Lock()
		cache.entries["c1"] = &CacheEntry{Name: "early"}
		cache.mu.Unlock()
		close(release)

		got := <-done
		if got.Name != "early" {
			t.Errorf("Fill returned %q, want the existing entry", got.Name)
		}
		e, _ := cache.Get("c1")
		if e.Name != "early" {
			t.Errorf("cached name = %q, want early", e.Name)
		}
	})

	t.Run("empty fetch still creates entry", func(t *testing.T) {
		cache := NewConversationCache()
		calls := 0
		fetch := func(context.Context) (*CacheEntry, error) {
			calls++
			return &CacheEntry{}, nil
		}
		cache.Fill(ctx, "c1", fetch)
		cache.Fill(ctx, "c1", fetch)
		if calls != 1 {
			t.Errorf("fetch called %d times, want 1", calls)
		}
		if !cache.Has("c1") {
			t.Error("expected entry for empty conversation")
		}
	})

	t.Run("failed fetch leaves no entry", func(t *testing.T) {
		cache := NewConversationCache()
		_, err := cache.Fill(ctx, "c1", func(context.Context) (*CacheEntry, error) {
			return nil, errRemote
		})
		if !errors.Is(err, errRemote) {
			t.Fatalf("err = %v, want errRemote", err)
		}
		if cache.Has("c1") {
			t.Fatal("failed fill must not create an entry")
		}
		if _, err := cache.Fill(ctx, "c1", func(context.Context) (*CacheEntry, error) {
			return entryWith(), nil
		}); err != nil {
			t.Fatalf("retry Fill: %v", err)
		}
		if !cache.Has("c1") {
			t.Error("retry should create the entry")
		}
	})

	t.Run("cancelled caller does not fail the shared fetch", func(t *testing.T) {
		cache := NewConversationCache()
		var calls int32
		started := make(chan struct{})
		release := make(chan struct{})
		fetch := func(fctx context.Context) (*CacheEntry, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(started)
			}
			select {
			case <-release:
				return entryWith(), nil
			case <-fctx.Done():
				return nil, fctx.Err()
			}
		}

		actx, cancelA := context.WithCancel(ctx)
		errA := make(chan error, 1)
		go func() {
			_, err := cache.Fill(actx, "c1", fetch)
			errA <- err
		}()
		<-started
		errB := make(chan error, 1)
		go func() {
			_, err := cache.Fill(ctx, "c1", fetch)
			errB <- err
		}()
		time.Sleep(10 * time.Millisecond)
		cancelA()

		if err := receive(t, errA); !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller err = %v, want context.Canceled", err)
		}
		close(release)
		if err := receive(t, errB); err != nil {
			t.Errorf("joined caller err = %v", err)
		}
		if calls != 1 {
			t.Errorf("fetch called %d times, want 1", calls)
		}
		if !cache.Has("c1") {
			t.Error("shared fetch should still store the entry")
		}
	})

	t.Run("fill timeout bounds the fetch", func(t *testing.T) {
		cache := NewConversationCache(WithFillTimeout(20 * time.Millisecond))
		_, err := cache.Fill(ctx, "c1", func(fctx context.Context) (*CacheEntry, error) {
			<-fctx.Done()
			return nil, fctx.Err()
		})
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want context.DeadlineExceeded", err)
		}
		if cache.Has("c1") {
			t.Error("timed out fill must not create an entry")
		}
	})
}

func TestConversationCacheAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("no entry is a no-op", func(t *testing.T) {
		cache := NewConversationCache()
		if cache.Append("c1", &Message{ID: 1, ConversationID: "c1"}) {
			t.Fatal("Append without entry should report false")
		}
		if cache.Has("c1") {
			t.Fatal("Append must not create entries")
		}
	})

	t.Run("appends in arrival order and skips duplicates", func(t *testing.T) {
		cache := NewConversationCache()
		cache.Fill(ctx, "c1", func(context.Context) (*CacheEntry, error) {
			return entryWith(&Message{ID: 1, ConversationID: "c1"}), nil
		})
		if !cache.Append("c1", &Message{ID: 3, ConversationID: "c1"}) {
			t.Fatal("expected append")
		}
		if !cache.Append("c1", &Message{ID: 2, ConversationID: "c1"}) {
			t.Fatal("expected append")
		}
		if cache.Append("c1", &Message{ID: 3, ConversationID: "c1"}) {
			t.Fatal("duplicate id should not append")
		}

		e, _ := cache.Get("c1")
		var ids []int64
		for _, m := range e.Messages {
			ids = append(ids, m.ID)
		}
		want := []int64{1, 3, 2}
		if len(ids) != len(want) {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
		for i := range want {
			if ids[i] != want[i] {
				t.Fatalf("ids = %v, want %v", ids, want)
			}
		}
	})
}

func TestConversationCacheMutateMessage(t *testing.T) {
	ctx := context.Background()
	cache := NewConversationCache()
	cache.Fill(ctx, "c1", func(context.Context) (*CacheEntry, error) {
		return entryWith(&Message{ID: 1, ConversationID: "c1", Liked: LikeEmpty}), nil
	})

	t.Run("liked patch is idempotent", func(t *testing.T) {
		cache.MutateMessage("c1", 1, LikePatch(LikeLiked))
		cache.MutateMessage("c1", 1, LikePatch(LikeLiked))
		m, _ := cache.Message("c1", 1)
		if m.Liked != LikeLiked {
			t.Errorf("liked = %s, want liked", m.Liked)
		}
	})

	t.Run("deleted never reverts", func(t *testing.T) {
		cache.MutateMessage("c1", 1, DeletePatch())
		cache.MutateMessage("c1", 1, MessagePatch{Deleted: false})
		cache.MutateMessage("c1", 1, PatchFrom(&Message{ID: 1, Liked: LikeEmpty, Deleted: false}))
		m, _ := cache.Message("c1", 1)
		if !m.Deleted {
			t.Error("deleted flag reverted")
		}
		if m.Liked != LikeEmpty {
			t.Errorf("liked = %s, want empty", m.Liked)
		}
	})

	t.Run("unknown message or conversation", func(t *testing.T) {
		if cache.MutateMessage("c1", 99, DeletePatch()) {
			t.Error("expected false for unknown message")
		}
		if cache.MutateMessage("c2", 1, DeletePatch()) {
			t.Error("expected false for unknown conversation")
		}
	})

	t.Run("snapshots are copies", func(t *testing.T) {
		e, _ := cache.Get("c1")
		e.Messages[0].Contents = "tampered"
		e.Participants[0] = "x"
		m, _ := cache.Message("c1", 1)
		if m.Contents == "tampered" {
			t.Error("Get leaked internal message")
		}
		again, _ := cache.Get("c1")
		if again.Participants[0] != "u1" {
			t.Error("Get leaked internal participants")
		}
	})
}
