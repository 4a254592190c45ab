package murmur

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.cacheLookup(true)
	m.cacheFill("stored")
	m.mutation("like")
	m.rollback("like")
	m.realtimeEvent("insert")
	m.rejectedEvent()
	m.reconnect()
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	gw, _ := newDirectChat()
	msg := gw.addMessage("c1", "u2", strPtr("u1"), "hi", nil)
	u := &chatUser{view: NewMemoryView(), alerts: &recordedAlerts{}}
	u.chat = NewChatView(&Session{UserID: "u1"}, gw, u.view, u.alerts, WithChatMetrics(m))

	mustOpen(t, u, "c1")
	mustOpen(t, u, "c2")
	mustOpen(t, u, "c1")
	if _, err := u.chat.ToggleLike(ctx, msg.ID); err != nil {
		t.Fatalf("ToggleLike: %v", err)
	}
	gw.mu.Lock()
	gw.deleteErr = errRemote
	gw.mu.Unlock()
	u.chat.Delete(ctx, msg.ID)

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"cache hits", m.CacheLookups.WithLabelValues("hit"), 1},
		{"cache misses", m.CacheLookups.WithLabelValues("miss"), 2},
		{"fills stored", m.CacheFills.WithLabelValues("stored"), 2},
		{"like mutations", m.Mutations.WithLabelValues("like"), 1},
		{"delete mutations", m.Mutations.WithLabelValues("delete"), 1},
		{"delete rollbacks", m.Rollbacks.WithLabelValues("delete"), 1},
		{"like rollbacks", m.Rollbacks.WithLabelValues("like"), 0},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Errorf("%s = %v, want %v", c.name, got, c.want)
		}
	}

	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("gathered %d series, %v", n, err)
	}
}
