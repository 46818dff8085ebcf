package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.FramesForwarded == nil {
		t.Error("FramesForwarded metric is nil")
	}
	if m.BackpressureDrops == nil {
		t.Error("BackpressureDrops metric is nil")
	}
}

func TestSessionGaugeTracksOpenAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SessionsActive.Inc()
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.SessionsTotal.Inc()
	m.SessionsActive.Dec()
	m.SessionsClosed.WithLabelValues("peer_timeout").Inc()

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsClosed.WithLabelValues("peer_timeout")); got != 1 {
		t.Errorf("SessionsClosed[peer_timeout] = %v, want 1", got)
	}
}

func TestFrameCountersLabelDropsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.FramesForwarded.Inc()
	m.FramesForwarded.Inc()
	m.BytesForwarded.Add(2048)
	m.FramesDropped.WithLabelValues("sender_mismatch").Inc()
	m.FramesDropped.WithLabelValues("rate_limit_exceeded").Inc()
	m.FramesDropped.WithLabelValues("sender_mismatch").Inc()

	if got := testutil.ToFloat64(m.FramesForwarded); got != 2 {
		t.Errorf("FramesForwarded = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesForwarded); got != 2048 {
		t.Errorf("BytesForwarded = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("sender_mismatch")); got != 2 {
		t.Errorf("FramesDropped[sender_mismatch] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesDropped.WithLabelValues("rate_limit_exceeded")); got != 1 {
		t.Errorf("FramesDropped[rate_limit_exceeded] = %v, want 1", got)
	}
}

func TestRoomCountersLabelRejectsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RoomsActive.Inc()
	m.RoomJoins.Inc()
	m.RoomRejects.WithLabelValues("room_full").Inc()
	m.RoomRejects.WithLabelValues("duplicate_device_id").Inc()
	m.RoomRejects.WithLabelValues("room_full").Inc()

	if got := testutil.ToFloat64(m.RoomsActive); got != 1 {
		t.Errorf("RoomsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RoomRejects.WithLabelValues("room_full")); got != 2 {
		t.Errorf("RoomRejects[room_full] = %v, want 2", got)
	}
}

func TestBackpressureAndKeepaliveCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.BackpressureDrops.Inc()
	m.RateLimitDrops.Inc()
	m.KeepalivesSent.Inc()
	m.KeepalivesSent.Inc()
	m.KeepaliveMisses.Inc()

	if got := testutil.ToFloat64(m.BackpressureDrops); got != 1 {
		t.Errorf("BackpressureDrops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.KeepalivesSent); got != 2 {
		t.Errorf("KeepalivesSent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.KeepaliveMisses); got != 1 {
		t.Errorf("KeepaliveMisses = %v, want 1", got)
	}
}

func TestDefaultReturnsSameInstance(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
