package trafficstats

import (
	"testing"
	"time"
)

func TestCounters_SnapshotAndLossRate(t *testing.T) {
	c := &Counters{}
	c.AddSent(100)
	c.AddSent(200)
	c.AddReceived(150)
	c.AddLost(50)

	snap := c.Snapshot()
	if snap.BytesSent != 300 || snap.PacketsSent != 2 {
		t.Fatalf("unexpected sent counters: %+v", snap)
	}
	if snap.BytesReceived != 150 || snap.PacketsReceived != 1 {
		t.Fatalf("unexpected received counters: %+v", snap)
	}
	if snap.PacketsLost != 50 {
		t.Fatalf("unexpected lost counter: %+v", snap)
	}
	if got := snap.LossRate(); got <= 0 {
		t.Fatalf("expected positive loss rate, got %f", got)
	}
	if snap.LastActivity.IsZero() {
		t.Fatalf("expected last activity to be set")
	}
}

func TestCounters_LossRateZeroBeforeAnyTraffic(t *testing.T) {
	c := &Counters{}
	if got := c.Snapshot().LossRate(); got != 0 {
		t.Fatalf("expected 0 loss rate with no traffic, got %f", got)
	}
}

func TestBitrateWindow_FirstSampleIsZero(t *testing.T) {
	var w BitrateWindow
	if got := w.Sample(1000); got != 0 {
		t.Fatalf("expected first sample to return 0, got %f", got)
	}
}

func TestBitrateWindow_ComputesRateBetweenSamples(t *testing.T) {
	var w BitrateWindow
	w.Sample(0)
	time.Sleep(10 * time.Millisecond)
	rate := w.Sample(1250) // 10000 bits over ~10ms => ~1,000,000 bps-ish

	if rate <= 0 {
		t.Fatalf("expected positive bitrate, got %f", rate)
	}
}

func TestRoom_PeerCreatesOnceAndAggregates(t *testing.T) {
	r := NewRoom()
	c1 := r.Peer("p1")
	c2 := r.Peer("p1")
	if c1 != c2 {
		t.Fatalf("expected the same Counters instance for repeated lookups")
	}

	c1.AddSent(500)
	snap := r.Snapshot()
	if snap["p1"].BytesSent != 500 {
		t.Fatalf("expected snapshot to reflect peer traffic, got %+v", snap)
	}

	r.Remove("p1")
	if _, ok := r.Snapshot()["p1"]; ok {
		t.Fatalf("expected peer to be removed")
	}
}
