package keepalive

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestHandlePong_ComputesRTTAndClearsMissed(t *testing.T) {
	k := New(DefaultConfig(), nil, nil, nil)
	k.Watch("p1")

	k.mu.Lock()
	k.records["p1"].LastPingSent = time.Now().Add(-50 * time.Millisecond)
	k.records["p1"].MissedPongs = 2
	k.mu.Unlock()

	k.HandlePong("p1")

	rec, ok := k.Snapshot("p1")
	if !ok {
		t.Fatalf("expected p1 to be watched")
	}
	if rec.MissedPongs != 0 {
		t.Fatalf("expected missed pongs cleared, got %d", rec.MissedPongs)
	}
	if rec.Classification != Online {
		t.Fatalf("expected online classification, got %s", rec.Classification)
	}
	if rec.SmoothedRTT <= 0 {
		t.Fatalf("expected positive RTT, got %s", rec.SmoothedRTT)
	}
}

func TestSweep_OffersOfflineExactlyOncePerInterval(t *testing.T) {
	// P5: onOffline fires exactly once and not before timeout.
	var mu sync.Mutex
	var offlineCount int

	cfg := Config{
		Interval:      10 * time.Millisecond,
		Timeout:       30 * time.Millisecond,
		SlowThreshold: time.Hour,
		MaxRetries:    1000,
	}
	k := New(cfg, func(string) {}, func(string) {
		mu.Lock()
		offlineCount++
		mu.Unlock()
	}, nil)

	k.Watch("silent")
	k.mu.Lock()
	k.records["silent"].LastPongRecv = time.Now().Add(-5 * time.Millisecond)
	k.mu.Unlock()

	k.Start(context.Background())
	defer k.Stop()

	// Before timeout elapses, must not yet be offline.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	early := offlineCount
	mu.Unlock()
	if early != 0 {
		t.Fatalf("expected no offline event before timeout, got %d", early)
	}

	// After timeout, sweep several more times; must fire exactly once.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	final := offlineCount
	mu.Unlock()
	if final != 1 {
		t.Fatalf("expected exactly one offline event, got %d", final)
	}
}

func TestHandlePong_ResetsOfflineReportedFlag(t *testing.T) {
	k := New(DefaultConfig(), nil, nil, nil)
	k.Watch("p1")

	k.mu.Lock()
	k.records["p1"].offlineReported = true
	k.mu.Unlock()

	k.HandlePong("p1")

	k.mu.Lock()
	reported := k.records["p1"].offlineReported
	k.mu.Unlock()

	if reported {
		t.Fatalf("expected offlineReported to reset on fresh pong")
	}
}

func TestUnwatch_RemovesRecord(t *testing.T) {
	k := New(DefaultConfig(), nil, nil, nil)
	k.Watch("p1")
	k.Unwatch("p1")

	if _, ok := k.Snapshot("p1"); ok {
		t.Fatalf("expected p1 to be gone after unwatch")
	}
}
