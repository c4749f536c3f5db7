package failover

import (
	"context"
	"sync"
	"testing"
	"time"
)

// newTestManager wires a Manager with a fixed local score and an elect
// function that always hands the win to the local peer, for tests that care
// only about the backoff/claim-yield mechanics.
func newTestManager(t *testing.T, localPeerID string, localScore float64, onBecomeRelay func(epoch uint64)) *Manager {
	t.Helper()
	cfg := Config{
		BackoffPerPoint:  time.Millisecond,
		MaxBackoff:       2 * time.Second,
		ClaimTimeout:     50 * time.Millisecond,
		OfflineThreshold: 1,
	}
	return New(cfg, "room1", localPeerID, Callbacks{
		LocalScore: func() float64 { return localScore },
		Elect: func() (string, float64, bool) {
			return localPeerID, localScore, true
		},
		BroadcastClaim: func(epoch uint64, score float64) {},
		OnBecomeRelay:  onBecomeRelay,
	})
}

func TestHandlePeerOffline_IgnoresNonRelayOffline(t *testing.T) {
	m := newTestManager(t, "p1", 90, nil)
	m.SetCurrentRelay("relay", 1)

	m.HandlePeerOffline(context.Background(), "someone-else")

	if m.State() != Idle {
		t.Fatalf("expected state to remain idle for a non-relay offline event")
	}
}

func TestHandlePeerOffline_BecomesRelayAfterBackoff(t *testing.T) {
	var becameRelay bool
	var mu sync.Mutex

	m := newTestManager(t, "p1", 90, func(epoch uint64) {
		mu.Lock()
		becameRelay = true
		mu.Unlock()
		if epoch != 2 {
			t.Errorf("expected epoch 2, got %d", epoch)
		}
	})
	m.SetCurrentRelay("relay", 1)

	m.HandlePeerOffline(context.Background(), "relay")

	mu.Lock()
	defer mu.Unlock()
	if !becameRelay {
		t.Fatalf("expected local peer to become relay")
	}
	if _, epoch, isLocal := m.CurrentRelay(); !isLocal || epoch != 2 {
		t.Fatalf("expected local relay at epoch 2, got epoch=%d isLocal=%v", epoch, isLocal)
	}
}

func TestFailoverRace_HigherScorerWinsLowerScorersYield(t *testing.T) {
	// S3: three peers at scores 90/70/50 race a relay-offline event with
	// backoffPerPoint=1ms (scaled down from the spec's 10ms for test speed).
	// The 90-scored peer should claim first; the others observe that claim
	// during their own (longer) backoff and yield without ever claiming.
	var mu sync.Mutex
	becameRelay := map[string]bool{}

	newPeer := func(id string, score float64) *Manager {
		m := newTestManager(t, id, score, func(uint64) {
			mu.Lock()
			becameRelay[id] = true
			mu.Unlock()
		})
		m.SetCurrentRelay("old-relay", 1)
		return m
	}

	p90 := newPeer("p90", 90)
	p70 := newPeer("p70", 70)
	p50 := newPeer("p50", 50)

	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); p90.HandlePeerOffline(context.Background(), "old-relay") }()
	go func() {
		defer wg.Done()
		p70.HandlePeerOffline(context.Background(), "old-relay")
	}()
	go func() {
		defer wg.Done()
		p50.HandlePeerOffline(context.Background(), "old-relay")
	}()

	// Give p90 time to win its (shortest) backoff and broadcast, then deliver
	// that claim to the still-waiting peers.
	time.Sleep(15 * time.Millisecond)
	p70.ReceiveRelayClaim("p90", 2, 90)
	p50.ReceiveRelayClaim("p90", 2, 90)

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if !becameRelay["p90"] {
		t.Fatalf("expected p90 to become relay")
	}
	if becameRelay["p70"] || becameRelay["p50"] {
		t.Fatalf("expected lower-scored peers to yield, not claim: %+v", becameRelay)
	}

	if _, epoch, isLocal := p70.CurrentRelay(); isLocal || epoch != 2 {
		t.Fatalf("expected p70 to have adopted epoch 2 non-locally, got epoch=%d isLocal=%v", epoch, isLocal)
	}
}

func TestReceiveRelayClaim_LowerScoreNeverBecomesRelayAtSameEpoch(t *testing.T) {
	// P6.
	m := newTestManager(t, "low", 40, nil)
	m.SetCurrentRelay("low", 5)
	m.mu.Lock()
	m.isLocalRelay = true
	m.mu.Unlock()

	m.ReceiveRelayClaim("high", 5, 95)

	if _, _, isLocal := m.CurrentRelay(); isLocal {
		t.Fatalf("expected local peer to yield to the higher-scored same-epoch claim")
	}
}

func TestReceiveRelayClaim_ConflictFiresOnlyWhenLocalWasRelay(t *testing.T) {
	var conflicted bool
	cfg := DefaultConfig()
	m := New(cfg, "room1", "local", Callbacks{
		LocalScore: func() float64 { return 50 },
		OnConflict: func(string, uint64) { conflicted = true },
	})
	m.SetCurrentRelay("local", 3)
	m.mu.Lock()
	m.isLocalRelay = true
	m.mu.Unlock()

	m.ReceiveRelayClaim("other", 4, 10)

	if !conflicted {
		t.Fatalf("expected onConflict to fire when local peer was relay and yields")
	}
}

func TestReceiveRelayClaim_HigherEpochAlwaysWins(t *testing.T) {
	m := newTestManager(t, "local", 99, nil)
	m.SetCurrentRelay("local", 3)

	m.ReceiveRelayClaim("other", 10, 1)

	_, epoch, isLocal := m.CurrentRelay()
	if isLocal || epoch != 10 {
		t.Fatalf("expected peer to adopt the higher epoch claim regardless of score, got epoch=%d isLocal=%v", epoch, isLocal)
	}
}
