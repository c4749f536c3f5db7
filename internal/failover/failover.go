// Package failover implements the per-peer failover state machine that
// orchestrates detection, backoff, election, and handover (spec §4.5).
//
// Failover never holds a Coordinator reference; it is wired entirely through
// value-typed callbacks supplied at construction, which is how spec §9
// avoids the Coordinator -> Failover -> Coordinator ownership cycle.
package failover

import (
	"context"
	"log"
	"sync"
	"time"
)

// State is one of the five failover states named in spec §4.5.
type State int

const (
	Idle State = iota
	Detecting
	Waiting
	Electing
	Transitioning
)

func (s State) String() string {
	switch s {
	case Detecting:
		return "detecting"
	case Waiting:
		return "waiting"
	case Electing:
		return "electing"
	case Transitioning:
		return "transitioning"
	default:
		return "idle"
	}
}

// Config holds the tunables named in spec §6.
type Config struct {
	BackoffPerPoint  time.Duration // default 10ms
	MaxBackoff       time.Duration // default 2s
	ClaimTimeout     time.Duration // default 500ms (unused by the wait itself; carried for future use by callers racing a claim round-trip)
	OfflineThreshold int           // default 2, cumulative per spec §9 decision
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		BackoffPerPoint:  10 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		ClaimTimeout:     500 * time.Millisecond,
		OfflineThreshold: 2,
	}
}

// claim is an observed relayClaim message, recorded during a Waiting period.
type claim struct {
	peerID string
	epoch  uint64
	score  float64
}

// Manager runs the failover state machine for one local peer in one room.
type Manager struct {
	cfg Config

	roomID       string
	localPeerID  string
	localScoreFn func() float64
	electFn      func() (winnerID string, score float64, ok bool)

	broadcastClaim func(epoch uint64, score float64)
	onBecomeRelay  func(epoch uint64)
	onConflict     func(newRelayID string, epoch uint64)
	onYield        func(newRelayID string, epoch uint64, score float64)

	mu            sync.Mutex
	state         State
	currentEpoch  uint64
	currentRelay  string
	isLocalRelay  bool
	offlineCount  int
	waitCancel    context.CancelFunc
	observedClaim *claim
}

// Callbacks groups the host-provided hooks. All are optional except
// electFn/localScoreFn, which the state machine cannot function without.
type Callbacks struct {
	LocalScore     func() float64
	Elect          func() (winnerID string, score float64, ok bool)
	BroadcastClaim func(epoch uint64, score float64)
	OnBecomeRelay  func(epoch uint64)
	OnConflict     func(newRelayID string, epoch uint64)
	OnYield        func(newRelayID string, epoch uint64, score float64)
}

// New creates a Manager. The local peer starts as a non-Relay at epoch 0.
func New(cfg Config, roomID, localPeerID string, cb Callbacks) *Manager {
	return &Manager{
		cfg:            cfg,
		roomID:         roomID,
		localPeerID:    localPeerID,
		localScoreFn:   cb.LocalScore,
		electFn:        cb.Elect,
		broadcastClaim: cb.BroadcastClaim,
		onBecomeRelay:  cb.OnBecomeRelay,
		onConflict:     cb.OnConflict,
		onYield:        cb.OnYield,
		state:          Idle,
	}
}

// SetCurrentRelay seeds or overrides the locally observed Relay identity,
// e.g. from a relayChanged message with a higher epoch.
func (m *Manager) SetCurrentRelay(relayID string, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch < m.currentEpoch {
		return
	}
	m.currentEpoch = epoch
	m.currentRelay = relayID
	m.isLocalRelay = relayID == m.localPeerID
}

// CurrentRelay returns the locally observed Relay identity and epoch.
func (m *Manager) CurrentRelay() (relayID string, epoch uint64, isLocal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentRelay, m.currentEpoch, m.isLocalRelay
}

// ResetOfflineCount clears the cumulative offline counter, called by the
// Coordinator whenever any pong is observed (the per-§9 "no reset on
// flapping" reading would be wrong; a pong is evidence of life, not of the
// specific peer who went offline, so the Coordinator decides when to call
// this — this package only exposes the hook).
func (m *Manager) ResetOfflineCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlineCount = 0
}

// State returns the current failover state, for tests and status reporting.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandlePeerOffline implements the Relay-offline protocol of spec §4.5.
func (m *Manager) HandlePeerOffline(ctx context.Context, offlinePeerID string) {
	m.mu.Lock()
	if offlinePeerID != m.currentRelay {
		m.mu.Unlock()
		return
	}

	m.offlineCount++
	if m.offlineCount < m.cfg.OfflineThreshold {
		m.mu.Unlock()
		return
	}

	if m.state != Idle {
		m.mu.Unlock()
		return
	}

	m.state = Detecting
	localScore := 0.0
	if m.localScoreFn != nil {
		localScore = m.localScoreFn()
	}
	m.mu.Unlock()

	log.Printf("[Failover] room=%s relay %s offline, entering backoff", m.roomID, offlinePeerID)

	backoff := clampDuration(
		time.Duration(float64(100-localScore)*float64(m.cfg.BackoffPerPoint)),
		0, m.cfg.MaxBackoff,
	)

	waitCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.state = Waiting
	m.observedClaim = nil
	m.waitCancel = cancel
	m.mu.Unlock()

	select {
	case <-waitCtx.Done():
		// Aborted by Stop() or a superseding claim observed mid-wait
		// (ReceiveRelayClaim cancels waitCtx once it has recorded the claim).
	case <-time.After(backoff):
	}
	cancel()

	m.mu.Lock()
	observed := m.observedClaim
	m.observedClaim = nil
	m.waitCancel = nil
	localScore = 0.0
	if m.localScoreFn != nil {
		localScore = m.localScoreFn()
	}
	currentEpoch := m.currentEpoch
	m.mu.Unlock()

	if observed != nil && dominates(*observed, currentEpoch, localScore, m.localPeerID) {
		m.mu.Lock()
		m.currentEpoch = observed.epoch
		m.currentRelay = observed.peerID
		m.isLocalRelay = observed.peerID == m.localPeerID
		m.state = Idle
		m.mu.Unlock()
		log.Printf("[Failover] room=%s adopting observed claim from %s at epoch %d", m.roomID, observed.peerID, observed.epoch)
		return
	}

	m.runElection(currentEpoch)
}

// dominates reports whether an observed claim, made during a Waiting period,
// strictly dominates the local peer's own candidacy (spec §4.5 step 5).
func dominates(c claim, currentEpoch uint64, localScore float64, localPeerID string) bool {
	if c.epoch > currentEpoch {
		return true
	}
	if c.epoch == currentEpoch+1 {
		if c.score > localScore {
			return true
		}
		if c.score == localScore && c.peerID < localPeerID {
			return true
		}
	}
	return false
}

func (m *Manager) runElection(currentEpoch uint64) {
	m.mu.Lock()
	m.state = Electing
	m.mu.Unlock()

	newEpoch := currentEpoch + 1

	var winnerID string
	var score float64
	var ok bool
	if m.electFn != nil {
		winnerID, score, ok = m.electFn()
	}

	if !ok || winnerID != m.localPeerID {
		m.mu.Lock()
		m.state = Idle
		m.mu.Unlock()
		return
	}

	if m.broadcastClaim != nil {
		m.broadcastClaim(newEpoch, score)
	}

	m.mu.Lock()
	m.currentEpoch = newEpoch
	m.currentRelay = m.localPeerID
	m.isLocalRelay = true
	m.state = Transitioning
	m.mu.Unlock()

	log.Printf("[Failover] room=%s local peer %s became relay at epoch %d", m.roomID, m.localPeerID, newEpoch)

	if m.onBecomeRelay != nil {
		m.onBecomeRelay(newEpoch)
	}

	m.mu.Lock()
	m.state = Idle
	m.mu.Unlock()
}

// ReceiveRelayClaim implements the claim-handling protocol of spec §4.5.
func (m *Manager) ReceiveRelayClaim(peerID string, epoch uint64, score float64) {
	m.mu.Lock()

	if m.state == Waiting {
		m.observedClaim = &claim{peerID: peerID, epoch: epoch, score: score}
		cancel := m.waitCancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}

	localScore := 0.0
	if m.localScoreFn != nil {
		localScore = m.localScoreFn()
	}

	yield := false
	switch {
	case epoch > m.currentEpoch:
		yield = true
	case epoch == m.currentEpoch && m.isLocalRelay && score > localScore:
		yield = true
	case epoch == m.currentEpoch && score == localScore && peerID > m.localPeerID:
		yield = true
	}

	if !yield {
		m.mu.Unlock()
		return
	}

	wasLocalRelay := m.isLocalRelay
	m.currentEpoch = epoch
	m.currentRelay = peerID
	m.isLocalRelay = peerID == m.localPeerID
	m.state = Idle
	m.offlineCount = 0
	m.mu.Unlock()

	log.Printf("[Failover] room=%s yielding relay to %s at epoch %d", m.roomID, peerID, epoch)

	if wasLocalRelay && m.onConflict != nil {
		m.onConflict(peerID, epoch)
	}
	if m.onYield != nil {
		m.onYield(peerID, epoch, score)
	}
}

// Stop aborts any in-progress backoff wait.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.waitCancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
