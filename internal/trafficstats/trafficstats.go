// Package trafficstats holds atomic per-peer/room counters, bitrate
// windows, and loss-rate tracking for the hot RTP paths (spec §2 "Traffic
// Stats").
package trafficstats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters is a single atomic counter set, safe for concurrent use without
// locking on the hot path (spec §5 "Atomic counters ... avoid locks").
type Counters struct {
	bytesSent     atomic.Uint64
	packetsSent   atomic.Uint64
	bytesRecv     atomic.Uint64
	packetsRecv   atomic.Uint64
	packetsLost   atomic.Uint64
	lastActivity  atomic.Int64 // unix nanos
}

// AddSent records an outbound packet.
func (c *Counters) AddSent(n int) {
	c.bytesSent.Add(uint64(n))
	c.packetsSent.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
}

// AddReceived records an inbound packet.
func (c *Counters) AddReceived(n int) {
	c.bytesRecv.Add(uint64(n))
	c.packetsRecv.Add(1)
	c.lastActivity.Store(time.Now().UnixNano())
}

// AddLost records a detected packet loss (e.g. from RTCP receiver reports).
func (c *Counters) AddLost(n int) {
	c.packetsLost.Add(uint64(n))
}

// Snapshot is a point-in-time read of a Counters.
type Snapshot struct {
	BytesSent     uint64
	PacketsSent   uint64
	BytesReceived uint64
	PacketsReceived uint64
	PacketsLost   uint64
	LastActivity  time.Time
}

// Snapshot reads every counter without blocking writers.
func (c *Counters) Snapshot() Snapshot {
	var lastActivity time.Time
	if nanos := c.lastActivity.Load(); nanos != 0 {
		lastActivity = time.Unix(0, nanos)
	}
	return Snapshot{
		BytesSent:       c.bytesSent.Load(),
		PacketsSent:     c.packetsSent.Load(),
		BytesReceived:   c.bytesRecv.Load(),
		PacketsReceived: c.packetsRecv.Load(),
		PacketsLost:     c.packetsLost.Load(),
		LastActivity:    lastActivity,
	}
}

// LossRate returns lost / (received + lost), or 0 if nothing has arrived yet.
func (s Snapshot) LossRate() float64 {
	total := s.PacketsReceived + s.PacketsLost
	if total == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(total)
}

// BitrateWindow computes an instantaneous bits-per-second figure between
// successive samples of cumulative byte counts.
type BitrateWindow struct {
	mu         sync.Mutex
	lastBytes  uint64
	lastSample time.Time
}

// Sample records the current cumulative byte count and returns the
// bits-per-second rate since the previous Sample call (0 on the first call).
func (w *BitrateWindow) Sample(cumulativeBytes uint64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if w.lastSample.IsZero() {
		w.lastBytes = cumulativeBytes
		w.lastSample = now
		return 0
	}

	elapsed := now.Sub(w.lastSample).Seconds()
	if elapsed <= 0 {
		return 0
	}

	deltaBytes := cumulativeBytes - w.lastBytes
	w.lastBytes = cumulativeBytes
	w.lastSample = now

	return float64(deltaBytes) * 8 / elapsed
}

// Room aggregates Counters per peer-id for a single room.
type Room struct {
	mu    sync.RWMutex
	peers map[string]*Counters
}

// NewRoom creates an empty per-room aggregate.
func NewRoom() *Room {
	return &Room{peers: make(map[string]*Counters)}
}

// Peer returns (creating if necessary) the Counters for a peer-id.
func (r *Room) Peer(peerID string) *Counters {
	r.mu.RLock()
	c, ok := r.peers[peerID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.peers[peerID]; ok {
		return c
	}
	c = &Counters{}
	r.peers[peerID] = c
	return c
}

// Remove drops a peer's counters, e.g. on subscriber removal.
func (r *Room) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Snapshot returns a snapshot of every peer currently tracked.
func (r *Room) Snapshot() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.peers))
	for id, c := range r.peers {
		out[id] = c.Snapshot()
	}
	return out
}
