// Package probe samples a local WebRTC transport's stats at a fixed cadence
// and maintains a rolling window the Coordinator feeds into Election (spec
// §4.4).
package probe

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sample is one transport-stats reading.
type Sample struct {
	ID             string
	Timestamp      time.Time
	RTT            time.Duration
	JitterMs       float64
	PacketLoss     float64 // fraction 0..1
	AvailableBps   int64
	BytesSent      uint64
	BytesReceived  uint64
}

// Average is the aggregate over the current sample window.
type Average struct {
	RTT          time.Duration
	JitterMs     float64
	PacketLoss   float64
	AvailableBps int64
}

// StatsSource is the host-provided collector; it reads whatever the local
// PeerConnection's transport exposes (ICE stats, outbound-rtp stats, etc.)
// and returns one Sample. The probe package has no pion dependency itself —
// the host supplies this closure through coordinator.Config.LocalStatsSource.
type StatsSource func() Sample

// Config holds the sampling cadence and window size.
type Config struct {
	Interval   time.Duration // default 1s
	WindowSize int           // default 60
}

// DefaultConfig returns the spec §4.4 defaults.
func DefaultConfig() Config {
	return Config{Interval: time.Second, WindowSize: 60}
}

// Probe samples a StatsSource on a ticker and keeps a ring buffer of the
// last WindowSize samples.
type Probe struct {
	cfg    Config
	source StatsSource
	onSampled func(Sample)

	mu      sync.Mutex
	ring    []Sample
	next    int
	filled  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Probe. onSampled, if non-nil, is invoked once per tick with
// the freshly collected sample, outside the internal lock.
func New(cfg Config, source StatsSource, onSampled func(Sample)) *Probe {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 60
	}
	return &Probe{
		cfg:       cfg,
		source:    source,
		onSampled: onSampled,
		ring:      make([]Sample, cfg.WindowSize),
	}
}

// Start launches the sampling ticker.
func (p *Probe) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sampleOnce()
			}
		}
	}()
}

// Stop halts the sampling ticker and waits for it to exit.
func (p *Probe) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
}

func (p *Probe) sampleOnce() {
	if p.source == nil {
		return
	}
	s := p.source()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	p.mu.Lock()
	p.ring[p.next] = s
	p.next = (p.next + 1) % len(p.ring)
	if p.next == 0 {
		p.filled = true
	}
	p.mu.Unlock()

	if p.onSampled != nil {
		p.onSampled(s)
	}
}

// GetLatest returns the most recently collected sample.
func (p *Probe) GetLatest() (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.filled && p.next == 0 {
		return Sample{}, false
	}
	idx := p.next - 1
	if idx < 0 {
		idx = len(p.ring) - 1
	}
	return p.ring[idx], true
}

// GetAverage computes the mean of every populated slot in the window.
func (p *Probe) GetAverage() Average {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.next
	if p.filled {
		n = len(p.ring)
	}
	if n == 0 {
		return Average{}
	}

	var rttSum time.Duration
	var jitterSum, lossSum float64
	var bwSum int64

	for i := 0; i < n; i++ {
		s := p.ring[i]
		rttSum += s.RTT
		jitterSum += s.JitterMs
		lossSum += s.PacketLoss
		bwSum += s.AvailableBps
	}

	return Average{
		RTT:          rttSum / time.Duration(n),
		JitterMs:     jitterSum / float64(n),
		PacketLoss:   lossSum / float64(n),
		AvailableBps: bwSum / int64(n),
	}
}
