// Package election implements the pure Relay election function (spec §4.2):
// a deterministic scoring of candidates with a fixed tie-break, plus a small
// stateful Elector that tracks the current candidate set so the coordinator
// can request an election without re-supplying every peer's attributes.
package election

import (
	"sort"
	"sync"

	"lanrelay/internal/peer"
)

// Quality is the observed network quality of a candidate (spec §3).
type Quality struct {
	BandwidthBps int64
	LatencyMs    float64
	PacketLoss   float64 // fraction 0..1
	JitterMs     float64
}

// Candidate is an election input. It is not persisted; the coordinator or
// Elector rebuilds it per election from Peer attributes and Quality samples.
type Candidate struct {
	PeerID string
	Device peer.DeviceClass
	Link   peer.LinkClass
	Power  peer.PowerState
	Quality
}

// Scoring weights. Device/link/power contribute up to 30/20/10 points; the
// quality subscore contributes up to 40, for a 0..100 total matching the
// Peer.Score range in spec §3.
const (
	deviceWeightPC      = 30
	deviceWeightTablet  = 20
	deviceWeightMobile  = 10
	deviceWeightUnknown = 0

	linkWeightEthernet = 20
	linkWeightWifi     = 12
	linkWeightCellular = 5
	linkWeightUnknown  = 0

	powerWeightPlugged = 10
	powerWeightBattery = 5
	powerWeightUnknown = 0

	qualityWeightMax = 40.0

	latencyFloorMs = 50.0
	latencyCapMs   = 300.0
	lossFloor      = 0.0
	lossCap        = 0.05
	jitterFloorMs  = 20.0
	jitterCapMs    = 100.0

	// qualityPenaltyCap bounds the combined latency/loss/jitter penalty so
	// the subscore never drops below 100-80=20, per spec §4.2.
	qualityPenaltyCap  = 80.0
	latencyPenaltyMax  = 40.0
	lossPenaltyMax     = 30.0
	jitterPenaltyMax   = 10.0
	qualitySubscoreMax = 100.0
)

func deviceWeight(d peer.DeviceClass) float64 {
	switch d {
	case peer.DevicePC:
		return deviceWeightPC
	case peer.DeviceTablet:
		return deviceWeightTablet
	case peer.DeviceMobile:
		return deviceWeightMobile
	default:
		return deviceWeightUnknown
	}
}

func linkWeight(l peer.LinkClass) float64 {
	switch l {
	case peer.LinkEthernet:
		return linkWeightEthernet
	case peer.LinkWifi:
		return linkWeightWifi
	case peer.LinkCellular:
		return linkWeightCellular
	default:
		return linkWeightUnknown
	}
}

func powerWeight(p peer.PowerState) float64 {
	switch p {
	case peer.PowerPlugged:
		return powerWeightPlugged
	case peer.PowerBattery:
		return powerWeightBattery
	default:
		return powerWeightUnknown
	}
}

// clampRatio maps v into [0,1] over [floor,cap], clamped at the ends.
func clampRatio(v, floor, cap float64) float64 {
	if cap <= floor {
		return 0
	}
	r := (v - floor) / (cap - floor)
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// QualitySubscore computes the 20..100 network-quality subscore (spec §4.2).
func (q Quality) QualitySubscore() float64 {
	latencyPenalty := clampRatio(q.LatencyMs, latencyFloorMs, latencyCapMs) * latencyPenaltyMax
	lossPenalty := clampRatio(q.PacketLoss, lossFloor, lossCap) * lossPenaltyMax
	jitterPenalty := clampRatio(q.JitterMs, jitterFloorMs, jitterCapMs) * jitterPenaltyMax

	totalPenalty := latencyPenalty + lossPenalty + jitterPenalty
	if totalPenalty > qualityPenaltyCap {
		totalPenalty = qualityPenaltyCap
	}
	return qualitySubscoreMax - totalPenalty
}

// Score computes a candidate's weighted election score (0..100).
func (c Candidate) Score() float64 {
	return deviceWeight(c.Device) + linkWeight(c.Link) + powerWeight(c.Power) +
		(c.QualitySubscore()/qualitySubscoreMax)*qualityWeightMax
}

// Elect is a pure function from the candidate set to a winner, deterministic
// tie-break (score desc, peer-id lex asc) per spec §4.2/P2.
func Elect(candidates []Candidate) (winnerID string, score float64, ok bool) {
	if len(candidates) == 0 {
		return "", 0, false
	}

	best := candidates[0]
	bestScore := best.Score()
	for _, c := range candidates[1:] {
		s := c.Score()
		if s > bestScore || (s == bestScore && c.PeerID < best.PeerID) {
			best = c
			bestScore = s
		}
	}
	return best.PeerID, bestScore, true
}

// Ranked returns all candidates sorted by the same order Elect uses, most
// preferred first. Useful for status reporting and tests.
func Ranked(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Elector tracks the live candidate set for a room so the coordinator can
// request elections without re-supplying every peer's attributes each time.
// Elections themselves are requested, not scheduled, by this package (spec
// §4.2 "Elections are requested, not scheduled by this module").
type Elector struct {
	mu         sync.RWMutex
	candidates map[string]Candidate
}

// NewElector creates an empty candidate tracker.
func NewElector() *Elector {
	return &Elector{candidates: make(map[string]Candidate)}
}

// UpdateCandidate inserts or replaces a candidate's full attribute set.
func (e *Elector) UpdateCandidate(c Candidate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates[c.PeerID] = c
}

// UpdateNetworkMetrics updates only the quality fields of an existing
// candidate; unknown peer ids are ignored (the coordinator is expected to
// have called UpdateCandidate first).
func (e *Elector) UpdateNetworkMetrics(peerID string, q Quality) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.candidates[peerID]
	if !ok {
		return
	}
	c.Quality = q
	e.candidates[peerID] = c
}

// RemoveCandidate drops a candidate, e.g. on peer leave.
func (e *Elector) RemoveCandidate(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.candidates, peerID)
}

// Snapshot returns the current candidate set.
func (e *Elector) Snapshot() []Candidate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Candidate, 0, len(e.candidates))
	for _, c := range e.candidates {
		out = append(out, c)
	}
	return out
}

// Elect runs the pure election function over the current candidate set.
func (e *Elector) Elect() (winnerID string, score float64, ok bool) {
	return Elect(e.Snapshot())
}
