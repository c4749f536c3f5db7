package election

import (
	"testing"

	"lanrelay/internal/peer"
)

func TestElect_ScoreOrdered(t *testing.T) {
	// S1: a wired PC beats a wifi PC beats a cellular phone.
	candidates := []Candidate{
		{
			PeerID: "pc-eth",
			Device: peer.DevicePC,
			Link:   peer.LinkEthernet,
			Power:  peer.PowerPlugged,
			Quality: Quality{
				LatencyMs:  20,
				PacketLoss: 0,
				JitterMs:   5,
			},
		},
		{
			PeerID: "pc-wifi",
			Device: peer.DevicePC,
			Link:   peer.LinkWifi,
			Power:  peer.PowerPlugged,
			Quality: Quality{
				LatencyMs:  80,
				PacketLoss: 0.01,
				JitterMs:   30,
			},
		},
		{
			PeerID: "phone-cell",
			Device: peer.DeviceMobile,
			Link:   peer.LinkCellular,
			Power:  peer.PowerBattery,
			Quality: Quality{
				LatencyMs:  250,
				PacketLoss: 0.04,
				JitterMs:   90,
			},
		},
	}

	winner, _, ok := Elect(candidates)
	if !ok {
		t.Fatalf("expected a winner")
	}
	if winner != "pc-eth" {
		t.Fatalf("expected pc-eth to win, got %s", winner)
	}

	ranked := Ranked(candidates)
	if ranked[0].PeerID != "pc-eth" || ranked[2].PeerID != "phone-cell" {
		t.Fatalf("unexpected ranking: %+v", ranked)
	}
}

func TestElect_TieBreakByPeerID(t *testing.T) {
	// S2: identical attributes, lexicographically smaller peer-id wins.
	candidates := []Candidate{
		{PeerID: "zzz", Device: peer.DevicePC, Link: peer.LinkEthernet, Power: peer.PowerPlugged},
		{PeerID: "aaa", Device: peer.DevicePC, Link: peer.LinkEthernet, Power: peer.PowerPlugged},
		{PeerID: "mmm", Device: peer.DevicePC, Link: peer.LinkEthernet, Power: peer.PowerPlugged},
	}

	winner, score, ok := Elect(candidates)
	if !ok {
		t.Fatalf("expected a winner")
	}
	if winner != "aaa" {
		t.Fatalf("expected tie-break winner aaa, got %s", winner)
	}
	if score != candidates[0].Score() {
		t.Fatalf("tied candidates should share a score")
	}
}

func TestElect_Deterministic(t *testing.T) {
	// P2: running Elect repeatedly over the same input set yields the same
	// winner regardless of slice order.
	base := []Candidate{
		{PeerID: "a", Device: peer.DevicePC, Link: peer.LinkWifi, Power: peer.PowerPlugged, Quality: Quality{LatencyMs: 60, JitterMs: 25}},
		{PeerID: "b", Device: peer.DeviceTablet, Link: peer.LinkEthernet, Power: peer.PowerBattery, Quality: Quality{LatencyMs: 40, JitterMs: 15}},
		{PeerID: "c", Device: peer.DeviceMobile, Link: peer.LinkCellular, Power: peer.PowerBattery, Quality: Quality{LatencyMs: 200, JitterMs: 70}},
	}

	reversed := []Candidate{base[2], base[1], base[0]}

	w1, s1, _ := Elect(base)
	w2, s2, _ := Elect(reversed)
	if w1 != w2 || s1 != s2 {
		t.Fatalf("election not order-independent: (%s,%f) vs (%s,%f)", w1, s1, w2, s2)
	}
}

func TestElect_Empty(t *testing.T) {
	_, _, ok := Elect(nil)
	if ok {
		t.Fatalf("expected no winner for empty candidate set")
	}
}

func TestQualitySubscore_Bounds(t *testing.T) {
	best := Quality{LatencyMs: 0, PacketLoss: 0, JitterMs: 0}
	if got := best.QualitySubscore(); got != 100 {
		t.Fatalf("expected perfect quality to score 100, got %f", got)
	}

	worst := Quality{LatencyMs: 1000, PacketLoss: 1, JitterMs: 1000}
	if got := worst.QualitySubscore(); got != 20 {
		t.Fatalf("expected worst quality to floor at 20, got %f", got)
	}
}

func TestElector_UpdateAndElect(t *testing.T) {
	e := NewElector()
	e.UpdateCandidate(Candidate{PeerID: "p1", Device: peer.DevicePC, Link: peer.LinkEthernet, Power: peer.PowerPlugged})
	e.UpdateCandidate(Candidate{PeerID: "p2", Device: peer.DeviceMobile, Link: peer.LinkCellular, Power: peer.PowerBattery})

	winner, _, ok := e.Elect()
	if !ok || winner != "p1" {
		t.Fatalf("expected p1 to win, got %s ok=%v", winner, ok)
	}

	e.UpdateNetworkMetrics("p2", Quality{LatencyMs: 0, PacketLoss: 0, JitterMs: 0})
	e.UpdateNetworkMetrics("p1", Quality{LatencyMs: 1000, PacketLoss: 1, JitterMs: 1000})

	// p1 still wins on device+link+power weight even with worst-case quality,
	// since those weights (60) exceed the 40-point quality swing alone; this
	// documents the scoring shape rather than re-deriving it.
	winner, _, _ = e.Elect()
	if winner != "p1" {
		t.Fatalf("expected device/link/power weight to dominate, got %s", winner)
	}

	e.RemoveCandidate("p1")
	winner, _, ok = e.Elect()
	if !ok || winner != "p2" {
		t.Fatalf("expected p2 after p1 removed, got %s ok=%v", winner, ok)
	}
}

func TestElector_UpdateNetworkMetricsUnknownPeerIgnored(t *testing.T) {
	e := NewElector()
	e.UpdateNetworkMetrics("ghost", Quality{LatencyMs: 10})
	if len(e.Snapshot()) != 0 {
		t.Fatalf("expected unknown peer metrics update to be a no-op")
	}
}
