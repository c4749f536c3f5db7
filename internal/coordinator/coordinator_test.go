package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"lanrelay/internal/failover"
	"lanrelay/internal/keepalive"
	"lanrelay/internal/peer"
	"lanrelay/internal/signaling"
	"lanrelay/internal/switcher"
)

// fakeSignaling is an in-memory Signaling double: every send is just
// recorded, and tests drive inbound messages by calling deliver directly.
type fakeSignaling struct {
	mu sync.Mutex

	joined       []string
	pings        []string
	pongs        []string
	relayClaims  []struct {
		epoch uint64
		score float64
	}
	relayChanged []struct {
		relayID string
		epoch   uint64
	}
	answers []struct{ target, sdp string }
	offers  []struct{ target, sdp string }

	handler func(signaling.Message)
}

func (f *fakeSignaling) Join(room, peer string) error { f.joined = append(f.joined, peer); return nil }
func (f *fakeSignaling) Leave(room string) error       { return nil }

func (f *fakeSignaling) Ping(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings = append(f.pings, target)
	return nil
}

func (f *fakeSignaling) Pong(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongs = append(f.pongs, target)
	return nil
}

func (f *fakeSignaling) RelayClaim(epoch uint64, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayClaims = append(f.relayClaims, struct {
		epoch uint64
		score float64
	}{epoch, score})
	return nil
}

func (f *fakeSignaling) RelayChanged(relayID string, epoch uint64, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayChanged = append(f.relayChanged, struct {
		relayID string
		epoch   uint64
	}{relayID, epoch})
	return nil
}

func (f *fakeSignaling) Offer(target, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, struct{ target, sdp string }{target, sdp})
	return nil
}

func (f *fakeSignaling) Answer(target, sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, struct{ target, sdp string }{target, sdp})
	return nil
}

func (f *fakeSignaling) Candidate(target string, candidate json.RawMessage) error { return nil }
func (f *fakeSignaling) ScreenShare(isSharing bool) error                         { return nil }

func (f *fakeSignaling) Subscribe(handler func(signaling.Message)) func() {
	f.handler = handler
	return func() { f.handler = nil }
}

func (f *fakeSignaling) deliver(msg signaling.Message) {
	if f.handler != nil {
		f.handler(msg)
	}
}

func newTestCoordinator(t *testing.T, sig *fakeSignaling) *Coordinator {
	t.Helper()
	c := New("room1", "local1", Config{
		Signaling: sig,
		Keepalive: keepalive.DefaultConfig(),
		Failover:  failover.Config{BackoffPerPoint: time.Millisecond, MaxBackoff: 50 * time.Millisecond, OfflineThreshold: 2},
		WebRTCAPI: webrtc.NewAPI(),
		NewLocalTrack: func(kind switcher.Kind, cap webrtc.RTPCodecCapability) (switcher.OutboundTrack, error) {
			id := "video"
			if kind == switcher.KindAudio {
				id = "audio"
			}
			return webrtc.NewTrackLocalStaticRTP(cap, id, "relay")
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func TestStart_JoinsRoomAndRegistersLocalCandidate(t *testing.T) {
	sig := &fakeSignaling{}
	c := newTestCoordinator(t, sig)

	status := c.GetStatus()
	if status.LocalPeerID != "local1" {
		t.Fatalf("expected local peer id local1, got %q", status.LocalPeerID)
	}
	if len(sig.joined) != 1 || sig.joined[0] != "local1" {
		t.Fatalf("expected Join to be called once with local1, got %v", sig.joined)
	}
}

func TestHandleSignal_PingReceivesPongReply(t *testing.T) {
	sig := &fakeSignaling{}
	c := newTestCoordinator(t, sig)

	sig.deliver(signaling.Message{Type: signaling.TypePing, PeerID: "peerA"})

	time.Sleep(10 * time.Millisecond)
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if len(sig.pongs) != 1 || sig.pongs[0] != "peerA" {
		t.Fatalf("expected a pong reply to peerA, got %v", sig.pongs)
	}
}

func TestHandleSignal_PongMarksPeerOnline(t *testing.T) {
	sig := &fakeSignaling{}
	c := newTestCoordinator(t, sig)
	c.AddPeer("peerA", peer.DevicePC, peer.LinkEthernet, peer.PowerPlugged)
	c.SetCurrentRelay("peerA", 1)

	sig.deliver(signaling.Message{Type: signaling.TypePong, PeerID: "peerA"})

	rec, ok := c.keepalive.Snapshot("peerA")
	if !ok {
		t.Fatalf("expected peerA to be a watched record")
	}
	if rec.Classification != keepalive.Online {
		t.Fatalf("expected peerA classified Online after a pong, got %s", rec.Classification)
	}
}

func TestAddPeer_EmitsPeerJoinedEvent(t *testing.T) {
	sig := &fakeSignaling{}
	var events []Event
	c := New("room1", "local1", Config{Signaling: sig, WebRTCAPI: webrtc.NewAPI()})
	c.SetOnEvent(func(e Event) { events = append(events, e) })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	c.AddPeer("peerB", peer.DevicePC, peer.LinkEthernet, peer.PowerPlugged)

	if len(events) == 0 || events[len(events)-1].Type != EventPeerJoined {
		t.Fatalf("expected a PeerJoined event, got %+v", events)
	}

	status := c.GetStatus()
	if len(status.Peers) != 1 || status.Peers[0].PeerID != "peerB" {
		t.Fatalf("expected peerB in status snapshot, got %+v", status.Peers)
	}
}

func TestBecomeRelay_BroadcastsClaimAndChangedAndEmitsEvents(t *testing.T) {
	sig := &fakeSignaling{}
	var events []Event
	c := New("room1", "local1", Config{
		Signaling: sig,
		Failover:  failover.Config{BackoffPerPoint: time.Millisecond, MaxBackoff: 50 * time.Millisecond, OfflineThreshold: 1},
		WebRTCAPI: webrtc.NewAPI(),
		NewLocalTrack: func(kind switcher.Kind, cap webrtc.RTPCodecCapability) (switcher.OutboundTrack, error) {
			return webrtc.NewTrackLocalStaticRTP(cap, "t", "relay")
		},
	})
	c.SetOnEvent(func(e Event) { events = append(events, e) })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	c.becomeRelay(1)

	status := c.GetStatus()
	if !status.IsRelay {
		t.Fatalf("expected IsRelay true after becomeRelay")
	}

	sig.mu.Lock()
	claims := len(sig.relayClaims)
	changed := len(sig.relayChanged)
	sig.mu.Unlock()
	if claims != 1 {
		t.Fatalf("expected exactly one relayClaim broadcast, got %d", claims)
	}
	if changed != 1 {
		t.Fatalf("expected exactly one relayChanged broadcast, got %d", changed)
	}

	var sawBecome bool
	for _, e := range events {
		if e.Type == EventBecomeRelay {
			sawBecome = true
		}
	}
	if !sawBecome {
		t.Fatalf("expected a BecomeRelay event, got %+v", events)
	}
}
