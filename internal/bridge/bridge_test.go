package bridge

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"lanrelay/internal/switcher"
)

type fakeTrack struct {
	kind string
	ssrc uint32
	cap  webrtc.RTPCodecCapability

	mu           sync.Mutex
	qualityCalls []Quality
	subscribed   bool
	subCalls     []bool

	packets chan *rtp.Packet
	closed  bool
}

func newFakeTrack(kind string, ssrc uint32) *fakeTrack {
	return &fakeTrack{kind: kind, ssrc: ssrc, subscribed: true, packets: make(chan *rtp.Packet, 16)}
}

func (f *fakeTrack) Kind() string                       { return f.kind }
func (f *fakeTrack) SSRC() uint32                        { return f.ssrc }
func (f *fakeTrack) Codec() webrtc.RTPCodecCapability    { return f.cap }

func (f *fakeTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, ok := <-f.packets
	if !ok {
		return nil, io.EOF
	}
	return pkt, nil
}

func (f *fakeTrack) SetQuality(q Quality) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qualityCalls = append(f.qualityCalls, q)
	return nil
}

func (f *fakeTrack) SetSubscribed(subscribed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = subscribed
	f.subCalls = append(f.subCalls, subscribed)
	return nil
}

type fakeClient struct {
	onTrackSubscribed func(RemoteTrack)
	onDisconnected    func(error)
	connected         bool
}

func (c *fakeClient) Connect(ctx context.Context, url, token string) error {
	c.connected = true
	return nil
}
func (c *fakeClient) Disconnect() { c.connected = false }
func (c *fakeClient) OnTrackSubscribed(cb func(RemoteTrack)) { c.onTrackSubscribed = cb }
func (c *fakeClient) OnDisconnected(cb func(error))          { c.onDisconnected = cb }

func newTestSwitcher() *switcher.Switcher {
	return switcher.New(switcher.Config{
		NewLocalTrack: func(kind switcher.Kind, cap webrtc.RTPCodecCapability) (switcher.OutboundTrack, error) {
			return &nullTrack{}, nil
		},
	})
}

type nullTrack struct {
	mu      sync.Mutex
	written []rtp.Packet
}

func (n *nullTrack) WriteRTP(p *rtp.Packet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.written = append(n.written, *p)
	return nil
}

func (n *nullTrack) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.written)
}

func TestBridge_TrackSubscribedCapturesSSRCAndRequestsHighQuality(t *testing.T) {
	client := &fakeClient{}
	sw := newTestSwitcher()
	b := New(Config{Client: client, Switcher: sw})

	if err := b.Connect(context.Background(), "wss://example", "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Disconnect()

	track := newFakeTrack("video", 12345)
	client.onTrackSubscribed(track)

	if b.VideoSSRC() != 12345 {
		t.Fatalf("expected SSRC captured, got %d", b.VideoSSRC())
	}

	track.mu.Lock()
	initialCalls := len(track.qualityCalls)
	lastCall := track.qualityCalls[len(track.qualityCalls)-1]
	track.mu.Unlock()

	if initialCalls == 0 || lastCall != QualityHigh {
		t.Fatalf("expected an initial HIGH quality request, got %+v", track.qualityCalls)
	}

	track.packets <- &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, Timestamp: 1000}}
	close(track.packets)

	time.Sleep(20 * time.Millisecond)
	videoPackets, _, _ := sw.Stats()
	if videoPackets == 0 {
		t.Fatalf("expected the read-loop to inject at least one packet into the switcher")
	}
}

func TestBridge_RequestKeyframeThrottled(t *testing.T) {
	client := &fakeClient{}
	sw := newTestSwitcher()
	b := New(Config{Client: client, Switcher: sw})
	_ = b.Connect(context.Background(), "wss://example", "tok")
	defer b.Disconnect()

	track := newFakeTrack("video", 1)
	client.onTrackSubscribed(track)

	b.RequestKeyframe()
	b.RequestKeyframe() // within the 200ms throttle window, should be a no-op

	track.mu.Lock()
	calls := len(track.subCalls)
	track.mu.Unlock()

	if calls != 2 {
		t.Fatalf("expected exactly one disable+enable pair (2 calls) from the first request, got %d", calls)
	}
}

func TestBridge_DisconnectedSurfacesError(t *testing.T) {
	client := &fakeClient{}
	sw := newTestSwitcher()

	var gotErr error
	b := New(Config{Client: client, Switcher: sw, OnError: func(err error) { gotErr = err }})
	_ = b.Connect(context.Background(), "wss://example", "tok")

	client.onDisconnected(context.DeadlineExceeded)

	if gotErr == nil {
		t.Fatalf("expected onError to fire on disconnection with a non-nil cause")
	}
	if b.IsConnected() {
		t.Fatalf("expected IsConnected to become false after disconnection")
	}
}
