// Package bridge implements the LiveKit Bridge: the bot-identity connection
// from this node to the cloud SFU that forwards incoming RTP into the
// Source Switcher (spec §4.8).
//
// The cloud SFU client itself is abstracted behind SFUClient/RemoteTrack so
// the state machine here is testable without a real LiveKit deployment; the
// concrete lksdk-backed implementation lives in livekit_client.go.
package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"lanrelay/internal/switcher"
)

// Quality is the per-track subscription quality tier requested of the SFU.
type Quality int

const (
	QualityLow Quality = iota
	QualityMedium
	QualityHigh
)

// RemoteTrack is the narrow surface the Bridge needs from a subscribed
// upstream track.
type RemoteTrack interface {
	Kind() string // "video" or "audio"
	SSRC() uint32
	Codec() webrtc.RTPCodecCapability
	ReadRTP() (*rtp.Packet, error)
	SetQuality(q Quality) error
	SetSubscribed(subscribed bool) error
}

// SFUClient is the narrow surface the Bridge needs from the cloud SFU
// connection primitive (spec §6 "Upstream SFU").
type SFUClient interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect()
	OnTrackSubscribed(cb func(RemoteTrack))
	OnDisconnected(cb func(err error))
}

// keyframeThrottle bounds RequestKeyframe to the spec's 200ms global window.
const keyframeThrottle = 200 * time.Millisecond

// rampupDelays are the repeat offsets for the HIGH-quality re-request that
// overcomes SFU rampup (spec §4.8: "repeat ... at 500ms and 2s").
var rampupDelays = []time.Duration{500 * time.Millisecond, 2 * time.Second}

// Bridge connects a bot identity to the cloud SFU and feeds the Switcher.
type Bridge struct {
	client   SFUClient
	switcher *switcher.Switcher
	onError  func(error)

	mu             sync.Mutex
	connected      bool
	videoSSRC      uint32
	audioSSRC      uint32
	videoTrack     RemoteTrack
	audioTrack     RemoteTrack
	lastKeyframe   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config groups the Bridge constructor's dependencies.
type Config struct {
	Client   SFUClient
	Switcher *switcher.Switcher
	OnError  func(error)
}

// New creates a Bridge. Connect must be called before it does anything.
func New(cfg Config) *Bridge {
	b := &Bridge{
		client:   cfg.Client,
		switcher: cfg.Switcher,
		onError:  cfg.OnError,
	}
	b.client.OnTrackSubscribed(b.handleTrackSubscribed)
	b.client.OnDisconnected(b.handleDisconnected)
	return b
}

// Connect opens the bot-identity connection to the cloud SFU.
func (b *Bridge) Connect(ctx context.Context, url, token string) error {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.ctx = ctx
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.client.Connect(ctx, url, token); err != nil {
		cancel()
		return err
	}

	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	log.Printf("[Bridge] connected to upstream SFU")
	return nil
}

// Disconnect tears down the upstream connection without touching the Relay
// Room; subscribers remain attached and simply stop receiving fresh frames
// (spec §4.8 failure semantics).
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	cancel := b.cancel
	b.connected = false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.client.Disconnect()
	b.wg.Wait()

	log.Printf("[Bridge] disconnected from upstream SFU")
}

// IsConnected reports whether the bridge currently has an upstream connection.
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Bridge) handleDisconnected(err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	log.Printf("[Bridge] upstream connection lost: %v", err)
	if err != nil && b.onError != nil {
		b.onError(err)
	}
}

// handleTrackSubscribed is invoked once per newly subscribed upstream track.
// It requests HIGH quality (repeated per rampupDelays), hands the codec
// capability to the Switcher, captures the SSRC for PLI targeting, and
// spawns the RTP read-loop.
func (b *Bridge) handleTrackSubscribed(track RemoteTrack) {
	kind := track.Kind()
	log.Printf("[Bridge] upstream track subscribed: kind=%s", kind)

	if err := track.SetQuality(QualityHigh); err != nil {
		log.Printf("[Bridge] initial SetQuality(high) failed: %v", err)
	}
	for _, delay := range rampupDelays {
		d := delay
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			timer := time.NewTimer(d)
			defer timer.Stop()
			ctx := b.ctx
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if err := track.SetQuality(QualityHigh); err != nil {
					log.Printf("[Bridge] rampup SetQuality(high) failed: %v", err)
				}
			}
		}()
	}

	cap := track.Codec()
	isVideo := kind == "video"

	b.mu.Lock()
	if isVideo {
		b.videoTrack = track
		b.videoSSRC = track.SSRC()
	} else {
		b.audioTrack = track
		b.audioSSRC = track.SSRC()
	}
	b.mu.Unlock()

	if isVideo {
		b.switcher.SetVideoCodec(cap)
	} else {
		b.switcher.SetAudioCodec(cap)
	}

	b.wg.Add(1)
	go b.readLoop(track, isVideo)
}

func (b *Bridge) readLoop(track RemoteTrack, isVideo bool) {
	defer b.wg.Done()

	kind := switcher.KindAudio
	if isVideo {
		kind = switcher.KindVideo
	}

	for {
		ctx := b.ctx
		select {
		case <-ctx.Done():
			return
		default:
		}

		pkt, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Bridge] RTP read error: %v", err)
			return
		}

		b.switcher.Inject(switcher.SourceSFU, kind, pkt)
	}
}

// RequestKeyframe disables and re-enables the video subscription with a 50ms
// gap to force the SFU to mint a fresh I-frame, globally throttled to once
// per 200ms (spec §4.8).
func (b *Bridge) RequestKeyframe() {
	b.mu.Lock()
	now := time.Now()
	if now.Sub(b.lastKeyframe) < keyframeThrottle {
		b.mu.Unlock()
		return
	}
	b.lastKeyframe = now
	track := b.videoTrack
	b.mu.Unlock()

	if track == nil {
		return
	}

	if err := track.SetSubscribed(false); err != nil {
		log.Printf("[Bridge] keyframe: unsubscribe failed: %v", err)
		return
	}
	time.Sleep(50 * time.Millisecond)
	if err := track.SetSubscribed(true); err != nil {
		log.Printf("[Bridge] keyframe: resubscribe failed: %v", err)
	}
}

// VideoSSRC and AudioSSRC return the captured upstream SSRCs, used by the
// Coordinator to target PLI RTCP packets.
func (b *Bridge) VideoSSRC() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.videoSSRC
}

func (b *Bridge) AudioSSRC() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audioSSRC
}
