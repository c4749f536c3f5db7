// This file wires the Bridge's SFUClient/RemoteTrack abstraction to the real
// LiveKit Go client SDK, the cloud SFU spec §6 names directly ("this design
// was prototyped against LiveKit"). It is intentionally the only file in
// this package that imports lksdk, so the state machine in bridge.go stays
// testable against a fake.
package bridge

import (
	"context"
	"fmt"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// LiveKitClient adapts a lksdk.Room (joined under the bot identity) to the
// Bridge's SFUClient interface.
type LiveKitClient struct {
	room *lksdk.Room

	onTrackSubscribed func(RemoteTrack)
	onDisconnected    func(err error)
}

// NewLiveKitClient creates an unconnected adapter. Call Connect to join.
func NewLiveKitClient() *LiveKitClient {
	return &LiveKitClient{}
}

// OnTrackSubscribed registers the callback invoked for every upstream track
// this bot identity subscribes to.
func (c *LiveKitClient) OnTrackSubscribed(cb func(RemoteTrack)) {
	c.onTrackSubscribed = cb
}

// OnDisconnected registers the callback invoked when the room connection drops.
func (c *LiveKitClient) OnDisconnected(cb func(err error)) {
	c.onDisconnected = cb
}

// Connect joins the room under the bot identity with a short-lived token
// (spec §6). The caller is responsible for minting a token that carries
// hidden:true and subscribe-only grants (spec §4.8); this adapter does not
// inspect the token's claims.
func (c *LiveKitClient) Connect(ctx context.Context, url, token string) error {
	cb := &lksdk.RoomCallback{
		OnDisconnected: func() {
			if c.onDisconnected != nil {
				c.onDisconnected(nil)
			}
		},
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed: func(track *webrtc.TrackRemote, publication *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if c.onTrackSubscribed == nil {
					return
				}
				c.onTrackSubscribed(&liveKitTrack{remote: track, publication: publication})
			},
		},
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb)
	if err != nil {
		return fmt.Errorf("bridge: connect to room: %w", err)
	}
	c.room = room
	return nil
}

// Disconnect leaves the room.
func (c *LiveKitClient) Disconnect() {
	if c.room != nil {
		c.room.Disconnect()
	}
}

// liveKitTrack adapts a subscribed webrtc.TrackRemote + its publication
// handle to the Bridge's RemoteTrack interface.
type liveKitTrack struct {
	remote      *webrtc.TrackRemote
	publication *lksdk.RemoteTrackPublication
}

func (t *liveKitTrack) Kind() string {
	if t.remote.Kind() == webrtc.RTPCodecTypeVideo {
		return "video"
	}
	return "audio"
}

func (t *liveKitTrack) SSRC() uint32 {
	return uint32(t.remote.SSRC())
}

func (t *liveKitTrack) Codec() webrtc.RTPCodecCapability {
	return t.remote.Codec().RTPCodecCapability
}

func (t *liveKitTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.remote.ReadRTP()
	return pkt, err
}

func (t *liveKitTrack) SetQuality(q Quality) error {
	t.publication.SetVideoQuality(toLiveKitQuality(q))
	return nil
}

func (t *liveKitTrack) SetSubscribed(subscribed bool) error {
	return t.publication.SetSubscribed(subscribed)
}

func toLiveKitQuality(q Quality) livekit.VideoQuality {
	switch q {
	case QualityHigh:
		return livekit.VideoQuality_HIGH
	case QualityMedium:
		return livekit.VideoQuality_MEDIUM
	default:
		return livekit.VideoQuality_LOW
	}
}
