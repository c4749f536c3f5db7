// Package relayroom implements the Relay Room: the set of Subscriber
// Sessions terminating LAN peers' WebRTC connections, fed by a single pair
// of outbound tracks owned by the Source Switcher (spec §4.7).
package relayroom

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"lanrelay/internal/bufferpool"
	"lanrelay/internal/constants"
	"lanrelay/internal/relayerr"
	"lanrelay/internal/switcher"
	"lanrelay/internal/trafficstats"
)

// SubscriberState is the lifecycle state of a Subscriber Session (spec §3/§4.7).
type SubscriberState int32

const (
	SubscriberConnecting SubscriberState = iota
	SubscriberConnected
	SubscriberDisconnected
	SubscriberFailed
)

func (s SubscriberState) String() string {
	switch s {
	case SubscriberConnected:
		return "connected"
	case SubscriberDisconnected:
		return "disconnected"
	case SubscriberFailed:
		return "failed"
	default:
		return "connecting"
	}
}

const subscriberCloseTimeout = 3 * time.Second

// Subscriber is a per-downstream-peer WebRTC session (spec §3 "Subscriber Session").
type Subscriber struct {
	PeerID string

	conn  *webrtc.PeerConnection
	state atomic.Int32

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// State returns the subscriber's current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	return SubscriberState(s.state.Load())
}

func (s *Subscriber) setState(st SubscriberState) {
	s.state.Store(int32(st))
}

// Room holds the Subscriber Sessions for one Relay instance, all fed by a
// single Switcher (spec §4.7).
type Room struct {
	roomID   string
	api      *webrtc.API
	webrtcCfg webrtc.Configuration
	switcher *switcher.Switcher

	onKeyframeRequest func()
	onSubscriberLeft  func(peerID string)
	onNeedRenegotiate func(peerID string, offer webrtc.SessionDescription)

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	pliMu          sync.Mutex
	lastPLIRequest time.Time

	pool  *bufferpool.Pool
	stats *trafficstats.Room
}

// Config groups the Room constructor's dependencies.
type Config struct {
	RoomID            string
	API               *webrtc.API
	WebRTCConfig      webrtc.Configuration
	Switcher          *switcher.Switcher
	OnKeyframeRequest func()
	OnSubscriberLeft  func(peerID string)
	OnNeedRenegotiate func(peerID string, offer webrtc.SessionDescription)
}

// New creates a Room wired to its Switcher; the Switcher's onTrackChanged
// callback should be pointed at Room.UpdateTracks by the caller (typically
// the Coordinator, on Relay transition).
func New(cfg Config) *Room {
	return &Room{
		roomID:            cfg.RoomID,
		api:               cfg.API,
		webrtcCfg:         cfg.WebRTCConfig,
		switcher:          cfg.Switcher,
		onKeyframeRequest: cfg.OnKeyframeRequest,
		onSubscriberLeft:  cfg.OnSubscriberLeft,
		onNeedRenegotiate: cfg.OnNeedRenegotiate,
		subscribers:       make(map[string]*Subscriber),
		pool:              bufferpool.New(),
		stats:             trafficstats.NewRoom(),
	}
}

// AddSubscriber creates a new PeerConnection for peerID, attaches the
// Switcher's current outbound tracks, applies the remote offer, and returns
// the local answer SDP (spec §4.7).
func (r *Room) AddSubscriber(peerID string, offerSDP string) (string, error) {
	r.mu.Lock()
	if _, exists := r.subscribers[peerID]; exists {
		r.mu.Unlock()
		return "", relayerr.NewInvalidState(r.roomID, peerID, "AddSubscriber", errors.New("subscriber already exists"))
	}
	r.mu.Unlock()

	conn, err := r.api.NewPeerConnection(r.webrtcCfg)
	if err != nil {
		return "", relayerr.NewConnection(r.roomID, peerID, "NewPeerConnection", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscriber{
		PeerID: peerID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	sub.setState(SubscriberConnecting)

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[RelayRoom] subscriber %s connection state: %s", peerID, state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			sub.setState(SubscriberConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			sub.setState(SubscriberDisconnected)
		case webrtc.PeerConnectionStateFailed:
			sub.setState(SubscriberFailed)
			r.RemoveSubscriber(peerID)
		}
	})

	videoTrack := r.switcher.VideoTrack()
	audioTrack := r.switcher.AudioTrack()

	if lt, ok := videoTrack.(webrtc.TrackLocal); ok && lt != nil {
		sender, err := conn.AddTrack(lt)
		if err != nil {
			conn.Close()
			return "", relayerr.NewConnection(r.roomID, peerID, "AddTrack video", err)
		}
		sub.videoSender = sender
		sub.wg.Add(1)
		go r.drainRTCP(sub, sender)
	}
	if lt, ok := audioTrack.(webrtc.TrackLocal); ok && lt != nil {
		sender, err := conn.AddTrack(lt)
		if err != nil {
			conn.Close()
			return "", relayerr.NewConnection(r.roomID, peerID, "AddTrack audio", err)
		}
		sub.audioSender = sender
		sub.wg.Add(1)
		go r.drainRTCP(sub, sender)
	}

	if err := conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		conn.Close()
		return "", relayerr.NewInvalidState(r.roomID, peerID, "SetRemoteDescription", err)
	}

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		conn.Close()
		return "", relayerr.NewConnection(r.roomID, peerID, "CreateAnswer", err)
	}
	if err := conn.SetLocalDescription(answer); err != nil {
		conn.Close()
		return "", relayerr.NewConnection(r.roomID, peerID, "SetLocalDescription", err)
	}

	r.mu.Lock()
	r.subscribers[peerID] = sub
	r.mu.Unlock()

	// The Switcher may have advanced (codec change, track replace) between
	// the AddTrack calls above and now; re-apply ReplaceTrack so the sender
	// definitely points at the current track objects (spec §4.7).
	r.reapplyCurrentTracks(sub)

	r.requestKeyframe()

	log.Printf("[RelayRoom] subscriber %s added", peerID)
	return conn.LocalDescription().SDP, nil
}

func (r *Room) reapplyCurrentTracks(sub *Subscriber) {
	video := r.switcher.VideoTrack()
	audio := r.switcher.AudioTrack()

	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.videoSender != nil {
		if lt, ok := video.(webrtc.TrackLocal); ok && lt != nil {
			if err := sub.videoSender.ReplaceTrack(lt); err != nil {
				log.Printf("[RelayRoom] subscriber %s: replace video track failed: %v", sub.PeerID, err)
			}
		}
	}
	if sub.audioSender != nil {
		if lt, ok := audio.(webrtc.TrackLocal); ok && lt != nil {
			if err := sub.audioSender.ReplaceTrack(lt); err != nil {
				log.Printf("[RelayRoom] subscriber %s: replace audio track failed: %v", sub.PeerID, err)
			}
		}
	}
}

// drainRTCP reads RTCP from a sender, forwarding PLI (PT=206, FMT=1) to the
// upstream keyframe request, throttled to at most once per second across
// the whole room (spec §4.7).
func (r *Room) drainRTCP(sub *Subscriber, sender *webrtc.RTPSender) {
	defer sub.wg.Done()

	bufPtr := r.pool.GetSmall()
	defer r.pool.PutSmall(bufPtr)
	buf := *bufPtr

	for {
		select {
		case <-sub.ctx.Done():
			return
		default:
		}

		n, _, err := sender.Read(buf)
		if err != nil {
			if sub.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}

		for _, pkt := range packets {
			switch p := pkt.(type) {
			case *rtcp.PictureLossIndication:
				r.requestKeyframe()
			case *rtcp.ReceiverReport:
				for _, rep := range p.Reports {
					if rep.TotalLost > 0 {
						r.stats.Peer(sub.PeerID).AddLost(int(rep.TotalLost))
					}
				}
			}
		}
	}
}

// RecordOutboundPacket attributes one Switcher-written packet of kind to
// every subscriber currently holding a sender for that kind. The Switcher
// writes once to a track shared by every subscriber's RTPSender, so a
// successful write is delivered to all of them alike (spec §4.7/§4.9
// per-subscriber sent counters).
func (r *Room) RecordOutboundPacket(kind switcher.Kind, n int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subscribers {
		sub.mu.Lock()
		hasSender := (kind == switcher.KindVideo && sub.videoSender != nil) ||
			(kind == switcher.KindAudio && sub.audioSender != nil)
		sub.mu.Unlock()

		if hasSender {
			r.stats.Peer(sub.PeerID).AddSent(n)
		}
	}
}

// SubscriberStats returns a point-in-time traffic snapshot for peerID.
func (r *Room) SubscriberStats(peerID string) (trafficstats.Snapshot, bool) {
	if _, ok := r.get(peerID); !ok {
		return trafficstats.Snapshot{}, false
	}
	return r.stats.Peer(peerID).Snapshot(), true
}

func (r *Room) requestKeyframe() {
	r.pliMu.Lock()
	now := time.Now()
	if now.Sub(r.lastPLIRequest) < constants.PLIThrottleInterval {
		r.pliMu.Unlock()
		return
	}
	r.lastPLIRequest = now
	r.pliMu.Unlock()

	if r.onKeyframeRequest != nil {
		r.onKeyframeRequest()
	}
}

// UpdateTracks is the Switcher's onTrackChanged callback: for every
// subscriber, replace an existing sender's track or add a new one, then
// renegotiate subscribers that gained a sender (spec §4.7).
func (r *Room) UpdateTracks(video, audio switcher.OutboundTrack) {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	videoLocal, _ := video.(webrtc.TrackLocal)
	audioLocal, _ := audio.(webrtc.TrackLocal)

	for _, sub := range subs {
		needsRenegotiate := false

		sub.mu.Lock()
		if sub.videoSender != nil {
			if videoLocal != nil {
				if err := sub.videoSender.ReplaceTrack(videoLocal); err != nil {
					log.Printf("[RelayRoom] subscriber %s: replace video track failed: %v", sub.PeerID, err)
				}
			}
		} else if videoLocal != nil {
			if sender, err := sub.conn.AddTrack(videoLocal); err == nil {
				sub.videoSender = sender
				sub.wg.Add(1)
				go r.drainRTCP(sub, sender)
				needsRenegotiate = true
			} else {
				log.Printf("[RelayRoom] subscriber %s: add video track failed: %v", sub.PeerID, err)
			}
		}

		if sub.audioSender != nil {
			if audioLocal != nil {
				if err := sub.audioSender.ReplaceTrack(audioLocal); err != nil {
					log.Printf("[RelayRoom] subscriber %s: replace audio track failed: %v", sub.PeerID, err)
				}
			}
		} else if audioLocal != nil {
			if sender, err := sub.conn.AddTrack(audioLocal); err == nil {
				sub.audioSender = sender
				sub.wg.Add(1)
				go r.drainRTCP(sub, sender)
				needsRenegotiate = true
			} else {
				log.Printf("[RelayRoom] subscriber %s: add audio track failed: %v", sub.PeerID, err)
			}
		}
		sub.mu.Unlock()

		if needsRenegotiate {
			r.renegotiate(sub)
		}
	}
}

// renegotiate creates and sets a fresh local offer, but only while signaling
// is stable (spec §4.7); otherwise it is skipped and the next
// OnNegotiationNeeded retries.
func (r *Room) renegotiate(sub *Subscriber) {
	if sub.conn.SignalingState() != webrtc.SignalingStateStable {
		return
	}

	offer, err := sub.conn.CreateOffer(nil)
	if err != nil {
		log.Printf("[RelayRoom] subscriber %s: create offer failed: %v", sub.PeerID, err)
		return
	}
	if err := sub.conn.SetLocalDescription(offer); err != nil {
		log.Printf("[RelayRoom] subscriber %s: set local description failed: %v", sub.PeerID, err)
		return
	}

	if r.onNeedRenegotiate != nil {
		r.onNeedRenegotiate(sub.PeerID, offer)
	}
}

// HandleAnswer applies a remote answer from a renegotiation cycle. Answers
// arriving outside have-local-offer are ignored rather than erroring, since
// the signaling layer does not guarantee ordering against a stale retry.
func (r *Room) HandleAnswer(peerID, sdp string) error {
	sub, ok := r.get(peerID)
	if !ok {
		return relayerr.NewNotFound(r.roomID, peerID, "HandleAnswer")
	}

	if sub.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return nil
	}

	if err := sub.conn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return relayerr.NewInvalidState(r.roomID, peerID, "HandleAnswer", err)
	}
	return nil
}

// AddICECandidate forwards a trickle ICE candidate to peerID's PeerConnection.
func (r *Room) AddICECandidate(peerID string, candidate webrtc.ICECandidateInit) error {
	sub, ok := r.get(peerID)
	if !ok {
		return relayerr.NewNotFound(r.roomID, peerID, "AddICECandidate")
	}
	if err := sub.conn.AddICECandidate(candidate); err != nil {
		return relayerr.NewConnection(r.roomID, peerID, "AddICECandidate", err)
	}
	return nil
}

// RemoveSubscriber closes peerID's PeerConnection and fires onSubscriberLeft.
func (r *Room) RemoveSubscriber(peerID string) {
	r.mu.Lock()
	sub, ok := r.subscribers[peerID]
	if ok {
		delete(r.subscribers, peerID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	sub.cancel()
	sub.conn.Close()
	r.stats.Remove(peerID)

	done := make(chan struct{})
	go func() {
		sub.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(subscriberCloseTimeout):
		log.Printf("[RelayRoom] warning: subscriber %s goroutines did not finish within timeout", peerID)
	}

	log.Printf("[RelayRoom] subscriber %s removed", peerID)
	if r.onSubscriberLeft != nil {
		r.onSubscriberLeft(peerID)
	}
}

func (r *Room) get(peerID string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscribers[peerID]
	return s, ok
}

// SubscriberCount returns the number of currently tracked subscribers.
func (r *Room) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// SubscriberIDs returns the peer-ids of all currently tracked subscribers.
func (r *Room) SubscriberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	return ids
}

// SubscriberState returns a subscriber's lifecycle state.
func (r *Room) SubscriberState(peerID string) (SubscriberState, bool) {
	sub, ok := r.get(peerID)
	if !ok {
		return 0, false
	}
	return sub.State(), true
}

// Close tears down every subscriber's PeerConnection.
func (r *Room) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.RemoveSubscriber(id)
	}
}
