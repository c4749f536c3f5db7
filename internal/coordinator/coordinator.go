// Package coordinator wires Keepalive, Election, Failover, the Source
// Switcher, the Relay Room, and the LiveKit Bridge into the single
// long-lived object a host process owns per room (spec §4.9).
//
// The Coordinator owns the Signaling subscription and is the only component
// that holds references to every other component; every other component is
// wired through narrow, value-typed callbacks so none of them can call back
// into the Coordinator directly (spec §9 "Cyclic ownership").
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"lanrelay/internal/botauth"
	"lanrelay/internal/bridge"
	"lanrelay/internal/election"
	"lanrelay/internal/failover"
	"lanrelay/internal/keepalive"
	"lanrelay/internal/peer"
	"lanrelay/internal/probe"
	"lanrelay/internal/relayerr"
	"lanrelay/internal/relayroom"
	"lanrelay/internal/signaling"
	"lanrelay/internal/switcher"
)

// EventType categorizes the uniform event stream the Coordinator emits so
// the UI layer can be a pure consumer (spec §4.9).
type EventType int

const (
	EventRelayChanged EventType = iota
	EventBecomeRelay
	EventRelayFailed
	EventPeerJoined
	EventPeerLeft
)

func (e EventType) String() string {
	switch e {
	case EventBecomeRelay:
		return "become_relay"
	case EventRelayFailed:
		return "relay_failed"
	case EventPeerJoined:
		return "peer_joined"
	case EventPeerLeft:
		return "peer_left"
	default:
		return "relay_changed"
	}
}

// Event is one entry in the Coordinator's event stream.
type Event struct {
	Type    EventType
	RoomID  string
	PeerID  string
	RelayID string
	Epoch   uint64
	Score   float64
}

// PeerStatus summarizes one known peer for GetStatus.
type PeerStatus struct {
	PeerID         string
	Score          float64
	Classification keepalive.Classification

	// SentBytes/SentPackets/LastActivity are only populated once the peer
	// holds a Subscriber Session against this node's Relay Room (zero
	// otherwise).
	SentBytes    uint64
	SentPackets  uint64
	LastActivity time.Time
}

// Status is the GetStatus snapshot.
type Status struct {
	RoomID         string
	LocalPeerID    string
	IsRelay        bool
	CurrentRelay   string
	CurrentEpoch   uint64
	FailoverState  failover.State
	ActiveSource   switcher.Source
	Peers          []PeerStatus
	SubscriberCount int
}

// Config groups every dependency and tunable the Coordinator needs. Fields
// left zero fall back to each component's own DefaultConfig.
type Config struct {
	Keepalive        keepalive.Config
	Failover         failover.Config
	ElectionInterval time.Duration // default 5s, spec §6

	Signaling signaling.Signaling

	WebRTCAPI    *webrtc.API
	WebRTCConfig webrtc.Configuration
	NewLocalTrack func(kind switcher.Kind, cap webrtc.RTPCodecCapability) (switcher.OutboundTrack, error)

	// SFU connection the Bridge uses once this node becomes Relay. Either
	// may be left unset for a deployment that never relays upstream media
	// (e.g. local-share-only rooms).
	SFUURL    string
	BotIssuer *botauth.Issuer

	// LocalStatsSource, if set, feeds the Probe that updates this node's own
	// Election quality metrics. Left nil, the node elects purely on
	// device/link/power class.
	LocalStatsSource probe.StatsSource
}

const defaultElectionInterval = 5 * time.Second

// Coordinator is the per-room glue state machine.
type Coordinator struct {
	cfg         Config
	roomID      string
	localPeerID string

	sig         signaling.Signaling
	unsubscribe func()

	keepalive *keepalive.Keepalive
	elector   *election.Elector
	failover  *failover.Manager
	probe     *probe.Probe
	switcher  *switcher.Switcher

	mu           sync.Mutex
	peers        map[string]*peer.Peer
	localDevice  peer.DeviceClass
	localLink    peer.LinkClass
	localPower   peer.PowerState
	localQuality election.Quality

	isRelay        bool
	currentRelayID string
	currentEpoch   uint64

	room   *relayroom.Room
	bridge *bridge.Bridge

	onEvent func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Coordinator for one room. Start must be called to begin
// Keepalive/Election and the Signaling subscription.
func New(roomID, localPeerID string, cfg Config) *Coordinator {
	if cfg.ElectionInterval <= 0 {
		cfg.ElectionInterval = defaultElectionInterval
	}
	if cfg.Keepalive == (keepalive.Config{}) {
		cfg.Keepalive = keepalive.DefaultConfig()
	}
	if cfg.Failover == (failover.Config{}) {
		cfg.Failover = failover.DefaultConfig()
	}
	if cfg.WebRTCAPI == nil {
		cfg.WebRTCAPI = webrtc.NewAPI()
	}

	c := &Coordinator{
		cfg:         cfg,
		roomID:      roomID,
		localPeerID: localPeerID,
		sig:         cfg.Signaling,
		peers:       make(map[string]*peer.Peer),
		elector:     election.NewElector(),
	}

	c.switcher = switcher.New(switcher.Config{
		NewLocalTrack:   cfg.NewLocalTrack,
		OnSourceChanged: c.handleSourceChanged,
		OnTrackChanged:  c.handleTrackChanged,
		OnPacketSent:    c.handlePacketSent,
	})

	c.keepalive = keepalive.New(cfg.Keepalive, c.sendPing, c.handleOffline, c.handleSlow)

	c.failover = failover.New(cfg.Failover, roomID, localPeerID, failover.Callbacks{
		LocalScore:     c.localScore,
		Elect:          c.elector.Elect,
		BroadcastClaim: c.broadcastClaim,
		OnBecomeRelay:  c.becomeRelay,
		OnConflict:     c.handleConflict,
		OnYield:        c.handleYield,
	})

	if cfg.LocalStatsSource != nil {
		c.probe = probe.New(probe.DefaultConfig(), cfg.LocalStatsSource, c.handleSample)
	}

	return c
}

// SetOnEvent registers the event stream consumer. Not safe to call
// concurrently with Start.
func (c *Coordinator) SetOnEvent(cb func(Event)) {
	c.onEvent = cb
}

func (c *Coordinator) emit(ev Event) {
	ev.RoomID = c.roomID
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// Start registers the local peer as a candidate, starts Keepalive and the
// Probe, and subscribes to Signaling (spec §4.9).
func (c *Coordinator) Start(ctx context.Context) error {
	if c.sig == nil {
		return errors.New("coordinator: no Signaling configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel

	c.mu.Lock()
	c.elector.UpdateCandidate(election.Candidate{
		PeerID: c.localPeerID,
		Device: c.localDevice,
		Link:   c.localLink,
		Power:  c.localPower,
	})
	c.mu.Unlock()

	c.keepalive.Start(ctx)
	if c.probe != nil {
		c.probe.Start(ctx)
	}

	unsub := c.sig.Subscribe(c.handleSignal)
	c.unsubscribe = unsub

	if err := c.sig.Join(c.roomID, c.localPeerID); err != nil {
		log.Printf("[Coordinator] join failed: %v", err)
	}

	log.Printf("[Coordinator] started room=%s peer=%s", c.roomID, c.localPeerID)
	return nil
}

// Stop performs the orderly shutdown named in spec §4.9: Bridge disconnect
// (bounded), component loops stopped, Relay Room and Switcher closed.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}

	c.keepalive.Stop()
	if c.probe != nil {
		c.probe.Stop()
	}
	c.failover.Stop()

	c.mu.Lock()
	room := c.room
	br := c.bridge
	c.mu.Unlock()

	if br != nil {
		done := make(chan struct{})
		go func() {
			br.Disconnect()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			log.Printf("[Coordinator] bridge disconnect exceeded 2s bound")
		}
	}
	if room != nil {
		room.Close()
	}

	_ = c.sig.Leave(c.roomID)
	log.Printf("[Coordinator] stopped room=%s peer=%s", c.roomID, c.localPeerID)
}

// Close is an alias for Stop, matching the spec's library surface naming.
func (c *Coordinator) Close() { c.Stop() }

// AddPeer registers a newly seen peer as an election candidate and starts
// watching it for keepalive.
func (c *Coordinator) AddPeer(peerID string, device peer.DeviceClass, link peer.LinkClass, power peer.PowerState) {
	c.mu.Lock()
	c.peers[peerID] = peer.New(peerID, device, link, power)
	c.mu.Unlock()

	c.elector.UpdateCandidate(election.Candidate{PeerID: peerID, Device: device, Link: link, Power: power})
	c.keepalive.Watch(peerID)

	c.emit(Event{Type: EventPeerJoined, PeerID: peerID})
}

// RemovePeer drops a peer from every component's candidate/watch set.
func (c *Coordinator) RemovePeer(peerID string) {
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()

	c.elector.RemoveCandidate(peerID)
	c.keepalive.Unwatch(peerID)

	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room != nil {
		room.RemoveSubscriber(peerID)
	}

	c.emit(Event{Type: EventPeerLeft, PeerID: peerID})
}

// HandlePong records a pong from peerID and resets the failover offline
// counter (spec §4.9).
func (c *Coordinator) HandlePong(peerID string) {
	c.keepalive.HandlePong(peerID)
	c.failover.ResetOfflineCount()
}

// SetCurrentRelay adopts relayID as the known Relay without going through an
// election, e.g. on initial room join before any local election has run.
func (c *Coordinator) SetCurrentRelay(relayID string, epoch uint64) {
	c.mu.Lock()
	c.currentRelayID = relayID
	c.currentEpoch = epoch
	c.isRelay = relayID == c.localPeerID
	c.mu.Unlock()

	c.failover.SetCurrentRelay(relayID, epoch)
}

// ReceiveRelayClaim forwards an observed relayClaim to Failover.
func (c *Coordinator) ReceiveRelayClaim(peerID string, epoch uint64, score float64) {
	c.failover.ReceiveRelayClaim(peerID, epoch, score)
}

// UpdateLocalDeviceInfo updates this node's own election attributes, e.g.
// after a device/link/power change is detected locally.
func (c *Coordinator) UpdateLocalDeviceInfo(device peer.DeviceClass, link peer.LinkClass, power peer.PowerState) {
	c.mu.Lock()
	c.localDevice, c.localLink, c.localPower = device, link, power
	quality := c.localQuality
	c.mu.Unlock()

	c.elector.UpdateCandidate(election.Candidate{
		PeerID: c.localPeerID, Device: device, Link: link, Power: power, Quality: quality,
	})
}

// InjectSFUPacket feeds a raw RTP packet received from the upstream SFU by a
// host not using the built-in Bridge (e.g. a host terminating the SFU
// connection itself) into the Switcher's SFU input.
func (c *Coordinator) InjectSFUPacket(kind switcher.Kind, raw []byte) error {
	return c.inject(switcher.SourceSFU, kind, raw)
}

// InjectLocalPacket feeds a raw RTP packet captured locally (screen share)
// into the Switcher's Local input.
func (c *Coordinator) InjectLocalPacket(kind switcher.Kind, raw []byte) error {
	return c.inject(switcher.SourceLocal, kind, raw)
}

func (c *Coordinator) inject(src switcher.Source, kind switcher.Kind, raw []byte) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(raw); err != nil {
		return relayerr.NewMarshal(c.roomID, "", "inject", err)
	}
	c.switcher.Inject(src, kind, pkt)
	return nil
}

// StartLocalShare switches the Switcher to the Local input, attributed to
// sharerID, and announces the change over Signaling.
func (c *Coordinator) StartLocalShare(sharerID string) {
	c.switcher.StartLocalShare(sharerID)
	_ = c.sig.ScreenShare(true)
}

// StopLocalShare reverts the Switcher to the SFU input.
func (c *Coordinator) StopLocalShare() {
	c.switcher.StopLocalShare()
	_ = c.sig.ScreenShare(false)
}

// GetStatus returns a point-in-time snapshot for UI/monitoring consumers.
func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]PeerStatus, 0, len(c.peers))
	for id := range c.peers {
		rec, _ := c.keepalive.Snapshot(id)
		cand := election.Candidate{PeerID: id}
		for _, cd := range c.elector.Snapshot() {
			if cd.PeerID == id {
				cand = cd
				break
			}
		}

		ps := PeerStatus{PeerID: id, Score: cand.Score(), Classification: rec.Classification}
		if c.room != nil {
			if snap, ok := c.room.SubscriberStats(id); ok {
				ps.SentBytes = snap.BytesSent
				ps.SentPackets = snap.PacketsSent
				ps.LastActivity = snap.LastActivity
			}
		}
		peers = append(peers, ps)
	}

	subCount := 0
	if c.room != nil {
		subCount = c.room.SubscriberCount()
	}

	return Status{
		RoomID:          c.roomID,
		LocalPeerID:     c.localPeerID,
		IsRelay:         c.isRelay,
		CurrentRelay:    c.currentRelayID,
		CurrentEpoch:    c.currentEpoch,
		FailoverState:   c.failover.State(),
		ActiveSource:    c.switcher.ActiveSource(),
		Peers:           peers,
		SubscriberCount: subCount,
	}
}

// --- Keepalive callbacks ---

func (c *Coordinator) sendPing(peerID string) {
	if err := c.sig.Ping(peerID); err != nil {
		log.Printf("[Coordinator] ping %s failed: %v", peerID, err)
	}
}

func (c *Coordinator) handleSlow(peerID string) {
	log.Printf("[Coordinator] peer %s classified slow", peerID)
}

func (c *Coordinator) handleOffline(peerID string) {
	c.mu.Lock()
	isCurrentRelay := c.currentRelayID == peerID
	c.mu.Unlock()

	if !isCurrentRelay {
		return
	}
	c.failover.HandlePeerOffline(c.ctx, peerID)
}

// --- Probe callback ---

func (c *Coordinator) handleSample(s probe.Sample) {
	q := election.Quality{
		LatencyMs:  float64(s.RTT.Milliseconds()),
		PacketLoss: s.PacketLoss,
		JitterMs:   s.JitterMs,
	}
	c.mu.Lock()
	c.localQuality = q
	c.mu.Unlock()
	c.elector.UpdateNetworkMetrics(c.localPeerID, q)
}

// --- Failover callbacks ---

func (c *Coordinator) localScore() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cand := election.Candidate{
		PeerID: c.localPeerID, Device: c.localDevice, Link: c.localLink, Power: c.localPower, Quality: c.localQuality,
	}
	return cand.Score()
}

func (c *Coordinator) broadcastClaim(epoch uint64, score float64) {
	if err := c.sig.RelayClaim(epoch, score); err != nil {
		log.Printf("[Coordinator] broadcast relayClaim failed: %v", err)
	}
}

func (c *Coordinator) becomeRelay(epoch uint64) {
	c.mu.Lock()
	c.isRelay = true
	c.currentRelayID = c.localPeerID
	c.currentEpoch = epoch
	room := c.room
	c.mu.Unlock()

	if room == nil {
		room = relayroom.New(relayroom.Config{
			RoomID:            c.roomID,
			API:               c.cfg.WebRTCAPI,
			WebRTCConfig:      c.cfg.WebRTCConfig,
			Switcher:          c.switcher,
			OnKeyframeRequest: c.requestUpstreamKeyframe,
			OnSubscriberLeft:  func(peerID string) {},
			OnNeedRenegotiate: c.handleNeedRenegotiate,
		})
		c.mu.Lock()
		c.room = room
		c.mu.Unlock()
	}

	score := c.localScore()
	c.broadcastClaim(epoch, score)
	if err := c.sig.RelayChanged(c.localPeerID, epoch, score); err != nil {
		log.Printf("[Coordinator] broadcast relayChanged failed: %v", err)
	}

	if c.cfg.SFUURL != "" && c.cfg.BotIssuer != nil {
		c.connectBridge()
	}

	c.emit(Event{Type: EventBecomeRelay, RelayID: c.localPeerID, Epoch: epoch, Score: score})
	c.emit(Event{Type: EventRelayChanged, RelayID: c.localPeerID, Epoch: epoch, Score: score})
}

func (c *Coordinator) connectBridge() {
	token, _, err := c.cfg.BotIssuer.Mint(c.roomID)
	if err != nil {
		log.Printf("[Coordinator] mint bot token failed: %v", err)
		return
	}

	client := bridge.NewLiveKitClient()
	br := bridge.New(bridge.Config{
		Client:   client,
		Switcher: c.switcher,
		OnError: func(err error) {
			log.Printf("[Coordinator] bridge error: %v", err)
			c.emit(Event{Type: EventRelayFailed, RelayID: c.localPeerID})
		},
	})

	c.mu.Lock()
	c.bridge = br
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := br.Connect(c.ctx, c.cfg.SFUURL, token); err != nil {
			log.Printf("[Coordinator] bridge connect failed: %v", err)
		}
	}()
}

func (c *Coordinator) handleConflict(newRelayID string, epoch uint64) {
	c.demoteFromRelay(newRelayID, epoch)
}

func (c *Coordinator) handleYield(newRelayID string, epoch uint64, score float64) {
	c.mu.Lock()
	c.currentRelayID = newRelayID
	c.currentEpoch = epoch
	c.isRelay = false
	c.mu.Unlock()

	c.emit(Event{Type: EventRelayChanged, RelayID: newRelayID, Epoch: epoch, Score: score})
}

func (c *Coordinator) demoteFromRelay(newRelayID string, epoch uint64) {
	c.mu.Lock()
	c.isRelay = false
	c.currentRelayID = newRelayID
	c.currentEpoch = epoch
	room := c.room
	br := c.bridge
	c.room = nil
	c.bridge = nil
	c.mu.Unlock()

	if br != nil {
		br.Disconnect()
	}
	if room != nil {
		room.Close()
	}

	c.emit(Event{Type: EventRelayChanged, RelayID: newRelayID, Epoch: epoch})
}

func (c *Coordinator) requestUpstreamKeyframe() {
	c.mu.Lock()
	br := c.bridge
	c.mu.Unlock()
	if br != nil {
		br.RequestKeyframe()
	}
}

// --- Switcher callbacks ---

func (c *Coordinator) handleSourceChanged(src switcher.Source) {
	log.Printf("[Coordinator] active source changed to %s", src)
}

func (c *Coordinator) handlePacketSent(kind switcher.Kind, n int) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room != nil {
		room.RecordOutboundPacket(kind, n)
	}
}

func (c *Coordinator) handleTrackChanged(video, audio switcher.OutboundTrack) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room != nil {
		room.UpdateTracks(video, audio)
	}
}

// --- Signaling dispatch ---

func (c *Coordinator) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypePing:
		_ = c.sig.Pong(msg.PeerID)
	case signaling.TypePong:
		c.HandlePong(msg.PeerID)
	case signaling.TypeRelayClaim:
		c.ReceiveRelayClaim(msg.PeerID, msg.Epoch, msg.Score)
	case signaling.TypeRelayChanged:
		c.mu.Lock()
		higher := msg.Epoch > c.currentEpoch
		c.mu.Unlock()
		if higher {
			c.SetCurrentRelay(msg.RelayID, msg.Epoch)
		}
	case signaling.TypeOffer:
		c.handleOfferFromSubscriber(msg.PeerID, msg.SDP)
	case signaling.TypeAnswer:
		c.handleAnswerFromSubscriber(msg.PeerID, msg.SDP)
	case signaling.TypeCandidate:
		c.handleCandidateFromSubscriber(msg.PeerID, msg.Candidate)
	case signaling.TypePeerConnected:
		c.AddPeer(msg.PeerID, peer.DeviceUnknown, peer.LinkUnknown, peer.PowerUnknown)
	case signaling.TypePeerDisconnected:
		c.RemovePeer(msg.PeerID)
	case signaling.TypeError:
		log.Printf("[Coordinator] signaling error payload: %s", msg.ErrorCode)
	}
}

func (c *Coordinator) handleOfferFromSubscriber(peerID, sdp string) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return
	}

	answer, err := room.AddSubscriber(peerID, sdp)
	if err != nil {
		log.Printf("[Coordinator] AddSubscriber %s failed: %v", peerID, err)
		return
	}
	if err := c.sig.Answer(peerID, answer); err != nil {
		log.Printf("[Coordinator] send answer to %s failed: %v", peerID, err)
	}
}

func (c *Coordinator) handleAnswerFromSubscriber(peerID, sdp string) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil {
		return
	}
	if err := room.HandleAnswer(peerID, sdp); err != nil {
		log.Printf("[Coordinator] HandleAnswer %s: %v", peerID, err)
	}
}

func (c *Coordinator) handleCandidateFromSubscriber(peerID string, raw []byte) {
	c.mu.Lock()
	room := c.room
	c.mu.Unlock()
	if room == nil || len(raw) == 0 {
		return
	}

	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &cand); err != nil {
		log.Printf("[Coordinator] malformed ICE candidate from %s: %v", peerID, err)
		return
	}
	if err := room.AddICECandidate(peerID, cand); err != nil {
		log.Printf("[Coordinator] AddICECandidate %s: %v", peerID, err)
	}
}

func (c *Coordinator) handleNeedRenegotiate(peerID string, offer webrtc.SessionDescription) {
	if err := c.sig.Offer(peerID, offer.SDP); err != nil {
		log.Printf("[Coordinator] send renegotiation offer to %s failed: %v", peerID, err)
	}
}
