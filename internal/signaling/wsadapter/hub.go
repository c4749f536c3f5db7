// Package wsadapter is the reference Signaling transport: a gorilla/websocket
// hub that relays join/leave/ping/pong/relayClaim/relayChanged/offer/answer/
// candidate/screenShare messages between the peers of one room (spec §4.1,
// §6). The Hub itself implements signaling.Signaling for the local
// Coordinator embedded in the same process; remote peers connect in over
// WebSocket and are relayed through the same broadcast/targeted-send path.
package wsadapter

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"lanrelay/internal/constants"
	"lanrelay/internal/signaling"
)

// maxDroppedMessagesBeforeDisconnect bounds how far a slow remote peer can
// fall behind before the Hub gives up on it.
const maxDroppedMessagesBeforeDisconnect = 100

// hubClient is one connected remote peer's outbound message queue.
type hubClient struct {
	peerID string
	send   chan []byte

	dropped atomic.Int64
	closed  atomic.Bool

	closeFn func()
}

// Hub relays signaling messages for one room and is the local Coordinator's
// Signaling implementation (spec §4.1).
type Hub struct {
	roomID      string
	localPeerID string

	mu      sync.RWMutex
	clients map[string]*hubClient

	handlerMu sync.RWMutex
	handler   func(signaling.Message)

	register   chan *hubClient
	unregister chan *hubClient
	inbound    chan signaling.Message
	outbound   chan outboundMsg
	shutdown   chan struct{}
	wg         sync.WaitGroup
}

type outboundMsg struct {
	target string // empty means broadcast to every connected remote peer
	raw    []byte
}

// NewHub creates a Hub for roomID, where localPeerID identifies the
// in-process Coordinator that owns this Hub (it never appears in the
// clients map — it is the Subscribe()r, not a WebSocket connection).
func NewHub(roomID, localPeerID string) *Hub {
	h := &Hub{
		roomID:      roomID,
		localPeerID: localPeerID,
		clients:     make(map[string]*hubClient),
		register:    make(chan *hubClient),
		unregister:  make(chan *hubClient),
		inbound:     make(chan signaling.Message, constants.WSBroadcastBufferSize),
		outbound:    make(chan outboundMsg, constants.WSBroadcastBufferSize),
		shutdown:    make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for _, c := range h.clients {
				c.close()
			}
			h.clients = make(map[string]*hubClient)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.peerID] = c
			h.mu.Unlock()
			h.dispatch(signaling.Message{Type: signaling.TypePeerConnected, RoomID: h.roomID, PeerID: c.peerID})

		case c := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[c.peerID]; ok && existing == c {
				delete(h.clients, c.peerID)
			}
			h.mu.Unlock()
			h.dispatch(signaling.Message{Type: signaling.TypePeerDisconnected, RoomID: h.roomID, PeerID: c.peerID})

		case msg := <-h.inbound:
			h.dispatch(msg)

		case out := <-h.outbound:
			if out.target == "" {
				h.broadcastRaw(out.raw)
			} else {
				h.sendToRaw(out.target, out.raw)
			}
		}
	}
}

func (h *Hub) dispatch(msg signaling.Message) {
	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (h *Hub) broadcastRaw(raw []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		h.sendLocked(c, raw)
	}
}

func (h *Hub) sendToRaw(target string, raw []byte) {
	h.mu.RLock()
	c, ok := h.clients[target]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.sendLocked(c, raw)
}

// sendLocked enqueues raw on c.send, tracking and acting on drops the way
// the teacher's Hub does for slow clients.
func (h *Hub) sendLocked(c *hubClient, raw []byte) {
	select {
	case c.send <- raw:
	default:
		dropped := c.dropped.Add(1)
		if dropped%10 == 1 {
			log.Printf("[wsadapter] dropped %d messages for slow peer %s", dropped, c.peerID)
		}
		if dropped >= maxDroppedMessagesBeforeDisconnect {
			log.Printf("[wsadapter] disconnecting slow peer %s: dropped %d messages", c.peerID, dropped)
			c.close()
		}
	}
}

func (c *hubClient) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.send)
		if c.closeFn != nil {
			c.closeFn()
		}
	}
}

// Shutdown closes every connected client and stops the run loop.
func (h *Hub) Shutdown() {
	close(h.shutdown)
	h.wg.Wait()
}

// deliverInbound is called by a connected hubClient's read pump for every
// decoded wire message.
func (h *Hub) deliverInbound(msg signaling.Message) {
	select {
	case h.inbound <- msg:
	default:
		log.Printf("[wsadapter] inbound buffer full, dropping message from %s", msg.PeerID)
	}
}

func (h *Hub) enqueueOutbound(target string, msg signaling.Message) error {
	raw, err := signaling.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case h.outbound <- outboundMsg{target: target, raw: raw}:
		return nil
	case <-h.shutdown:
		return nil
	}
}

// --- signaling.Signaling implementation ---

func (h *Hub) Join(room, peer string) error {
	return nil
}

func (h *Hub) Leave(room string) error {
	return nil
}

func (h *Hub) Ping(target string) error {
	return h.enqueueOutbound(target, signaling.Message{Type: signaling.TypePing, RoomID: h.roomID, PeerID: h.localPeerID, TargetPeerID: target})
}

func (h *Hub) Pong(target string) error {
	return h.enqueueOutbound(target, signaling.Message{Type: signaling.TypePong, RoomID: h.roomID, PeerID: h.localPeerID, TargetPeerID: target})
}

func (h *Hub) RelayClaim(epoch uint64, score float64) error {
	return h.enqueueOutbound("", signaling.Message{Type: signaling.TypeRelayClaim, RoomID: h.roomID, PeerID: h.localPeerID, Epoch: epoch, Score: score})
}

func (h *Hub) RelayChanged(relayID string, epoch uint64, score float64) error {
	return h.enqueueOutbound("", signaling.Message{Type: signaling.TypeRelayChanged, RoomID: h.roomID, PeerID: h.localPeerID, RelayID: relayID, Epoch: epoch, Score: score})
}

func (h *Hub) Offer(target, sdp string) error {
	return h.enqueueOutbound(target, signaling.Message{Type: signaling.TypeOffer, RoomID: h.roomID, PeerID: h.localPeerID, TargetPeerID: target, SDP: sdp})
}

func (h *Hub) Answer(target, sdp string) error {
	return h.enqueueOutbound(target, signaling.Message{Type: signaling.TypeAnswer, RoomID: h.roomID, PeerID: h.localPeerID, TargetPeerID: target, SDP: sdp})
}

func (h *Hub) Candidate(target string, candidate json.RawMessage) error {
	return h.enqueueOutbound(target, signaling.Message{Type: signaling.TypeCandidate, RoomID: h.roomID, PeerID: h.localPeerID, TargetPeerID: target, Candidate: candidate})
}

func (h *Hub) ScreenShare(isSharing bool) error {
	return h.enqueueOutbound("", signaling.Message{Type: signaling.TypeScreenShare, RoomID: h.roomID, PeerID: h.localPeerID, IsSharing: isSharing})
}

func (h *Hub) Subscribe(handler func(signaling.Message)) func() {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
	return func() {
		h.handlerMu.Lock()
		h.handler = nil
		h.handlerMu.Unlock()
	}
}

// PeerCount returns the number of currently connected remote peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
