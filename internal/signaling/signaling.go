// Package signaling defines the abstract reliable-broadcast contract the
// core consumes (spec §4.1) and the tagged-variant decode for its JSON wire
// shape (spec §6, Design Notes "dynamic message typing").
//
// The core never branches on raw type strings past Decode: every recognised
// message becomes one case of Message, with an Error case as the fallback
// for anything unrecognised.
package signaling

import (
	"encoding/json"
	"fmt"

	"lanrelay/internal/constants"
)

// Type is the wire-level message type tag (spec §6).
type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypePing         Type = "ping"
	TypePong         Type = "pong"
	TypeRelayClaim   Type = "relayClaim"
	TypeRelayChanged Type = "relayChanged"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeCandidate    Type = "candidate"
	TypeScreenShare  Type = "screenShare"
	TypeError        Type = "error"

	// Synthetic types, never sent over the wire — the transport adapter
	// synthesises these from connect/disconnect events (spec §4.1).
	TypePeerConnected    Type = "peerConnected"
	TypePeerDisconnected Type = "peerDisconnected"
)

// envelope is the raw wire shape: {type, roomId, peerId, targetPeerId?, ...payload}.
type envelope struct {
	Type         Type            `json:"type"`
	RoomID       string          `json:"roomId"`
	PeerID       string          `json:"peerId"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	Epoch        uint64          `json:"epoch,omitempty"`
	Score        float64         `json:"score,omitempty"`
	RelayID      string          `json:"relayId,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	IsSharing    *bool           `json:"isSharing,omitempty"`
}

// Message is the tagged variant every inbound signaling payload decodes
// into. Only the fields relevant to Type are populated; callers switch on
// Type rather than testing fields for zero values.
type Message struct {
	Type         Type
	RoomID       string
	PeerID       string
	TargetPeerID string

	Epoch   uint64
	Score   float64
	RelayID string

	SDP string

	Candidate json.RawMessage

	IsSharing bool

	// ErrorCode is populated only when Type == TypeError.
	ErrorCode string
}

// Decode parses a raw wire message into its tagged variant. Unknown types
// produce a TypeError message with ErrCodeUnknownMessage rather than an
// error return, matching spec §6 ("Unknown types deliver as error and are
// ignored") and §7 ("Corrupt signaling payloads are logged and dropped —
// never fatal").
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{Type: TypeError, ErrorCode: constants.ErrCodeInvalidRequest}, fmt.Errorf("signaling: decode: %w", err)
	}

	msg := Message{
		Type:         env.Type,
		RoomID:       env.RoomID,
		PeerID:       env.PeerID,
		TargetPeerID: env.TargetPeerID,
		Epoch:        env.Epoch,
		Score:        env.Score,
		RelayID:      env.RelayID,
		SDP:          env.SDP,
		Candidate:    env.Candidate,
	}
	if env.IsSharing != nil {
		msg.IsSharing = *env.IsSharing
	}

	switch env.Type {
	case TypeJoin, TypeLeave, TypePing, TypePong, TypeRelayClaim, TypeRelayChanged,
		TypeOffer, TypeAnswer, TypeCandidate, TypeScreenShare:
		return msg, nil
	default:
		msg.Type = TypeError
		msg.ErrorCode = constants.ErrCodeUnknownMessage
		return msg, nil
	}
}

// Encode serialises a Message back into its wire envelope.
func Encode(msg Message) ([]byte, error) {
	env := envelope{
		Type:         msg.Type,
		RoomID:       msg.RoomID,
		PeerID:       msg.PeerID,
		TargetPeerID: msg.TargetPeerID,
		Epoch:        msg.Epoch,
		Score:        msg.Score,
		RelayID:      msg.RelayID,
		SDP:          msg.SDP,
		Candidate:    msg.Candidate,
	}
	if msg.Type == TypeScreenShare {
		v := msg.IsSharing
		env.IsSharing = &v
	}
	return json.Marshal(env)
}

// Signaling is the abstract reliable-broadcast transport the core consumes
// (spec §4.1). Implementations (e.g. wsadapter) must preserve sender
// identity and tolerate duplication, but need not preserve cross-peer
// ordering.
type Signaling interface {
	// Join announces the local peer to the room.
	Join(room, peer string) error
	// Leave announces the local peer's departure.
	Leave(room string) error
	// Ping requests a pong from target.
	Ping(target string) error
	// Pong replies to a ping from target.
	Pong(target string) error
	// RelayClaim broadcasts a bid to become Relay at epoch with score.
	RelayClaim(epoch uint64, score float64) error
	// RelayChanged broadcasts the currently adopted Relay identity/epoch/score.
	RelayChanged(relayID string, epoch uint64, score float64) error
	// Offer sends an SDP offer to target.
	Offer(target, sdp string) error
	// Answer sends an SDP answer to target.
	Answer(target, sdp string) error
	// Candidate sends a trickle ICE candidate to target.
	Candidate(target string, candidate json.RawMessage) error
	// ScreenShare announces a local screen-share start/stop.
	ScreenShare(isSharing bool) error

	// Subscribe registers a handler for inbound messages, including the
	// synthetic peerConnected/peerDisconnected events (spec §4.1). It
	// returns an unsubscribe function.
	Subscribe(handler func(Message)) (unsubscribe func())
}
