// Package relayerr generalizes the teacher's PeerError into the error kinds
// named by spec §7: Closed, NotFound, Connection, InvalidState, Marshal, and
// Timeout, each carrying a room/peer label and an operation name.
package relayerr

import "errors"

// Kind categorizes a relay error for the caller's handling decision.
type Kind int

const (
	// KindClosed: the component is already shut down.
	KindClosed Kind = iota
	// KindNotFound: unknown peer/room/track.
	KindNotFound
	// KindConnection: transport or ICE failed.
	KindConnection
	// KindInvalidState: e.g. answer received outside have-local-offer.
	KindInvalidState
	// KindMarshal: malformed RTP or signaling payload.
	KindMarshal
	// KindTimeout: an operation exceeded its deadline.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindClosed:
		return "closed"
	case KindNotFound:
		return "not_found"
	case KindConnection:
		return "connection"
	case KindInvalidState:
		return "invalid_state"
	case KindMarshal:
		return "marshal"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a kind, an optional room/peer label,
// and the operation that failed, mirroring the teacher's PeerError shape.
type Error struct {
	Kind   Kind
	RoomID string
	PeerID string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	label := e.Op
	if e.PeerID != "" {
		label += " peer=" + e.PeerID
	}
	if e.RoomID != "" {
		label += " room=" + e.RoomID
	}
	if e.Err == nil {
		return label + ": " + e.Kind.String()
	}
	return label + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is comparisons against another *Error by Kind, the way
// callers typically want to branch ("is this a NotFound?") without caring
// about the room/peer label.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is comparisons where no peer/room context is
// available (e.g. pure-function election/switcher paths).
var (
	ErrClosed       = &Error{Kind: KindClosed, Op: "sentinel"}
	ErrNotFound     = &Error{Kind: KindNotFound, Op: "sentinel"}
	ErrConnection   = &Error{Kind: KindConnection, Op: "sentinel"}
	ErrInvalidState = &Error{Kind: KindInvalidState, Op: "sentinel"}
	ErrMarshal      = &Error{Kind: KindMarshal, Op: "sentinel"}
	ErrTimeout      = &Error{Kind: KindTimeout, Op: "sentinel"}
)

func newErr(kind Kind, roomID, peerID, op string, err error) *Error {
	return &Error{Kind: kind, RoomID: roomID, PeerID: peerID, Op: op, Err: err}
}

// NewClosed builds a KindClosed error.
func NewClosed(roomID, peerID, op string) *Error {
	return newErr(KindClosed, roomID, peerID, op, errors.New("component closed"))
}

// NewNotFound builds a KindNotFound error.
func NewNotFound(roomID, peerID, op string) *Error {
	return newErr(KindNotFound, roomID, peerID, op, errors.New("not found"))
}

// NewConnection builds a KindConnection error wrapping the transport cause.
func NewConnection(roomID, peerID, op string, cause error) *Error {
	return newErr(KindConnection, roomID, peerID, op, cause)
}

// NewInvalidState builds a KindInvalidState error.
func NewInvalidState(roomID, peerID, op string, cause error) *Error {
	return newErr(KindInvalidState, roomID, peerID, op, cause)
}

// NewMarshal builds a KindMarshal error wrapping the (de)serialization cause.
func NewMarshal(roomID, peerID, op string, cause error) *Error {
	return newErr(KindMarshal, roomID, peerID, op, cause)
}

// NewTimeout builds a KindTimeout error.
func NewTimeout(roomID, peerID, op string) *Error {
	return newErr(KindTimeout, roomID, peerID, op, errors.New("timed out"))
}
