package wsadapter

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"lanrelay/internal/signaling"
)

var inboundValidator = validator.New()

// targetedPayload and sdpPayload mirror just the fields each signaling.Type
// requires, so validator.Struct can enforce "required" the way the
// teacher's decodeAndValidate enforces JSON request bodies.
type targetedPayload struct {
	TargetPeerID string `validate:"required"`
}

type sdpPayload struct {
	TargetPeerID string `validate:"required"`
	SDP          string `validate:"required"`
}

type candidatePayload struct {
	TargetPeerID string          `validate:"required"`
	Candidate    json.RawMessage `validate:"required"`
}

// Score is a weighted election score in 0..100 (election.Candidate.Score),
// not a 0..1 ratio.
type relayClaimPayload struct {
	Score float64 `validate:"gte=0,lte=100"`
}

// validateInbound rejects a decoded Message whose Type-specific fields are
// missing or out of range, before it ever reaches the Coordinator (spec §7:
// "corrupt signaling payloads are logged and dropped — never fatal").
func validateInbound(msg signaling.Message) error {
	switch msg.Type {
	case signaling.TypePing, signaling.TypePong:
		return inboundValidator.Struct(targetedPayload{TargetPeerID: msg.TargetPeerID})
	case signaling.TypeOffer, signaling.TypeAnswer:
		return inboundValidator.Struct(sdpPayload{TargetPeerID: msg.TargetPeerID, SDP: msg.SDP})
	case signaling.TypeCandidate:
		return inboundValidator.Struct(candidatePayload{TargetPeerID: msg.TargetPeerID, Candidate: msg.Candidate})
	case signaling.TypeRelayClaim, signaling.TypeRelayChanged:
		return inboundValidator.Struct(relayClaimPayload{Score: msg.Score})
	default:
		return nil
	}
}

func formatValidationError(err error) string {
	return fmt.Sprintf("signaling message failed validation: %v", err)
}
