// Package constants holds small fixed values shared across the core packages,
// mirroring the teacher's flat constants package instead of scattering magic
// numbers through each component.
package constants

import "time"

const (
	// RTPPacketBufferBytes is the small buffer-pool size class, used by the
	// subscriber RTCP drain.
	RTPPacketBufferBytes = 1500

	// LargeBufferBytes is the second buffer-pool size class, sized for the
	// largest SRTP/DTLS datagram pion's transport will hand back.
	LargeBufferBytes = 65535

	// VideoFrameIntervalTS is one frame interval at 90kHz (30fps-ish RTP
	// clock step) used by the switcher when re-deriving timestamp offsets.
	VideoFrameIntervalTS = 3000

	// AudioFrameIntervalTS is one 20ms Opus frame interval at 48kHz.
	AudioFrameIntervalTS = 960

	// VideoClockRate and AudioClockRate are the RTP clock rates assumed for
	// the outbound video/audio tracks.
	VideoClockRate = 90000
	AudioClockRate = 48000

	// PLIThrottleInterval bounds how often a PLI observed from a subscriber
	// is forwarded upstream as a keyframe request.
	PLIThrottleInterval = time.Second

	// WSBroadcastBufferSize sizes the signaling adapter's outbound channel.
	WSBroadcastBufferSize = 256
)

// Error codes surfaced in signaling ERROR payloads and HTTP responses.
const (
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeUnknownMessage  = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeAuthFailed      = "AUTH_FAILED"
	ErrCodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
)
