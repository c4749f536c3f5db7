// Package switcher implements the Source Switcher: a single outbound
// video/audio track pair fed by two logical input channels (SFU and Local),
// with RTP sequence/timestamp rewriting that keeps the outbound stream
// monotonic across source and codec changes (spec §4.6).
package switcher

import (
	"log"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"lanrelay/internal/constants"
)

// Source identifies which logical input is currently live.
type Source int

const (
	SourceSFU Source = iota
	SourceLocal
)

func (s Source) String() string {
	if s == SourceLocal {
		return "local"
	}
	return "sfu"
}

// Kind distinguishes the two media kinds the switcher rewrites independently.
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

func frameInterval(k Kind) uint32 {
	if k == KindAudio {
		return constants.AudioFrameIntervalTS
	}
	return constants.VideoFrameIntervalTS
}

func clockRate(k Kind) uint32 {
	if k == KindAudio {
		return constants.AudioClockRate
	}
	return constants.VideoClockRate
}

// rewriteState is the per-kind RTP continuity state (spec §3 "Switcher State").
type rewriteState struct {
	snOffset      uint16
	tsOffset      uint32
	lastOutputSN  uint16
	lastOutputTS  uint32
	synced        bool
	resetPending  bool
	lastErrLogged time.Time
}

// OutboundTrack is the narrow surface the switcher needs from a
// webrtc.TrackLocalStaticRTP; kept as an interface so tests can substitute a
// recorder without standing up real PeerConnections.
type OutboundTrack interface {
	WriteRTP(p *rtp.Packet) error
}

// Switcher owns one outbound track per kind and rewrites every packet that
// passes through it so invariant I1 (strictly non-decreasing sn/ts) holds
// across arbitrary source and codec changes.
type Switcher struct {
	mu sync.RWMutex

	active Source
	sharer string

	videoTrack OutboundTrack
	audioTrack OutboundTrack
	videoCap   webrtc.RTPCodecCapability
	audioCap   webrtc.RTPCodecCapability

	video rewriteState
	audio rewriteState

	newLocalTrack func(kind Kind, cap webrtc.RTPCodecCapability) (OutboundTrack, error)

	onSourceChanged func(Source)
	onTrackChanged  func(video, audio OutboundTrack)
	onPacketSent    func(kind Kind, n int)

	videoPackets uint64
	audioPackets uint64
	dropped      uint64
}

// Config groups the constructor's dependencies.
type Config struct {
	NewLocalTrack   func(kind Kind, cap webrtc.RTPCodecCapability) (OutboundTrack, error)
	OnSourceChanged func(Source)
	OnTrackChanged  func(video, audio OutboundTrack)

	// OnPacketSent, if set, is called after every packet this Switcher
	// successfully writes to the shared outbound track for kind, with the
	// packet's wire size in bytes — the Relay Room uses it to attribute
	// per-subscriber sent counters (spec §4.7/§4.9 status reporting).
	OnPacketSent func(kind Kind, n int)
}

// New creates a Switcher with no outbound tracks yet; call SetVideoCodec and
// SetAudioCodec (or provide initial tracks via the Config) to mint them.
func New(cfg Config) *Switcher {
	return &Switcher{
		active:          SourceSFU,
		newLocalTrack:   cfg.NewLocalTrack,
		onSourceChanged: cfg.OnSourceChanged,
		onTrackChanged:  cfg.OnTrackChanged,
		onPacketSent:    cfg.OnPacketSent,
	}
}

// ActiveSource returns the currently live input.
func (s *Switcher) ActiveSource() Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// VideoTrack and AudioTrack return the current outbound track objects
// (spec I4: subscribers must always point at these after a renegotiation).
func (s *Switcher) VideoTrack() OutboundTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoTrack
}

func (s *Switcher) AudioTrack() OutboundTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioTrack
}

// StartLocalShare switches the active source to Local (spec §4.6).
func (s *Switcher) StartLocalShare(sharerID string) {
	s.mu.Lock()
	s.active = SourceLocal
	s.sharer = sharerID
	s.video.resetPending = true
	s.audio.resetPending = true
	cb := s.onSourceChanged
	s.mu.Unlock()

	log.Printf("[Switcher] active source -> local (sharer=%s)", sharerID)
	if cb != nil {
		cb(SourceLocal)
	}
}

// StopLocalShare switches the active source back to SFU.
func (s *Switcher) StopLocalShare() {
	s.mu.Lock()
	s.active = SourceSFU
	s.sharer = ""
	s.video.resetPending = true
	s.audio.resetPending = true
	cb := s.onSourceChanged
	s.mu.Unlock()

	log.Printf("[Switcher] active source -> sfu")
	if cb != nil {
		cb(SourceSFU)
	}
}

// SwitchToSource is an idempotent explicit override.
func (s *Switcher) SwitchToSource(src Source) {
	s.mu.Lock()
	if s.active == src {
		s.mu.Unlock()
		return
	}
	s.active = src
	s.video.resetPending = true
	s.audio.resetPending = true
	cb := s.onSourceChanged
	s.mu.Unlock()

	if cb != nil {
		cb(src)
	}
}

// CurrentSharer returns the local-share identity, if any.
func (s *Switcher) CurrentSharer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharer
}

// setCodec is shared by SetVideoCodec/SetAudioCodec.
func (s *Switcher) setCodec(kind Kind, cap webrtc.RTPCodecCapability) {
	s.mu.Lock()

	var curCap webrtc.RTPCodecCapability
	if kind == KindVideo {
		curCap = s.videoCap
	} else {
		curCap = s.audioCap
	}

	sameMime := curCap.MimeType != "" && curCap.MimeType == cap.MimeType

	if sameMime {
		if kind == KindVideo {
			s.video.resetPending = true
		} else {
			s.audio.resetPending = true
		}
		video, audio := s.videoTrack, s.audioTrack
		cb := s.onTrackChanged
		s.mu.Unlock()
		if cb != nil {
			cb(video, audio)
		}
		return
	}

	newTrackFn := s.newLocalTrack
	s.mu.Unlock()

	var newTrack OutboundTrack
	var err error
	if newTrackFn != nil {
		newTrack, err = newTrackFn(kind, cap)
		if err != nil {
			log.Printf("[Switcher] failed to create new %s track for codec %s: %v", kind, cap.MimeType, err)
			return
		}
	}

	s.mu.Lock()
	if kind == KindVideo {
		s.videoTrack = newTrack
		s.videoCap = cap
		s.video = rewriteState{}
	} else {
		s.audioTrack = newTrack
		s.audioCap = cap
		s.audio = rewriteState{}
	}
	video, audio := s.videoTrack, s.audioTrack
	cb := s.onTrackChanged
	s.mu.Unlock()

	log.Printf("[Switcher] %s codec changed to %s, new outbound track", kind, cap.MimeType)
	if cb != nil {
		cb(video, audio)
	}
}

// SetVideoCodec updates or replaces the video outbound track per the
// same-MIME/different-MIME rules of spec §4.6.
func (s *Switcher) SetVideoCodec(cap webrtc.RTPCodecCapability) { s.setCodec(KindVideo, cap) }

// SetAudioCodec updates or replaces the audio outbound track.
func (s *Switcher) SetAudioCodec(cap webrtc.RTPCodecCapability) { s.setCodec(KindAudio, cap) }

// Inject feeds one RTP packet from the given source/kind through the
// switcher. Packets from a non-active source are dropped (spec §4.6 write
// path). The packet's header is rewritten in place before WriteRTP.
func (s *Switcher) Inject(src Source, kind Kind, pkt *rtp.Packet) {
	s.mu.Lock()
	if src != s.active {
		s.dropped++
		s.mu.Unlock()
		return
	}

	var st *rewriteState
	var track OutboundTrack
	if kind == KindVideo {
		st = &s.video
		track = s.videoTrack
	} else {
		st = &s.audio
		track = s.audioTrack
	}

	if !st.synced {
		st.snOffset = 0
		st.tsOffset = 0
		st.synced = true
		st.resetPending = false
	} else if st.resetPending {
		st.snOffset = st.lastOutputSN + 1 - pkt.SequenceNumber
		st.tsOffset = st.lastOutputTS + frameInterval(kind) - pkt.Timestamp
		st.resetPending = false
	}

	outSN := pkt.SequenceNumber + st.snOffset
	outTS := pkt.Timestamp + st.tsOffset
	st.lastOutputSN = outSN
	st.lastOutputTS = outTS

	if kind == KindVideo {
		s.videoPackets++
	} else {
		s.audioPackets++
	}

	shouldLog := false
	if track == nil {
		shouldLog = time.Since(st.lastErrLogged) >= time.Second
		if shouldLog {
			st.lastErrLogged = time.Now()
		}
	}
	s.mu.Unlock()

	if track == nil {
		if shouldLog {
			log.Printf("[Switcher] no outbound %s track to write to", kind)
		}
		return
	}

	pkt.SequenceNumber = outSN
	pkt.Timestamp = outTS

	wireSize := pkt.MarshalSize()
	if err := track.WriteRTP(pkt); err != nil {
		s.mu.Lock()
		logIt := time.Since(st.lastErrLogged) >= time.Second
		if logIt {
			st.lastErrLogged = time.Now()
		}
		s.mu.Unlock()
		if logIt {
			log.Printf("[Switcher] WriteRTP failed for %s: %v", kind, err)
		}
		return
	}

	if s.onPacketSent != nil {
		s.onPacketSent(kind, wireSize)
	}
}

// Stats returns the packet counters for status reporting.
func (s *Switcher) Stats() (videoPackets, audioPackets, dropped uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.videoPackets, s.audioPackets, s.dropped
}
