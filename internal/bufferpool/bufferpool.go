// Package bufferpool recycles fixed-size byte buffers for hot read loops;
// its one user is the Relay Room RTCP drain (spec §5 "Buffer pool").
package bufferpool

import (
	"sync"

	"lanrelay/internal/constants"
)

// Pool holds two size classes, matching the ~1500 byte (single RTP/RTCP
// packet) and ~65535 byte (largest SRTP/DTLS datagram) needs named in the
// spec. Callers must not retain a buffer after calling Put.
type Pool struct {
	small sync.Pool
	large sync.Pool
}

// New creates a Pool with both size classes pre-wired.
func New() *Pool {
	p := &Pool{}
	p.small.New = func() any {
		b := make([]byte, constants.RTPPacketBufferBytes)
		return &b
	}
	p.large.New = func() any {
		b := make([]byte, constants.LargeBufferBytes)
		return &b
	}
	return p
}

// GetSmall returns a buffer sized constants.RTPPacketBufferBytes.
func (p *Pool) GetSmall() *[]byte {
	return p.small.Get().(*[]byte)
}

// PutSmall returns a small buffer to the pool. The caller must not use buf
// after this call.
func (p *Pool) PutSmall(buf *[]byte) {
	if cap(*buf) != constants.RTPPacketBufferBytes {
		return
	}
	*buf = (*buf)[:constants.RTPPacketBufferBytes]
	p.small.Put(buf)
}

// GetLarge returns a buffer sized constants.LargeBufferBytes.
func (p *Pool) GetLarge() *[]byte {
	return p.large.Get().(*[]byte)
}

// PutLarge returns a large buffer to the pool. The caller must not use buf
// after this call.
func (p *Pool) PutLarge(buf *[]byte) {
	if cap(*buf) != constants.LargeBufferBytes {
		return
	}
	*buf = (*buf)[:constants.LargeBufferBytes]
	p.large.Put(buf)
}

// Get picks the smaller of the two size classes that fits n, or the large
// class if n exceeds the small one. It is a convenience wrapper over
// GetSmall/GetLarge for callers that just know a byte count.
func (p *Pool) Get(n int) *[]byte {
	if n <= constants.RTPPacketBufferBytes {
		return p.GetSmall()
	}
	return p.GetLarge()
}

// Put returns buf to whichever pool matches its capacity; buffers of any
// other size are simply dropped for the GC to collect.
func (p *Pool) Put(buf *[]byte) {
	switch cap(*buf) {
	case constants.RTPPacketBufferBytes:
		p.PutSmall(buf)
	case constants.LargeBufferBytes:
		p.PutLarge(buf)
	}
}
