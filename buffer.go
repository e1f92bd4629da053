package camrelay

import "sync/atomic"

// LatestFrameBuffer is a single-slot, overwrite-on-write frame holder that
// decouples the capture cadence from every consumer's cadence.
//
// Exactly one goroutine (the capture loop) may call Publish. Any number of
// goroutines may call TryRead concurrently. Neither side ever blocks: a
// publish replaces the stored frame whether or not it was read, so a slow
// reader sees only the newest frame and never a backlog.
type LatestFrameBuffer struct {
	latest    atomic.Pointer[Frame]
	published atomic.Uint64
}

// NewLatestFrameBuffer returns an empty buffer.
func NewLatestFrameBuffer() *LatestFrameBuffer {
	return &LatestFrameBuffer{}
}

// Publish replaces the stored frame. The frame must not be modified after
// it has been published.
func (b *LatestFrameBuffer) Publish(f *Frame) {
	if f == nil {
		return
	}
	b.latest.Store(f)
	b.published.Add(1)
}

// TryRead returns the most recent frame, or false if nothing was published
// yet. The returned frame is shared and read-only.
func (b *LatestFrameBuffer) TryRead() (*Frame, bool) {
	f := b.latest.Load()
	return f, f != nil
}

// Seq returns the sequence number of the stored frame, 0 if empty.
func (b *LatestFrameBuffer) Seq() uint64 {
	if f := b.latest.Load(); f != nil {
		return f.Seq
	}
	return 0
}

// Published returns the total number of Publish calls.
func (b *LatestFrameBuffer) Published() uint64 {
	return b.published.Load()
}
