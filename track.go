package camrelay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TrackState represents the state of a track.
type TrackState int32

const (
	TrackStateLive  TrackState = iota // Track is pulling frames
	TrackStateEnded                   // Track was released
)

func (s TrackState) String() string {
	switch s {
	case TrackStateLive:
		return "live"
	case TrackStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// TrackConfig configures a StreamTrack.
type TrackConfig struct {
	Width  int // Placeholder width (default: 640)
	Height int // Placeholder height (default: 480)

	// MaxStaleness is how long a track may go without a new frame before
	// Stale reports true (0 = never stale).
	MaxStaleness time.Duration
}

// TrackStats provides per-track delivery counters.
type TrackStats struct {
	Delivered uint64 // NextFrame calls
	New       uint64 // Calls that returned a frame not seen before
	Repeated  uint64 // Calls that repeated the previous frame
	LastSeq   uint64 // Sequence number of the last delivered frame
}

// StreamTrack is the per-session pull adapter between the shared
// LatestFrameBuffer and a session's encoder. It is driven by the caller's
// pacing and never blocks: it returns the newest frame when one arrived,
// repeats the previous frame otherwise and hands out a placeholder until
// the first frame was published. Delivered sequence numbers never regress.
type StreamTrack struct {
	id     string
	buf    *LatestFrameBuffer
	config TrackConfig

	mu          sync.Mutex
	last        *Frame
	lastSeq     uint64
	lastNewAt   time.Time
	placeholder *Frame
	stats       TrackStats

	state   atomic.Int32
	endedCb func()
	cbMu    sync.Mutex
}

// NewStreamTrack creates a track reading from buf.
func NewStreamTrack(buf *LatestFrameBuffer, config TrackConfig) *StreamTrack {
	if config.Width <= 0 {
		config.Width = 640
	}
	if config.Height <= 0 {
		config.Height = 480
	}
	t := &StreamTrack{
		id:        uuid.New().String(),
		buf:       buf,
		config:    config,
		lastNewAt: time.Now(),
	}
	t.state.Store(int32(TrackStateLive))
	return t
}

// ID returns the unique identifier for this track.
func (t *StreamTrack) ID() string { return t.id }

// State returns the current track state.
func (t *StreamTrack) State() TrackState { return TrackState(t.state.Load()) }

// NextFrame returns the frame to encode next.
func (t *StreamTrack) NextFrame() *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.Delivered++

	if f, ok := t.buf.TryRead(); ok && f.Seq > t.lastSeq {
		t.last = f
		t.lastSeq = f.Seq
		t.lastNewAt = time.Now()
		t.stats.New++
		t.stats.LastSeq = f.Seq
		return f
	}

	if t.last != nil {
		t.stats.Repeated++
		return t.last
	}

	if t.placeholder == nil {
		t.placeholder = NewPlaceholderFrame(t.config.Width, t.config.Height)
	}
	t.stats.Repeated++
	return t.placeholder
}

// LastSeq returns the sequence number of the last delivered real frame.
func (t *StreamTrack) LastSeq() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

// Stale reports whether no new frame was delivered for longer than
// MaxStaleness as of now.
func (t *StreamTrack) Stale(now time.Time) bool {
	if t.config.MaxStaleness <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return now.Sub(t.lastNewAt) > t.config.MaxStaleness
}

// Stats returns delivery counters.
func (t *StreamTrack) Stats() TrackStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// OnEnded sets a callback invoked once when the track is released.
func (t *StreamTrack) OnEnded(callback func()) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	t.endedCb = callback
}

// Release ends the track and drops its frame references. It is safe to
// call more than once and from any goroutine.
func (t *StreamTrack) Release() {
	if TrackState(t.state.Swap(int32(TrackStateEnded))) == TrackStateEnded {
		return
	}

	t.mu.Lock()
	t.last = nil
	t.placeholder = nil
	t.mu.Unlock()

	t.cbMu.Lock()
	cb := t.endedCb
	t.cbMu.Unlock()
	if cb != nil {
		cb()
	}
}

// Released reports whether Release was called.
func (t *StreamTrack) Released() bool {
	return t.State() == TrackStateEnded
}
