package camrelay

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"
	"github.com/pkg/errors"
)

// SourceState is the connection state of the capture pipeline.
type SourceState int32

const (
	SourceStateDisconnected SourceState = iota // Not connected, waiting to (re)connect
	SourceStateConnecting                      // Opening the pipeline
	SourceStateStreaming                       // Frames are flowing
	SourceStateFailed                          // Terminal: closed source or fatal config
	SourceStateStopped                         // Loop exited on shutdown
)

func (s SourceState) String() string {
	switch s {
	case SourceStateDisconnected:
		return "disconnected"
	case SourceStateConnecting:
		return "connecting"
	case SourceStateStreaming:
		return "streaming"
	case SourceStateFailed:
		return "failed"
	case SourceStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CaptureConfig configures reconnect behavior of a CaptureLoop.
type CaptureConfig struct {
	InitialBackoff time.Duration // First reconnect delay (default: 500ms)
	MaxBackoff     time.Duration // Reconnect delay cap (default: 10s)
	MaxAttempts    int           // Consecutive failed attempts before Failed (0 = unlimited)
	StopTimeout    time.Duration // How long Stop waits for the loop (default: 2s)
	LoggerFactory  logging.LoggerFactory
}

// DefaultCaptureConfig returns the default reconnect policy.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		StopTimeout:    2 * time.Second,
	}
}

// CaptureStats provides capture loop metrics.
type CaptureStats struct {
	State       SourceState
	Frames      uint64    // Frames published
	Reconnects  uint64    // Reconnects after a streaming pipeline failed
	OpenErrors  uint64    // Failed open attempts
	LastError   string    // Most recent capture error
	LastFrameAt time.Time // Publish time of the most recent frame
}

// CaptureLoop is the single producer feeding a LatestFrameBuffer. It owns
// the FrameSource, runs on one OS-thread-locked goroutine and reconnects
// with capped exponential backoff on transient failures.
type CaptureLoop struct {
	source FrameSource
	buf    *LatestFrameBuffer
	cfg    CaptureConfig
	log    logging.LeveledLogger

	state      atomic.Int32
	frames     atomic.Uint64
	reconnects atomic.Uint64
	openErrors atomic.Uint64
	lastFrame  atomic.Int64

	// seq is only touched by the loop goroutine.
	seq uint64

	mu            sync.Mutex
	lastErr       error
	onStateChange func(old, new SourceState)
	cancel        context.CancelFunc
	done          chan struct{}
	started       bool
}

// NewCaptureLoop creates a capture loop. Only one loop should feed a given
// buffer.
func NewCaptureLoop(source FrameSource, buf *LatestFrameBuffer, cfg CaptureConfig) *CaptureLoop {
	def := DefaultCaptureConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	l := &CaptureLoop{
		source: source,
		buf:    buf,
		cfg:    cfg,
		log:    newLogger(cfg.LoggerFactory, "capture"),
	}
	l.state.Store(int32(SourceStateDisconnected))
	return l
}

// Buffer returns the buffer this loop publishes into.
func (l *CaptureLoop) Buffer() *LatestFrameBuffer { return l.buf }

// State returns the current source state.
func (l *CaptureLoop) State() SourceState {
	return SourceState(l.state.Load())
}

// OnStateChange sets a callback invoked from the loop goroutine on every
// state transition. It must not block.
func (l *CaptureLoop) OnStateChange(fn func(old, new SourceState)) {
	l.mu.Lock()
	l.onStateChange = fn
	l.mu.Unlock()
}

// Stats returns capture statistics.
func (l *CaptureLoop) Stats() CaptureStats {
	s := CaptureStats{
		State:      l.State(),
		Frames:     l.frames.Load(),
		Reconnects: l.reconnects.Load(),
		OpenErrors: l.openErrors.Load(),
	}
	if ns := l.lastFrame.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	l.mu.Lock()
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	l.mu.Unlock()
	return s
}

// Start runs the loop on a dedicated goroutine until ctx is cancelled or
// Stop is called.
func (l *CaptureLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("capture loop already started")
	}
	l.started = true

	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		if err := l.Run(ctx); err != nil && ctx.Err() == nil {
			l.log.Errorf("capture loop terminated: %v", err)
		}
	}()
	return nil
}

// Stop cancels the loop and waits up to StopTimeout for it to exit. A
// ReadFrame call that ignores cancellation is abandoned rather than waited
// on.
func (l *CaptureLoop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(l.cfg.StopTimeout):
		l.log.Warnf("capture loop did not exit within %v, abandoning blocked read", l.cfg.StopTimeout)
		return errors.Errorf("capture loop stop timed out after %v", l.cfg.StopTimeout)
	}
}

// Run is the loop body. It returns nil when ctx is cancelled and an error
// when the source reaches the Failed state.
func (l *CaptureLoop) Run(ctx context.Context) error {
	// The capture pipeline blocks in native code; keep it off the threads
	// serving signaling and media pacing.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.InitialBackoff
	bo.MaxInterval = l.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil {
			l.setState(SourceStateStopped)
			return nil
		}

		l.setState(SourceStateConnecting)
		h, err := l.source.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(SourceStateStopped)
				return nil
			}
			l.recordErr(err)
			l.openErrors.Add(1)

			if IsConfigError(err) || IsClosed(err) {
				l.log.Errorf("capture source cannot be opened: %v", err)
				l.setState(SourceStateFailed)
				return errors.Wrap(err, "open capture source")
			}

			attempts++
			if l.cfg.MaxAttempts > 0 && attempts >= l.cfg.MaxAttempts {
				l.log.Errorf("giving up after %d failed attempts: %v", attempts, err)
				l.setState(SourceStateFailed)
				return errors.Wrapf(err, "open capture source: %d attempts", attempts)
			}

			l.setState(SourceStateDisconnected)
			delay := bo.NextBackOff()
			l.log.Warnf("open failed (attempt %d), retrying in %v: %v", attempts, delay, err)
			if !sleepCtx(ctx, delay) {
				l.setState(SourceStateStopped)
				return nil
			}
			continue
		}

		attempts = 0
		bo.Reset()
		l.setState(SourceStateStreaming)

		err = l.stream(ctx, h)
		if cerr := h.Close(); cerr != nil {
			l.log.Warnf("close capture handle: %v", cerr)
		}

		if ctx.Err() != nil {
			l.setState(SourceStateStopped)
			return nil
		}
		l.recordErr(err)

		if IsClosed(err) {
			l.log.Errorf("capture source closed, serving last frame: %v", err)
			l.setState(SourceStateFailed)
			return err
		}

		// Anything that is not a terminal close is retried.
		l.reconnects.Add(1)
		l.setState(SourceStateDisconnected)
		delay := bo.NextBackOff()
		l.log.Warnf("capture read failed, reconnecting in %v: %v", delay, err)
		if !sleepCtx(ctx, delay) {
			l.setState(SourceStateStopped)
			return nil
		}
	}
}

// stream reads frames until the handle fails.
func (l *CaptureLoop) stream(ctx context.Context, h CaptureHandle) error {
	for {
		f, err := h.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if f == nil {
			return Transient(nil, "empty read")
		}

		l.seq++
		f.Seq = l.seq
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}

		l.buf.Publish(f)
		l.frames.Add(1)
		l.lastFrame.Store(f.Timestamp.UnixNano())

		if l.seq == 1 {
			l.log.Infof("first frame captured: %dx%d %v", f.Width, f.Height, f.Format)
		}
	}
}

func (l *CaptureLoop) setState(s SourceState) {
	old := SourceState(l.state.Swap(int32(s)))
	if old == s {
		return
	}
	l.log.Debugf("capture state %v -> %v", old, s)

	l.mu.Lock()
	cb := l.onStateChange
	l.mu.Unlock()
	if cb != nil {
		cb(old, s)
	}
}

func (l *CaptureLoop) recordErr(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
