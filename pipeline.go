package camrelay

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// PipelineState represents the state of a send pipeline.
type PipelineState int

const (
	PipelineStateIdle    PipelineState = iota // Not started
	PipelineStateRunning                      // Processing media
	PipelineStateStopped                      // Stopped
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RTPWriter is an interface for writing RTP packets.
// *webrtc.TrackLocalStaticRTP implements it.
type RTPWriter interface {
	WriteRTP(packet *rtp.Packet) error
}

// VideoSendPipeline handles: StreamTrack -> Encoder -> Packetizer -> RTPWriter.
// It owns the pacing of one session: every tick pulls the track's next
// frame, so the capture cadence never drives the encoder.
type VideoSendPipeline struct {
	track      *StreamTrack
	encoder    VideoEncoder
	packetizer RTPPacketizer
	writer     RTPWriter
	interval   time.Duration

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats   SendPipelineStats
	statsMu sync.Mutex

	keyframeRequested atomic.Bool
	onError           func(error)
	onStale           func()
	mu                sync.Mutex
}

// SendPipelineStats provides pipeline statistics.
type SendPipelineStats struct {
	FramesPulled   uint64 // Ticks that pulled a frame from the track
	FramesEncoded  uint64
	FramesDropped  uint64 // Encoder produced no output or failed
	PacketsSent    uint64
	BytesSent      uint64
	KeyframesSent  uint64
	EncodeTimeUs   uint64
	Errors         uint64
	LastSeq        uint64 // Source sequence of the last encoded frame
	PlaceholderOut uint64 // Encoded placeholder frames
}

// SendPipelineConfig configures a video send pipeline.
type SendPipelineConfig struct {
	Track      *StreamTrack
	Encoder    VideoEncoder
	Packetizer RTPPacketizer
	Writer     RTPWriter
	FPS        int         // Output frame rate (default: 30)
	OnError    func(error) // Per-frame error callback
	OnStale    func()      // Called once when the track goes stale; the loop then exits
}

// NewVideoSendPipeline creates a send pipeline.
func NewVideoSendPipeline(config SendPipelineConfig) (*VideoSendPipeline, error) {
	if config.Track == nil {
		return nil, errors.New("track is required")
	}
	if config.Encoder == nil {
		return nil, errors.New("encoder is required")
	}
	if config.Packetizer == nil {
		return nil, errors.New("packetizer is required")
	}
	if config.Writer == nil {
		return nil, errors.New("writer is required")
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}

	p := &VideoSendPipeline{
		track:      config.Track,
		encoder:    config.Encoder,
		packetizer: config.Packetizer,
		writer:     config.Writer,
		interval:   time.Second / time.Duration(config.FPS),
		onError:    config.OnError,
		onStale:    config.OnStale,
	}
	p.state.Store(int32(PipelineStateIdle))
	return p, nil
}

// Start starts the pacing loop.
func (p *VideoSendPipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if PipelineState(p.state.Load()) != PipelineStateIdle {
		return errors.New("pipeline already started")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.state.Store(int32(PipelineStateRunning))

	p.wg.Add(1)
	go p.processLoop()
	return nil
}

// Stop stops the pipeline and waits for the loop to exit. It must not be
// called from the OnError or OnStale callbacks.
func (p *VideoSendPipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.state.Store(int32(PipelineStateStopped))
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Close stops the pipeline and closes the encoder.
func (p *VideoSendPipeline) Close() error {
	p.Stop()
	return p.encoder.Close()
}

// RequestKeyframe requests a keyframe from the encoder on the next tick.
func (p *VideoSendPipeline) RequestKeyframe() {
	p.keyframeRequested.Store(true)
}

// State returns the current pipeline state.
func (p *VideoSendPipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Stats returns pipeline statistics.
func (p *VideoSendPipeline) Stats() SendPipelineStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *VideoSendPipeline) processLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	start := time.Now()
	tsBase := rand.Uint32()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			if p.track.Stale(now) {
				if p.onStale != nil {
					p.onStale()
				}
				return
			}
			p.sendFrame(rtpTimestamp(tsBase, now.Sub(start).Nanoseconds(), 90000))
		}
	}
}

func (p *VideoSendPipeline) sendFrame(ts uint32) {
	frame := p.track.NextFrame()

	p.statsMu.Lock()
	p.stats.FramesPulled++
	p.statsMu.Unlock()

	if p.keyframeRequested.Swap(false) {
		p.encoder.RequestKeyframe()
	}

	encodeStart := time.Now()
	encoded, err := p.encoder.Encode(frame)
	encodeTime := time.Since(encodeStart)

	if err != nil || encoded == nil || len(encoded.Data) == 0 {
		p.statsMu.Lock()
		p.stats.FramesDropped++
		p.statsMu.Unlock()
		if err != nil {
			p.handleError(errors.Wrap(err, "encode"))
		}
		return
	}
	encoded.Timestamp = ts
	encoded.Seq = frame.Seq

	p.statsMu.Lock()
	p.stats.FramesEncoded++
	p.stats.EncodeTimeUs += uint64(encodeTime.Microseconds())
	if encoded.IsKeyframe() {
		p.stats.KeyframesSent++
	}
	if frame.IsPlaceholder() {
		p.stats.PlaceholderOut++
	} else {
		p.stats.LastSeq = frame.Seq
	}
	p.statsMu.Unlock()

	packets, err := p.packetizer.Packetize(encoded)
	if err != nil {
		p.handleError(errors.Wrap(err, "packetize"))
		return
	}

	for _, pkt := range packets {
		if err := p.writer.WriteRTP(pkt); err != nil {
			p.handleError(errors.Wrap(err, "write rtp"))
			return
		}

		p.statsMu.Lock()
		p.stats.PacketsSent++
		p.stats.BytesSent += uint64(len(pkt.Payload) + rtpHeaderSize)
		p.statsMu.Unlock()
	}
}

func (p *VideoSendPipeline) handleError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()

	if p.onError != nil {
		p.onError(err)
	}
}
