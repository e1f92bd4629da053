package camrelay

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEncoder emits a tiny VP8-shaped payload per frame: a keyframe for the
// first frame and after RequestKeyframe, delta frames otherwise.
type fakeEncoder struct {
	codec VideoCodec

	mu        sync.Mutex
	seqs      []uint64
	forceKey  bool
	encoded   int
	failAfter int
	closed    atomic.Bool
}

func newFakeEncoder(config EncoderConfig) (VideoEncoder, error) {
	return &fakeEncoder{codec: config.Codec, forceKey: true}, nil
}

func (e *fakeEncoder) Encode(frame *Frame) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return nil, errors.New("encoder closed")
	}
	if e.failAfter > 0 && e.encoded >= e.failAfter {
		return nil, errors.New("encoder failure")
	}
	e.encoded++
	e.seqs = append(e.seqs, frame.Seq)

	first := byte(0x11)
	ft := FrameTypeDelta
	if e.forceKey {
		first, ft = 0x10, FrameTypeKey
		e.forceKey = false
	}
	return &EncodedFrame{Data: []byte{first, byte(frame.Seq), 0xAA, 0xBB}, FrameType: ft}, nil
}

func (e *fakeEncoder) RequestKeyframe() {
	e.mu.Lock()
	e.forceKey = true
	e.mu.Unlock()
}

func (e *fakeEncoder) Codec() VideoCodec { return e.codec }

func (e *fakeEncoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EncoderStats{FramesEncoded: uint64(e.encoded)}
}

func (e *fakeEncoder) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *fakeEncoder) encodedSeqs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.seqs...)
}

type recordingWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
	err     error
}

func (w *recordingWriter) WriteRTP(pkt *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.packets = append(w.packets, pkt)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

func (w *recordingWriter) snapshot() []*rtp.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*rtp.Packet(nil), w.packets...)
}

func newTestSendPipeline(t *testing.T, buf *LatestFrameBuffer, trackCfg TrackConfig, w RTPWriter) (*VideoSendPipeline, *fakeEncoder, *StreamTrack) {
	t.Helper()
	enc, _ := newFakeEncoder(EncoderConfig{Codec: VideoCodecVP8})
	track := NewStreamTrack(buf, trackCfg)
	p, err := NewVideoSendPipeline(SendPipelineConfig{
		Track:      track,
		Encoder:    enc,
		Packetizer: NewVP8Packetizer(42, 96, DefaultMTU),
		Writer:     w,
		FPS:        200,
	})
	require.NoError(t, err)
	return p, enc.(*fakeEncoder), track
}

func TestVideoSendPipelineRequiresCollaborators(t *testing.T) {
	_, err := NewVideoSendPipeline(SendPipelineConfig{})
	assert.Error(t, err)

	enc, _ := newFakeEncoder(EncoderConfig{})
	_, err = NewVideoSendPipeline(SendPipelineConfig{
		Track:   NewStreamTrack(NewLatestFrameBuffer(), TrackConfig{}),
		Encoder: enc,
	})
	assert.Error(t, err)
}

func TestVideoSendPipelineSendsPlaceholderThenFrames(t *testing.T) {
	buf := NewLatestFrameBuffer()
	w := &recordingWriter{}
	p, enc, _ := newTestSendPipeline(t, buf, TrackConfig{Width: 4, Height: 4}, w)

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())
	assert.Equal(t, PipelineStateRunning, p.State())

	require.Eventually(t, func() bool { return w.count() >= 3 }, time.Second, time.Millisecond)
	assert.Greater(t, p.Stats().PlaceholderOut, uint64(0))

	for i := uint64(1); i <= 5; i++ {
		buf.Publish(seqFrame(i))
	}
	require.Eventually(t, func() bool { return p.Stats().LastSeq == 5 }, time.Second, time.Millisecond)

	require.NoError(t, p.Close())
	assert.Equal(t, PipelineStateStopped, p.State())
	assert.True(t, enc.closed.Load())

	// Encoded sequence never regresses.
	seqs := enc.encodedSeqs()
	for i := 1; i < len(seqs); i++ {
		assert.GreaterOrEqual(t, seqs[i], seqs[i-1])
	}

	// Timestamps advance with the clock, packets carry the marker.
	packets := w.snapshot()
	for i := 1; i < len(packets); i++ {
		assert.GreaterOrEqual(t, packets[i].Timestamp-packets[0].Timestamp, packets[i-1].Timestamp-packets[0].Timestamp)
		assert.True(t, packets[i].Marker)
	}
}

func TestVideoSendPipelineKeyframeRequest(t *testing.T) {
	buf := NewLatestFrameBuffer()
	buf.Publish(seqFrame(1))
	w := &recordingWriter{}
	p, _, _ := newTestSendPipeline(t, buf, TrackConfig{}, w)

	require.NoError(t, p.Start())
	defer p.Close()

	require.Eventually(t, func() bool { return p.Stats().FramesEncoded >= 3 }, time.Second, time.Millisecond)
	before := p.Stats().KeyframesSent
	assert.Equal(t, uint64(1), before)

	p.RequestKeyframe()
	require.Eventually(t, func() bool { return p.Stats().KeyframesSent == before+1 }, time.Second, time.Millisecond)
}

func TestVideoSendPipelineWriteErrors(t *testing.T) {
	buf := NewLatestFrameBuffer()
	w := &recordingWriter{err: errors.New("closed pipe")}
	enc, _ := newFakeEncoder(EncoderConfig{})

	var errCount atomic.Int32
	p, err := NewVideoSendPipeline(SendPipelineConfig{
		Track:      NewStreamTrack(buf, TrackConfig{Width: 4, Height: 4}),
		Encoder:    enc,
		Packetizer: NewVP8Packetizer(1, 96, DefaultMTU),
		Writer:     w,
		FPS:        200,
		OnError:    func(error) { errCount.Add(1) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	require.Eventually(t, func() bool { return errCount.Load() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close())
	assert.GreaterOrEqual(t, p.Stats().Errors, uint64(2))
	assert.Zero(t, p.Stats().PacketsSent)
}

func TestVideoSendPipelineEncoderErrorsDropFrames(t *testing.T) {
	buf := NewLatestFrameBuffer()
	w := &recordingWriter{}
	p, enc, _ := newTestSendPipeline(t, buf, TrackConfig{Width: 4, Height: 4}, w)
	enc.mu.Lock()
	enc.failAfter = 2
	enc.mu.Unlock()

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.Stats().FramesDropped >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, p.Close())

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.FramesEncoded)
	assert.Equal(t, stats.FramesDropped, stats.Errors)
}

func TestVideoSendPipelineStaleCallback(t *testing.T) {
	buf := NewLatestFrameBuffer()
	enc, _ := newFakeEncoder(EncoderConfig{})

	stale := make(chan struct{})
	p, err := NewVideoSendPipeline(SendPipelineConfig{
		Track:      NewStreamTrack(buf, TrackConfig{Width: 4, Height: 4, MaxStaleness: 30 * time.Millisecond}),
		Encoder:    enc,
		Packetizer: NewVP8Packetizer(1, 96, DefaultMTU),
		Writer:     &recordingWriter{},
		FPS:        100,
		OnStale:    func() { close(stale) },
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	select {
	case <-stale:
	case <-time.After(time.Second):
		t.Fatal("stale callback not called")
	}
	// The loop has exited; Stop returns immediately.
	require.NoError(t, p.Close())
}
