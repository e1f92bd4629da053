package camrelay

import (
	"io"
	"sync"

	"github.com/pion/logging"
	"github.com/pkg/errors"
)

// EncoderConfig configures a per-session video encoder.
type EncoderConfig struct {
	Codec      VideoCodec // VP8 or H264
	Width      int        // Frame width
	Height     int        // Frame height
	FPS        int        // Target framerate
	BitrateBps int        // Target bitrate in bits per second

	LoggerFactory logging.LoggerFactory
}

// DefaultEncoderConfig returns a default encoder configuration.
func DefaultEncoderConfig(codec VideoCodec, width, height int) EncoderConfig {
	return EncoderConfig{
		Codec:      codec,
		Width:      width,
		Height:     height,
		FPS:        30,
		BitrateBps: 1500000,
	}
}

// EncoderStats provides encoding metrics.
type EncoderStats struct {
	FramesEncoded    uint64 // Total frames encoded
	KeyframesEncoded uint64 // Total keyframes encoded
	BytesEncoded     uint64 // Total bytes of encoded data
	DroppedFrames    uint64 // Frames that produced no output
}

// VideoEncoder encodes raw frames for one session. Implementations are used
// from a single goroutine.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a frame. It returns nil when the encoder produced no
	// output for this input.
	Encode(frame *Frame) (*EncodedFrame, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// Codec returns the codec type.
	Codec() VideoCodec

	// Stats returns encoding statistics.
	Stats() EncoderStats
}

// EncoderFactory creates a video encoder. SessionManager calls it once per
// session.
type EncoderFactory func(EncoderConfig) (VideoEncoder, error)

type encoderRegistry struct {
	mu        sync.RWMutex
	factories map[VideoCodec]EncoderFactory
}

var globalEncoderRegistry = &encoderRegistry{
	factories: make(map[VideoCodec]EncoderFactory),
}

// RegisterVideoEncoder registers an encoder factory for a codec.
func RegisterVideoEncoder(codec VideoCodec, factory EncoderFactory) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.factories[codec] = factory
}

// NewVideoEncoder creates an encoder from the registered factories.
func NewVideoEncoder(config EncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	factory, ok := globalEncoderRegistry.factories[config.Codec]
	globalEncoderRegistry.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotSupported, "no encoder for %v", config.Codec)
	}
	return factory(config)
}
