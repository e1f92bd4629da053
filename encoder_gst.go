//go:build !nogst

package camrelay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// encodeTimeout bounds how long Encode waits for the encoder's output.
const encodeTimeout = 100 * time.Millisecond

// GStreamerEncoder encodes I420 frames with vp8enc or x264enc through an
// appsrc/appsink pipeline. One instance serves one session.
type GStreamerEncoder struct {
	config   EncoderConfig
	pipeline *gst.Pipeline
	srcElem  *gst.Element
	src      *app.Source
	sink     *app.Sink
	log      logging.LeveledLogger

	keyframeRequested atomic.Bool
	stats             EncoderStats
	closeOnce         sync.Once
}

// NewGStreamerEncoder creates and starts an encode pipeline.
func NewGStreamerEncoder(config EncoderConfig) (*GStreamerEncoder, error) {
	if config.Width <= 0 || config.Height <= 0 {
		return nil, errors.Errorf("invalid encoder size %dx%d", config.Width, config.Height)
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}

	launch, err := encoderLaunch(config)
	if err != nil {
		return nil, err
	}
	initGStreamer()

	pipeline, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, errors.Wrapf(err, "create %v encoder", config.Codec)
	}
	srcElem, err := pipeline.GetElementByName(appSrcName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, errors.Wrap(err, "encoder appsrc")
	}
	sinkElem, err := pipeline.GetElementByName(appSinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, errors.Wrap(err, "encoder appsink")
	}

	e := &GStreamerEncoder{
		config:   config,
		pipeline: pipeline,
		srcElem:  srcElem,
		src:      app.SrcFromElement(srcElem),
		sink:     app.SinkFromElement(sinkElem),
		log:      newLogger(config.LoggerFactory, "encoder"),
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, errors.Wrapf(err, "start %v encoder", config.Codec)
	}
	return e, nil
}

// Encode pushes one frame and returns the next encoded access unit, or nil
// if the encoder produced nothing within encodeTimeout.
func (e *GStreamerEncoder) Encode(frame *Frame) (*EncodedFrame, error) {
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return nil, errors.Errorf("frame %dx%d does not match encoder %dx%d",
			frame.Width, frame.Height, e.config.Width, e.config.Height)
	}

	if e.keyframeRequested.Swap(false) {
		e.forceKeyUnit()
	}

	if ret := e.src.PushBuffer(gst.NewBufferFromBytes(frame.Contiguous())); ret != gst.FlowOK {
		return nil, errors.Errorf("encoder push: %v", ret)
	}

	sample := e.sink.TryPullSample(encodeTimeout)
	if sample == nil {
		e.stats.DroppedFrames++
		return nil, nil
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		e.stats.DroppedFrames++
		return nil, nil
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := append([]byte(nil), mapInfo.Bytes()...)
	buffer.Unmap()

	encoded := &EncodedFrame{
		Data:      data,
		FrameType: e.frameType(data),
	}

	e.stats.FramesEncoded++
	e.stats.BytesEncoded += uint64(len(data))
	if encoded.IsKeyframe() {
		e.stats.KeyframesEncoded++
	}
	return encoded, nil
}

func (e *GStreamerEncoder) frameType(data []byte) FrameType {
	switch e.config.Codec {
	case VideoCodecVP8:
		return vp8FrameType(data)
	case VideoCodecH264:
		return h264FrameType(data)
	default:
		return FrameTypeUnknown
	}
}

// forceKeyUnit sends a GstForceKeyUnit event downstream to the encoder.
func (e *GStreamerEncoder) forceKeyUnit() {
	s := gst.NewStructure("GstForceKeyUnit")
	if err := s.SetValue("all-headers", true); err != nil {
		e.log.Debugf("force-key-unit all-headers: %v", err)
	}
	if !e.srcElem.SendEvent(gst.NewCustomEvent(gst.EventTypeCustomDownstream, s)) {
		e.log.Debugf("force-key-unit event not handled")
	}
}

// RequestKeyframe forces the next frame to be a keyframe.
func (e *GStreamerEncoder) RequestKeyframe() {
	e.keyframeRequested.Store(true)
}

// Codec returns the codec type.
func (e *GStreamerEncoder) Codec() VideoCodec { return e.config.Codec }

// Stats returns encoding statistics.
func (e *GStreamerEncoder) Stats() EncoderStats { return e.stats }

// Close ends the stream and tears the pipeline down.
func (e *GStreamerEncoder) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.src.EndStream()
		err = e.pipeline.SetState(gst.StateNull)
	})
	return err
}

func init() {
	factory := func(config EncoderConfig) (VideoEncoder, error) {
		return NewGStreamerEncoder(config)
	}
	RegisterVideoEncoder(VideoCodecVP8, factory)
	RegisterVideoEncoder(VideoCodecH264, factory)
}
