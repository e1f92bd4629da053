//go:build !nogst

package camrelay

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const (
	// samplePollInterval bounds how long ReadFrame blocks in native code
	// before it re-checks cancellation and the bus.
	samplePollInterval = 100 * time.Millisecond

	// defaultReadTimeout is how long a streaming pipeline may go without a
	// frame before the read is reported as a transient failure.
	defaultReadTimeout = 10 * time.Second
)

var gstInitOnce sync.Once

func initGStreamer() {
	gstInitOnce.Do(func() { gst.Init(nil) })
}

// GStreamerSource captures RTSP/HTTP streams and V4L2 devices through a
// GStreamer pipeline ending in an appsink.
type GStreamerSource struct {
	config      SourceConfig
	launch      string
	readTimeout time.Duration
	log         logging.LeveledLogger
}

// NewGStreamerSource creates a GStreamer-backed frame source.
func NewGStreamerSource(cfg SourceConfig, opts SourceOptions) (*GStreamerSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	launch, err := captureLaunch(cfg)
	if err != nil {
		return nil, err
	}
	return &GStreamerSource{
		config:      cfg,
		launch:      launch,
		readTimeout: defaultReadTimeout,
		log:         newLogger(opts.LoggerFactory, "source-gst"),
	}, nil
}

// Open builds the pipeline and sets it to PLAYING.
func (s *GStreamerSource) Open(ctx context.Context) (CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	initGStreamer()

	s.log.Debugf("launching pipeline: %s", s.launch)
	pipeline, err := gst.NewPipelineFromString(s.launch)
	if err != nil {
		// A description that does not parse names a missing element or a
		// bad property; retrying cannot fix it.
		return nil, &ConfigError{Field: "pipeline", Err: err}
	}

	h, err := newAppSinkHandle(pipeline, s.config, s.readTimeout, s.log)
	if err != nil {
		return nil, err
	}
	h.eosErr = func() error {
		if s.config.Kind == SourceKindLocalDevice {
			return Closed(nil, "capture device ended stream")
		}
		return Transient(nil, "remote ended stream")
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		h.Close()
		return nil, Transient(err, "start capture pipeline")
	}
	s.log.Infof("capture pipeline playing (%v)", s.config.Kind)
	return h, nil
}

// appSinkHandle reads I420 frames from a pipeline's appsink and watches the
// bus for errors.
type appSinkHandle struct {
	pipeline    *gst.Pipeline
	sink        *app.Sink
	bus         *gst.Bus
	width       int
	height      int
	readTimeout time.Duration
	eosErr      func() error
	log         logging.LeveledLogger

	// interrupt, when closed, ends ReadFrame with interruptErr.
	interrupt    <-chan struct{}
	interruptErr func() error

	closeOnce sync.Once
}

func newAppSinkHandle(pipeline *gst.Pipeline, cfg SourceConfig, readTimeout time.Duration, log logging.LeveledLogger) (*appSinkHandle, error) {
	elem, err := pipeline.GetElementByName(appSinkName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, &ConfigError{Field: "pipeline", Err: errors.Wrap(err, "appsink not found")}
	}
	return &appSinkHandle{
		pipeline:    pipeline,
		sink:        app.SinkFromElement(elem),
		bus:         pipeline.GetPipelineBus(),
		width:       cfg.Width,
		height:      cfg.Height,
		readTimeout: readTimeout,
		eosErr:      func() error { return Closed(nil, "end of stream") },
		log:         log,
	}, nil
}

// ReadFrame blocks until a sample arrives, the bus reports an error, the
// read timeout expires or ctx is cancelled. A zero read timeout waits
// indefinitely.
func (h *appSinkHandle) ReadFrame(ctx context.Context) (*Frame, error) {
	deadline := time.Now().Add(h.readTimeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-h.interrupt:
			return nil, h.interruptErr()
		default:
		}
		if err := h.pollBus(); err != nil {
			return nil, err
		}

		sample := h.sink.TryPullSample(samplePollInterval)
		if sample == nil {
			if h.sink.IsEOS() {
				return nil, h.eosErr()
			}
			if h.readTimeout > 0 && time.Now().After(deadline) {
				return nil, Transient(nil, "no frame within read timeout")
			}
			continue
		}

		f, err := h.frameFromSample(sample)
		if err != nil {
			h.log.Warnf("dropping sample: %v", err)
			continue
		}
		return f, nil
	}
}

func (h *appSinkHandle) frameFromSample(sample *gst.Sample) (*Frame, error) {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	defer buffer.Unmap()

	want := I420Size(h.width, h.height)
	if len(data) < want {
		return nil, errors.Errorf("short I420 buffer: %d < %d bytes", len(data), want)
	}

	// GStreamer reuses the buffer; every frame gets its own copy.
	buf := make([]byte, want)
	copy(buf, data)

	f := NewI420Frame(buf, h.width, h.height)
	f.Timestamp = time.Now()
	return f, nil
}

// pollBus drains pending bus messages without blocking.
func (h *appSinkHandle) pollBus() error {
	for {
		msg := h.bus.TimedPop(0)
		if msg == nil {
			return nil
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return h.eosErr()
		case gst.MessageError:
			gerr := msg.ParseError()
			h.log.Errorf("pipeline error: %s (%s)", gerr.Error(), gerr.DebugString())
			return pipelineError(gerr.Error(), gerr.DebugString())
		case gst.MessageWarning:
			if gerr := msg.ParseWarning(); gerr != nil {
				h.log.Debugf("pipeline warning: %s", gerr.Error())
			}
		}
	}
}

// Close stops the pipeline and releases it.
func (h *appSinkHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.pipeline.SetState(gst.StateNull)
	})
	return err
}

func init() {
	factory := func(cfg SourceConfig, opts SourceOptions) (FrameSource, error) {
		if isRTMPURI(cfg.URI) {
			return NewRTMPSource(cfg, opts)
		}
		return NewGStreamerSource(cfg, opts)
	}
	RegisterFrameSource(SourceKindNetworkStream, factory)
	RegisterFrameSource(SourceKindLocalDevice, factory)
}
