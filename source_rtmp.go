//go:build !nogst

package camrelay

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pkg/errors"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// RTMPSource accepts one RTMP publisher at a time (for example
// `ffmpeg -re -i in.mp4 -c:v libx264 -f flv rtmp://host:1935/live/stream`)
// and decodes its H.264 stream through GStreamer. A publisher that
// disconnects ends the current handle with a transient error; the capture
// loop then reopens and waits for the next publisher.
type RTMPSource struct {
	config SourceConfig
	addr   string
	key    string
	log    logging.LeveledLogger

	mu     sync.Mutex
	ln     net.Listener
	srv    *rtmp.Server
	active *rtmpHandle
}

// NewRTMPSource creates an RTMP ingest source listening on the host and
// port of cfg.URI.
func NewRTMPSource(cfg SourceConfig, opts SourceOptions) (*RTMPSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	addr, key, err := rtmpListenAddr(cfg.URI)
	if err != nil {
		return nil, err
	}
	return &RTMPSource{
		config: cfg,
		addr:   addr,
		key:    key,
		log:    newLogger(opts.LoggerFactory, "source-rtmp"),
	}, nil
}

// Addr returns the listen address once the first Open succeeded.
func (s *RTMPSource) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Open starts listening (once) and builds a decode pipeline that waits for a
// publisher.
func (s *RTMPSource) Open(ctx context.Context) (CaptureHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.listen(); err != nil {
		return nil, err
	}
	initGStreamer()

	pipeline, err := gst.NewPipelineFromString(rtmpDecodeLaunch(s.config))
	if err != nil {
		return nil, &ConfigError{Field: "pipeline", Err: err}
	}
	srcElem, err := pipeline.GetElementByName(appSrcName)
	if err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, &ConfigError{Field: "pipeline", Err: errors.Wrap(err, "appsrc not found")}
	}

	// No read timeout while waiting for a publisher; publisher loss is
	// reported through the interrupt channel instead.
	inner, err := newAppSinkHandle(pipeline, s.config, 0, s.log)
	if err != nil {
		return nil, err
	}

	h := &rtmpHandle{
		appSinkHandle: inner,
		source:        s,
		src:           app.SrcFromElement(srcElem),
		gone:          make(chan struct{}),
	}
	inner.interrupt = h.gone
	inner.interruptErr = func() error { return Transient(nil, "rtmp publisher disconnected") }
	inner.eosErr = inner.interruptErr

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		inner.Close()
		return nil, Transient(err, "start rtmp decode pipeline")
	}

	s.mu.Lock()
	s.active = h
	s.mu.Unlock()

	s.log.Infof("waiting for rtmp publisher on %s", s.addr)
	return h, nil
}

func (s *RTMPSource) listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return Transient(err, "rtmp listen")
	}

	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpConnHandler{source: s},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})

	s.ln, s.srv = ln, srv
	go func() {
		if err := srv.Serve(ln); err != nil {
			s.log.Debugf("rtmp server stopped: %v", err)
		}
	}()
	s.log.Infof("rtmp ingest listening on %s", ln.Addr())
	return nil
}

// bind attaches a publisher to the waiting handle.
func (s *RTMPSource) bind(key string) (*rtmpHandle, error) {
	if s.key != "" && key != s.key {
		return nil, errors.Errorf("unknown stream key %q", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.active
	if h == nil {
		return nil, errors.New("no capture pipeline waiting for a publisher")
	}
	if !h.publishing.CompareAndSwap(false, true) {
		return nil, errors.New("stream already has a publisher")
	}
	return h, nil
}

func (s *RTMPSource) detach(h *rtmpHandle) {
	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()
}

// Close stops the RTMP listener.
func (s *RTMPSource) Close() error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Close()
}

type rtmpHandle struct {
	*appSinkHandle
	source *RTMPSource
	src    *app.Source

	publishing atomic.Bool
	gone       chan struct{}
	goneOnce   sync.Once
}

func (h *rtmpHandle) push(annexB []byte) {
	if ret := h.src.PushBuffer(gst.NewBufferFromBytes(annexB)); ret != gst.FlowOK {
		h.log.Debugf("appsrc push returned %v", ret)
	}
}

func (h *rtmpHandle) publisherLeft() {
	h.goneOnce.Do(func() { close(h.gone) })
}

func (h *rtmpHandle) Close() error {
	h.source.detach(h)
	h.publisherLeft()
	return h.appSinkHandle.Close()
}

// rtmpConnHandler handles one RTMP connection.
type rtmpConnHandler struct {
	rtmp.DefaultHandler
	source *RTMPSource

	app      string
	key      string
	target   *rtmpHandle
	sps, pps []byte
}

func (c *rtmpConnHandler) OnConnect(_ uint32, cmd *rtmpmsg.NetConnectionConnect) error {
	c.app = cmd.Command.App
	return nil
}

func (c *rtmpConnHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	key := cmd.PublishingName
	if c.app != "" {
		key = c.app + "/" + cmd.PublishingName
	}

	h, err := c.source.bind(key)
	if err != nil {
		c.source.log.Warnf("rejecting rtmp publisher %q: %v", key, err)
		return err
	}
	c.key, c.target = key, h
	c.source.log.Infof("rtmp publisher %q connected", key)
	return nil
}

func (c *rtmpConnHandler) OnVideo(_ uint32, payload io.Reader) error {
	if c.target == nil {
		return nil
	}

	// The capture loop replaced the pipeline while this publisher stayed
	// connected; follow it to the new one.
	select {
	case <-c.target.gone:
		h, err := c.source.bind(c.key)
		if err != nil {
			return nil
		}
		c.target = h
	default:
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}

	tag, err := parseFLVVideoTag(buf.Bytes())
	if err != nil {
		// Non-AVC tags are ignored rather than dropping the publisher.
		return nil
	}

	switch tag.packetType {
	case flvAVCSequenceHeader:
		c.sps, c.pps = extractSPSPPS(tag.data)
	case flvAVCNALU:
		if c.sps == nil {
			return nil
		}
		nalus := parseAVCCNALUs(tag.data)
		if len(nalus) == 0 {
			return nil
		}
		c.target.push(buildAnnexB(nalus, c.sps, c.pps, tag.keyframe))
	}
	return nil
}

func (c *rtmpConnHandler) OnClose() {
	if c.target != nil {
		c.source.log.Infof("rtmp publisher disconnected")
		c.target.publisherLeft()
	}
}
