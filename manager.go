package camrelay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// ManagerConfig configures a SessionManager.
type ManagerConfig struct {
	Codec        VideoCodec    // Outgoing codec (default VP8)
	Width        int           // Encoded width, also the placeholder size
	Height       int           // Encoded height
	OutputFPS    int           // Per-session send rate (default 30)
	BitrateBps   int           // Encoder target bitrate
	MaxStaleness time.Duration // Close sessions after this long without a new frame; 0 disables
	MTU          int           // RTP payload MTU (default DefaultMTU)
	ICEServers   []webrtc.ICEServer

	// EncoderFactory creates one encoder per session. Defaults to
	// NewVideoEncoder.
	EncoderFactory EncoderFactory

	// Capture, when set, is stopped by Shutdown.
	Capture *CaptureLoop

	// SettingEngine overrides the engine settings. Its LoggerFactory is
	// replaced with the manager's.
	SettingEngine *webrtc.SettingEngine

	LoggerFactory logging.LoggerFactory
}

func (c *ManagerConfig) applyDefaults() {
	if c.Codec == VideoCodecUnknown {
		c.Codec = VideoCodecVP8
	}
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.OutputFPS <= 0 {
		c.OutputFPS = 30
	}
	if c.BitrateBps <= 0 {
		c.BitrateBps = 1500000
	}
	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.EncoderFactory == nil {
		c.EncoderFactory = NewVideoEncoder
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// SessionManager owns the set of live sessions. Every session reads the
// same LatestFrameBuffer through its own StreamTrack.
type SessionManager struct {
	buf    *LatestFrameBuffer
	config ManagerConfig
	api    *webrtc.API
	log    logging.LeveledLogger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewSessionManager creates a manager distributing buf.
func NewSessionManager(buf *LatestFrameBuffer, config ManagerConfig) (*SessionManager, error) {
	if buf == nil {
		return nil, errors.New("frame buffer is required")
	}
	config.applyDefaults()

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "register codecs")
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, errors.Wrap(err, "register interceptors")
	}

	se := webrtc.SettingEngine{}
	if config.SettingEngine != nil {
		se = *config.SettingEngine
	}
	se.LoggerFactory = config.LoggerFactory

	return &SessionManager{
		buf:    buf,
		config: config,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		log:      newLogger(config.LoggerFactory, "session"),
		sessions: make(map[string]*Session),
	}, nil
}

// CreateSession negotiates a new peer connection for offer and returns the
// local answer with all ICE candidates gathered. On failure nothing is left
// in the session set and the error is a *SignalingError.
func (m *SessionManager) CreateSession(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, string, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, "", signalingError("create session", ErrManagerClosed)
	}

	id := uuid.New().String()

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.config.ICEServers})
	if err != nil {
		return nil, "", signalingError("create peer connection", err)
	}

	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(m.config.Codec.Capability(), "video", "camrelay-"+id)
	if err != nil {
		pc.Close()
		return nil, "", signalingError("create track", err)
	}

	sender, err := pc.AddTrack(rtpTrack)
	if err != nil {
		pc.Close()
		return nil, "", signalingError("add track", err)
	}

	s := &Session{
		id:        id,
		createdAt: time.Now(),
		pc:        pc,
		rtpTrack:  rtpTrack,
		sender:    sender,
		track: NewStreamTrack(m.buf, TrackConfig{
			Width:        m.config.Width,
			Height:       m.config.Height,
			MaxStaleness: m.config.MaxStaleness,
		}),
		cfg:     &m.config,
		log:     m.log,
		done:    make(chan struct{}),
		onClose: m.remove,
	}
	s.state.Store(int32(SessionStateNew))

	// Stored before negotiation so an early state change finds it.
	if err := m.add(s); err != nil {
		s.onClose = nil
		s.Close()
		return nil, "", signalingError("create session", err)
	}

	go s.readRTCP()

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.log.Debugf("session %s: ice %s", id, state)
	})
	pc.OnConnectionStateChange(s.handleConnectionState)

	fail := func(op string, err error) (*webrtc.SessionDescription, string, error) {
		s.Close()
		m.log.Warnf("session %s: %s: %v", id, op, err)
		return nil, "", signalingError(op, err)
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail("set remote description", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail("create answer", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)

	if err := pc.SetLocalDescription(answer); err != nil {
		return fail("set local description", err)
	}

	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail("gather candidates", ctx.Err())
	}

	local := pc.LocalDescription()
	if local == nil {
		return fail("local description", errors.New("no local description"))
	}

	m.log.Infof("session %s: answer ready (%d sessions)", id, m.Count())
	return local, id, nil
}

func (m *SessionManager) add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	m.sessions[s.id] = s
	return nil
}

func (m *SessionManager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// Session returns the session with id.
func (m *SessionManager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// CloseSession tears down one session.
func (m *SessionManager) CloseSession(id string) error {
	s, ok := m.Session(id)
	if !ok {
		return errors.Wrap(ErrSessionNotFound, id)
	}
	return s.Close()
}

// Sessions returns a snapshot of all live sessions.
func (m *SessionManager) Sessions() []SessionInfo {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	return infos
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Buffer returns the shared frame buffer.
func (m *SessionManager) Buffer() *LatestFrameBuffer { return m.buf }

// Capture returns the attached capture loop, if any.
func (m *SessionManager) Capture() *CaptureLoop { return m.config.Capture }

// Shutdown closes every session and stops the attached capture loop. New
// sessions are refused afterwards.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	var (
		result error
		resMu  sync.Mutex
		wg     sync.WaitGroup
	)
	for _, s := range list {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				resMu.Lock()
				result = multierror.Append(result, errors.Wrapf(err, "session %s", s.id))
				resMu.Unlock()
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		resMu.Lock()
		result = multierror.Append(result, errors.Wrap(ctx.Err(), "close sessions"))
		resMu.Unlock()
	}

	if m.config.Capture != nil {
		if err := m.config.Capture.Stop(); err != nil {
			resMu.Lock()
			result = multierror.Append(result, errors.Wrap(err, "stop capture"))
			resMu.Unlock()
		}
	}

	resMu.Lock()
	defer resMu.Unlock()
	if result != nil {
		m.log.Warnf("shutdown: %v", result)
	}
	return result
}
