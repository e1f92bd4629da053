package camrelay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// SessionState is the lifecycle state of one peer session.
type SessionState int32

const (
	SessionStateNew          SessionState = iota // Negotiating
	SessionStateConnected                        // Media flowing
	SessionStateDisconnected                     // Peer lost, teardown pending
	SessionStateClosed                           // Released
)

func (s SessionState) String() string {
	switch s {
	case SessionStateNew:
		return "new"
	case SessionStateConnected:
		return "connected"
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionInfo is a snapshot of a session for status reporting.
type SessionInfo struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	CreatedAt time.Time         `json:"createdAt"`
	Track     TrackStats        `json:"track"`
	Send      SendPipelineStats `json:"send"`
}

// Session is one negotiated peer connection and its StreamTrack. The
// manager owns sessions; a session only holds a callback to report its
// own teardown.
type Session struct {
	id        string
	createdAt time.Time
	pc        *webrtc.PeerConnection
	rtpTrack  *webrtc.TrackLocalStaticRTP
	sender    *webrtc.RTPSender
	track     *StreamTrack
	cfg       *ManagerConfig
	log       logging.LeveledLogger

	state     atomic.Int32
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}

	mu       sync.Mutex
	pipeline *VideoSendPipeline

	onClose func(*Session)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Track returns the session's stream track.
func (s *Session) Track() *StreamTrack { return s.track }

// PeerConnection returns the underlying peer connection.
func (s *Session) PeerConnection() *webrtc.PeerConnection { return s.pc }

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a status snapshot.
func (s *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:        s.id,
		State:     s.State().String(),
		CreatedAt: s.createdAt,
		Track:     s.track.Stats(),
	}
	s.mu.Lock()
	if s.pipeline != nil {
		info.Send = s.pipeline.Stats()
	}
	s.mu.Unlock()
	return info
}

func (s *Session) setState(state SessionState) {
	for {
		old := s.state.Load()
		// Closed is terminal.
		if SessionState(old) == SessionStateClosed {
			return
		}
		if s.state.CompareAndSwap(old, int32(state)) {
			if SessionState(old) != state {
				s.log.Debugf("session %s: %v -> %v", s.id, SessionState(old), state)
			}
			return
		}
	}
}

// handleConnectionState is subscribed to the peer connection. Teardown runs
// on its own goroutine so the engine's callback never blocks.
func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	s.log.Infof("session %s: connection %s", s.id, state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.setState(SessionStateConnected)
		s.startOnce.Do(func() { go s.startSending() })
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		s.setState(SessionStateDisconnected)
		go s.Close()
	case webrtc.PeerConnectionStateClosed:
		go s.Close()
	}
}

// startSending creates the encoder and starts the paced send pipeline.
func (s *Session) startSending() {
	if s.State() == SessionStateClosed {
		return
	}

	encCfg := DefaultEncoderConfig(s.cfg.Codec, s.cfg.Width, s.cfg.Height)
	encCfg.FPS = s.cfg.OutputFPS
	encCfg.BitrateBps = s.cfg.BitrateBps
	encCfg.LoggerFactory = s.cfg.LoggerFactory

	encoder, err := s.cfg.EncoderFactory(encCfg)
	if err != nil {
		s.log.Errorf("session %s: create encoder: %v", s.id, err)
		s.Close()
		return
	}

	packetizer, err := CreateVideoPacketizer(s.cfg.Codec, 0, s.cfg.Codec.DefaultPayloadType(), s.cfg.MTU)
	if err != nil {
		encoder.Close()
		s.log.Errorf("session %s: create packetizer: %v", s.id, err)
		s.Close()
		return
	}

	pipeline, err := NewVideoSendPipeline(SendPipelineConfig{
		Track:      s.track,
		Encoder:    encoder,
		Packetizer: packetizer,
		Writer:     s.rtpTrack,
		FPS:        s.cfg.OutputFPS,
		OnError: func(err error) {
			s.log.Debugf("session %s: %v", s.id, err)
		},
		OnStale: func() {
			s.log.Warnf("session %s: no new frame for %v, closing", s.id, s.cfg.MaxStaleness)
			go s.Close()
		},
	})
	if err != nil {
		encoder.Close()
		s.Close()
		return
	}

	s.mu.Lock()
	if s.State() == SessionStateClosed {
		s.mu.Unlock()
		encoder.Close()
		return
	}
	s.pipeline = pipeline
	pipeline.RequestKeyframe()
	err = pipeline.Start()
	s.mu.Unlock()

	if err != nil {
		s.log.Errorf("session %s: start pipeline: %v", s.id, err)
		s.Close()
		return
	}
	s.log.Infof("session %s: sending %v %dx%d@%d", s.id, s.cfg.Codec, s.cfg.Width, s.cfg.Height, s.cfg.OutputFPS)
}

// readRTCP forwards keyframe requests to the send pipeline. It exits when
// the sender is stopped by the peer connection closing.
func (s *Session) readRTCP() {
	for {
		packets, _, err := s.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.mu.Lock()
				if s.pipeline != nil {
					s.pipeline.RequestKeyframe()
				}
				s.mu.Unlock()
			}
		}
	}
}

// Close tears the session down exactly once: stops the send pipeline,
// closes the peer connection, releases the track and notifies the manager.
// Later calls return the first result. Teardown never waits on the capture
// loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(SessionStateClosed))

		var result error

		s.mu.Lock()
		pipeline := s.pipeline
		s.mu.Unlock()
		if pipeline != nil {
			if err := pipeline.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close encoder"))
			}
		}

		if err := s.pc.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close peer connection"))
		}

		s.track.Release()

		if s.onClose != nil {
			s.onClose(s)
		}

		if result != nil {
			s.log.Warnf("session %s: teardown: %v", s.id, result)
		} else {
			s.log.Infof("session %s: closed", s.id)
		}
		s.closeErr = result
		close(s.done)
	})
	return s.closeErr
}
