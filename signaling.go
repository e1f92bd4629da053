package camrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// DefaultOfferTimeout bounds one offer/answer exchange including ICE
// gathering.
const DefaultOfferTimeout = 10 * time.Second

// SignalingConfig configures the HTTP signaling handler.
type SignalingConfig struct {
	AllowOrigin   string        // Access-Control-Allow-Origin value (default "*")
	OfferTimeout  time.Duration // default DefaultOfferTimeout
	LoggerFactory logging.LoggerFactory
}

// SignalingServer exposes SessionManager over HTTP and WebSocket.
type SignalingServer struct {
	manager  *SessionManager
	config   SignalingConfig
	log      logging.LeveledLogger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type answerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Sessions       int           `json:"sessions"`
	CaptureState   string        `json:"captureState"`
	FramesCaptured uint64        `json:"framesCaptured"`
	Reconnects     uint64        `json:"reconnects"`
	Details        []SessionInfo `json:"details,omitempty"`
}

type wsMessage struct {
	Type  string `json:"type"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewSignalingServer creates the handler for manager.
func NewSignalingServer(manager *SessionManager, config SignalingConfig) *SignalingServer {
	if config.AllowOrigin == "" {
		config.AllowOrigin = "*"
	}
	if config.OfferTimeout <= 0 {
		config.OfferTimeout = DefaultOfferTimeout
	}

	s := &SignalingServer{
		manager: manager,
		config:  config,
		log:     newLogger(config.LoggerFactory, "signaling"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/offer", s.handleOffer)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	return s
}

// ServeHTTP applies CORS headers and answers preflight requests.
func (s *SignalingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.config.AllowOrigin)
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *SignalingServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "WebRTC Server is running")
}

func (s *SignalingServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Debugf("decode offer: %v", err)
		http.Error(w, "Error processing offer: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if webrtc.NewSDPType(req.Type) != webrtc.SDPTypeOffer {
		err := errors.Errorf("expected an offer, got type %q", req.Type)
		s.log.Debugf("reject description: %v", err)
		http.Error(w, "Error processing offer: "+err.Error(), http.StatusInternalServerError)
		return
	}

	answer, err := s.negotiate(r.Context(), req.SDP)
	if err != nil {
		http.Error(w, "Error processing offer: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(answerResponse{SDP: answer.SDP, Type: answer.Type.String()}); err != nil {
		s.log.Debugf("write answer: %v", err)
	}
}

func (s *SignalingServer) negotiate(ctx context.Context, sdp string) (*webrtc.SessionDescription, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.OfferTimeout)
	defer cancel()

	answer, id, err := s.manager.CreateSession(ctx, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		s.log.Warnf("offer rejected: %v", err)
		return nil, err
	}
	s.log.Infof("session %s negotiated", id)
	return answer, nil
}

func (s *SignalingServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Sessions:     s.manager.Count(),
		CaptureState: "none",
	}
	if capture := s.manager.Capture(); capture != nil {
		stats := capture.Stats()
		status.CaptureState = stats.State.String()
		status.FramesCaptured = stats.Frames
		status.Reconnects = stats.Reconnects
	}
	if r.URL.Query().Get("verbose") != "" {
		status.Details = s.manager.Sessions()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Debugf("write status: %v", err)
	}
}

// handleWebSocket serves offers over a WebSocket. Each offer creates an
// independent session; the socket stays open for further offers.
func (s *SignalingServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("websocket upgrade: %v", err)
		return
	}
	defer ws.Close()

	for {
		var msg wsMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("websocket read: %v", err)
			}
			return
		}

		var reply wsMessage
		switch msg.Type {
		case "offer":
			answer, err := s.negotiate(r.Context(), msg.SDP)
			if err != nil {
				reply = wsMessage{Type: "error", Error: err.Error()}
			} else {
				reply = wsMessage{Type: "answer", SDP: answer.SDP}
			}
		default:
			reply = wsMessage{Type: "error", Error: fmt.Sprintf("unknown message type %q", msg.Type)}
		}

		if err := ws.WriteJSON(reply); err != nil {
			s.log.Debugf("websocket write: %v", err)
			return
		}
	}
}
