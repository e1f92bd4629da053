package camrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/transport/v3/test"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSignaling(t *testing.T, capture *CaptureLoop) (*SessionManager, *httptest.Server) {
	t.Helper()
	m := newTestManager(t, NewLatestFrameBuffer(), capture)
	srv := httptest.NewServer(NewSignalingServer(m, SignalingConfig{
		AllowOrigin:   "https://viewer.example",
		LoggerFactory: testLoggerFactory(),
	}))
	t.Cleanup(func() {
		srv.Close()
		m.Shutdown(context.Background())
	})
	return m, srv
}

func TestSignalingRoot(t *testing.T) {
	_, srv := newTestSignaling(t, nil)

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "WebRTC Server is running", string(body))
	assert.Equal(t, "https://viewer.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "https://viewer.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSignalingPreflight(t *testing.T) {
	_, srv := newTestSignaling(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/offer", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://viewer.example", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestSignalingOffer(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	m, srv := newTestSignaling(t, nil)
	viewer, offer := newViewer(t, testViewerAPI(t))
	defer viewer.Close()

	body, err := json.Marshal(offerRequest{SDP: offer.SDP, Type: "offer"})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/offer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer answerResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, "answer", answer.Type)
	assert.NotEmpty(t, answer.SDP)
	assert.Equal(t, 1, m.Count())

	require.NoError(t, viewer.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}))
}

func TestSignalingOfferErrors(t *testing.T) {
	m, srv := newTestSignaling(t, nil)

	resp, err := http.Post(srv.URL+"/offer", "application/json", strings.NewReader(`{"sdp":"garbage","type":"offer"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Error processing offer: "))
	assert.Equal(t, 0, m.Count())

	resp, err = http.Post(srv.URL+"/offer", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/offer")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSignalingOfferRejectsOtherTypes(t *testing.T) {
	m, srv := newTestSignaling(t, nil)
	viewer, offer := newViewer(t, testViewerAPI(t))
	defer viewer.Close()

	for _, typ := range []string{"answer", "pranswer", ""} {
		body, err := json.Marshal(offerRequest{SDP: offer.SDP, Type: typ})
		require.NoError(t, err)
		resp, err := http.Post(srv.URL+"/offer", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		msg, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "type %q", typ)
		assert.True(t, strings.HasPrefix(string(msg), "Error processing offer: "), "type %q", typ)
	}
	assert.Equal(t, 0, m.Count())
}

func TestSignalingStatus(t *testing.T) {
	buf := NewLatestFrameBuffer()
	capture := NewCaptureLoop(NewTestPatternSource(TestPatternConfig{Width: 16, Height: 16, FPS: 100}), buf, fastCaptureConfig())
	require.NoError(t, capture.Start(context.Background()))
	require.Eventually(t, func() bool { return capture.Stats().Frames > 2 }, 2*time.Second, time.Millisecond)

	_, srv := newTestSignaling(t, capture)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 0, status.Sessions)
	assert.Equal(t, "streaming", status.CaptureState)
	assert.Greater(t, status.FramesCaptured, uint64(2))
}

func TestSignalingWebSocket(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	m, srv := newTestSignaling(t, nil)
	viewer, offer := newViewer(t, testViewerAPI(t))
	defer viewer.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(wsMessage{Type: "offer", SDP: offer.SDP}))
	var reply wsMessage
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "answer", reply.Type)
	assert.NotEmpty(t, reply.SDP)
	assert.Equal(t, 1, m.Count())

	require.NoError(t, ws.WriteJSON(wsMessage{Type: "offer", SDP: "garbage"}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
	assert.NotEmpty(t, reply.Error)

	require.NoError(t, ws.WriteJSON(wsMessage{Type: "hello"}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.Equal(t, "error", reply.Type)
}
