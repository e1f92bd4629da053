// Package camrelay distributes one live video source to many WebRTC peers.
//
// A single capture source (network camera, RTMP publisher, V4L2 device or a
// synthetic test pattern) is decoded once, and every peer gets its own
// encoder fed from a shared latest-frame buffer.
//
// # Architecture
//
//	FrameSource -> CaptureLoop -> LatestFrameBuffer
//	LatestFrameBuffer -> StreamTrack -> VideoEncoder -> RTPPacketizer -> TrackLocalStaticRTP (per session)
//
// CaptureLoop is the only producer. It owns reconnect policy and stamps
// each frame with a monotonically increasing sequence number.
// LatestFrameBuffer keeps only the newest frame, so a slow peer skips frames
// instead of delaying the capture loop or other peers. Each session paces
// itself at its output frame rate and repeats the last frame when nothing
// new arrived.
//
// SessionManager negotiates sessions with pion/webrtc and tears them down
// when the peer disconnects. SignalingServer exposes it over HTTP
// (POST /offer) and WebSocket (/ws).
//
// # Build Tags
//
// Decoding and encoding use GStreamer through go-gst. Build with the nogst
// tag to compile it out; only the test pattern source is available then and
// an encoder factory must be supplied through ManagerConfig.
package camrelay
