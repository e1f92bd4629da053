package camrelay

import (
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// VideoCodec identifies the video codec sent to peers.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecH264
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecH264:
		return "H264"
	default:
		return "Unknown"
	}
}

// ParseVideoCodec parses a codec name such as "vp8" or "h264".
func ParseVideoCodec(s string) (VideoCodec, error) {
	switch strings.ToLower(s) {
	case "vp8":
		return VideoCodecVP8, nil
	case "h264", "avc":
		return VideoCodecH264, nil
	default:
		return VideoCodecUnknown, errors.Errorf("unsupported codec %q", s)
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return webrtc.MimeTypeVP8
	case VideoCodecH264:
		return webrtc.MimeTypeH264
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// The actual payload type is negotiated via SDP.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecH264:
		return 102
	default:
		return 96
	}
}

// Capability returns the pion codec capability used for the outbound track.
func (c VideoCodec) Capability() webrtc.RTPCodecCapability {
	capability := webrtc.RTPCodecCapability{
		MimeType:  c.MimeType(),
		ClockRate: c.ClockRate(),
	}
	if c == VideoCodecH264 {
		capability.SDPFmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	}
	return capability
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds encoded video data.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
	Timestamp uint32    // RTP timestamp (90kHz clock for video)
	Seq       uint64    // Sequence number of the source frame
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}
