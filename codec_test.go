package camrelay

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoCodecString(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		want  string
	}{
		{VideoCodecVP8, "VP8"},
		{VideoCodecH264, "H264"},
		{VideoCodecUnknown, "Unknown"},
		{VideoCodec(99), "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.codec.String())
	}
}

func TestParseVideoCodec(t *testing.T) {
	tests := []struct {
		in   string
		want VideoCodec
	}{
		{"vp8", VideoCodecVP8},
		{"VP8", VideoCodecVP8},
		{"h264", VideoCodecH264},
		{"avc", VideoCodecH264},
	}
	for _, tt := range tests {
		got, err := ParseVideoCodec(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseVideoCodec("av1")
	assert.Error(t, err)
}

func TestVideoCodecCapability(t *testing.T) {
	vp8 := VideoCodecVP8.Capability()
	assert.Equal(t, webrtc.MimeTypeVP8, vp8.MimeType)
	assert.Equal(t, uint32(90000), vp8.ClockRate)
	assert.Empty(t, vp8.SDPFmtpLine)

	h264 := VideoCodecH264.Capability()
	assert.Equal(t, webrtc.MimeTypeH264, h264.MimeType)
	assert.Contains(t, h264.SDPFmtpLine, "packetization-mode=1")

	assert.Equal(t, uint8(96), VideoCodecVP8.DefaultPayloadType())
	assert.Equal(t, uint8(102), VideoCodecH264.DefaultPayloadType())
}

func TestEncodedFrameIsKeyframe(t *testing.T) {
	assert.True(t, (&EncodedFrame{FrameType: FrameTypeKey}).IsKeyframe())
	assert.False(t, (&EncodedFrame{FrameType: FrameTypeDelta}).IsKeyframe())
}

func TestNewVideoEncoderUnknownCodec(t *testing.T) {
	_, err := NewVideoEncoder(EncoderConfig{Codec: VideoCodecUnknown, Width: 16, Height: 16})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotSupported)
}
