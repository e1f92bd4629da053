package camrelay

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   SourceConfig
		field string
	}{
		{"rtsp", SourceConfig{Kind: SourceKindNetworkStream, URI: "rtsp://cam.local:554/stream"}, ""},
		{"http", SourceConfig{Kind: SourceKindNetworkStream, URI: "https://cam/video"}, ""},
		{"rtmp", SourceConfig{Kind: SourceKindNetworkStream, URI: "rtmp://0.0.0.0:1935/live"}, ""},
		{"device", SourceConfig{Kind: SourceKindLocalDevice, DeviceIndex: 1}, ""},
		{"pattern", SourceConfig{Kind: SourceKindTestPattern}, ""},
		{"bad scheme", SourceConfig{Kind: SourceKindNetworkStream, URI: "ftp://cam/x"}, "uri"},
		{"no host", SourceConfig{Kind: SourceKindNetworkStream, URI: "rtsp:///x"}, "uri"},
		{"malformed uri", SourceConfig{Kind: SourceKindNetworkStream, URI: "rtsp://[::1"}, "uri"},
		{"negative device", SourceConfig{Kind: SourceKindLocalDevice, DeviceIndex: -1}, "device"},
		{"odd size", SourceConfig{Kind: SourceKindTestPattern, Width: 641, Height: 480}, "size"},
		{"backend", SourceConfig{Kind: SourceKindTestPattern, DecodeBackend: "cuda"}, "decode-backend"},
		{"format", SourceConfig{Kind: SourceKindTestPattern, Format: PixelFormatNV12}, "format"},
		{"kind", SourceConfig{}, "kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestSourceConfigDefaults(t *testing.T) {
	cfg := SourceConfig{Kind: SourceKindTestPattern}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)
	assert.Equal(t, 30, cfg.FPS)
	assert.Equal(t, DecodeBackendAuto, cfg.DecodeBackend)
}

func TestParseSourceKind(t *testing.T) {
	for in, want := range map[string]SourceKind{
		"network": SourceKindNetworkStream,
		"RTSP":    SourceKindNetworkStream,
		"device":  SourceKindLocalDevice,
		"pattern": SourceKindTestPattern,
	} {
		got, err := ParseSourceKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSourceKind("screen")
	assert.True(t, IsConfigError(err))
}

func TestNewFrameSourceValidates(t *testing.T) {
	_, err := NewFrameSource(SourceConfig{Kind: SourceKindLocalDevice, DeviceIndex: -3}, SourceOptions{})
	assert.True(t, IsConfigError(err))
}

func TestFrameSourceFunc(t *testing.T) {
	called := false
	src := FrameSourceFunc(func(ctx context.Context) (CaptureHandle, error) {
		called = true
		return nil, Transient(nil, "nope")
	})
	_, err := src.Open(context.Background())
	assert.True(t, called)
	assert.True(t, IsTransient(err))
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("socket reset")

	tr := Transient(cause, "read frame")
	assert.True(t, IsTransient(tr))
	assert.False(t, IsClosed(tr))
	assert.Contains(t, tr.Error(), "socket reset")
	assert.ErrorIs(t, tr, ErrTransient)
	assert.ErrorIs(t, tr, cause)

	cl := Closed(nil, "eos")
	assert.True(t, IsClosed(cl))
	assert.False(t, IsTransient(cl))

	ce := &ConfigError{Field: "uri", Err: cause}
	assert.True(t, IsConfigError(errors.Wrap(ce, "open")))
	assert.Contains(t, ce.Error(), "uri")

	se := signalingError("set remote description", cause)
	var target *SignalingError
	require.True(t, errors.As(se, &target))
	assert.Equal(t, "set remote description", target.Op)
	assert.ErrorIs(t, se, cause)
}
