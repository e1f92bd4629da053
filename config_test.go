package camrelay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig("test", nil)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9922", cfg.Addr())
	assert.Equal(t, "*", cfg.CORS)

	src, err := cfg.SourceConfig()
	require.NoError(t, err)
	assert.Equal(t, SourceKindTestPattern, src.Kind)
	assert.Equal(t, PatternMovingBox, src.Pattern)

	codec, err := cfg.VideoCodec()
	require.NoError(t, err)
	assert.Equal(t, VideoCodecVP8, codec)
	assert.Nil(t, cfg.ICEServers())
}

func TestParseConfigFlags(t *testing.T) {
	cfg, err := ParseConfig("test", []string{
		"--host", "127.0.0.1",
		"--port", "8080",
		"--source", "rtsp://cam/stream",
		"--width", "1280", "--height", "720",
		"--decode-backend", "vaapi",
		"--codec", "h264",
		"--bitrate", "2500",
		"--output-fps", "25",
		"--max-staleness", "5s",
		"--max-reconnects", "7",
		"--stun", "stun:stun.l.google.com:19302",
		"--mdns",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.True(t, cfg.MDNS)

	src, err := cfg.SourceConfig()
	require.NoError(t, err)
	assert.Equal(t, SourceKindNetworkStream, src.Kind)
	assert.Equal(t, DecodeBackendVAAPI, src.DecodeBackend)
	assert.Equal(t, 1280, src.Width)

	mgr := cfg.ManagerConfig()
	assert.Equal(t, VideoCodecH264, mgr.Codec)
	assert.Equal(t, 2500000, mgr.BitrateBps)
	assert.Equal(t, 25, mgr.OutputFPS)
	assert.Equal(t, 5*time.Second, mgr.MaxStaleness)
	require.Len(t, mgr.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, mgr.ICEServers[0].URLs)

	assert.Equal(t, 7, cfg.CaptureConfig().MaxAttempts)
}

func TestConfigSourceKindSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Device = 2
	src, err := cfg.SourceConfig()
	require.NoError(t, err)
	assert.Equal(t, SourceKindLocalDevice, src.Kind)
	assert.Equal(t, 2, src.DeviceIndex)

	cfg = DefaultConfig()
	cfg.SourceKind = "device"
	src, err = cfg.SourceConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, src.DeviceIndex)

	cfg = DefaultConfig()
	cfg.SourceKind = "pattern"
	cfg.Pattern = "checkerboard"
	src, err = cfg.SourceConfig()
	require.NoError(t, err)
	assert.Equal(t, PatternCheckerboard, src.Pattern)
}

func TestConfigValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port", []string{"--port", "0"}},
		{"codec", []string{"--codec", "av1"}},
		{"bitrate", []string{"--bitrate", "0"}},
		{"output fps", []string{"--output-fps", "500"}},
		{"staleness", []string{"--max-staleness", "-1s"}},
		{"reconnects", []string{"--max-reconnects", "-2"}},
		{"stun", []string{"--stun", "turn:example.com"}},
		{"source", []string{"--source", "ftp://cam/stream"}},
		{"kind", []string{"--source-kind", "screen"}},
		{"pattern", []string{"--pattern", "plaid"}},
		{"backend", []string{"--decode-backend", "cuda"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig("test", tt.args)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "got %v", err)
		})
	}
}

func TestParseConfigUnknownFlag(t *testing.T) {
	_, err := ParseConfig("test", []string{"--nope"})
	assert.Error(t, err)
}
