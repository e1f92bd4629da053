package camrelay

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// Config is the server's command line configuration.
type Config struct {
	Host string
	Port int
	CORS string

	SourceKind    string // auto, network, device or pattern
	Source        string // Network stream URI
	Device        int    // Local device index, -1 when unset
	Width         int
	Height        int
	FPS           int
	DecodeBackend string
	Pattern       string

	Codec         string
	Bitrate       int // kbps
	OutputFPS     int
	MaxStaleness  time.Duration
	MaxReconnects int

	STUN     []string
	LogLevel string
	MDNS     bool
}

// DefaultConfig returns the defaults used by the flags.
func DefaultConfig() Config {
	return Config{
		Host:          "0.0.0.0",
		Port:          9922,
		CORS:          "*",
		SourceKind:    "auto",
		Device:        -1,
		Width:         640,
		Height:        480,
		FPS:           30,
		DecodeBackend: string(DecodeBackendAuto),
		Pattern:       PatternMovingBox.String(),
		Codec:         "vp8",
		Bitrate:       1500,
		OutputFPS:     30,
		LogLevel:      "info",
	}
}

// RegisterFlags binds the configuration to fs, using the current values as
// defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "HTTP listen host")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "HTTP listen port")
	fs.StringVar(&c.CORS, "cors", c.CORS, "Access-Control-Allow-Origin value")

	fs.StringVar(&c.SourceKind, "source-kind", c.SourceKind, "Capture source kind: auto, network, device or pattern")
	fs.StringVarP(&c.Source, "source", "i", c.Source, "Network stream URI (rtsp://, http(s)://, rtmp:// to listen for a publisher)")
	fs.IntVarP(&c.Device, "device", "d", c.Device, "Local capture device index (/dev/video<N>)")
	fs.IntVarP(&c.Width, "width", "x", c.Width, "Output width")
	fs.IntVarP(&c.Height, "height", "y", c.Height, "Output height")
	fs.IntVar(&c.FPS, "fps", c.FPS, "Capture frame rate")
	fs.StringVar(&c.DecodeBackend, "decode-backend", c.DecodeBackend, "Decoder: auto, vaapi or software")
	fs.StringVar(&c.Pattern, "pattern", c.Pattern, "Test pattern when no source is given")

	fs.StringVar(&c.Codec, "codec", c.Codec, "Outgoing codec: vp8 or h264")
	fs.IntVarP(&c.Bitrate, "bitrate", "b", c.Bitrate, "Encoder bitrate in kbps")
	fs.IntVar(&c.OutputFPS, "output-fps", c.OutputFPS, "Per-session send rate")
	fs.DurationVar(&c.MaxStaleness, "max-staleness", c.MaxStaleness, "Close sessions after this long without a new frame (0 disables)")
	fs.IntVar(&c.MaxReconnects, "max-reconnects", c.MaxReconnects, "Give up after this many consecutive reconnect failures (0 retries forever)")

	fs.StringSliceVar(&c.STUN, "stun", c.STUN, "STUN server URLs")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: trace, debug, info, warn, error, disabled")
	fs.BoolVar(&c.MDNS, "mdns", c.MDNS, "Advertise the signaling endpoint over mDNS")
}

// ParseConfig parses args into a validated Config.
func ParseConfig(name string, args []string) (Config, error) {
	c := DefaultConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Validate checks the configuration. Errors are *ConfigError.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigError{Field: "port", Err: errors.Errorf("invalid port %d", c.Port)}
	}
	if c.Bitrate <= 0 {
		return &ConfigError{Field: "bitrate", Err: errors.Errorf("invalid bitrate %d", c.Bitrate)}
	}
	if c.OutputFPS <= 0 || c.OutputFPS > 120 {
		return &ConfigError{Field: "output-fps", Err: errors.Errorf("invalid output fps %d", c.OutputFPS)}
	}
	if c.MaxStaleness < 0 {
		return &ConfigError{Field: "max-staleness", Err: errors.Errorf("negative staleness %v", c.MaxStaleness)}
	}
	if c.MaxReconnects < 0 {
		return &ConfigError{Field: "max-reconnects", Err: errors.Errorf("negative reconnect limit %d", c.MaxReconnects)}
	}
	if _, err := c.VideoCodec(); err != nil {
		return err
	}
	for _, u := range c.STUN {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			return &ConfigError{Field: "stun", Err: errors.Errorf("not a stun url %q", u)}
		}
	}
	src, err := c.SourceConfig()
	if err != nil {
		return err
	}
	return src.Validate()
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// VideoCodec returns the configured outgoing codec.
func (c *Config) VideoCodec() (VideoCodec, error) {
	codec, err := ParseVideoCodec(c.Codec)
	if err != nil {
		return VideoCodecUnknown, &ConfigError{Field: "codec", Err: err}
	}
	return codec, nil
}

// SourceConfig builds the capture source configuration. With source-kind
// auto a URI selects a network stream, a device index selects a local
// device and neither selects the test pattern.
func (c *Config) SourceConfig() (SourceConfig, error) {
	cfg := SourceConfig{
		URI:           c.Source,
		DeviceIndex:   c.Device,
		Width:         c.Width,
		Height:        c.Height,
		FPS:           c.FPS,
		Format:        PixelFormatI420,
		DecodeBackend: DecodeBackend(strings.ToLower(c.DecodeBackend)),
	}

	if c.SourceKind == "" || strings.EqualFold(c.SourceKind, "auto") {
		switch {
		case c.Source != "":
			cfg.Kind = SourceKindNetworkStream
		case c.Device >= 0:
			cfg.Kind = SourceKindLocalDevice
		default:
			cfg.Kind = SourceKindTestPattern
		}
	} else {
		kind, err := ParseSourceKind(c.SourceKind)
		if err != nil {
			return cfg, err
		}
		cfg.Kind = kind
	}

	if cfg.Kind == SourceKindLocalDevice && cfg.DeviceIndex < 0 {
		cfg.DeviceIndex = 0
	}

	if cfg.Kind == SourceKindTestPattern {
		pattern, err := ParsePatternType(c.Pattern)
		if err != nil {
			return cfg, &ConfigError{Field: "pattern", Err: err}
		}
		cfg.Pattern = pattern
	}
	return cfg, nil
}

// ICEServers returns the configured STUN servers.
func (c *Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUN) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), c.STUN...)}}
}

// CaptureConfig returns the capture loop configuration.
func (c *Config) CaptureConfig() CaptureConfig {
	cfg := DefaultCaptureConfig()
	cfg.MaxAttempts = c.MaxReconnects
	return cfg
}

// ManagerConfig returns the session manager configuration. Capture and
// LoggerFactory are left for the caller.
func (c *Config) ManagerConfig() ManagerConfig {
	codec, _ := c.VideoCodec()
	return ManagerConfig{
		Codec:        codec,
		Width:        c.Width,
		Height:       c.Height,
		OutputFPS:    c.OutputFPS,
		BitrateBps:   c.Bitrate * 1000,
		MaxStaleness: c.MaxStaleness,
		ICEServers:   c.ICEServers(),
	}
}
