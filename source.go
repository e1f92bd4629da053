package camrelay

import (
	"context"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/pion/logging"
	"github.com/pkg/errors"
)

// SourceKind identifies the type of capture source.
type SourceKind int

const (
	SourceKindUnknown       SourceKind = iota
	SourceKindNetworkStream            // RTSP/HTTP camera or RTMP publisher
	SourceKindLocalDevice              // V4L2 capture device
	SourceKindTestPattern              // Synthetic test pattern generator
)

func (s SourceKind) String() string {
	switch s {
	case SourceKindNetworkStream:
		return "network"
	case SourceKindLocalDevice:
		return "device"
	case SourceKindTestPattern:
		return "pattern"
	default:
		return "unknown"
	}
}

// ParseSourceKind parses the names returned by SourceKind.String.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(s) {
	case "network", "rtsp", "stream":
		return SourceKindNetworkStream, nil
	case "device", "camera", "local":
		return SourceKindLocalDevice, nil
	case "pattern", "test":
		return SourceKindTestPattern, nil
	default:
		return SourceKindUnknown, &ConfigError{Field: "kind", Err: errors.Errorf("unknown source kind %q", s)}
	}
}

// DecodeBackend is a hint for how the capture pipeline decodes the stream.
type DecodeBackend string

const (
	DecodeBackendAuto     DecodeBackend = "auto"     // Let the pipeline pick (decodebin)
	DecodeBackendVAAPI    DecodeBackend = "vaapi"    // Hardware decode via VA-API
	DecodeBackendSoftware DecodeBackend = "software" // avdec_h264
)

// SourceConfig describes one capture source. It is supplied at startup and
// immutable for the lifetime of the process.
type SourceConfig struct {
	Kind          SourceKind
	URI           string        // rtsp://, http(s):// or rtmp:// (network streams)
	DeviceIndex   int           // /dev/video<N> (local devices)
	Width         int           // Output width (default: 640)
	Height        int           // Output height (default: 480)
	FPS           int           // Nominal frame rate (default: 30)
	Format        PixelFormat   // Target color format (default: I420)
	DecodeBackend DecodeBackend // Decode backend hint (default: auto)

	// Pattern only applies to SourceKindTestPattern.
	Pattern PatternType
}

// DefaultSourceConfig returns a test pattern configuration at 640x480@30.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		Kind:          SourceKindTestPattern,
		Width:         640,
		Height:        480,
		FPS:           30,
		Format:        PixelFormatI420,
		DecodeBackend: DecodeBackendAuto,
		Pattern:       PatternMovingBox,
	}
}

func (c *SourceConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.DecodeBackend == "" {
		c.DecodeBackend = DecodeBackendAuto
	}
}

// Validate applies defaults and checks the configuration. It returns a
// *ConfigError describing the first problem found.
func (c *SourceConfig) Validate() error {
	c.applyDefaults()

	if c.Width%2 != 0 || c.Height%2 != 0 {
		return &ConfigError{Field: "size", Err: errors.Errorf("%dx%d is not even", c.Width, c.Height)}
	}
	if c.Format != PixelFormatI420 {
		return &ConfigError{Field: "format", Err: errors.Errorf("%v output is not supported, use I420", c.Format)}
	}
	switch c.DecodeBackend {
	case DecodeBackendAuto, DecodeBackendVAAPI, DecodeBackendSoftware:
	default:
		return &ConfigError{Field: "decode-backend", Err: errors.Errorf("unknown backend %q", c.DecodeBackend)}
	}

	switch c.Kind {
	case SourceKindNetworkStream:
		u, err := url.Parse(c.URI)
		if err != nil {
			return &ConfigError{Field: "uri", Err: err}
		}
		switch u.Scheme {
		case "rtsp", "rtsps", "http", "https", "rtmp":
		default:
			return &ConfigError{Field: "uri", Err: errors.Errorf("unsupported scheme %q", u.Scheme)}
		}
		if u.Host == "" {
			return &ConfigError{Field: "uri", Err: errors.New("missing host")}
		}
	case SourceKindLocalDevice:
		if c.DeviceIndex < 0 {
			return &ConfigError{Field: "device", Err: errors.Errorf("negative device index %d", c.DeviceIndex)}
		}
	case SourceKindTestPattern:
	default:
		return &ConfigError{Field: "kind", Err: errors.Errorf("unknown source kind %v", c.Kind)}
	}
	return nil
}

// FrameSource opens a blocking capture pipeline. Open may be called again
// after the previous handle was closed; retry policy lives in CaptureLoop.
type FrameSource interface {
	// Open starts the pipeline. Errors wrapping a *ConfigError are fatal,
	// anything else is treated as transient.
	Open(ctx context.Context) (CaptureHandle, error)
}

// CaptureHandle is an open capture pipeline.
type CaptureHandle interface {
	io.Closer

	// ReadFrame blocks until a frame is available, an error occurs or the
	// source disconnects. Recoverable failures wrap ErrTransient, a terminal
	// end of stream wraps ErrClosed. The returned frame is owned by the
	// caller and must not be modified by the source afterwards.
	ReadFrame(ctx context.Context) (*Frame, error)
}

// FrameSourceFunc adapts a function to the FrameSource interface.
type FrameSourceFunc func(ctx context.Context) (CaptureHandle, error)

// Open implements FrameSource.
func (f FrameSourceFunc) Open(ctx context.Context) (CaptureHandle, error) { return f(ctx) }

// FrameSourceFactory creates a frame source for a validated configuration.
type FrameSourceFactory func(cfg SourceConfig, opts SourceOptions) (FrameSource, error)

// sourceRegistry holds registered source factories.
type sourceRegistry struct {
	factories map[SourceKind]FrameSourceFactory
	mu        sync.RWMutex
}

var globalSourceRegistry = &sourceRegistry{
	factories: make(map[SourceKind]FrameSourceFactory),
}

// RegisterFrameSource registers a factory for a source kind.
func RegisterFrameSource(kind SourceKind, factory FrameSourceFactory) {
	globalSourceRegistry.mu.Lock()
	defer globalSourceRegistry.mu.Unlock()
	globalSourceRegistry.factories[kind] = factory
}

// NewFrameSource validates cfg and creates a frame source of the configured
// kind.
func NewFrameSource(cfg SourceConfig, opts SourceOptions) (FrameSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalSourceRegistry.mu.RLock()
	factory, ok := globalSourceRegistry.factories[cfg.Kind]
	globalSourceRegistry.mu.RUnlock()

	if !ok {
		return nil, &ConfigError{Field: "kind", Err: errors.Wrapf(ErrNotSupported, "source kind %v", cfg.Kind)}
	}
	return factory(cfg, opts)
}

// AvailableSourceKinds returns the registered source kinds.
func AvailableSourceKinds() []SourceKind {
	globalSourceRegistry.mu.RLock()
	defer globalSourceRegistry.mu.RUnlock()

	kinds := make([]SourceKind, 0, len(globalSourceRegistry.factories))
	for k := range globalSourceRegistry.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// SourceOptions carries process-wide collaborators for sources.
type SourceOptions struct {
	LoggerFactory logging.LoggerFactory
}
