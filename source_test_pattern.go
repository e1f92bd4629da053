package camrelay

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// PatternType defines the type of test pattern to generate.
type PatternType int

const (
	PatternColorBars    PatternType = iota // SMPTE color bars
	PatternGradient                        // Horizontal gradient
	PatternCheckerboard                    // Checkerboard pattern
	PatternSolidColor                      // Solid color
	PatternNoise                           // Random noise
	PatternMovingBox                       // Moving box (animated)
)

func (p PatternType) String() string {
	switch p {
	case PatternColorBars:
		return "ColorBars"
	case PatternGradient:
		return "Gradient"
	case PatternCheckerboard:
		return "Checkerboard"
	case PatternSolidColor:
		return "SolidColor"
	case PatternNoise:
		return "Noise"
	case PatternMovingBox:
		return "MovingBox"
	default:
		return "Unknown"
	}
}

// ParsePatternType parses a pattern name, case-insensitively.
func ParsePatternType(s string) (PatternType, error) {
	switch strings.ToLower(s) {
	case "colorbars", "bars", "smpte":
		return PatternColorBars, nil
	case "gradient":
		return PatternGradient, nil
	case "checkerboard", "checkers":
		return PatternCheckerboard, nil
	case "solid", "solidcolor":
		return PatternSolidColor, nil
	case "noise":
		return PatternNoise, nil
	case "movingbox", "box", "":
		return PatternMovingBox, nil
	default:
		return PatternMovingBox, errors.Errorf("unknown pattern %q", s)
	}
}

// TestPatternConfig configures a test pattern source.
type TestPatternConfig struct {
	Width   int         // Frame width (default: 640)
	Height  int         // Frame height (default: 480)
	FPS     int         // Frames per second, 0 or less means unpaced
	Pattern PatternType // Pattern type (default: MovingBox)

	// MaxFrames ends the stream with ErrClosed after that many frames per
	// open (0 = endless).
	MaxFrames uint64

	// FailOpen makes the first N calls to Open fail with ErrTransient.
	FailOpen int

	// For SolidColor pattern
	SolidR, SolidG, SolidB uint8

	// For Checkerboard pattern
	CheckerSize int // Size of each checker square (default: 32)
}

// TestPatternSource generates synthetic I420 frames. Every frame gets its own
// plane memory so published frames stay immutable.
type TestPatternSource struct {
	config TestPatternConfig
	opens  atomic.Int64
}

// NewTestPatternSource creates a new test pattern video source.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 640
	}
	if config.Height <= 0 {
		config.Height = 480
	}
	if config.CheckerSize <= 0 {
		config.CheckerSize = 32
	}
	return &TestPatternSource{config: config}
}

// Opens returns the number of Open calls so far.
func (s *TestPatternSource) Opens() int64 { return s.opens.Load() }

// Open implements FrameSource.
func (s *TestPatternSource) Open(ctx context.Context) (CaptureHandle, error) {
	n := s.opens.Add(1)
	if int(n) <= s.config.FailOpen {
		return nil, Transient(nil, "test pattern: simulated open failure")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := &testPatternHandle{
		config:   s.config,
		rngState: uint64(time.Now().UnixNano()) | 1,
		closed:   make(chan struct{}),
	}
	if s.config.FPS > 0 {
		h.ticker = time.NewTicker(time.Second / time.Duration(s.config.FPS))
	}
	return h, nil
}

type testPatternHandle struct {
	config     TestPatternConfig
	ticker     *time.Ticker
	frameCount uint64
	rngState   uint64

	closed    chan struct{}
	closeOnce atomic.Bool
}

// ReadFrame waits for the next tick and renders a fresh frame.
func (h *testPatternHandle) ReadFrame(ctx context.Context) (*Frame, error) {
	if h.config.MaxFrames > 0 && h.frameCount >= h.config.MaxFrames {
		return nil, Closed(nil, "test pattern: frame limit reached")
	}

	if h.ticker != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, Closed(nil, "test pattern: handle closed")
		case <-h.ticker.C:
		}
	} else {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.closed:
			return nil, Closed(nil, "test pattern: handle closed")
		default:
		}
	}

	h.frameCount++
	f := NewI420Frame(make([]byte, I420Size(h.config.Width, h.config.Height)), h.config.Width, h.config.Height)
	f.Timestamp = time.Now()
	h.render(f, h.frameCount)
	return f, nil
}

// Close stops the pacing ticker.
func (h *testPatternHandle) Close() error {
	if h.closeOnce.Swap(true) {
		return nil
	}
	close(h.closed)
	if h.ticker != nil {
		h.ticker.Stop()
	}
	return nil
}

func (h *testPatternHandle) render(f *Frame, frameNum uint64) {
	y, u, v := f.Data[0], f.Data[1], f.Data[2]
	switch h.config.Pattern {
	case PatternColorBars:
		generateColorBars(y, u, v, f.Width, f.Height)
	case PatternGradient:
		generateGradient(y, u, v, f.Width, f.Height)
	case PatternCheckerboard:
		generateCheckerboard(y, u, v, f.Width, f.Height, h.config.CheckerSize)
	case PatternSolidColor:
		fillSolid(y, u, v, h.config.SolidR, h.config.SolidG, h.config.SolidB)
	case PatternNoise:
		h.generateNoise(y, u, v)
	case PatternMovingBox:
		generateMovingBox(y, u, v, f.Width, f.Height, frameNum)
	default:
		generateColorBars(y, u, v, f.Width, f.Height)
	}
}

// SMPTE color bars (simplified 8-bar pattern)
var colorBarsRGB = [][3]uint8{
	{192, 192, 192}, // White (75%)
	{192, 192, 0},   // Yellow
	{0, 192, 192},   // Cyan
	{0, 192, 0},     // Green
	{192, 0, 192},   // Magenta
	{192, 0, 0},     // Red
	{0, 0, 192},     // Blue
	{16, 16, 16},    // Black
}

func generateColorBars(yPlane, uPlane, vPlane []byte, w, h int) {
	barWidth := w / 8
	if barWidth == 0 {
		barWidth = 1
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			barIdx := x / barWidth
			if barIdx >= 8 {
				barIdx = 7
			}

			rgb := colorBarsRGB[barIdx]
			yVal, u, v := rgbToYUV(rgb[0], rgb[1], rgb[2])
			yPlane[y*w+x] = yVal

			if x%2 == 0 && y%2 == 0 {
				uvIdx := (y/2)*(w/2) + (x / 2)
				uPlane[uvIdx] = u
				vPlane[uvIdx] = v
			}
		}
	}
}

func generateGradient(yPlane, uPlane, vPlane []byte, w, h int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			yPlane[y*w+x] = uint8((x * 255) / w)
		}
	}
	fillChroma(uPlane, vPlane, 128, 128)
}

func generateCheckerboard(yPlane, uPlane, vPlane []byte, w, h, size int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if ((x/size)+(y/size))%2 == 0 {
				yPlane[y*w+x] = 235
			} else {
				yPlane[y*w+x] = 16
			}
		}
	}
	fillChroma(uPlane, vPlane, 128, 128)
}

func fillSolid(yPlane, uPlane, vPlane []byte, r, g, b uint8) {
	yVal, u, v := rgbToYUV(r, g, b)
	for i := range yPlane {
		yPlane[i] = yVal
	}
	fillChroma(uPlane, vPlane, u, v)
}

// generateNoise uses xorshift64.
func (h *testPatternHandle) generateNoise(yPlane, uPlane, vPlane []byte) {
	for i := range yPlane {
		h.rngState ^= h.rngState << 13
		h.rngState ^= h.rngState >> 7
		h.rngState ^= h.rngState << 17
		yPlane[i] = uint8(h.rngState)
	}
	fillChroma(uPlane, vPlane, 128, 128)
}

func generateMovingBox(yPlane, uPlane, vPlane []byte, w, h int, frameNum uint64) {
	for i := range yPlane {
		yPlane[i] = 16
	}
	fillChroma(uPlane, vPlane, 128, 128)

	boxSize := min(100, min(w, h)/2)
	radius := float64(min(w, h)) / 4

	angle := float64(frameNum) * 0.05
	boxX := w/2 + int(radius*math.Cos(angle)) - boxSize/2
	boxY := h/2 + int(radius*math.Sin(angle)) - boxSize/2

	for y := max(boxY, 0); y < boxY+boxSize && y < h; y++ {
		for x := max(boxX, 0); x < boxX+boxSize && x < w; x++ {
			yPlane[y*w+x] = 235
		}
	}
}

func fillChroma(uPlane, vPlane []byte, u, v uint8) {
	for i := range uPlane {
		uPlane[i] = u
		vPlane[i] = v
	}
}

// rgbToYUV converts RGB to YUV (BT.601)
func rgbToYUV(r, g, b uint8) (y, u, v uint8) {
	yf := 16.0 + 65.481*float64(r)/255.0 + 128.553*float64(g)/255.0 + 24.966*float64(b)/255.0
	uf := 128.0 - 37.797*float64(r)/255.0 - 74.203*float64(g)/255.0 + 112.0*float64(b)/255.0
	vf := 128.0 + 112.0*float64(r)/255.0 - 93.786*float64(g)/255.0 - 18.214*float64(b)/255.0

	y = uint8(clamp(yf, 16, 235))
	u = uint8(clamp(uf, 16, 240))
	v = uint8(clamp(vf, 16, 240))
	return
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func init() {
	RegisterFrameSource(SourceKindTestPattern, func(cfg SourceConfig, _ SourceOptions) (FrameSource, error) {
		return NewTestPatternSource(TestPatternConfig{
			Width:   cfg.Width,
			Height:  cfg.Height,
			FPS:     cfg.FPS,
			Pattern: cfg.Pattern,
		}), nil
	})
}
