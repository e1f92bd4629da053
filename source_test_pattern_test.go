package camrelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestPatternSourceDefaults(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{})
	h, err := src.Open(context.Background())
	require.NoError(t, err)
	defer h.Close()

	f, err := h.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 640, f.Width)
	assert.Equal(t, 480, f.Height)
	assert.Equal(t, PixelFormatI420, f.Format)
	assert.Equal(t, I420Size(640, 480), f.Size())
	assert.False(t, f.Timestamp.IsZero())
}

func TestTestPatternSourceAllPatterns(t *testing.T) {
	patterns := []PatternType{
		PatternColorBars,
		PatternGradient,
		PatternCheckerboard,
		PatternSolidColor,
		PatternNoise,
		PatternMovingBox,
	}

	for _, pattern := range patterns {
		t.Run(pattern.String(), func(t *testing.T) {
			src := NewTestPatternSource(TestPatternConfig{
				Width:   64,
				Height:  48,
				Pattern: pattern,
				SolidR:  255,
				SolidG:  128,
				SolidB:  64,
			})
			h, err := src.Open(context.Background())
			require.NoError(t, err)
			defer h.Close()

			for i := 0; i < 3; i++ {
				f, err := h.ReadFrame(context.Background())
				require.NoError(t, err)
				require.NotNil(t, f)
				assert.Equal(t, 64*48, len(f.Data[0]))
			}
		})
	}
}

func TestTestPatternFramesAreIndependent(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{Width: 16, Height: 16, Pattern: PatternMovingBox})
	h, err := src.Open(context.Background())
	require.NoError(t, err)
	defer h.Close()

	a, err := h.ReadFrame(context.Background())
	require.NoError(t, err)
	b, err := h.ReadFrame(context.Background())
	require.NoError(t, err)

	require.NotSame(t, &a.Data[0][0], &b.Data[0][0])
}

func TestTestPatternSolidColor(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{
		Width: 8, Height: 8, Pattern: PatternSolidColor,
		SolidR: 255, SolidG: 255, SolidB: 255,
	})
	h, err := src.Open(context.Background())
	require.NoError(t, err)
	defer h.Close()

	f, err := h.ReadFrame(context.Background())
	require.NoError(t, err)
	for _, y := range f.Data[0] {
		require.Equal(t, byte(235), y)
	}
}

func TestTestPatternMaxFrames(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{Width: 8, Height: 8, MaxFrames: 2})
	h, err := src.Open(context.Background())
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 2; i++ {
		_, err := h.ReadFrame(context.Background())
		require.NoError(t, err)
	}
	_, err = h.ReadFrame(context.Background())
	assert.True(t, IsClosed(err))
}

func TestTestPatternFailOpen(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{Width: 8, Height: 8, FailOpen: 2})

	for i := 0; i < 2; i++ {
		_, err := src.Open(context.Background())
		require.Error(t, err)
		assert.True(t, IsTransient(err))
	}
	h, err := src.Open(context.Background())
	require.NoError(t, err)
	h.Close()
	assert.Equal(t, int64(3), src.Opens())
}

func TestTestPatternPacing(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{Width: 8, Height: 8, FPS: 50})
	h, err := src.Open(context.Background())
	require.NoError(t, err)
	defer h.Close()

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := h.ReadFrame(context.Background())
		require.NoError(t, err)
	}
	// Five ticks at 20ms.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestTestPatternCancelAndClose(t *testing.T) {
	src := NewTestPatternSource(TestPatternConfig{Width: 8, Height: 8, FPS: 1})
	h, err := src.Open(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.ReadFrame(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	_, err = h.ReadFrame(context.Background())
	assert.True(t, IsClosed(err))
}

func TestRGBToYUVRange(t *testing.T) {
	colors := [][3]uint8{{255, 255, 255}, {0, 0, 0}, {255, 0, 0}, {0, 255, 0}, {0, 0, 255}, {128, 128, 128}}
	for _, c := range colors {
		y, u, v := rgbToYUV(c[0], c[1], c[2])
		assert.True(t, y >= 16 && y <= 235, "y=%d for %v", y, c)
		assert.True(t, u >= 16 && u <= 240, "u=%d for %v", u, c)
		assert.True(t, v >= 16 && v <= 240, "v=%d for %v", v, c)
	}
}

func TestParsePatternType(t *testing.T) {
	for _, p := range []PatternType{PatternColorBars, PatternGradient, PatternCheckerboard, PatternSolidColor, PatternNoise, PatternMovingBox} {
		got, err := ParsePatternType(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePatternType("plaid")
	assert.Error(t, err)
}

func TestTestPatternRegistered(t *testing.T) {
	cfg := DefaultSourceConfig()
	cfg.Width, cfg.Height = 32, 16

	src, err := NewFrameSource(cfg, SourceOptions{})
	require.NoError(t, err)

	h, err := src.Open(context.Background())
	require.NoError(t, err)
	defer h.Close()

	f, err := h.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 32, f.Width)
	assert.Contains(t, AvailableSourceKinds(), SourceKindTestPattern)
}

func BenchmarkTestPatternColorBars(b *testing.B) {
	src := NewTestPatternSource(TestPatternConfig{Width: 1280, Height: 720, Pattern: PatternColorBars})
	h, err := src.Open(context.Background())
	if err != nil {
		b.Fatal(err)
	}
	defer h.Close()

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := h.ReadFrame(context.Background()); err != nil {
			b.Fatal(err)
		}
	}
}
