// Core frame types shared by sources, the latest-frame buffer and stream tracks.
package camrelay

import "time"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420  PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                     // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatRGB24                    // Packed RGB, 3 bytes per pixel
	PixelFormatBGR24                    // Packed BGR, 3 bytes per pixel
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatRGB24:
		return "RGB"
	case PixelFormatBGR24:
		return "BGR"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	case PixelFormatNV12:
		return 2 // Y, UV
	case PixelFormatRGB24, PixelFormatBGR24:
		return 1 // Packed
	default:
		return 0
	}
}

// ParsePixelFormat maps a GStreamer-style format name to a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, bool) {
	switch s {
	case "I420", "i420", "":
		return PixelFormatI420, true
	case "NV12", "nv12":
		return PixelFormatNV12, true
	case "RGB", "rgb", "rgb24":
		return PixelFormatRGB24, true
	case "BGR", "bgr", "bgr24":
		return PixelFormatBGR24, true
	default:
		return PixelFormatI420, false
	}
}

// Frame is one decoded image sample.
//
// A Frame is immutable once it has been published to a LatestFrameBuffer:
// sources allocate fresh plane memory for every frame and readers only ever
// receive a shared read-only reference. Use Clone to obtain a private copy.
type Frame struct {
	Seq       uint64      // Monotonic sequence number, 0 for placeholders
	Timestamp time.Time   // Capture time
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Data      [][]byte    // Plane data (1-3 planes depending on format)
	Stride    []int       // Stride for each plane in bytes
}

// IsPlaceholder reports whether f is a synthetic frame emitted before the
// first real frame was captured.
func (f *Frame) IsPlaceholder() bool {
	return f.Seq == 0
}

// Size returns the total number of payload bytes across all planes.
func (f *Frame) Size() int {
	n := 0
	for _, p := range f.Data {
		n += len(p)
	}
	return n
}

// Contiguous returns all planes concatenated in order. For single-plane
// frames the plane itself is returned without copying.
func (f *Frame) Contiguous() []byte {
	if len(f.Data) == 1 {
		return f.Data[0]
	}
	out := make([]byte, 0, f.Size())
	for _, p := range f.Data {
		out = append(out, p...)
	}
	return out
}

// Clone creates a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	clone := &Frame{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return ySize + uvSize*2
}

// NewI420Frame wraps a contiguous I420 buffer as a three-plane frame. The
// buffer is referenced, not copied.
func NewI420Frame(buf []byte, width, height int) *Frame {
	ySize := width * height
	uvSize := (width / 2) * (height / 2)
	return &Frame{
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
		Data: [][]byte{
			buf[:ySize],
			buf[ySize : ySize+uvSize],
			buf[ySize+uvSize : ySize+2*uvSize],
		},
		Stride: []int{width, width / 2, width / 2},
	}
}

// NewPlaceholderFrame returns a solid black I420 frame with Seq 0. Stream
// tracks hand it out until the capture loop publishes its first frame.
func NewPlaceholderFrame(width, height int) *Frame {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	buf := make([]byte, I420Size(width, height))
	ySize := width * height
	for i := 0; i < ySize; i++ {
		buf[i] = 16
	}
	for i := ySize; i < len(buf); i++ {
		buf[i] = 128
	}
	f := NewI420Frame(buf, width, height)
	f.Timestamp = time.Now()
	return f
}
