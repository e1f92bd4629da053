package camrelay

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pkg/errors"
)

// H264 NAL unit types
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeAUD   = 9
)

// NewH264Packetizer creates an H.264 RTP packetizer (packetization-mode 1).
// Input must be Annex-B. SPS and PPS are aggregated into a STAP-A with the
// following NAL unit; large NAL units are split into FU-A fragments.
func NewH264Packetizer(ssrc uint32, pt uint8, mtu int) RTPPacketizer {
	return newPayloadPacketizer(&codecs.H264Payloader{}, ssrc, pt, mtu)
}

// H264Depacketizer reassembles H.264 access units from RTP packets. Output
// frames are Annex-B.
type H264Depacketizer struct {
	packet    codecs.H264Packet
	frameData []byte
	timestamp uint32
	frameType FrameType
	mu        sync.Mutex
}

// NewH264Depacketizer creates a new H.264 RTP depacketizer.
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize processes an RTP packet and returns a complete frame if available.
func (d *H264Depacketizer) Depacketize(pkt *rtp.Packet) (*EncodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	if d.timestamp != pkt.Timestamp {
		d.frameData = d.frameData[:0]
		d.frameType = FrameTypeUnknown
	}
	d.timestamp = pkt.Timestamp

	annexB, err := d.packet.Unmarshal(pkt.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "h264 unmarshal")
	}
	if len(annexB) > 0 {
		if ft := h264FrameType(annexB); ft == FrameTypeKey || d.frameType == FrameTypeUnknown {
			d.frameType = ft
		}
		d.frameData = append(d.frameData, annexB...)
	}

	if !pkt.Marker || len(d.frameData) == 0 {
		return nil, nil
	}

	frame := &EncodedFrame{
		Data:      append([]byte(nil), d.frameData...),
		FrameType: d.frameType,
		Timestamp: d.timestamp,
	}
	d.frameData = d.frameData[:0]
	d.frameType = FrameTypeUnknown
	return frame, nil
}

// Reset clears any buffered partial frames.
func (d *H264Depacketizer) Reset() {
	d.mu.Lock()
	d.packet = codecs.H264Packet{}
	d.frameData = d.frameData[:0]
	d.timestamp = 0
	d.frameType = FrameTypeUnknown
	d.mu.Unlock()
}

// h264FrameType reports FrameTypeKey if the Annex-B data contains an IDR
// slice, FrameTypeDelta if it contains other slices.
func h264FrameType(annexB []byte) FrameType {
	ft := FrameTypeUnknown
	for _, nalu := range parseAnnexBNALUnits(annexB) {
		switch nalu[0] & 0x1F {
		case nalTypeIDR:
			return FrameTypeKey
		case nalTypeSlice:
			ft = FrameTypeDelta
		}
	}
	return ft
}

// parseAnnexBNALUnits splits Annex-B data on 3- and 4-byte start codes.
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		codeLen := 0
		switch {
		case data[i+2] == 1:
			codeLen = 3
		case i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1:
			codeLen = 4
		default:
			continue
		}
		if start >= 0 && i > start {
			nalUnits = append(nalUnits, data[start:i])
		}
		start = i + codeLen
		i += codeLen - 1
	}

	if start >= 0 && start < len(data) {
		nalUnits = append(nalUnits, data[start:])
	}
	return nalUnits
}

func init() {
	RegisterVideoPacketizer(VideoCodecH264, func(ssrc uint32, pt uint8, mtu int) (RTPPacketizer, error) {
		return NewH264Packetizer(ssrc, pt, mtu), nil
	})
	RegisterVideoDepacketizer(VideoCodecH264, func() (RTPDepacketizer, error) {
		return NewH264Depacketizer(), nil
	})
}
