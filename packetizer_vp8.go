package camrelay

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pkg/errors"
)

// NewVP8Packetizer creates a VP8 RTP packetizer using pion's payloader.
func NewVP8Packetizer(ssrc uint32, pt uint8, mtu int) RTPPacketizer {
	return newPayloadPacketizer(&codecs.VP8Payloader{EnablePictureID: true}, ssrc, pt, mtu)
}

// VP8Depacketizer implements RTPDepacketizer for VP8 using pion's codecs.
type VP8Depacketizer struct {
	depacketizer codecs.VP8Packet
	buffer       []byte
	timestamp    uint32
	frameType    FrameType
	mu           sync.Mutex
}

// NewVP8Depacketizer creates a new VP8 RTP depacketizer.
func NewVP8Depacketizer() *VP8Depacketizer {
	return &VP8Depacketizer{}
}

// Depacketize processes an RTP packet and returns a complete frame if available.
func (d *VP8Depacketizer) Depacketize(packet *rtp.Packet) (*EncodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.depacketizer.Unmarshal(packet.Payload); err != nil {
		return nil, errors.Wrap(err, "vp8 unmarshal")
	}

	if d.timestamp != packet.Timestamp {
		d.buffer = d.buffer[:0]
		d.frameType = FrameTypeUnknown
	}
	d.timestamp = packet.Timestamp

	// P bit of the first partition: 0 means keyframe.
	if d.depacketizer.S == 1 && d.depacketizer.PID == 0 && len(d.depacketizer.Payload) > 0 {
		if d.depacketizer.Payload[0]&0x01 == 0 {
			d.frameType = FrameTypeKey
		} else {
			d.frameType = FrameTypeDelta
		}
	}

	d.buffer = append(d.buffer, d.depacketizer.Payload...)

	if !packet.Marker {
		return nil, nil
	}

	frame := &EncodedFrame{
		Data:      append([]byte(nil), d.buffer...),
		FrameType: d.frameType,
		Timestamp: d.timestamp,
	}
	d.buffer = d.buffer[:0]
	d.frameType = FrameTypeUnknown
	return frame, nil
}

// Reset clears any buffered partial frames.
func (d *VP8Depacketizer) Reset() {
	d.mu.Lock()
	d.buffer = d.buffer[:0]
	d.timestamp = 0
	d.frameType = FrameTypeUnknown
	d.mu.Unlock()
}

func init() {
	RegisterVideoPacketizer(VideoCodecVP8, func(ssrc uint32, pt uint8, mtu int) (RTPPacketizer, error) {
		return NewVP8Packetizer(ssrc, pt, mtu), nil
	})
	RegisterVideoDepacketizer(VideoCodecVP8, func() (RTPDepacketizer, error) {
		return NewVP8Depacketizer(), nil
	})
}

// vp8FrameType reads the P bit of the VP8 frame tag.
func vp8FrameType(data []byte) FrameType {
	if len(data) == 0 {
		return FrameTypeUnknown
	}
	if data[0]&0x01 == 0 {
		return FrameTypeKey
	}
	return FrameTypeDelta
}
