package camrelay

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// DefaultMTU is the default maximum RTP packet size (UDP safe).
const DefaultMTU = 1200

const rtpHeaderSize = 12

// RTPPacketizer segments encoded frames into RTP packets.
type RTPPacketizer interface {
	// Packetize converts an encoded frame to RTP packets. The last packet
	// of a frame carries the marker bit.
	Packetize(frame *EncodedFrame) ([]*rtp.Packet, error)

	// SSRC returns the SSRC written into packets.
	SSRC() uint32

	// PayloadType returns the configured payload type.
	PayloadType() uint8
}

// RTPDepacketizer reassembles RTP packets into encoded frames.
type RTPDepacketizer interface {
	// Depacketize processes an RTP packet and returns a complete frame, or
	// nil if the frame is not complete yet.
	Depacketize(packet *rtp.Packet) (*EncodedFrame, error)

	// Reset clears any buffered partial frames.
	Reset()
}

// PacketizerFactory creates an RTP packetizer.
type PacketizerFactory func(ssrc uint32, pt uint8, mtu int) (RTPPacketizer, error)

// DepacketizerFactory creates an RTP depacketizer.
type DepacketizerFactory func() (RTPDepacketizer, error)

type rtpRegistry struct {
	packetizers   map[VideoCodec]PacketizerFactory
	depacketizers map[VideoCodec]DepacketizerFactory
	mu            sync.RWMutex
}

var globalRTPRegistry = &rtpRegistry{
	packetizers:   make(map[VideoCodec]PacketizerFactory),
	depacketizers: make(map[VideoCodec]DepacketizerFactory),
}

// RegisterVideoPacketizer registers a video RTP packetizer factory.
func RegisterVideoPacketizer(codec VideoCodec, factory PacketizerFactory) {
	globalRTPRegistry.mu.Lock()
	defer globalRTPRegistry.mu.Unlock()
	globalRTPRegistry.packetizers[codec] = factory
}

// RegisterVideoDepacketizer registers a video RTP depacketizer factory.
func RegisterVideoDepacketizer(codec VideoCodec, factory DepacketizerFactory) {
	globalRTPRegistry.mu.Lock()
	defer globalRTPRegistry.mu.Unlock()
	globalRTPRegistry.depacketizers[codec] = factory
}

// CreateVideoPacketizer creates a video RTP packetizer.
func CreateVideoPacketizer(codec VideoCodec, ssrc uint32, pt uint8, mtu int) (RTPPacketizer, error) {
	globalRTPRegistry.mu.RLock()
	factory, ok := globalRTPRegistry.packetizers[codec]
	globalRTPRegistry.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotSupported, "video packetizer for %v", codec)
	}
	return factory(ssrc, pt, mtu)
}

// CreateVideoDepacketizer creates a video RTP depacketizer.
func CreateVideoDepacketizer(codec VideoCodec) (RTPDepacketizer, error) {
	globalRTPRegistry.mu.RLock()
	factory, ok := globalRTPRegistry.depacketizers[codec]
	globalRTPRegistry.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotSupported, "video depacketizer for %v", codec)
	}
	return factory()
}

// payloadPacketizer wraps a pion payloader with header bookkeeping shared
// by all codecs.
type payloadPacketizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
	mu          sync.Mutex
}

func newPayloadPacketizer(payloader rtp.Payloader, ssrc uint32, pt uint8, mtu int) *payloadPacketizer {
	if mtu <= rtpHeaderSize {
		mtu = DefaultMTU
	}
	return &payloadPacketizer{
		ssrc:        ssrc,
		payloadType: pt,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   payloader,
	}
}

func (p *payloadPacketizer) Packetize(frame *EncodedFrame) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if frame == nil || len(frame.Data) == 0 {
		return nil, nil
	}

	payloads := p.payloader.Payload(uint16(p.mtu-rtpHeaderSize), frame.Data)
	if len(payloads) == 0 {
		return nil, nil
	}

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      frame.Timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets, nil
}

func (p *payloadPacketizer) SSRC() uint32       { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *payloadPacketizer) PayloadType() uint8 { p.mu.Lock(); defer p.mu.Unlock(); return p.payloadType }

// rtpTimestamp converts an elapsed duration to a 90kHz RTP timestamp.
func rtpTimestamp(base uint32, elapsedNs int64, clockRate uint32) uint32 {
	return base + uint32(elapsedNs*int64(clockRate)/1e9)
}
