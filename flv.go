package camrelay

import (
	"net"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// FLV video tag constants (AVC only).
const (
	flvCodecAVC           = 7
	flvFrameTypeKey       = 1
	flvAVCSequenceHeader  = 0
	flvAVCNALU            = 1
	flvVideoTagHeaderSize = 5
	defaultRTMPPort       = "1935"
)

// flvVideoTag is a parsed FLV video tag body.
type flvVideoTag struct {
	keyframe   bool
	packetType uint8
	data       []byte
}

// parseFLVVideoTag parses an AVC video tag. It returns ErrNotSupported for
// other codecs.
func parseFLVVideoTag(data []byte) (flvVideoTag, error) {
	if len(data) < flvVideoTagHeaderSize {
		return flvVideoTag{}, errors.Errorf("video tag too short: %d bytes", len(data))
	}
	if codecID := data[0] & 0x0F; codecID != flvCodecAVC {
		return flvVideoTag{}, errors.Wrapf(ErrNotSupported, "flv codec id %d", codecID)
	}
	return flvVideoTag{
		keyframe:   (data[0]>>4)&0x0F == flvFrameTypeKey,
		packetType: data[1],
		data:       data[flvVideoTagHeaderSize:],
	}, nil
}

// extractSPSPPS reads the first SPS and PPS from an AVCDecoderConfigurationRecord.
func extractSPSPPS(data []byte) (sps, pps []byte) {
	if len(data) < 8 {
		return
	}
	offset := 5
	numSPS := int(data[offset] & 0x1F)
	offset++

	for i := 0; i < numSPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return
		}
		if sps == nil {
			sps = append([]byte(nil), data[offset:offset+length]...)
		}
		offset += length
	}

	if offset >= len(data) {
		return
	}
	numPPS := int(data[offset])
	offset++

	for i := 0; i < numPPS && offset+2 <= len(data); i++ {
		length := int(data[offset])<<8 | int(data[offset+1])
		offset += 2
		if offset+length > len(data) {
			return
		}
		if pps == nil {
			pps = append([]byte(nil), data[offset:offset+length]...)
		}
		offset += length
	}
	return
}

// parseAVCCNALUs splits 4-byte length-prefixed NAL units.
func parseAVCCNALUs(data []byte) [][]byte {
	var nalus [][]byte
	for offset := 0; offset+4 <= len(data); {
		length := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if length <= 0 || offset+length > len(data) {
			break
		}
		nalus = append(nalus, data[offset:offset+length])
		offset += length
	}
	return nalus
}

// buildAnnexB joins NAL units with start codes, prefixing SPS/PPS on
// keyframes so the decoder can join mid-stream.
func buildAnnexB(nalus [][]byte, sps, pps []byte, isKey bool) []byte {
	sc := []byte{0, 0, 0, 1}
	var out []byte

	if isKey && sps != nil && pps != nil {
		out = append(out, sc...)
		out = append(out, sps...)
		out = append(out, sc...)
		out = append(out, pps...)
	}

	for _, nalu := range nalus {
		out = append(out, sc...)
		out = append(out, nalu...)
	}
	return out
}

func isRTMPURI(uri string) bool {
	return strings.HasPrefix(strings.ToLower(uri), "rtmp://")
}

// rtmpListenAddr returns the host:port an RTMP source listens on and the
// stream key publishers must use (empty accepts any).
func rtmpListenAddr(uri string) (addr, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", &ConfigError{Field: "uri", Err: err}
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = defaultRTMPPort
	}
	return net.JoinHostPort(host, port), strings.TrimPrefix(u.Path, "/"), nil
}
