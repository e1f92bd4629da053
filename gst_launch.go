package camrelay

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// GStreamer element names used in launch descriptions.
const (
	appSinkName = "sink"
	appSrcName  = "src"
)

// rawCaps returns the I420 caps every capture pipeline converges on.
func rawCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", width, height)
}

// appSinkTail converts, scales and hands one frame at a time to the appsink.
// max-buffers=1 drop=true keeps the pipeline from queuing behind a slow
// reader.
func appSinkTail(width, height int) string {
	return fmt.Sprintf("videoconvert ! videoscale ! %s ! appsink name=%s max-buffers=1 drop=true sync=false emit-signals=false",
		rawCaps(width, height), appSinkName)
}

// h264Decoder returns the decode stage for an H.264 elementary stream.
func h264Decoder(backend DecodeBackend) string {
	switch backend {
	case DecodeBackendVAAPI:
		return "vaapih264dec low-latency=true ! vaapipostproc format=nv12"
	case DecodeBackendSoftware:
		return "avdec_h264 max-threads=0 output-corrupt=false"
	default:
		return "decodebin"
	}
}

// captureLaunch builds the capture pipeline description for a network
// stream or local device.
func captureLaunch(cfg SourceConfig) (string, error) {
	var head string

	switch cfg.Kind {
	case SourceKindNetworkStream:
		u, err := url.Parse(cfg.URI)
		if err != nil {
			return "", &ConfigError{Field: "uri", Err: err}
		}
		switch u.Scheme {
		case "rtsp", "rtsps":
			if cfg.DecodeBackend == DecodeBackendAuto {
				head = fmt.Sprintf("uridecodebin uri=%s", quoteLaunch(cfg.URI))
			} else {
				head = fmt.Sprintf("rtspsrc location=%s protocols=tcp latency=200 ! rtph264depay request-keyframe=true ! h264parse ! %s",
					quoteLaunch(cfg.URI), h264Decoder(cfg.DecodeBackend))
			}
		case "http", "https":
			head = fmt.Sprintf("souphttpsrc location=%s is-live=true ! decodebin", quoteLaunch(cfg.URI))
		default:
			return "", &ConfigError{Field: "uri", Err: errors.Errorf("scheme %q has no capture pipeline", u.Scheme)}
		}

	case SourceKindLocalDevice:
		head = fmt.Sprintf("v4l2src device=/dev/video%d ! decodebin", cfg.DeviceIndex)

	default:
		return "", &ConfigError{Field: "kind", Err: errors.Errorf("%v has no capture pipeline", cfg.Kind)}
	}

	return head + " ! " + appSinkTail(cfg.Width, cfg.Height), nil
}

// rtmpDecodeLaunch builds the decode pipeline fed by an RTMP publisher.
func rtmpDecodeLaunch(cfg SourceConfig) string {
	return fmt.Sprintf("appsrc name=%s is-live=true do-timestamp=true format=time caps=video/x-h264,stream-format=byte-stream,alignment=au ! h264parse ! %s ! %s",
		appSrcName, h264Decoder(cfg.DecodeBackend), appSinkTail(cfg.Width, cfg.Height))
}

// encoderLaunch builds the per-session encode pipeline description.
func encoderLaunch(cfg EncoderConfig) (string, error) {
	kbps := cfg.BitrateBps / 1000
	if kbps <= 0 {
		kbps = 1500
	}

	src := fmt.Sprintf("appsrc name=%s is-live=true do-timestamp=true format=time caps=%s,framerate=%d/1",
		appSrcName, rawCaps(cfg.Width, cfg.Height), cfg.FPS)

	var enc string
	switch cfg.Codec {
	case VideoCodecVP8:
		enc = fmt.Sprintf("vp8enc deadline=1 target-bitrate=%d cpu-used=8 keyframe-max-dist=%d error-resilient=partitions lag-in-frames=0 end-usage=cbr",
			kbps*1000, cfg.FPS*4)
	case VideoCodecH264:
		enc = fmt.Sprintf("x264enc tune=zerolatency speed-preset=ultrafast bitrate=%d key-int-max=%d bframes=0 ! video/x-h264,profile=constrained-baseline,stream-format=byte-stream,alignment=au",
			kbps, cfg.FPS*4)
	default:
		return "", errors.Errorf("no encoder pipeline for %v", cfg.Codec)
	}

	return fmt.Sprintf("%s ! %s ! appsink name=%s sync=false max-buffers=4", src, enc, appSinkName), nil
}

// quoteLaunch quotes a property value for gst_parse_launch.
func quoteLaunch(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

// PipelineErrorCategory classifies pipeline bus errors.
type PipelineErrorCategory int

const (
	PipelineErrorNetwork PipelineErrorCategory = iota
	PipelineErrorCodec
	PipelineErrorAuth
	PipelineErrorUnknown
)

func (c PipelineErrorCategory) String() string {
	switch c {
	case PipelineErrorNetwork:
		return "network"
	case PipelineErrorCodec:
		return "codec"
	case PipelineErrorAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	authKeywords    = []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"}
	codecKeywords   = []string{"not negotiated", "no decoder", "missing plugin", "decode", "caps", "codec"}
	networkKeywords = []string{"connection", "timeout", "timed out", "unreachable", "network", "resolve", "socket", "could not connect", "could not open resource"}
)

// ClassifyPipelineError categorizes a bus error from its message and debug
// strings.
func ClassifyPipelineError(message, debug string) PipelineErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return PipelineErrorAuth
	case containsAny(combined, codecKeywords):
		return PipelineErrorCodec
	case containsAny(combined, networkKeywords):
		return PipelineErrorNetwork
	default:
		return PipelineErrorUnknown
	}
}

// pipelineError maps a bus error to the capture error taxonomy. Credential
// failures are terminal, everything else is retried.
func pipelineError(message, debug string) error {
	category := ClassifyPipelineError(message, debug)
	err := errors.Errorf("pipeline error [%s]: %s", category, message)
	if category == PipelineErrorAuth {
		return Closed(err, "capture pipeline")
	}
	return Transient(err, "capture pipeline")
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
