//go:build nogst

package camrelay

import "github.com/pkg/errors"

// Built without GStreamer: only the test pattern source is available and no
// encoder is registered, so sessions need an injected EncoderFactory.
func init() {
	factory := func(cfg SourceConfig, _ SourceOptions) (FrameSource, error) {
		return nil, &ConfigError{Field: "kind", Err: errors.Wrapf(ErrNotSupported, "%v source requires GStreamer", cfg.Kind)}
	}
	RegisterFrameSource(SourceKindNetworkStream, factory)
	RegisterFrameSource(SourceKindLocalDevice, factory)
}
