package camrelay

import "github.com/pion/logging"

// newLogger returns a scoped logger from factory, falling back to pion's
// default factory so components never have to nil-check their logger.
func newLogger(factory logging.LoggerFactory, scope string) logging.LeveledLogger {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return factory.NewLogger(scope)
}

// NewLoggerFactory returns a pion logger factory with the given default
// level name (trace, debug, info, warn, error, disabled).
func NewLoggerFactory(level string) logging.LoggerFactory {
	f := logging.NewDefaultLoggerFactory()
	switch level {
	case "trace":
		f.DefaultLogLevel = logging.LogLevelTrace
	case "debug":
		f.DefaultLogLevel = logging.LogLevelDebug
	case "warn":
		f.DefaultLogLevel = logging.LogLevelWarn
	case "error":
		f.DefaultLogLevel = logging.LogLevelError
	case "disabled", "off":
		f.DefaultLogLevel = logging.LogLevelDisabled
	default:
		f.DefaultLogLevel = logging.LogLevelInfo
	}
	return f
}
