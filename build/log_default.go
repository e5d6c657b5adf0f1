//go:build !stdlog && !nolog

package build

// LoggingType is a log type that hands sub-loggers to the host's backend.
const LoggingType = LogTypeDefault
