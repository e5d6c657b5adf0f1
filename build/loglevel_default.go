//go:build !nolog

package build

// LogLevel specifies the default log level used by stdout sub-loggers.
var LogLevel = "info"
