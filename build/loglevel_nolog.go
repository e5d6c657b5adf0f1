//go:build nolog

package build

// LogLevel specifies no logging.
var LogLevel = "off"
