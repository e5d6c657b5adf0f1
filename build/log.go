// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs through the backend provided by the host.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// NewSubLogger constructs a new subsystem log. Production builds use
// genSubLogger when one is given and stay silent otherwise, while development
// builds compiled with the stdlog tag write straight to stdout at LogLevel.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	switch {
	case LoggingType == LogTypeNone:
		return btclog.Disabled

	case Deployment == Development && LoggingType == LogTypeStdOut:
		logger := btclog.NewBackend(os.Stdout).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger

	case genSubLogger != nil:
		return genSubLogger(subsystem)
	}

	return btclog.Disabled
}

// LogClosure is used to provide a closure over expensive logging operations so
// don't have to be performed when the logging level doesn't warrant it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure returns a new closure over a function that returns a string
// which itself provides a Stringer interface so that it can be used with the
// logging system.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewClosure returns a LogClosure that dumps v with go-spew. It is meant for
// trace and debug statements only.
func SpewClosure(v any) LogClosure {
	return func() string {
		return spew.Sdump(v)
	}
}
