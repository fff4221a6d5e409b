// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"

	"github.com/btcsuite/btclog"
)

// LogType is the kind of logging selected by the stdlog and nolog build tags.
type LogType byte

const (
	// LogTypeNone disables every subsystem logger.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes each subsystem straight to stdout.  Unit tests
	// are built this way.
	LogTypeStdOut

	// LogTypeDefault lets the daemon hand out subsystem loggers sharing its
	// rotated backend.
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

// SubLoggerGen creates the logger of a subsystem from a shared backend.
type SubLoggerGen func(subsystem string) btclog.Logger

// NewSubLogger returns the logger of subsystem for the current build.  The
// daemon passes gen to share its backend; packages initializing themselves
// pass nil and get a disabled logger until the daemon replaces it, except for
// stdlog development builds which log to stdout at LogLevel.
func NewSubLogger(subsystem string, gen SubLoggerGen) btclog.Logger {
	if IsDevBuild() && LoggingType == LogTypeStdOut {
		logger := btclog.NewBackend(os.Stdout).Logger(subsystem)
		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)
		return logger
	}

	if LoggingType == LogTypeNone || gen == nil {
		return btclog.Disabled
	}

	return gen(subsystem)
}
