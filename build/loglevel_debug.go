// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build debug && !trace
// +build debug,!trace

package build

// LogLevel specifies a debug log level.
var LogLevel = "debug"
