// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package legacyrpc

import (
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/csvwallet/build"
)

// log is the RPCS subsystem logger.  Requests are only logged once the daemon
// hands its logger over.
var log = build.NewSubLogger("RPCS", nil)

// UseLogger sets the package-wide logger.  Any calls to this function must be
// made before a server is created and used (it is not concurrent safe).
func UseLogger(logger btclog.Logger) {
	log = logger
}
