// Copyright (c) 2013-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
)

// shutdownRequestChannel carries a shutdown asked for by a component of the
// daemon rather than by a signal.
var shutdownRequestChannel = make(chan struct{}, 1)

// signals defines the signals that are handled to do a clean shutdown.
// Conditional compilation is used to also include SIGTERM on Unix.
var signals = []os.Signal{os.Interrupt}

// requestShutdown starts the clean termination process as if SIGINT had been
// received.  Extra requests are dropped.
func requestShutdown() {
	select {
	case shutdownRequestChannel <- struct{}{}:
	default:
	}
}

// interruptContext returns a context canceled on the first SIGINT (Ctrl+C),
// SIGTERM on Unix, or shutdown request.
func interruptContext(parent context.Context) (context.Context,
	context.CancelFunc) {

	ctx, cancel := context.WithCancel(parent)

	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, signals...)

	go func() {
		defer signal.Stop(interruptChannel)

		select {
		case sig := <-interruptChannel:
			log.Infof("Received signal (%s).  Shutting down...", sig)
		case <-shutdownRequestChannel:
			log.Info("Received shutdown request.  Shutting down...")
		case <-ctx.Done():
			return
		}
		cancel()
	}()

	return ctx, cancel
}
