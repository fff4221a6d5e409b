// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func TestNewSubLogger(t *testing.T) {
	t.Parallel()

	// Without a generator there is nothing to log to in a production build.
	if IsProdBuild() {
		require.Equal(t, btclog.Disabled, NewSubLogger("WLLT", nil))
	}

	if LoggingType != LogTypeDefault {
		return
	}

	var buf bytes.Buffer
	backend := btclog.NewBackend(&buf)
	logger := NewSubLogger("WLLT", backend.Logger)
	logger.Info("synced")
	require.Contains(t, buf.String(), "[INF] WLLT: synced")
}

func TestLogTypeString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "none", LogTypeNone.String())
	require.Equal(t, "stdout", LogTypeStdOut.String())
	require.Equal(t, "default", LogTypeDefault.String())
	require.Equal(t, "unknown", LogType(9).String())
}
