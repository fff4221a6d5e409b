// Copyright (c) 2015-2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"net"
)

// localhostNames are the hosts accepted as loopback without a lookup.
var localhostNames = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"::1":       {},
}

// NormalizeAddress returns addr as host:port, adding defaultPort when addr
// has no port. The original error is returned if addr is invalid even with
// a port added.
func NormalizeAddress(addr string, defaultPort string) (string, error) {
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}

	addr = net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", origErr
	}

	return addr, nil
}

// NormalizeAddresses normalizes every address with defaultPort and drops
// duplicates, keeping the first occurrence.
func NormalizeAddresses(addrs []string, defaultPort string) ([]string, error) {
	normalized := make([]string, 0, len(addrs))
	seen := make(map[string]struct{}, len(addrs))
	for _, addr := range addrs {
		n, err := NormalizeAddress(addr, defaultPort)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[n]; ok {
			continue
		}

		seen[n] = struct{}{}
		normalized = append(normalized, n)
	}

	return normalized, nil
}

// IsLocalhost reports whether the host of the host:port address hostport is
// a loopback name or address.
func IsLocalhost(hostport string) (bool, error) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return false, fmt.Errorf("invalid address %q: %w", hostport, err)
	}

	if _, ok := localhostNames[host]; ok {
		return true, nil
	}
	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback(), nil
}
