// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import "net"

// NormalizeAddress returns addr as host:port, appending defaultPort when addr
// has no port. The error of the original parse is returned when addr is not
// valid even with a port added.
func NormalizeAddress(addr, defaultPort string) (string, error) {
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}

	// Only a missing port is fixed up here.
	withPort := net.JoinHostPort(addr, defaultPort)
	if _, _, err := net.SplitHostPort(withPort); err != nil {
		return "", origErr
	}

	return withPort, nil
}

// NormalizeAddresses normalizes every address with NormalizeAddress and
// drops duplicates, keeping the first occurrence.
func NormalizeAddresses(addrs []string, defaultPort string) ([]string,
	error) {

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
