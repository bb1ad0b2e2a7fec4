//go:build !windows

package transport

import (
	"fmt"
	"net"
	"os"
)

// listenPlatform creates the Unix-domain socket listener at path (spec.md
// §6.2). A stale socket file left behind by a crashed daemon is removed
// before binding — the Singleton Gate already guarantees only one live
// daemon reaches this point.
func listenPlatform(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("transport: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", path, err)
	}
	return ln, nil
}
