//go:build windows

package transport

import (
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
)

// listenPlatform creates a named-pipe listener at path (e.g.
// \\.\pipe\claude-afk, spec.md §6.2).
func listenPlatform(path string) (net.Listener, error) {
	ln, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: "D:P(A;;GA;;;AU)", // authenticated users, local-only IPC trusts any connecting process (spec.md §1 non-goals)
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: listen on pipe %s: %w", path, err)
	}
	return ln, nil
}
