// Package termbinding reads the terminal-binding files written externally
// by the host's session-start hook (spec.md §3.1, §6.5, §6.6): a directory
// of per-terminal JSON files mapping a platform terminal identifier to the
// HostSession that currently owns it. The daemon only ever reads these.
package termbinding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Binding is the subset of a terminal-binding file the daemon cares about.
type Binding struct {
	SessionID string `json:"sessionId"`
}

// Reader resolves terminal-id to session-id bindings under dir (typically
// $HOME/.claude/sessions/by-terminal).
type Reader struct {
	dir string
}

// New creates a Reader rooted at dir.
func New(dir string) *Reader {
	return &Reader{dir: dir}
}

// Lookup reads the binding file for terminalID. It returns (nil, nil) if no
// binding file exists for this terminal — that is not an error, it simply
// means the host session that owned this terminal is gone or never wrote
// one (spec.md §4.9 treats a missing binding as "session not live").
func (r *Reader) Lookup(terminalID string) (*Binding, error) {
	path := filepath.Join(r.dir, terminalID+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("termbinding: read %s: %w", path, err)
	}

	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("termbinding: decode %s: %w", path, err)
	}
	return &b, nil
}

// SessionIsBound reports whether terminalID is currently bound to
// sessionID — used by the Resolution Watcher's per-session liveness check
// (spec.md §4.9): if the terminal's binding file no longer names this
// session (rebound to a newer session, or file removed), the original
// session is considered gone.
func (r *Reader) SessionIsBound(terminalID, sessionID string) bool {
	b, err := r.Lookup(terminalID)
	if err != nil || b == nil {
		return false
	}
	return b.SessionID == sessionID
}
