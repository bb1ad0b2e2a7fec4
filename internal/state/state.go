// Package state implements Persistence (spec.md §4.12): the single
// ProcessState aggregate, serialized to state.json on every mutation of
// pending requests or session registry state, plus startup recovery.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/afkd/internal/domain"
)

// PendingSource supplies the pending-request store's persisted projection.
type PendingSource interface {
	Snapshot() (byMessage map[string]*domain.PendingRequest, bySession map[string][]string)
}

// SessionSource supplies the session registry's persisted projection.
type SessionSource interface {
	Snapshot() (afkEnabled map[string]bool, whitelists map[string]map[string]bool)
}

// Store is the Persistence component: it owns the on-disk state.json path
// and knows how to reconstruct a full ProcessState from the live
// in-memory components on every Save call (spec.md §4.12).
type Store struct {
	path string

	mu      sync.Mutex
	pending PendingSource
	session SessionSource
	paired  *int64

	logger *slog.Logger
}

// New creates a Store rooted at path (typically $HOME/.claude/claude-afk/state.json).
func New(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Wire attaches the live components whose state this Store persists. Must
// be called once during daemon bootstrap before any Save.
func (s *Store) Wire(pending PendingSource, session SessionSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pending
	s.session = session
}

// PairedChatID returns the currently recorded paired chat-id, if any.
func (s *Store) PairedChatID() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paired == nil {
		return 0, false
	}
	return *s.paired, true
}

// SetPairedChatID records the paired chat-id. Write-once per daemon
// lifetime outside of a configuration reset (spec.md §3.2 invariant 5) —
// callers are expected to check PairedChatID first.
func (s *Store) SetPairedChatID(chatID int64) {
	s.mu.Lock()
	s.paired = &chatID
	s.mu.Unlock()
	s.Save()
}

// Save serializes the full ProcessState and writes it to path, overwriting
// any existing file (spec.md §4.12). Errors are logged, never returned:
// Persistence failures must not block the event loop that triggered them.
func (s *Store) Save() {
	s.mu.Lock()
	snap := s.buildSnapshotLocked()
	path := s.path
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Error("state: marshal ProcessState", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error("state: create state directory", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Error("state: write state.json", "error", err)
	}
}

func (s *Store) buildSnapshotLocked() *domain.ProcessState {
	ps := domain.NewProcessState()
	ps.PairedChatID = s.paired
	if s.session != nil {
		ps.AFKEnabled, ps.SessionWhitelists = s.session.Snapshot()
	}
	if s.pending != nil {
		ps.PendingRequests, ps.RequestsBySession = s.pending.Snapshot()
	}
	return ps
}

// Recovered is the result of a startup Load: the durable fields of
// ProcessState the caller should rehydrate, plus the pending requests
// found on disk — which are orphans (the hooks holding them are long
// gone) and must only be used to drive a one-time notification before
// being discarded (spec.md §4.12 step 2).
type Recovered struct {
	PairedChatID *int64
	AFKEnabled   map[string]bool
	Whitelists   map[string]map[string]bool
	Orphaned     []*domain.PendingRequest
}

// Load reads state.json, accepting a missing or malformed file as empty
// (spec.md §4.12 step 1).
func Load(path string, logger *slog.Logger) (*Recovered, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Recovered{}, nil
		}
		return &Recovered{}, fmt.Errorf("state: read %s: %w", path, err)
	}

	ps := domain.NewProcessState()
	if err := json.Unmarshal(raw, ps); err != nil {
		logger.Warn("state: malformed state.json, starting fresh", "error", err)
		return &Recovered{}, nil
	}

	rec := &Recovered{
		PairedChatID: ps.PairedChatID,
		AFKEnabled:   ps.AFKEnabled,
		Whitelists:   ps.SessionWhitelists,
	}
	for _, req := range ps.PendingRequests {
		rec.Orphaned = append(rec.Orphaned, req)
	}
	return rec, nil
}
