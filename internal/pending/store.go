// Package pending implements the dual-indexed pending-request store
// (spec.md §4.4, §3.2 invariant 1).
package pending

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/afkd/internal/domain"
)

// Persister is the narrow slice of the Persistence component (§4.12) the
// store needs: a full-state write after every mutation.
type Persister interface {
	Save()
}

// Store holds every in-flight PendingRequest, indexed by message-id and by
// session-id, with both indices kept consistent under a single mutex —
// the only guard needed at this scale (spec.md §5).
type Store struct {
	mu sync.RWMutex

	byMessage map[string]*domain.PendingRequest
	bySession map[string][]string // session-id -> ordered message-ids

	persist Persister
}

// New creates an empty store. persist may be nil in tests that don't care
// about durability.
func New(persist Persister) *Store {
	return &Store{
		byMessage: make(map[string]*domain.PendingRequest),
		bySession: make(map[string][]string),
		persist:   persist,
	}
}

// Insert adds req to both indices. Assigns a DiagID if unset.
func (s *Store) Insert(req *domain.PendingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.DiagID == "" {
		req.DiagID = uuid.NewString()
	}
	s.byMessage[req.MessageID] = req
	s.bySession[req.SessionID] = append(s.bySession[req.SessionID], req.MessageID)
	s.persistLocked()
}

// RemoveByMessageID deletes the pending request keyed by messageID from
// both indices, maintaining invariant 1. Returns the removed request, or
// nil if it was already gone (tolerating the "missing channel" scenario
// from spec.md §3.3).
func (s *Store) RemoveByMessageID(messageID string) *domain.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeByMessageIDLocked(messageID)
}

func (s *Store) removeByMessageIDLocked(messageID string) *domain.PendingRequest {
	req, ok := s.byMessage[messageID]
	if !ok {
		return nil
	}
	delete(s.byMessage, messageID)

	ids := s.bySession[req.SessionID]
	for i, id := range ids {
		if id == messageID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.bySession, req.SessionID)
	} else {
		s.bySession[req.SessionID] = ids
	}
	s.persistLocked()
	return req
}

// LookupByMessageID returns the pending request for messageID, if any.
func (s *Store) LookupByMessageID(messageID string) (*domain.PendingRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.byMessage[messageID]
	return req, ok
}

// FindBySessionToolCommand implements spec.md §3.2 invariant 2 / §4.7 step
// 4: at most one pending request exists per (session, tool, command)
// triple.
func (s *Store) FindBySessionToolCommand(sessionID, toolName, commandText string) (*domain.PendingRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, messageID := range s.bySession[sessionID] {
		req := s.byMessage[messageID]
		if req != nil && req.MatchesTriple(sessionID, toolName, commandText) {
			return req, true
		}
	}
	return nil, false
}

// TakeForRetry implements the retry-collapse path of spec.md §3.2
// invariant 2: finds the pending request matching (sessionID, toolName,
// commandText), bumps its retry count, and removes it from both indices —
// all under the single store mutex, so the increment can never race the
// Resolution Watcher/Reply Dispatcher/Persistence goroutines that read or
// write the same struct concurrently (spec.md §5). Returns the detached
// request with its incremented RetryCount, or nil/false if none matched.
func (s *Store) TakeForRetry(sessionID, toolName, commandText string) (*domain.PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, messageID := range s.bySession[sessionID] {
		req := s.byMessage[messageID]
		if req != nil && req.MatchesTriple(sessionID, toolName, commandText) {
			req.RetryCount++
			return s.removeByMessageIDLocked(messageID), true
		}
	}
	return nil, false
}

// ListBySession returns every pending request for sessionID, in insertion
// order.
func (s *Store) ListBySession(sessionID string) []*domain.PendingRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	out := make([]*domain.PendingRequest, 0, len(ids))
	for _, id := range ids {
		if req, ok := s.byMessage[id]; ok {
			out = append(out, req)
		}
	}
	return out
}

// AllSessions returns every session-id with at least one pending request,
// used by the Resolution Watcher's per-session iteration (§4.9).
func (s *Store) AllSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySession))
	for sid := range s.bySession {
		out = append(out, sid)
	}
	return out
}

// Count returns the total number of pending requests.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byMessage)
}

// SingleIfOne returns the lone pending request when exactly one exists
// across the whole store — the Reply Dispatcher's single-pending
// fallback route (§4.10).
func (s *Store) SingleIfOne() (*domain.PendingRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byMessage) != 1 {
		return nil, false
	}
	for _, req := range s.byMessage {
		return req, true
	}
	return nil, false
}

// AdvanceOffset updates last-scanned-offset for messageID in place, used
// by the Resolution Watcher's incremental transcript re-poll (§4.9).
func (s *Store) AdvanceOffset(messageID string, offset int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.byMessage[messageID]; ok {
		req.LastScannedOffset = offset
		s.persistLocked()
	}
}

// Snapshot returns the current state of both indices for Persistence to
// serialize (§4.12). Callers must not mutate the returned maps.
func (s *Store) Snapshot() (byMessage map[string]*domain.PendingRequest, bySession map[string][]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byMessage, s.bySession
}

// Restore replaces both indices wholesale. The daemon's startup recovery
// (§4.12) does not call it: the store starts empty.
func (s *Store) Restore(byMessage map[string]*domain.PendingRequest, bySession map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byMessage == nil {
		byMessage = make(map[string]*domain.PendingRequest)
	}
	if bySession == nil {
		bySession = make(map[string][]string)
	}
	s.byMessage = byMessage
	s.bySession = bySession
}

// Clear empties both indices and persists the result.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMessage = make(map[string]*domain.PendingRequest)
	s.bySession = make(map[string][]string)
	s.persistLocked()
}

func (s *Store) persistLocked() {
	if s.persist != nil {
		s.persist.Save()
	}
}
