// Package sessionreg implements the session registry (spec.md §4.3): an
// in-memory map of HostSessions plus the AFK-enabled set and per-session
// bulk-approval whitelists.
package sessionreg

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ashureev/afkd/internal/domain"
)

// Persister is the narrow slice of Persistence this registry needs.
type Persister interface {
	Save()
}

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a project-slug from a working directory basename:
// lowercase, non-alphanumeric runs collapsed to a single dash, leading and
// trailing dashes stripped (spec.md §4.3).
func slugify(projectDir string) string {
	base := projectDir
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(base)
	base = nonAlnumRun.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if base == "" {
		base = "project"
	}
	return base
}

// shortTokenSuffix returns 4 hex characters of cryptographic randomness,
// the same generation idiom as identity.generateAnonID (crypto/rand + hex),
// just sized down for a shorter, more readable per-session tag.
func shortTokenSuffix() (string, error) {
	buf := make([]byte, 2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("sessionreg: generate token suffix: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Registry tracks every known HostSession under one mutex.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.HostSession
	afk      map[string]bool
	persist  Persister
}

// New creates an empty registry.
func New(persist Persister) *Registry {
	return &Registry{
		sessions: make(map[string]*domain.HostSession),
		afk:      make(map[string]bool),
		persist:  persist,
	}
}

// Register returns the existing HostSession for sessionID, creating and
// assigning it a short-token on first reference. Idempotent (spec.md §4.3).
func (r *Registry) Register(sessionID, projectDir string) (*domain.HostSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if ok && s.ShortToken != "" {
		return s, nil
	}

	suffix, err := shortTokenSuffix()
	if err != nil {
		return nil, err
	}
	slug := slugify(projectDir)
	if !ok {
		s = &domain.HostSession{SessionID: sessionID}
		r.sessions[sessionID] = s
	}
	s.ProjectSlug = slug
	s.ShortToken = slug + "-" + suffix
	r.persistLocked()
	return s, nil
}

// Get returns the HostSession for sessionID if known.
func (r *Registry) Get(sessionID string) (*domain.HostSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// EnableAFK marks sessionID as AFK-enabled.
func (r *Registry) EnableAFK(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afk[sessionID] = true
	if s, ok := r.sessions[sessionID]; ok {
		s.AFKEnabled = true
	}
	r.persistLocked()
}

// DisableAFK clears AFK for sessionID and discards its whitelist (spec.md
// §4.3 "On disable, the whitelist is cleared").
func (r *Registry) DisableAFK(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.afk, sessionID)
	if s, ok := r.sessions[sessionID]; ok {
		s.AFKEnabled = false
		s.ClearWhitelist()
	}
	r.persistLocked()
}

// IsAFKEnabled reports whether sessionID currently has AFK mode on.
func (r *Registry) IsAFKEnabled(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.afk[sessionID]
}

// WhitelistAdd bulk-approves toolName for sessionID (spec.md §4.11).
func (r *Registry) WhitelistAdd(sessionID, toolName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.Whitelist(toolName)
	r.persistLocked()
}

// WhitelistContains reports whether toolName was previously bulk-approved
// for sessionID (spec.md §4.7 step 3).
func (r *Registry) WhitelistContains(sessionID, toolName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return s.HasWhitelisted(toolName)
}

// AFKSessionIDs returns every session-id currently AFK-enabled, used by the
// status request (spec.md §6.1, SPEC_FULL.md §C.3).
func (r *Registry) AFKSessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.afk))
	for sid, enabled := range r.afk {
		if enabled {
			out = append(out, sid)
		}
	}
	return out
}

// Snapshot returns the data Persistence needs to serialize ProcessState's
// afk-enabled set and session-whitelists.
func (r *Registry) Snapshot() (afkEnabled map[string]bool, whitelists map[string]map[string]bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	whitelists = make(map[string]map[string]bool, len(r.sessions))
	for sid, s := range r.sessions {
		if len(s.WhitelistedTools) > 0 {
			whitelists[sid] = s.WhitelistedTools
		}
	}
	afk := make(map[string]bool, len(r.afk))
	for k, v := range r.afk {
		afk[k] = v
	}
	return afk, whitelists
}

// Restore rehydrates the registry's AFK set and whitelists from a loaded
// ProcessState (spec.md §4.12 startup recovery). Sessions restored here
// get their project-slug and short-token on their first Register call, since
// ProcessState does not persist project-slug/short-token per spec.md §3.1.
func (r *Registry) Restore(afkEnabled map[string]bool, whitelists map[string]map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afk = make(map[string]bool, len(afkEnabled))
	for k, v := range afkEnabled {
		if v {
			r.afk[k] = true
		}
	}
	for sid, tools := range whitelists {
		s, ok := r.sessions[sid]
		if !ok {
			s = &domain.HostSession{SessionID: sid}
			r.sessions[sid] = s
		}
		for tool := range tools {
			s.Whitelist(tool)
		}
		s.AFKEnabled = r.afk[sid]
	}
}

func (r *Registry) persistLocked() {
	if r.persist != nil {
		r.persist.Save()
	}
}
