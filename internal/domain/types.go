// Package domain contains the core aggregate types coordinated by the daemon.
package domain

import "time"

// RequestKind distinguishes the two shapes of hook request that can have a
// PendingRequest parked on their behalf.
type RequestKind string

const (
	// KindPermission is a tool-permission prompt awaiting yes/no/all.
	KindPermission RequestKind = "permission"
	// KindStop is a task-complete notification awaiting follow-up instructions.
	KindStop RequestKind = "stop"
)

// HostSession is a single host-side coding-assistant session the daemon is
// tracking. The identifier is opaque and supplied by the host.
type HostSession struct {
	SessionID        string          `json:"session_id"`
	ProjectSlug      string          `json:"project_slug"`
	ShortToken       string          `json:"short_token"`
	AFKEnabled       bool            `json:"afk_enabled"`
	WhitelistedTools map[string]bool `json:"whitelisted_tools,omitempty"`
}

// HasWhitelisted reports whether toolName was previously bulk-approved for
// this session.
func (s *HostSession) HasWhitelisted(toolName string) bool {
	return s.WhitelistedTools != nil && s.WhitelistedTools[toolName]
}

// Whitelist adds toolName to this session's bulk-approval set.
func (s *HostSession) Whitelist(toolName string) {
	if s.WhitelistedTools == nil {
		s.WhitelistedTools = make(map[string]bool)
	}
	s.WhitelistedTools[toolName] = true
}

// ClearWhitelist discards the bulk-approval set, used on disable.
func (s *HostSession) ClearWhitelist() {
	s.WhitelistedTools = nil
}

// PendingRequest is a prompt sent to the remote chat whose verdict has not
// yet reached the hook that is blocked waiting for it.
//
// ReplyChannel is transient — never persisted — per spec.md §3.1.
type PendingRequest struct {
	MessageID         string      `json:"message_id"`
	SessionID         string      `json:"session_id"`
	Kind              RequestKind `json:"kind"`
	ToolName          string      `json:"tool_name,omitempty"`
	CommandText       string      `json:"command_text,omitempty"`
	ToolUseID         string      `json:"tool_use_id,omitempty"`
	TranscriptPath    string      `json:"transcript_path"`
	ProjectDir        string      `json:"project_dir"`
	TerminalID        string      `json:"terminal_id"`
	LastScannedOffset int         `json:"last_scanned_offset"`
	FirstSeenAt       time.Time   `json:"first_seen_at"`
	CorrelationID     string      `json:"correlation_id"`
	RetryCount        int         `json:"retry_count"`

	// DiagID is an internal trace id, not part of the spec's persisted
	// shape, useful only for correlating log lines across goroutines.
	DiagID string `json:"-"`

	// ReplyChannel is the live handle used to wake the blocked hook.
	// Never serialized.
	ReplyChannel ReplyChannel `json:"-"`
}

// MatchesTriple reports whether this pending request is the retry-target
// for a new request carrying the same (session, tool, command) triple —
// spec.md §3.2 invariant 2.
func (p *PendingRequest) MatchesTriple(sessionID, toolName, commandText string) bool {
	return p.SessionID == sessionID && p.ToolName == toolName && p.CommandText == commandText
}

// ReplyChannel is the parked continuation a blocked hook connection
// exposes so that whichever resolution path wins can deliver exactly one
// verdict frame (spec.md §5, §9 "Parked reply channels").
type ReplyChannel interface {
	// Send delivers the reply frame to the hook. Returns an error if the
	// underlying connection is already gone.
	Send(frame any) error
	// Closed reports whether the underlying local stream has already
	// disconnected (the Resolution Watcher's socket-closure check).
	Closed() bool
}

// TerminalBinding is the side-channel file written by the host-session-start
// hook (spec.md §3.1, §6.5); the daemon only ever reads it.
type TerminalBinding struct {
	SessionID string `json:"sessionId"`
}

// ProcessState is the singleton aggregate persisted to disk on every
// mutation (spec.md §3.1, §4.12).
type ProcessState struct {
	PairedChatID      *int64                     `json:"paired_chat_id"`
	AFKEnabled        map[string]bool            `json:"afk_enabled"`
	PendingRequests   map[string]*PendingRequest `json:"pending_requests"`
	RequestsBySession map[string][]string        `json:"requests_by_session"`
	SessionWhitelists map[string]map[string]bool `json:"session_whitelists"`
}

// NewProcessState returns an empty, well-formed ProcessState.
func NewProcessState() *ProcessState {
	return &ProcessState{
		AFKEnabled:        make(map[string]bool),
		PendingRequests:   make(map[string]*PendingRequest),
		RequestsBySession: make(map[string][]string),
		SessionWhitelists: make(map[string]map[string]bool),
	}
}
