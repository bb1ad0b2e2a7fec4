// Package router implements the Request Router (spec.md §4.7, §4.8): the
// permission and stop request paths. It is a thin composition layer over
// the session registry, pending store, chat adapter, and transcript
// probe — sequencing only, no independent state of its own (grounded on
// the teacher's Service-over-Processor wrapper shape).
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/afkd/internal/auditstore"
	"github.com/ashureev/afkd/internal/chatadapter"
	"github.com/ashureev/afkd/internal/config"
	"github.com/ashureev/afkd/internal/decisionlog"
	"github.com/ashureev/afkd/internal/domain"
	"github.com/ashureev/afkd/internal/pending"
	"github.com/ashureev/afkd/internal/prompt"
	"github.com/ashureev/afkd/internal/sessionreg"
	"github.com/ashureev/afkd/internal/state"
	"github.com/ashureev/afkd/internal/transcript"
)

// PermissionRequest is the router's input for the permission path
// (spec.md §4.7).
type PermissionRequest struct {
	SessionID      string
	TerminalID     string
	ToolName       string
	CommandText    string
	TranscriptPath string
	ProjectDir     string
	CorrelationID  string
}

// StopRequest is the router's input for the stop path (spec.md §4.8).
type StopRequest struct {
	SessionID      string
	TerminalID     string
	TranscriptPath string
	ProjectDir     string
	CorrelationID  string
}

// Outcome is what the router hands back to the transport layer to send
// immediately, if anything. A nil Outcome means the caller's reply
// channel has been parked and must not reply yet (spec.md §4.7 step 11).
type Outcome struct {
	Status      string
	Message     string
	BulkApprove bool
}

// Router composes the Request Router's collaborators.
type Router struct {
	sessions *sessionreg.Registry
	pending  *pending.Store
	chat     *chatadapter.Client
	cfg      *config.Config
	state    *state.Store
	logger   *slog.Logger

	// audit and decisions are optional observability sinks for the
	// timeout path (SPEC_FULL.md §C.1); nil-safe, wired via WireAudit.
	audit     *auditstore.Store
	decisions *decisionlog.Logger
}

// New creates a Router.
func New(sessions *sessionreg.Registry, pend *pending.Store, chat *chatadapter.Client, cfg *config.Config, st *state.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sessions: sessions, pending: pend, chat: chat, cfg: cfg, state: st, logger: logger}
}

func (r *Router) pairedChatID() (int64, bool) {
	return r.state.PairedChatID()
}

// contextLine implements spec.md §4.7 step 5 / §4.8 step 1: last assistant
// text, falling back to the last user text with a "User:" prefix.
func contextLine(transcriptPath string) string {
	if text := transcript.LastAssistantText(transcriptPath, 500); text != nil && *text != "" {
		return *text
	}
	if text := transcript.LastUserText(transcriptPath, 500); text != nil && *text != "" {
		return "User: " + *text
	}
	return "(no recent context)"
}

// HandlePermission runs the permission path (spec.md §4.7). replyChan is
// parked into the pending-request store for steps 10-11; it is nil only
// in tests that don't reach that far.
func (r *Router) HandlePermission(ctx context.Context, req PermissionRequest, replyChan domain.ReplyChannel) *Outcome {
	afkEnabled := r.sessions.IsAFKEnabled(req.SessionID)
	if !afkEnabled && !r.cfg.AlwaysEnabled {
		return &Outcome{Status: "not_enabled"}
	}

	chatID, paired := r.pairedChatID()
	if !r.chat.Configured() || !paired {
		return &Outcome{Status: "not_configured"}
	}

	if r.sessions.WhitelistContains(req.SessionID, req.ToolName) {
		return &Outcome{Status: "approved", BulkApprove: true}
	}

	retryCount := 0
	if existing, ok := r.pending.TakeForRetry(req.SessionID, req.ToolName, req.CommandText); ok {
		retryCount = existing.RetryCount
		r.chat.DeleteMessage(ctx, chatID, existing.MessageID)
		if retryCount >= r.cfg.MaxRetries {
			// The earlier hook connection parked on existing.ReplyChannel
			// would otherwise wait forever: its own armTimeout goroutine
			// fires later against a message-id this collapse already
			// removed, finds nil, and no-ops (spec.md §8 I3 — resolved
			// here instead, per scenario 4's "earlier waiters receive
			// their own timeout path" note).
			r.notifySuperseded(ctx, existing, "timeout_final")
			return &Outcome{Status: "timeout_final"}
		}
		// Fall through: re-send a fresh prompt carrying the accumulated
		// retry-count, replacing the stale one. The earlier hook
		// connection is resolved the same way its own timeout would have
		// resolved it, rather than being silently abandoned.
		r.notifySuperseded(ctx, existing, "timeout_retry")
	}

	line := contextLine(req.TranscriptPath)

	var toolUseID string
	formattedCommand := req.CommandText
	if tu := transcript.LastToolUse(req.TranscriptPath); tu != nil {
		toolUseID = tu.ID
		var input map[string]any
		if len(tu.Input) > 0 {
			if err := json.Unmarshal(tu.Input, &input); err == nil {
				formattedCommand = prompt.FormatToolInput(req.ToolName, input)
			}
		}
	}

	session, err := r.sessions.Register(req.SessionID, req.ProjectDir)
	if err != nil {
		r.logger.Error("router: register session", "session_id", req.SessionID, "error", err)
		return &Outcome{Status: "error", Message: "internal error registering session"}
	}

	bulkEligible := r.cfg.BulkApprovalAllowed(req.ToolName)
	body := prompt.PermissionPrompt(session.ProjectSlug, session.ShortToken, prompt.EscapeMarkdown(line), req.ToolName, prompt.EscapeMarkdown(formattedCommand), bulkEligible)

	messageID, err := r.chat.SendMessage(ctx, chatID, body, nil)
	if err != nil {
		r.logger.Error("router: send permission prompt", "session_id", req.SessionID, "error", err)
		return &Outcome{Status: "error", Message: "failed to reach the remote chat"}
	}

	pendingReq := &domain.PendingRequest{
		MessageID:      messageID,
		SessionID:      req.SessionID,
		Kind:           domain.KindPermission,
		ToolName:       req.ToolName,
		CommandText:    req.CommandText,
		ToolUseID:      toolUseID,
		TranscriptPath: req.TranscriptPath,
		ProjectDir:     req.ProjectDir,
		TerminalID:     req.TerminalID,
		FirstSeenAt:    time.Now(),
		CorrelationID:  req.CorrelationID,
		RetryCount:     retryCount,
		ReplyChannel:   replyChan,
	}
	r.pending.Insert(pendingReq)
	r.armTimeout(pendingReq.MessageID, r.cfg.PermissionTimeout, "timeout_retry")

	return nil
}

// HandleStop runs the stop path (spec.md §4.8).
func (r *Router) HandleStop(ctx context.Context, req StopRequest, replyChan domain.ReplyChannel) *Outcome {
	afkEnabled := r.sessions.IsAFKEnabled(req.SessionID)
	if !afkEnabled && !r.cfg.AlwaysEnabled {
		return &Outcome{Status: "not_enabled"}
	}

	chatID, paired := r.pairedChatID()
	if !r.chat.Configured() || !paired {
		return &Outcome{Status: "not_configured"}
	}

	line := contextLine(req.TranscriptPath)

	session, err := r.sessions.Register(req.SessionID, req.ProjectDir)
	if err != nil {
		r.logger.Error("router: register session", "session_id", req.SessionID, "error", err)
		return &Outcome{Status: "error", Message: "internal error registering session"}
	}

	body := prompt.StopPrompt(session.ProjectSlug, session.ShortToken, prompt.EscapeMarkdown(line))
	messageID, err := r.chat.SendMessage(ctx, chatID, body, nil)
	if err != nil {
		r.logger.Error("router: send stop notification", "session_id", req.SessionID, "error", err)
		return &Outcome{Status: "error", Message: "failed to reach the remote chat"}
	}

	pendingReq := &domain.PendingRequest{
		MessageID:         messageID,
		SessionID:         req.SessionID,
		Kind:              domain.KindStop,
		TranscriptPath:    req.TranscriptPath,
		ProjectDir:        req.ProjectDir,
		TerminalID:        req.TerminalID,
		LastScannedOffset: transcript.LineCount(req.TranscriptPath),
		FirstSeenAt:       time.Now(),
		CorrelationID:     req.CorrelationID,
		ReplyChannel:      replyChan,
	}
	r.pending.Insert(pendingReq)
	// §6.1's stop_request status table has no dedicated timeout status;
	// an unanswered stop notification is resolved as a plain "stop" so
	// the hook doesn't block the host session forever (see DESIGN.md).
	r.armTimeout(pendingReq.MessageID, r.cfg.StopFollowupTimeout, "stop")

	return nil
}
