package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/afkd/internal/config"
	"github.com/ashureev/afkd/internal/domain"
	"github.com/ashureev/afkd/internal/transcript"
)

type permissionVerdict int

const (
	verdictInvalid permissionVerdict = iota
	verdictApproved
	verdictDenied
	verdictApprovedAll
)

// normalizePermissionVerdict implements spec.md §4.11's reply-text
// normalization. approved_all additionally requires toolName to be in the
// configured bulk-approval list; otherwise it is treated as unrecognized.
func normalizePermissionVerdict(text string, toolName string, cfg *config.Config) permissionVerdict {
	norm := strings.ToLower(strings.TrimSpace(text))
	switch norm {
	case "yes", "y":
		return verdictApproved
	case "no", "n":
		return verdictDenied
	case "all", "yes all", "y all", "always":
		if cfg.BulkApprovalAllowed(toolName) {
			return verdictApprovedAll
		}
		return verdictInvalid
	default:
		return verdictInvalid
	}
}

const maxStopInstructionLength = 2000

// truncateInstructions implements spec.md §4.11's stop-path truncation,
// appending a visible notice of the original length when truncated.
func truncateInstructions(text string) string {
	if len(text) <= maxStopInstructionLength {
		return text
	}
	return fmt.Sprintf("%s\n\n[truncated, original length %d characters]", text[:maxStopInstructionLength], len(text))
}

// deliveryFailureNote implements spec.md §4.11's "if the reply send
// fails" recovery: consult the transcript to see whether the action
// already resolved locally, and report accordingly.
func deliveryFailureNote(req *domain.PendingRequest) string {
	if req.Kind == domain.KindPermission && req.ToolUseID != "" {
		res := transcript.FindToolResult(req.TranscriptPath, req.ToolUseID, 0)
		if res.Found {
			return "already handled locally"
		}
	}
	userRes := transcript.FindUserText(req.TranscriptPath, 0)
	if userRes.Found {
		return "already handled locally"
	}
	return "unable to deliver response — session may have ended"
}

// applyPermissionVerdict implements spec.md §4.11's permission branch.
func (d *Dispatcher) applyPermissionVerdict(ctx context.Context, chatID int64, req *domain.PendingRequest, replyText string) {
	verdict := normalizePermissionVerdict(replyText, req.ToolName, d.cfg)
	if verdict == verdictInvalid {
		d.sendChatNote(ctx, chatID, "Reply 'yes', 'no', or 'all'")
		return
	}

	// Mutual exclusion against the timeout/watcher paths (spec.md §5): only
	// the caller that actually removes the entry gets to act on it.
	if d.pending.RemoveByMessageID(req.MessageID) == nil {
		return
	}

	bulkApproved := verdict == verdictApprovedAll
	if bulkApproved {
		d.sessions.WhitelistAdd(req.SessionID, req.ToolName)
		d.sendChatNote(ctx, chatID, fmt.Sprintf("%s will be auto-approved for this session until AFK is disabled.", req.ToolName))
	}

	status := "approved"
	extra := map[string]any{"bulk_approved": bulkApproved}
	if verdict == verdictDenied {
		status = "denied"
		extra["message"] = "User denied"
	}
	frame := responseFrame(req, status, extra)
	if err := trySend(req, frame); err != nil {
		d.sendChatNote(ctx, chatID, deliveryFailureNote(req))
	}
	d.recordDecision(ctx, req, status, "remote_reply", replyText)
}

// applyStopVerdict implements spec.md §4.11's stop branch.
func (d *Dispatcher) applyStopVerdict(ctx context.Context, chatID int64, req *domain.PendingRequest, replyText string) {
	instructions := truncateInstructions(replyText)
	if d.pending.RemoveByMessageID(req.MessageID) == nil {
		return
	}

	frame := responseFrame(req, "continue", map[string]any{"instructions": instructions})
	if err := trySend(req, frame); err != nil {
		d.sendChatNote(ctx, chatID, deliveryFailureNote(req))
	}
	d.recordDecision(ctx, req, "continue", "remote_reply", replyText)
}

// trySend delivers frame on req's parked reply channel, treating a nil or
// already-closed channel the same as a Send error (spec.md §4.11
// "If the reply send fails").
func trySend(req *domain.PendingRequest, frame any) error {
	if req.ReplyChannel == nil || req.ReplyChannel.Closed() {
		return errReplyChannelGone
	}
	return req.ReplyChannel.Send(frame)
}

var errReplyChannelGone = errors.New("dispatch: reply channel is gone")

// responseFrame builds a reply frame carrying the fixed
// `type`/`request_id` envelope every local-IPC response must echo
// (spec.md §6.1), merging in the resolution-specific fields.
func responseFrame(req *domain.PendingRequest, status string, extra map[string]any) map[string]any {
	frame := map[string]any{
		"type":       "response",
		"request_id": req.CorrelationID,
		"status":     status,
	}
	for k, v := range extra {
		frame[k] = v
	}
	return frame
}

func (d *Dispatcher) sendChatNote(ctx context.Context, chatID int64, text string) {
	if _, err := d.chat.SendMessage(ctx, chatID, text, nil); err != nil {
		d.logger.Warn("dispatch: failed to send chat note", "error", err)
	}
}
