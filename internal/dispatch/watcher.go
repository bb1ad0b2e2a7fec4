package dispatch

import (
	"context"
	"time"

	"github.com/ashureev/afkd/internal/domain"
	"github.com/ashureev/afkd/internal/transcript"
)

const siblingTranscriptFreshness = 10 * time.Second

// watchTick implements one pass of the Resolution Watcher (spec.md §4.9):
// for every session with pending requests, check each request for local
// resolution, then check whether the owning terminal is still bound to
// this session.
func (d *Dispatcher) watchTick(ctx context.Context) {
	for _, sessionID := range d.pending.AllSessions() {
		reqs := d.pending.ListBySession(sessionID)
		if len(reqs) == 0 {
			continue
		}

		for _, req := range reqs {
			d.watchOneRequest(ctx, req)
		}

		// A request may have been removed by watchOneRequest above; only
		// check session liveness against whatever is still pending.
		if remaining := d.pending.ListBySession(sessionID); len(remaining) > 0 {
			d.watchSessionLiveness(ctx, sessionID, remaining)
		}
	}
}

func (d *Dispatcher) watchOneRequest(ctx context.Context, req *domain.PendingRequest) {
	if req.ReplyChannel != nil && req.ReplyChannel.Closed() {
		d.resolveLocally(ctx, req, "socket_closed")
		return
	}

	switch req.Kind {
	case domain.KindPermission:
		d.watchPermissionRequest(ctx, req)
	case domain.KindStop:
		d.watchStopRequest(ctx, req)
	}
}

func (d *Dispatcher) watchPermissionRequest(ctx context.Context, req *domain.PendingRequest) {
	res := transcript.FindToolResult(req.TranscriptPath, req.ToolUseID, req.LastScannedOffset)
	if res.Found {
		outcome := "approved"
		if res.IsError {
			outcome = "denied"
		}
		d.resolveLocally(ctx, req, outcome)
		return
	}

	for _, sibling := range transcript.SiblingAgentTranscripts(req.TranscriptPath) {
		if !transcript.WithinLast(transcript.Mtime(sibling), siblingTranscriptFreshness) {
			continue
		}
		siblingRes := transcript.FindToolResult(sibling, req.ToolUseID, 0)
		if siblingRes.Found {
			outcome := "approved"
			if siblingRes.IsError {
				outcome = "denied"
			}
			d.resolveLocally(ctx, req, outcome)
			return
		}
	}

	d.pending.AdvanceOffset(req.MessageID, res.OffsetAfter)
}

func (d *Dispatcher) watchStopRequest(ctx context.Context, req *domain.PendingRequest) {
	res := transcript.FindUserText(req.TranscriptPath, req.LastScannedOffset)
	if res.Found {
		d.resolveLocally(ctx, req, "local_followup")
		return
	}
	d.pending.AdvanceOffset(req.MessageID, res.OffsetAfter)
}

// resolveLocally implements spec.md §4.9's "local-resolution cleanup": if
// the parked reply channel is still alive, wake it with a
// resolved_locally frame; in either case the remote prompt is deleted and
// the PendingRequest is dropped.
func (d *Dispatcher) resolveLocally(ctx context.Context, req *domain.PendingRequest, resolution string) {
	// Mutual exclusion against the Reply Dispatcher/timeout paths (spec.md
	// §5): if another path already claimed this request, no-op.
	if d.pending.RemoveByMessageID(req.MessageID) == nil {
		return
	}
	if req.ReplyChannel != nil && !req.ReplyChannel.Closed() {
		_ = req.ReplyChannel.Send(responseFrame(req, "resolved_locally", map[string]any{"resolution": resolution}))
	}
	if chatID, paired := d.state.PairedChatID(); paired {
		d.chat.DeleteMessage(ctx, chatID, req.MessageID)
	}
	resolutionPath := "transcript"
	if resolution == "socket_closed" {
		resolutionPath = "socket_closed"
	}
	d.recordDecision(ctx, req, resolution, resolutionPath, "")
}

// watchSessionLiveness implements spec.md §4.9's per-session check: the
// owning terminal's binding file must still name this session.
func (d *Dispatcher) watchSessionLiveness(ctx context.Context, sessionID string, reqs []*domain.PendingRequest) {
	terminalID := reqs[0].TerminalID
	if terminalID == "" || d.terms == nil {
		return
	}
	if d.terms.SessionIsBound(terminalID, sessionID) {
		return
	}

	chatID, paired := d.state.PairedChatID()
	if paired {
		d.sendChatNote(ctx, chatID, "session ended")
	}
	for _, req := range reqs {
		if d.pending.RemoveByMessageID(req.MessageID) == nil {
			continue
		}
		if paired {
			d.chat.DeleteMessage(ctx, chatID, req.MessageID)
		}
		d.recordDecision(ctx, req, "session_expired", "session_expired", "")
	}
}
