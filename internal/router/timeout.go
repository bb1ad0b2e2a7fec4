package router

import (
	"context"
	"time"

	"github.com/ashureev/afkd/internal/auditstore"
	"github.com/ashureev/afkd/internal/decisionlog"
	"github.com/ashureev/afkd/internal/domain"
)

// WireAudit attaches the optional decision-audit store and decision ndjson
// logger, mirroring the Reply Dispatcher's wiring (SPEC_FULL.md §C.1).
// Both are nil-safe.
func (r *Router) WireAudit(audit *auditstore.Store, decisions *decisionlog.Logger) {
	r.audit = audit
	r.decisions = decisions
}

// armTimeout implements spec.md §4.7 step 10 / §4.8 step 4: a per-request
// timeout, armed the moment a request is parked. If nothing else has
// resolved the request by the time it fires, the timeout path removes it,
// deletes the remote prompt, and — if the caller's stream is still open —
// sends timeoutStatus so the hook can retry or give up.
//
// The goroutine uses context.Background() rather than the request's ctx:
// the HTTP-style request/response cycle that created the PendingRequest
// has already returned by the time this fires, so there is no caller
// context left to inherit.
func (r *Router) armTimeout(messageID string, timeoutSeconds int, timeoutStatus string) {
	go func() {
		timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
		defer timer.Stop()
		<-timer.C

		// Mutual exclusion against the Reply Dispatcher and Resolution
		// Watcher (spec.md §5): whichever path removes the entry first
		// wins; the others find it already gone and no-op.
		req := r.pending.RemoveByMessageID(messageID)
		if req == nil {
			return
		}

		ctx := context.Background()
		if chatID, paired := r.pairedChatID(); paired {
			r.chat.DeleteMessage(ctx, chatID, messageID)
		}
		sendStatusFrame(req, timeoutStatus)
		r.recordDecision(ctx, req, timeoutStatus, "timeout")
	}()
}

// notifySuperseded resolves a pending request that a retry collapsed into
// (router.go's HandlePermission retry-collapse path): its hook connection
// is still parked on the old message-id and otherwise would never hear
// back, since its own armTimeout goroutine fires later against an entry
// this collapse already removed and silently no-ops on the nil return
// (spec.md §8 I3 — no reply channel is left indefinitely unanswered).
func (r *Router) notifySuperseded(ctx context.Context, req *domain.PendingRequest, status string) {
	sendStatusFrame(req, status)
	r.recordDecision(ctx, req, status, "retry_collapsed")
}

// sendStatusFrame delivers a bare status frame carrying the fixed
// `type`/`request_id` envelope every local-IPC response must echo
// (spec.md §6.1), if req's reply channel is still live.
func sendStatusFrame(req *domain.PendingRequest, status string) {
	if req.ReplyChannel != nil && !req.ReplyChannel.Closed() {
		_ = req.ReplyChannel.Send(map[string]any{
			"type":       "response",
			"request_id": req.CorrelationID,
			"status":     status,
		})
	}
}

// recordDecision writes req's timeout or retry-collapse resolution to the audit store and
// decision log, if wired. Best-effort, same as the Reply Dispatcher's
// recordDecision: observability never blocks a resolution path.
func (r *Router) recordDecision(ctx context.Context, req *domain.PendingRequest, verdict, resolutionPath string) {
	if r.audit != nil {
		rec := auditstore.Record{
			SessionID:      req.SessionID,
			ToolName:       req.ToolName,
			Verdict:        verdict,
			ResolutionPath: resolutionPath,
			ResolvedAt:     time.Now(),
		}
		if sess, ok := r.sessions.Get(req.SessionID); ok {
			rec.ShortToken = sess.ShortToken
		}
		if err := r.audit.Record(ctx, rec); err != nil {
			r.logger.Warn("router: audit record failed", "session_id", req.SessionID, "error", err)
		}
	}
	if r.decisions != nil {
		r.decisions.Log(decisionlog.Event{
			SessionID:      req.SessionID,
			Kind:           string(req.Kind),
			ToolName:       req.ToolName,
			Verdict:        verdict,
			ResolutionPath: resolutionPath,
		})
	}
}
