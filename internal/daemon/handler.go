// Package daemon wires the Local-Stream Transport to the Request Router
// and Session Registry: the per-connection handler that reads one hook
// request and replies immediately or parks the connection until an async
// resolution wakes it (spec.md §4.2, §4.7, §4.8). Grounded on the
// teacher's `api.Handler` shape: a small struct of injected collaborators
// with plain methods, no business logic of its own beyond decoding and
// dispatch.
package daemon

import (
	"context"
	"log/slog"

	"github.com/ashureev/afkd/internal/chatadapter"
	"github.com/ashureev/afkd/internal/config"
	"github.com/ashureev/afkd/internal/pending"
	"github.com/ashureev/afkd/internal/router"
	"github.com/ashureev/afkd/internal/sessionreg"
	"github.com/ashureev/afkd/internal/state"
	"github.com/ashureev/afkd/internal/transport"
)

// request is the wire shape of one local-IPC hook request (spec.md §6.1).
// Every request type uses a subset of these fields.
type request struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id"`
	SessionID      string `json:"session_id"`
	TerminalID     string `json:"terminal_id"`
	ToolName       string `json:"tool_name"`
	Message        string `json:"message"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
}

// Handler composes the collaborators needed to serve one local-IPC
// connection.
type Handler struct {
	router   *router.Router
	sessions *sessionreg.Registry
	pending  *pending.Store
	chat     *chatadapter.Client
	state    *state.Store
	cfg      *config.Config
	logger   *slog.Logger
}

// New creates a Handler.
func New(r *router.Router, sessions *sessionreg.Registry, pend *pending.Store, chat *chatadapter.Client, st *state.Store, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{router: r, sessions: sessions, pending: pend, chat: chat, state: st, cfg: cfg, logger: logger}
}

// Handle implements transport.Handler: it serves exactly one
// request/response exchange per connection (spec.md §4.2).
func (h *Handler) Handle(ctx context.Context, conn *transport.Conn) {
	var req request
	if err := conn.ReadFrame(&req); err != nil {
		return
	}

	resp := h.dispatch(ctx, req, conn)
	if resp != nil {
		if err := conn.Send(resp); err != nil {
			h.logger.Warn("daemon: send response failed", "type", req.Type, "error", err)
		}
		return
	}

	// The request was parked (spec.md §4.7 step 11 / §4.8): the reply
	// will arrive asynchronously via conn.Send from the Reply
	// Dispatcher, the Resolution Watcher, or the router's per-request
	// timeout. Block on another read — it only returns once the client
	// disconnects, which happens right after it receives that reply (or
	// if the hook process vanishes outright, in which case Closed()
	// starts reporting true for the Resolution Watcher).
	var discard map[string]any
	_ = conn.ReadFrame(&discard)
}

func (h *Handler) dispatch(ctx context.Context, req request, conn *transport.Conn) map[string]any {
	switch req.Type {
	case "permission_request":
		out := h.router.HandlePermission(ctx, router.PermissionRequest{
			SessionID:      req.SessionID,
			TerminalID:     req.TerminalID,
			ToolName:       req.ToolName,
			CommandText:    req.Message,
			TranscriptPath: req.TranscriptPath,
			ProjectDir:     req.Cwd,
			CorrelationID:  req.RequestID,
		}, conn)
		return outcomeFrame(req.RequestID, out)

	case "stop_request":
		out := h.router.HandleStop(ctx, router.StopRequest{
			SessionID:      req.SessionID,
			TerminalID:     req.TerminalID,
			TranscriptPath: req.TranscriptPath,
			ProjectDir:     req.Cwd,
			CorrelationID:  req.RequestID,
		}, conn)
		return outcomeFrame(req.RequestID, out)

	case "enable_afk":
		h.sessions.EnableAFK(req.SessionID)
		return responseFrame(req.RequestID, "enabled", nil)

	case "disable_afk":
		h.sessions.DisableAFK(req.SessionID)
		return responseFrame(req.RequestID, "disabled", nil)

	case "status":
		return h.statusFrame(req.RequestID)

	default:
		return responseFrame(req.RequestID, "error", map[string]any{"message": "unknown request type"})
	}
}

// outcomeFrame converts a *router.Outcome into a wire frame. nil means
// the request was parked and nothing should be sent yet.
func outcomeFrame(requestID string, out *router.Outcome) map[string]any {
	if out == nil {
		return nil
	}
	extra := map[string]any{}
	if out.Message != "" {
		extra["message"] = out.Message
	}
	if out.BulkApprove {
		extra["bulk_approved"] = true
	}
	return responseFrame(requestID, out.Status, extra)
}

func (h *Handler) statusFrame(requestID string) map[string]any {
	_, paired := h.state.PairedChatID()
	_, whitelists := h.sessions.Snapshot()
	return responseFrame(requestID, "status_response", map[string]any{
		"daemon_running":      true,
		"telegram_configured": h.cfg.IsTelegramConfigured(),
		"chat_id_configured":  paired,
		"afk_sessions":        h.sessions.AFKSessionIDs(),
		"pending_requests":    h.pending.Count(),
		"always_enabled":      h.cfg.AlwaysEnabled,
		"bulk_approval_tools": h.cfg.BulkApprovalTools,
		"session_whitelists":  whitelists,
	})
}

func responseFrame(requestID, status string, extra map[string]any) map[string]any {
	frame := map[string]any{
		"type":       "response",
		"request_id": requestID,
		"status":     status,
	}
	for k, v := range extra {
		frame[k] = v
	}
	return frame
}
