// Package dispatch implements the Reply Dispatcher (spec.md §4.10) and the
// Resolution Watcher (spec.md §4.9): the two background loops that race to
// resolve a parked PendingRequest, plus the verdict-normalization logic
// (§4.11) they share. Both loops are grounded on the teacher's
// ticker-driven background-goroutine shape (`RateLimiter.startEviction`,
// `Handler.broadcastLoop`), generalized from "wake every open SSE
// connection" to "wake the one parked hook a resolution names."
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/afkd/internal/auditstore"
	"github.com/ashureev/afkd/internal/chatadapter"
	"github.com/ashureev/afkd/internal/config"
	"github.com/ashureev/afkd/internal/decisionlog"
	"github.com/ashureev/afkd/internal/domain"
	"github.com/ashureev/afkd/internal/pending"
	"github.com/ashureev/afkd/internal/sessionreg"
	"github.com/ashureev/afkd/internal/state"
	"github.com/ashureev/afkd/internal/termbinding"
)

// Dispatcher owns both background loops. A single instance is created
// once during daemon bootstrap and wired to every other live component.
type Dispatcher struct {
	pending  *pending.Store
	sessions *sessionreg.Registry
	chat     *chatadapter.Client
	state    *state.Store
	terms    *termbinding.Reader
	cfg      *config.Config
	logger   *slog.Logger

	// audit and decisions are optional observability sinks (SPEC_FULL.md
	// §C.1, §A "Decision log"): nil-safe, never consulted to make a
	// routing decision.
	audit     *auditstore.Store
	decisions *decisionlog.Logger

	replyOffset int64
	replyBusy   atomic.Bool
	watchBusy   atomic.Bool

	// onConflict is invoked once, from the reply loop's own goroutine,
	// when FetchUpdates reports ErrConflict, after handleConflict has
	// already notified the paired user — the callback is expected to
	// terminate the process (spec.md §4.5, §1 "fail-open").
	onConflict func(ctx context.Context)
}

// New creates a Dispatcher.
func New(pend *pending.Store, sessions *sessionreg.Registry, chat *chatadapter.Client, st *state.Store, terms *termbinding.Reader, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pending: pend, sessions: sessions, chat: chat, state: st, terms: terms, cfg: cfg, logger: logger}
}

// WireAudit attaches the optional decision-audit store and decision
// ndjson logger. Both are nil-safe: a Dispatcher with neither wired still
// functions, it just records nothing.
func (d *Dispatcher) WireAudit(audit *auditstore.Store, decisions *decisionlog.Logger) {
	d.audit = audit
	d.decisions = decisions
}

// OnConflict registers the callback invoked when the remote long-poll
// reports a sustained conflict with another daemon instance.
func (d *Dispatcher) OnConflict(fn func(ctx context.Context)) {
	d.onConflict = fn
}

// RunReplyLoop runs the Reply Dispatcher on a fixed interval until ctx is
// cancelled (spec.md §4.10, default 2s). Overlap-guarded: a tick that
// fires while the previous is still running is a silent no-op (spec.md
// §5).
func (d *Dispatcher) RunReplyLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.replyBusy.CompareAndSwap(false, true) {
				continue
			}
			d.replyTick(ctx)
			d.replyBusy.Store(false)
		}
	}
}

// RunWatchLoop runs the Resolution Watcher on a fixed interval until ctx
// is cancelled (spec.md §4.9, default 3s).
func (d *Dispatcher) RunWatchLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.watchBusy.CompareAndSwap(false, true) {
				continue
			}
			d.watchTick(ctx)
			d.watchBusy.Store(false)
		}
	}
}

func (d *Dispatcher) replyTick(ctx context.Context) {
	staleAfter := time.Duration(d.cfg.StaleUpdateThreshold) * time.Second
	updates, nextOffset, err := d.chat.FetchUpdates(ctx, d.replyOffset, staleAfter)
	d.replyOffset = nextOffset
	if err != nil {
		if err == chatadapter.ErrConflict {
			d.handleConflict(ctx)
			return
		}
		if err != chatadapter.ErrNotConfigured {
			d.logger.Warn("dispatch: fetch updates failed", "error", err)
		}
		return
	}

	for _, u := range updates {
		d.processUpdate(ctx, u)
	}
}

func (d *Dispatcher) handleConflict(ctx context.Context) {
	if chatID, paired := d.state.PairedChatID(); paired {
		d.sendChatNote(ctx, chatID, "Another instance has taken over the remote connection; shutting down.")
	}
	if d.onConflict != nil {
		d.onConflict(ctx)
	}
}

// recordDecision writes req's resolution to the audit store and decision
// log, if wired. Best-effort: failures are logged, never propagated,
// since observability must never block a resolution path (SPEC_FULL.md
// §C.1).
func (d *Dispatcher) recordDecision(ctx context.Context, req *domain.PendingRequest, verdict, resolutionPath, replyText string) {
	if d.audit != nil {
		rec := auditstore.Record{
			SessionID:      req.SessionID,
			ToolName:       req.ToolName,
			Verdict:        verdict,
			ResolutionPath: resolutionPath,
			ResolvedAt:     time.Now(),
		}
		if sess, ok := d.sessions.Get(req.SessionID); ok {
			rec.ShortToken = sess.ShortToken
		}
		if err := d.audit.Record(ctx, rec); err != nil {
			d.logger.Warn("dispatch: audit record failed", "session_id", req.SessionID, "error", err)
		}
	}
	if d.decisions != nil {
		d.decisions.Log(decisionlog.Event{
			SessionID:      req.SessionID,
			Kind:           string(req.Kind),
			ToolName:       req.ToolName,
			Verdict:        verdict,
			ResolutionPath: resolutionPath,
			ContentRaw:     replyText,
		})
	}
}

func (d *Dispatcher) processUpdate(ctx context.Context, u chatadapter.Update) {
	if u.Text == "/start" {
		if _, paired := d.state.PairedChatID(); !paired {
			d.state.SetPairedChatID(u.ChatID)
			d.sendChatNote(ctx, u.ChatID, "Paired. You will receive permission and stop notifications here.")
			return
		}
	}

	chatID, paired := d.state.PairedChatID()
	if !paired || u.ChatID != chatID {
		return
	}

	if u.ReplyToID != "" {
		d.routeReplyTargeted(ctx, chatID, u)
		return
	}

	d.routeFallback(ctx, chatID, u)
}

func (d *Dispatcher) routeReplyTargeted(ctx context.Context, chatID int64, u chatadapter.Update) {
	req, ok := d.pending.LookupByMessageID(u.ReplyToID)
	if !ok {
		d.sendChatNote(ctx, chatID, "already handled")
		return
	}
	d.dispatchVerdict(ctx, chatID, req, u.Text)
}

func (d *Dispatcher) routeFallback(ctx context.Context, chatID int64, u chatadapter.Update) {
	if d.cfg.AllowSinglePendingFallback {
		if req, ok := d.pending.SingleIfOne(); ok {
			if req.ReplyChannel == nil || req.ReplyChannel.Closed() {
				d.pending.RemoveByMessageID(req.MessageID)
				d.chat.DeleteMessage(ctx, chatID, req.MessageID)
				d.sendChatNote(ctx, chatID, "response recorded, session no longer active")
				return
			}
			d.dispatchVerdict(ctx, chatID, req, u.Text)
			return
		}
	}

	if d.pending.Count() > 0 {
		d.sendChatNote(ctx, chatID, "please reply directly to a notification message")
	}
}

func (d *Dispatcher) dispatchVerdict(ctx context.Context, chatID int64, req *domain.PendingRequest, text string) {
	switch req.Kind {
	case domain.KindPermission:
		d.applyPermissionVerdict(ctx, chatID, req, text)
	case domain.KindStop:
		d.applyStopVerdict(ctx, chatID, req, text)
	}
}
