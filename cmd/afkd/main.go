// Command afkd is the claude-afk daemon: the singleton process that
// bridges ephemeral hook processes from the host coding assistant to a
// remote chat-based approval channel (spec.md §1, §2). Bootstrap is
// grounded on the teacher's cmd/server/main.go: JSON slog default logger,
// optional .env, config load, sequential dependency construction, a
// signal-driven shutdown context, and a bounded graceful-shutdown window
// — with the HTTP-server-specific pieces (chi router, container manager,
// embedded frontend) replaced by this daemon's local-stream listener and
// background loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/afkd/internal/auditstore"
	"github.com/ashureev/afkd/internal/chatadapter"
	"github.com/ashureev/afkd/internal/config"
	"github.com/ashureev/afkd/internal/daemon"
	"github.com/ashureev/afkd/internal/decisionlog"
	"github.com/ashureev/afkd/internal/dispatch"
	"github.com/ashureev/afkd/internal/lockfile"
	"github.com/ashureev/afkd/internal/pending"
	"github.com/ashureev/afkd/internal/router"
	"github.com/ashureev/afkd/internal/sessionreg"
	"github.com/ashureev/afkd/internal/state"
	"github.com/ashureev/afkd/internal/termbinding"
	"github.com/ashureev/afkd/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	configDir := config.DefaultConfigDir()
	cfg, err := config.Load(configDir)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(logger)
	}

	slog.Info("starting afkd", "config_dir", configDir, "always_enabled", cfg.AlwaysEnabled)

	gate, err := lockfile.Acquire(filepath.Join(configDir, "daemon.lock"))
	if err != nil {
		slog.Error("failed to acquire singleton lock; another instance is likely running", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := gate.Release(); err != nil {
			slog.Error("failed to release singleton lock", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	gate.Heartbeat(ctx)

	statePath := filepath.Join(configDir, "state.json")
	rec, err := state.Load(statePath, logger)
	if err != nil {
		slog.Error("failed to load state.json", "error", err)
		os.Exit(1)
	}

	st := state.New(statePath, logger)
	sessions := sessionreg.New(st)
	sessions.Restore(rec.AFKEnabled, rec.Whitelists)
	pend := pending.New(st)
	st.Wire(pend, sessions)
	if rec.PairedChatID != nil {
		st.SetPairedChatID(*rec.PairedChatID)
	}

	chatCfg := chatadapter.DefaultConfig(cfg.TelegramToken)
	chat := chatadapter.New(chatCfg, logger)
	notifyOrphanedRequests(ctx, chat, st, rec)

	auditPath := filepath.Join(configDir, "audit.db")
	audit, err := auditstore.Open(auditPath)
	if err != nil {
		slog.Warn("decision-audit store unavailable; continuing without it", "error", err)
		audit = nil
	} else {
		defer func() {
			if err := audit.Close(); err != nil {
				slog.Warn("failed to close decision-audit store", "error", err)
			}
		}()
	}

	decisions, err := decisionlog.New(decisionlog.Config{
		Enabled:   true,
		Dir:       filepath.Join(configDir, "logs", "decisions"),
		QueueSize: 256,
	}, logger)
	if err != nil {
		slog.Warn("decision ndjson log unavailable; continuing without it", "error", err)
		decisions = nil
	} else {
		defer func() { _ = decisions.Close() }()
	}

	terms := termbinding.New(config.TerminalBindingsDir())

	req := router.New(sessions, pend, chat, cfg, st, logger)
	req.WireAudit(audit, decisions)

	disp := dispatch.New(pend, sessions, chat, st, terms, cfg, logger)
	disp.WireAudit(audit, decisions)
	disp.OnConflict(func(ctx context.Context) {
		slog.Error("remote chat reports a conflicting daemon instance; shutting down")
		stop()
	})

	handler := daemon.New(req, sessions, pend, chat, st, cfg, logger)

	ln, err := transport.Listen(config.EndpointPath(), logger)
	if err != nil {
		slog.Error("failed to listen on local endpoint", "endpoint", config.EndpointPath(), "error", err)
		os.Exit(1)
	}

	served := make(chan struct{})
	go func() {
		ln.Serve(ctx, handler.Handle)
		close(served)
	}()
	go disp.RunReplyLoop(ctx, time.Duration(cfg.RetryInterval)*time.Second)
	go disp.RunWatchLoop(ctx, time.Duration(cfg.TranscriptPolling.IntervalMs)*time.Millisecond)

	slog.Info("afkd ready", "endpoint", config.EndpointPath())

	<-ctx.Done()
	stop()
	slog.Info("shutting down")

	// Stop accepting new connections, then force-close any hook still
	// parked waiting for a verdict (spec.md §5 "Cancellation": "closes
	// all live reply channels, the hooks see EOF and fall through to
	// host default"), bounded so a stuck handler can't hang shutdown.
	if err := ln.Close(); err != nil {
		slog.Warn("error closing local endpoint listener", "error", err)
	}
	ln.CloseActive()

	select {
	case <-served:
	case <-time.After(10 * time.Second):
		slog.Warn("timed out waiting for in-flight connections to drain")
	}

	slog.Info("afkd stopped")
}

// notifyOrphanedRequests implements spec.md §4.12 step 2: any pending
// requests found on disk at startup belong to hook processes that are
// long gone. They are never re-parked — only used to drive a one-time
// notification to the paired user before being discarded.
func notifyOrphanedRequests(ctx context.Context, chat *chatadapter.Client, st *state.Store, rec *state.Recovered) {
	if len(rec.Orphaned) == 0 {
		return
	}
	chatID, paired := st.PairedChatID()
	for _, req := range rec.Orphaned {
		if !paired || !chat.Configured() {
			continue
		}
		target := req.ToolName
		if target == "" {
			target = string(req.Kind)
		}
		text := fmt.Sprintf("daemon restarted; previous request expired: %s/%s; please re-run if still needed.", target, req.CommandText)
		if _, err := chat.SendMessage(ctx, chatID, text, nil); err != nil {
			slog.Warn("failed to notify paired chat of an orphaned request", "session_id", req.SessionID, "error", err)
		}
	}
	// The in-memory stores were constructed empty and never had these
	// orphans restored into them; persist now so the on-disk state
	// reflects that immediately rather than waiting for the next mutation.
	st.Save()
}
