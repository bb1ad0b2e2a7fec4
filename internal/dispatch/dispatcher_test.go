package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/afkd/internal/chatadapter"
	"github.com/ashureev/afkd/internal/config"
	"github.com/ashureev/afkd/internal/domain"
	"github.com/ashureev/afkd/internal/pending"
	"github.com/ashureev/afkd/internal/sessionreg"
	"github.com/ashureev/afkd/internal/state"
	"github.com/ashureev/afkd/internal/termbinding"
)

type fakeReplyChannel struct {
	closed bool
	sent   []any
}

func (f *fakeReplyChannel) Send(frame any) error {
	if f.closed {
		return errReplyChannelGone
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeReplyChannel) Closed() bool { return f.closed }

func newTestHarness(t *testing.T, botHandler http.HandlerFunc) (*Dispatcher, *pending.Store, *sessionreg.Registry, *state.Store, string) {
	t.Helper()
	srv := httptest.NewServer(botHandler)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.MaxRetries = 2
	cfg.StaleUpdateThreshold = 300
	cfg.AllowSinglePendingFallback = true
	cfg.BulkApprovalTools = []string{"Bash"}

	st := state.New(filepath.Join(t.TempDir(), "state.json"), nil)
	sessions := sessionreg.New(st)
	pend := pending.New(st)
	st.Wire(pend, sessions)
	st.SetPairedChatID(999)

	chatCfg := chatadapter.DefaultConfig("test-token")
	chatCfg.BaseURL = srv.URL
	chatCfg.MaxRetries = 1
	chat := chatadapter.New(chatCfg, nil)

	termDir := t.TempDir()
	terms := termbinding.New(termDir)

	d := New(pend, sessions, chat, st, terms, cfg, nil)
	return d, pend, sessions, st, termDir
}

func writeBinding(t *testing.T, dir, terminalID, sessionID string) {
	t.Helper()
	path := filepath.Join(dir, terminalID+".json")
	data, _ := json.Marshal(map[string]string{"sessionId": sessionID})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write binding: %v", err)
	}
}

func writeTranscript(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transcript.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func parkPermission(pend *pending.Store, messageID, sessionID, terminalID, transcriptPath, toolUseID string, reply domain.ReplyChannel) {
	pend.Insert(&domain.PendingRequest{
		MessageID:      messageID,
		SessionID:      sessionID,
		Kind:           domain.KindPermission,
		ToolName:       "Bash",
		CommandText:    "npm test",
		ToolUseID:      toolUseID,
		TranscriptPath: transcriptPath,
		TerminalID:     terminalID,
		ReplyChannel:   reply,
	})
}

func parkStop(pend *pending.Store, messageID, sessionID, terminalID, transcriptPath string, offset int, reply domain.ReplyChannel) {
	pend.Insert(&domain.PendingRequest{
		MessageID:         messageID,
		SessionID:         sessionID,
		Kind:              domain.KindStop,
		TranscriptPath:    transcriptPath,
		TerminalID:        terminalID,
		LastScannedOffset: offset,
		ReplyChannel:      reply,
	})
}

// --- Reply Dispatcher tests ---

func TestDispatchVerdictApprovedDeliversFrameAndClears(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})

	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.dispatchVerdict(context.Background(), 999, mustLookup(t, pend, "1"), "yes")

	if pend.Count() != 0 {
		t.Fatalf("expected pending cleared after verdict, got %d", pend.Count())
	}
	if len(reply.sent) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(reply.sent))
	}
	frame := reply.sent[0].(map[string]any)
	if frame["status"] != "approved" {
		t.Fatalf("expected status=approved, got %v", frame["status"])
	}
}

func TestDispatchVerdictDeniedCarriesMessage(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})

	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.dispatchVerdict(context.Background(), 999, mustLookup(t, pend, "1"), "no")

	if len(reply.sent) != 1 {
		t.Fatalf("expected exactly one frame sent, got %d", len(reply.sent))
	}
	frame := reply.sent[0].(map[string]any)
	if frame["status"] != "denied" {
		t.Fatalf("expected status=denied, got %v", frame["status"])
	}
	if frame["message"] != "User denied" {
		t.Fatalf(`expected message="User denied", got %v`, frame["message"])
	}
}

func TestDispatchVerdictApprovedAllWhitelistsSession(t *testing.T) {
	d, pend, sessions, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})

	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.dispatchVerdict(context.Background(), 999, mustLookup(t, pend, "1"), "all")

	if !sessions.WhitelistContains("S1", "Bash") {
		t.Fatal("expected Bash whitelisted for S1 after approved_all")
	}
}

func TestDispatchVerdictInvalidReplyLeavesRequestParked(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})

	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.dispatchVerdict(context.Background(), 999, mustLookup(t, pend, "1"), "maybe")

	if pend.Count() != 1 {
		t.Fatalf("expected request still parked after unrecognized reply, got %d", pend.Count())
	}
	if len(reply.sent) != 0 {
		t.Fatal("expected no frame sent for an unrecognized reply")
	}
}

func TestDispatchVerdictStopTruncatesLongInstructions(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})

	reply := &fakeReplyChannel{}
	parkStop(pend, "1", "S1", "T1", transcriptPath, 1, reply)

	long := strings.Repeat("a", maxStopInstructionLength+500)
	d.dispatchVerdict(context.Background(), 999, mustLookup(t, pend, "1"), long)

	frame := reply.sent[0].(map[string]any)
	instructions := frame["instructions"].(string)
	if len(instructions) >= len(long) {
		t.Fatalf("expected truncated instructions, got length %d", len(instructions))
	}
	if !strings.Contains(instructions, "truncated") {
		t.Fatal("expected truncation notice in instructions")
	}
}

func TestProcessUpdateStartPairsFirstSender(t *testing.T) {
	srv := httptest.NewServer(sendUpdatesThenEmpty(nil))
	t.Cleanup(srv.Close)

	st := state.New(filepath.Join(t.TempDir(), "state.json"), nil)
	sessions := sessionreg.New(st)
	pend := pending.New(st)
	st.Wire(pend, sessions)
	// No SetPairedChatID call: stays unpaired so the /start path can claim it.

	chatCfg := chatadapter.DefaultConfig("test-token")
	chatCfg.BaseURL = srv.URL
	chat := chatadapter.New(chatCfg, nil)
	d := New(pend, sessions, chat, st, termbinding.New(t.TempDir()), config.Default(), nil)

	d.processUpdate(context.Background(), chatadapter.Update{ChatID: 555, Text: "/start"})

	chatID, paired := st.PairedChatID()
	if !paired || chatID != 555 {
		t.Fatalf("expected pairing to chat 555, got %d paired=%v", chatID, paired)
	}
}

func TestRouteFallbackSingleRequestDispatches(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})
	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.routeFallback(context.Background(), 999, chatadapter.Update{ChatID: 999, Text: "yes"})

	if pend.Count() != 0 {
		t.Fatalf("expected single-pending fallback to resolve the request, got %d", pend.Count())
	}
}

func TestRouteFallbackMultiplePendingAsksForDirectReply(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", &fakeReplyChannel{})
	parkPermission(pend, "2", "S2", "T2", transcriptPath, "tu-2", &fakeReplyChannel{})

	d.routeFallback(context.Background(), 999, chatadapter.Update{ChatID: 999, Text: "yes"})

	if pend.Count() != 2 {
		t.Fatalf("expected both requests to remain parked, got %d", pend.Count())
	}
}

// --- Resolution Watcher tests ---

func TestWatchTickResolvesOnClosedReplyChannel(t *testing.T) {
	d, pend, _, _, termDir := newTestHarness(t, sendUpdatesThenEmpty(nil))
	transcriptPath := writeTranscript(t, []string{`{"type":"assistant","message":{"role":"assistant","content":"x"}}`})
	writeBinding(t, termDir, "T1", "S1")

	reply := &fakeReplyChannel{closed: true}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.watchTick(context.Background())

	if pend.Count() != 0 {
		t.Fatalf("expected closed-channel request to resolve locally, got %d pending", pend.Count())
	}
}

func TestWatchTickResolvesApprovedPermissionFromTranscript(t *testing.T) {
	d, pend, _, _, termDir := newTestHarness(t, sendUpdatesThenEmpty(nil))
	writeBinding(t, termDir, "T1", "S1")
	transcriptPath := writeTranscript(t, []string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"npm test"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","is_error":false}]}}`,
	})

	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", reply)

	d.watchTick(context.Background())

	if pend.Count() != 0 {
		t.Fatalf("expected tool-result resolution to clear the pending request, got %d", pend.Count())
	}
	if len(reply.sent) != 1 {
		t.Fatalf("expected one resolved_locally frame, got %d", len(reply.sent))
	}
	frame := reply.sent[0].(map[string]any)
	if frame["status"] != "resolved_locally" || frame["resolution"] != "approved" {
		t.Fatalf("expected resolved_locally/approved, got %+v", frame)
	}
}

func TestWatchTickAdvancesOffsetWhenNoResultYet(t *testing.T) {
	d, pend, _, _, termDir := newTestHarness(t, sendUpdatesThenEmpty(nil))
	writeBinding(t, termDir, "T1", "S1")
	transcriptPath := writeTranscript(t, []string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"npm test"}}]}}`,
	})

	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", &fakeReplyChannel{})
	d.watchTick(context.Background())

	req, ok := pend.LookupByMessageID("1")
	if !ok {
		t.Fatal("expected request still pending")
	}
	if req.LastScannedOffset != 1 {
		t.Fatalf("expected offset advanced to 1, got %d", req.LastScannedOffset)
	}
}

func TestWatchTickResolvesStopOnUserFollowup(t *testing.T) {
	d, pend, _, _, termDir := newTestHarness(t, sendUpdatesThenEmpty(nil))
	writeBinding(t, termDir, "T1", "S1")
	transcriptPath := writeTranscript(t, []string{
		`{"type":"assistant","message":{"role":"assistant","content":"done"}}`,
		`{"type":"user","message":{"role":"user","content":"keep going"}}`,
	})

	reply := &fakeReplyChannel{}
	parkStop(pend, "1", "S1", "T1", transcriptPath, 1, reply)

	d.watchTick(context.Background())

	if pend.Count() != 0 {
		t.Fatalf("expected stop request resolved locally, got %d", pend.Count())
	}
	frame := reply.sent[0].(map[string]any)
	if frame["resolution"] != "local_followup" {
		t.Fatalf("expected local_followup resolution, got %+v", frame)
	}
}

func TestWatchTickExpiresSessionWhenBindingMissing(t *testing.T) {
	d, pend, _, _, _ := newTestHarness(t, sendUpdatesThenEmpty(nil))
	// No binding file written for T1 at all.
	transcriptPath := writeTranscript(t, []string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"npm test"}}]}}`,
	})

	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", &fakeReplyChannel{})
	d.watchTick(context.Background())

	if pend.Count() != 0 {
		t.Fatalf("expected session-expired cleanup to drop the pending request, got %d", pend.Count())
	}
}

func TestWatchTickExpiresSessionWhenBindingRebound(t *testing.T) {
	d, pend, _, _, termDir := newTestHarness(t, sendUpdatesThenEmpty(nil))
	writeBinding(t, termDir, "T1", "S2") // rebound to a different session
	transcriptPath := writeTranscript(t, []string{
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"npm test"}}]}}`,
	})

	parkPermission(pend, "1", "S1", "T1", transcriptPath, "tu-1", &fakeReplyChannel{})
	d.watchTick(context.Background())

	if pend.Count() != 0 {
		t.Fatalf("expected rebound-terminal session to be treated as expired, got %d", pend.Count())
	}
}

func TestWatchTickFindsResultInSiblingAgentTranscript(t *testing.T) {
	d, pend, _, _, termDir := newTestHarness(t, sendUpdatesThenEmpty(nil))
	writeBinding(t, termDir, "T1", "S1")

	dir := t.TempDir()
	mainPath := filepath.Join(dir, "transcript.jsonl")
	siblingPath := filepath.Join(dir, "agent-sub.jsonl")
	if err := os.WriteFile(mainPath, []byte(`{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"npm test"}}]}}`+"\n"), 0o644); err != nil {
		t.Fatalf("write main transcript: %v", err)
	}
	if err := os.WriteFile(siblingPath, []byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tu-1","is_error":false}]}}`+"\n"), 0o644); err != nil {
		t.Fatalf("write sibling transcript: %v", err)
	}

	reply := &fakeReplyChannel{}
	parkPermission(pend, "1", "S1", "T1", mainPath, "tu-1", reply)

	d.watchTick(context.Background())

	if pend.Count() != 0 {
		t.Fatalf("expected sibling-transcript result to resolve the request, got %d", pend.Count())
	}
}

// --- helpers ---

func mustLookup(t *testing.T, pend *pending.Store, messageID string) *domain.PendingRequest {
	t.Helper()
	req, ok := pend.LookupByMessageID(messageID)
	if !ok {
		t.Fatalf("expected pending request %s", messageID)
	}
	return req
}

func sendUpdatesThenEmpty(updates []chatadapter.Update) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": []any{}})
	}
}
