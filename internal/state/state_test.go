package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/afkd/internal/domain"
)

type fakePendingSource struct {
	byMessage map[string]*domain.PendingRequest
	bySession map[string][]string
}

func (f fakePendingSource) Snapshot() (map[string]*domain.PendingRequest, map[string][]string) {
	return f.byMessage, f.bySession
}

type fakeSessionSource struct {
	afk        map[string]bool
	whitelists map[string]map[string]bool
}

func (f fakeSessionSource) Snapshot() (map[string]bool, map[string]map[string]bool) {
	return f.afk, f.whitelists
}

func TestSaveThenLoadRoundTripsPairedChatID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path, nil)
	s.Wire(fakePendingSource{}, fakeSessionSource{})
	s.SetPairedChatID(555)

	rec, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.PairedChatID == nil || *rec.PairedChatID != 555 {
		t.Fatalf("expected paired chat-id 555, got %v", rec.PairedChatID)
	}
}

func TestSavePersistsPendingRequestsAsOrphansOnNextLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := New(path, nil)
	req := &domain.PendingRequest{
		MessageID:   "100",
		SessionID:   "S1",
		Kind:        domain.KindPermission,
		ToolName:    "Bash",
		CommandText: "npm test",
		FirstSeenAt: time.Now(),
	}
	s.Wire(
		fakePendingSource{
			byMessage: map[string]*domain.PendingRequest{"100": req},
			bySession: map[string][]string{"S1": {"100"}},
		},
		fakeSessionSource{afk: map[string]bool{"S1": true}},
	)
	s.Save()

	rec, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rec.Orphaned) != 1 {
		t.Fatalf("expected 1 orphaned pending request, got %d", len(rec.Orphaned))
	}
	if rec.Orphaned[0].ToolName != "Bash" {
		t.Fatalf("expected orphan to carry tool name Bash, got %q", rec.Orphaned[0].ToolName)
	}
	if !rec.AFKEnabled["S1"] {
		t.Fatal("expected S1 to be recovered as afk-enabled")
	}
}

func TestLoadMissingFileIsEmptyNotAnError(t *testing.T) {
	rec, err := Load(filepath.Join(t.TempDir(), "missing.json"), nil)
	if err != nil {
		t.Fatalf("expected no error for a missing state file, got %v", err)
	}
	if rec.PairedChatID != nil || len(rec.Orphaned) != 0 {
		t.Fatalf("expected an empty Recovered, got %+v", rec)
	}
}

func TestLoadMalformedFileIsEmptyNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write malformed state: %v", err)
	}

	rec, err := Load(path, nil)
	if err != nil {
		t.Fatalf("expected malformed state.json to be tolerated, got error %v", err)
	}
	if rec.PairedChatID != nil {
		t.Fatalf("expected empty Recovered for malformed file, got %+v", rec)
	}
}
