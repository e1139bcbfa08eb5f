package session

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sessions.json"))
}

func TestStore_CreateIfAbsent(t *testing.T) {
	store := newTestStore(t)

	sess, created := store.CreateIfAbsent("a", "first")
	if !created {
		t.Fatal("expected creation for new key")
	}
	if sess.Key != "a" || sess.Label != "first" {
		t.Errorf("unexpected session: %+v", sess)
	}

	again, created := store.CreateIfAbsent("a", "second")
	if created {
		t.Fatal("creating with an existing key must be a lookup")
	}
	if again != sess {
		t.Error("expected the same record back")
	}
	if again.Label != "first" {
		t.Errorf("label should be unchanged, got %s", again.Label)
	}
}

func TestStore_GetAbsent(t *testing.T) {
	store := newTestStore(t)
	if store.Get("missing") != nil {
		t.Fatal("expected nil for absent key")
	}
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	store.CreateIfAbsent("a", "a")
	store.Delete("a")
	if store.Get("a") != nil {
		t.Fatal("expected session gone after delete")
	}

	// A new record for the same key starts with empty history.
	sess, created := store.CreateIfAbsent("a", "a")
	if !created {
		t.Fatal("expected a brand-new record after delete")
	}
	if len(sess.History) != 0 {
		t.Errorf("expected empty history, got %d entries", len(sess.History))
	}
}

func TestStore_List_Ordered(t *testing.T) {
	store := newTestStore(t)
	store.CreateIfAbsent("a", "a")
	store.CreateIfAbsent("b", "b")
	store.CreateIfAbsent("c", "c")

	list := store.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(list))
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	store := NewStore(path)
	sess, _ := store.CreateIfAbsent("a", "my session")
	sess.SetConversationID("conv-123")
	sess.SetModel("opus")
	sess.SetEffort("high")
	sess.SetPlanMode(true)
	sess.SetAgentName("reviewer")
	sess.AppendHistory("user", "hi")
	sess.AppendHistory("claude", "hello")

	// Transient state that must not survive the round trip.
	sess.QueueAttachment("/tmp/file.txt")
	sess.SetRunning(true)
	sess.buffer.Write(makeMsg(1))

	store.Save()

	restored := NewStore(path)
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	got := restored.Get("a")
	if got == nil {
		t.Fatal("expected session restored")
	}
	if got.Label != "my session" || got.ConversationID != "conv-123" {
		t.Errorf("unexpected restored fields: %+v", got)
	}
	if got.Model != "opus" || got.Effort != "high" || !got.PlanMode || got.AgentName != "reviewer" {
		t.Errorf("config not restored: %+v", got)
	}
	if len(got.History) != 2 || got.History[0].Role != "user" || got.History[1].Role != "claude" {
		t.Errorf("history not restored: %+v", got.History)
	}
	if !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("creation time not restored")
	}

	// Transients reset to empty.
	if got.Running() {
		t.Error("running flag must reset on restore")
	}
	if atts := got.TakeAttachments(); len(atts) != 0 {
		t.Errorf("pending attachments must reset, got %v", atts)
	}
	if got.buffer.Len() != 0 {
		t.Errorf("live buffer must reset, got %d messages", got.buffer.Len())
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent.json"))
	if err := store.Load(); err != nil {
		t.Fatalf("missing snapshot must not be an error: %v", err)
	}
	if len(store.List()) != 0 {
		t.Error("expected empty store")
	}
}

func TestStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := NewStore(path)
	if err := store.Load(); err == nil {
		t.Fatal("expected error for corrupt snapshot")
	}
}

func TestStore_SaveReplacesWholeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	store := NewStore(path)
	store.CreateIfAbsent("a", "a")
	store.CreateIfAbsent("b", "b")
	store.Save()
	store.Delete("b")
	store.Save()

	restored := NewStore(path)
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Get("b") != nil {
		t.Error("deleted session must not reappear from the snapshot")
	}
	if restored.Get("a") == nil {
		t.Error("remaining session missing from the snapshot")
	}
}
