package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatvault/internal/chat"
	"chatvault/internal/reconcile"
	"chatvault/internal/remote"
	"chatvault/internal/remote/remotetest"
	"chatvault/internal/storage"
	"chatvault/internal/workspace"
)

func newLocalSession(t *testing.T, engine workspace.Engine) *Session {
	t.Helper()
	s := New(storage.NewMemoryStore(), nil, engine, reconcile.Identity{}, Options{
		Settle: time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func turns(texts ...string) []chat.Message {
	msgs := make([]chat.Message, 0, len(texts))
	for i, text := range texts {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.NewMessage(role, text))
	}
	return msgs
}

func TestSession_SaveAndReloadWithSnapshot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	engine, err := workspace.NewDirEngine(root)
	if err != nil {
		t.Fatal(err)
	}
	logo := []byte{0xFF, 0xD8, 0xFF}
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "logo.png"), logo, 0o644); err != nil {
		t.Fatal(err)
	}

	s := newLocalSession(t, engine)
	conv, err := s.Save(ctx, turns("run the app", "started"), "gpt-4")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if conv.ID == "" || conv.URLID == "" {
		t.Fatalf("expected allocated ids, got id=%q url=%q", conv.ID, conv.URLID)
	}
	if conv.FileState == nil {
		t.Fatal("expected a file state snapshot")
	}

	// 清空工作区后重载应原样恢复 / reload into an emptied workspace must
	// restore byte-identical contents.
	if err := os.Remove(filepath.Join(root, "app.js")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "logo.png")); err != nil {
		t.Fatal(err)
	}
	result, err := s.Load(ctx, conv.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if result.Restore != RestoreFull {
		t.Fatalf("restore = %q, want %q (err: %v)", result.Restore, RestoreFull, result.RestoreErr)
	}
	if len(result.Conversation.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(result.Conversation.Messages))
	}
	script, err := os.ReadFile(filepath.Join(root, "app.js"))
	if err != nil || string(script) != "console.log(1)" {
		t.Fatalf("app.js = %q, %v", script, err)
	}
	img, err := os.ReadFile(filepath.Join(root, "logo.png"))
	if err != nil || !bytes.Equal(img, logo) {
		t.Fatalf("logo.png = %v, %v", img, err)
	}
}

func TestSession_ResaveWithoutWorkspaceKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	engine, err := workspace.NewDirEngine(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemoryStore()

	withWS := New(store, nil, engine, reconcile.Identity{}, Options{Settle: time.Millisecond})
	t.Cleanup(func() { _ = withWS.Close() })
	conv, err := withWS.Save(ctx, turns("add a script", "done"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.FileState) == 0 {
		t.Fatal("expected a snapshot on first save")
	}

	// 无工作区的续存不得清掉已落盘的快照 / continuing the conversation
	// from a workspace-less session must not wipe the persisted snapshot.
	noWS := New(store, nil, nil, reconcile.Identity{}, Options{Settle: time.Millisecond})
	t.Cleanup(func() { _ = noWS.Close() })
	if _, err := noWS.Load(ctx, conv.ID); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := noWS.Save(ctx, turns("add a script", "done", "thanks"), "gpt-4"); err != nil {
		t.Fatalf("resave: %v", err)
	}

	kept, err := store.GetByID(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := kept.FileState["app.js"]; !ok {
		t.Fatalf("snapshot lost on workspace-less resave: %+v", kept.FileState)
	}
	if len(kept.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(kept.Messages))
	}
}

func TestSession_SaveEmptyIsNoop(t *testing.T) {
	s := newLocalSession(t, nil)
	conv, err := s.Save(context.Background(), nil, "gpt-4")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if conv.ID != "" {
		t.Fatalf("empty save allocated id %q", conv.ID)
	}
	all, _ := s.List(context.Background())
	if len(all) != 0 {
		t.Fatalf("store has %d records after empty save", len(all))
	}
}

func TestSession_LazyAllocation(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)

	first, err := s.Save(ctx, turns("Build a Todo App"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "1" {
		t.Fatalf("first id = %q, want 1", first.ID)
	}
	if first.URLID != "build-a-todo-app" {
		t.Fatalf("url id = %q", first.URLID)
	}
	if first.Description != "Build a Todo App" {
		t.Fatalf("description = %q", first.Description)
	}

	second, err := s.Save(ctx, turns("Build a Todo App", "done"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.URLID != first.URLID {
		t.Fatalf("resave reallocated: %q/%q vs %q/%q", second.ID, second.URLID, first.ID, first.URLID)
	}
	all, _ := s.List(ctx)
	if len(all) != 1 {
		t.Fatalf("store has %d records, want 1", len(all))
	}
}

func TestSession_RevertToIndex(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)
	conv, err := s.Save(ctx, turns("a", "b", "c", "d"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}

	reverted, err := s.RevertToIndex(ctx, conv.ID, 1)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if len(reverted.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(reverted.Messages))
	}
	if reverted.Messages[1].Content != "b" {
		t.Fatalf("last message = %q", reverted.Messages[1].Content)
	}

	if _, err := s.RevertToIndex(ctx, conv.ID, 10); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("index 10: err = %v, want ErrInvalidInput", err)
	}
	if _, err := s.RevertToIndex(ctx, conv.ID, -1); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("index -1: err = %v, want ErrInvalidInput", err)
	}
	kept, _ := s.store.GetByID(ctx, conv.ID)
	if len(kept.Messages) != 2 {
		t.Fatalf("rejected revert mutated record: %d messages", len(kept.Messages))
	}
}

func TestSession_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)
	src, err := s.Save(ctx, turns("hello", "hi"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}

	fork, err := s.Duplicate(ctx, src.ID)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if fork.ID == src.ID || fork.URLID == src.URLID {
		t.Fatalf("fork shares identity with source: %q/%q", fork.ID, fork.URLID)
	}
	if !strings.HasSuffix(fork.Description, " (Copy)") {
		t.Fatalf("fork description = %q", fork.Description)
	}
	if fork.Origin != storage.OriginLocal {
		t.Fatalf("fork origin = %q", fork.Origin)
	}

	// 分叉后互不影响 / forks evolve independently.
	if _, err := s.RevertToIndex(ctx, fork.ID, 0); err != nil {
		t.Fatal(err)
	}
	orig, _ := s.store.GetByID(ctx, src.ID)
	if len(orig.Messages) != 2 {
		t.Fatalf("source mutated by fork edit: %d messages", len(orig.Messages))
	}
}

func TestSession_ExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)
	src, err := s.Save(ctx, turns("write tests", "sure"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}

	data, err := s.Export(ctx, src.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if doc.Chat.ID != src.ID || doc.Chat.URLID != src.URLID || doc.Chat.Timestamp != src.Timestamp {
		t.Fatalf("export document missing identity fields: %+v", doc.Chat)
	}
	imported, err := s.Import(ctx, data)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.ID == src.ID || imported.URLID == src.URLID {
		t.Fatalf("import reused identity: %q/%q", imported.ID, imported.URLID)
	}
	if imported.Description != src.Description {
		t.Fatalf("description = %q, want %q", imported.Description, src.Description)
	}
	if len(imported.Messages) != 2 || imported.Messages[0].Content != "write tests" {
		t.Fatalf("messages = %+v", imported.Messages)
	}

	if _, err := s.Import(ctx, []byte(`{"version":99,"chat":{"messages":[{"role":"user","content":"x"}]}}`)); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("bad version: err = %v", err)
	}
	if _, err := s.Import(ctx, []byte(`{"version":1,"chat":{"messages":[]}}`)); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("empty messages: err = %v", err)
	}
}

func TestSession_RenameValidation(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)
	conv, err := s.Save(ctx, turns("hello"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Rename(ctx, conv.ID, "  "); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("blank rename: err = %v", err)
	}
	if err := s.Rename(ctx, conv.ID, strings.Repeat("x", 101)); !errors.Is(err, storage.ErrInvalidInput) {
		t.Fatalf("oversized rename: err = %v", err)
	}
	if err := s.Rename(ctx, conv.ID, "Sprint planning"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _ := s.store.GetByID(ctx, conv.ID)
	if got.Description != "Sprint planning" {
		t.Fatalf("description = %q", got.Description)
	}
}

func TestSession_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)
	good, err := s.Save(ctx, turns("keep me"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"NaN", "undefined"} {
		if err := s.store.Put(ctx, storage.Conversation{ID: id, Messages: turns("junk")}); err != nil {
			t.Fatal(err)
		}
	}
	// 声称来自远端却没有消息的记录同样非法 / an entry claiming remote
	// origin with no messages is structurally invalid too.
	if err := s.store.Put(ctx, storage.Conversation{ID: "7", Origin: storage.OriginRemote}); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed %d, want 3", removed)
	}
	if _, err := s.store.GetByID(ctx, good.ID); err != nil {
		t.Fatalf("cleanup removed a healthy record: %v", err)
	}
	// 幂等 / second pass finds nothing.
	if removed, _ := s.Cleanup(ctx); removed != 0 {
		t.Fatalf("second pass removed %d", removed)
	}
}

func TestSession_RemoteSync(t *testing.T) {
	ctx := context.Background()
	backend := remotetest.New("test-key")
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	client, err := remote.NewHTTPClient(srv.URL, "test-key", "", 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	s := New(storage.NewMemoryStore(), client, nil, reconcile.Identity{OwnerID: "owner-1"}, Options{
		Settle: time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })

	conv, err := s.Save(ctx, turns("sync me", "ok"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	waitEvent(t, s, conv.ID, SyncStateSynced)
	rows := backend.Rows()
	if len(rows) != 1 || rows[0].URLID != conv.URLID {
		t.Fatalf("remote rows = %+v", rows)
	}
	if s.SyncErrored() {
		t.Fatal("sync error flag set after success")
	}

	backend.FailNext()
	conv2, err := s.Save(ctx, turns("sync me", "ok", "more"), "gpt-4")
	if err != nil {
		t.Fatalf("local save must succeed despite remote failure: %v", err)
	}
	waitEvent(t, s, conv2.ID, SyncStateError)
	if !s.SyncErrored() {
		t.Fatal("sync error flag not set")
	}
}

func waitEvent(t *testing.T, s *Session, id, state string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.ConversationID == id && ev.State == state {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s", id, state)
		}
	}
}

func TestSession_DeleteClearsCurrent(t *testing.T) {
	ctx := context.Background()
	s := newLocalSession(t, nil)
	conv, err := s.Save(ctx, turns("bye"), "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.CurrentID() != "" {
		t.Fatalf("current id = %q after delete", s.CurrentID())
	}
	if _, err := s.store.GetByID(ctx, conv.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
}
