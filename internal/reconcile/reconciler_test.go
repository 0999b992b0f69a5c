package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chatvault/internal/chat"
	"chatvault/internal/remote"
	"chatvault/internal/remote/remotetest"
	"chatvault/internal/storage"

	"github.com/charmbracelet/log"
)

type fixture struct {
	store      storage.Store
	server     *remotetest.Server
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := remotetest.New("")
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	client, err := remote.NewHTTPClient(ts.URL, "", "", 5*time.Second)
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}

	return &fixture{
		store:      store,
		server:     srv,
		reconciler: New(store, client, log.New(os.Stderr)),
	}
}

func putLocal(t *testing.T, store storage.Store, id, urlID, origin, owner string, contents ...string) storage.Conversation {
	t.Helper()
	conv := storage.Conversation{
		ID:        id,
		URLID:     urlID,
		OwnerID:   owner,
		Origin:    origin,
		Timestamp: storage.NowUTC(),
	}
	for i, content := range contents {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		conv.Messages = append(conv.Messages, chat.Message{Role: role, Content: content})
	}
	if err := store.Put(context.Background(), conv); err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
	return conv
}

func remoteRow(id, urlID, owner string, contents ...string) remote.Row {
	var messages []chat.Message
	for i, content := range contents {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		messages = append(messages, chat.Message{Role: role, Content: content})
	}
	raw, _ := json.Marshal(messages)
	return remote.Row{ID: id, URLID: urlID, OwnerID: owner, Messages: raw, Timestamp: storage.NowUTC()}
}

func TestLoad_GuestServesLocal(t *testing.T) {
	f := newFixture(t)
	putLocal(t, f.store, "1", "my-chat", storage.OriginLocal, "", "hello", "hi")

	conv, err := f.reconciler.Load(context.Background(), "my-chat", Identity{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conv.ID != "1" || len(conv.Messages) != 2 {
		t.Fatalf("conv unexpected: %+v", conv)
	}
}

func TestLoad_SeedsFromRemote(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(remoteRow("9", "cloud-chat", "user-a", "question", "answer"))

	conv, err := f.reconciler.Load(context.Background(), "cloud-chat", Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if conv.ID != "9" || conv.Origin != storage.OriginRemote || len(conv.Messages) != 2 {
		t.Fatalf("conv unexpected: %+v", conv)
	}

	// 远端只是种子源：本地副本成为后续读取路径
	// Remote is a seed source; the local copy serves subsequent reads.
	local, err := f.store.GetByID(context.Background(), "9")
	if err != nil {
		t.Fatalf("local copy missing after seed: %v", err)
	}
	if local.Origin != storage.OriginRemote {
		t.Fatalf("origin=%q, want remote", local.Origin)
	}
}

func TestLoad_RemoteWinsOverDivergedLocal(t *testing.T) {
	f := newFixture(t)
	putLocal(t, f.store, "9", "shared", storage.OriginLocal, "", "old local text")
	f.server.Seed(remoteRow("9", "shared", "user-a", "newer remote text", "and reply"))

	conv, err := f.reconciler.Load(context.Background(), "shared", Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "newer remote text" {
		t.Fatalf("remote content must win: %+v", conv.Messages)
	}
}

func TestLoad_RemoteFailureKeepsLocal(t *testing.T) {
	f := newFixture(t)
	putLocal(t, f.store, "1", "my-chat", storage.OriginLocal, "", "hello")
	f.server.FailNext()

	conv, err := f.reconciler.Load(context.Background(), "my-chat", Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("Load with failing remote: %v", err)
	}
	if conv.ID != "1" {
		t.Fatalf("local copy must survive remote failure: %+v", conv)
	}
}

func TestLoad_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.reconciler.Load(context.Background(), "missing", Identity{OwnerID: "user-a"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestLoad_RejectsInvalidRemoteRows(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(remote.Row{ID: "NaN", URLID: "bad", OwnerID: "user-a",
		Messages: json.RawMessage(`[{"role":"user","content":"x"}]`)})

	_, err := f.reconciler.Load(context.Background(), "bad", Identity{OwnerID: "user-a"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("invalid row must be rejected at the boundary, err=%v", err)
	}
}

func TestMigrateGuestRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putLocal(t, f.store, "1", "guest-a", storage.OriginLocal, "", "one", "reply")
	putLocal(t, f.store, "2", "guest-b", storage.OriginLocal, "", "two", "reply")
	// 已同步的记录跳过 / already-synced records are skipped
	putLocal(t, f.store, "3", "synced", storage.OriginRemote, "user-a", "three", "reply")

	report, err := f.reconciler.MigrateGuestRecords(ctx, Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("MigrateGuestRecords: %v", err)
	}
	if report.Migrated != 2 || report.Failed != 0 {
		t.Fatalf("report unexpected: %+v", report)
	}

	rows := f.server.Rows()
	byURL := map[string]remote.Row{}
	for _, row := range rows {
		byURL[row.URLID] = row
	}
	for _, urlID := range []string{"guest-a", "guest-b"} {
		row, ok := byURL[urlID]
		if !ok {
			t.Fatalf("record %s missing remotely after migration", urlID)
		}
		if row.OwnerID != "user-a" {
			t.Fatalf("row %s owner=%q, want user-a", urlID, row.OwnerID)
		}
	}

	// 迁移后本地按 origin=remote 读取 / records read as origin=remote after
	for _, id := range []string{"1", "2"} {
		conv, err := f.store.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("GetByID %s: %v", id, err)
		}
		if conv.Origin != storage.OriginRemote || conv.OwnerID != "user-a" {
			t.Fatalf("record %s not converged: %+v", id, conv)
		}
	}
}

func TestMigrateGuestRecords_RemoteCopyWinsOverGuestContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// 游客本地内容与远端同 slug 行分叉 / guest content diverged from an
	// existing remote row under the same slug.
	putLocal(t, f.store, "1", "shared", storage.OriginLocal, "", "stale local text")
	f.server.Seed(remoteRow("42", "shared", "user-a", "newer remote text", "and reply"))

	report, err := f.reconciler.MigrateGuestRecords(ctx, Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("MigrateGuestRecords: %v", err)
	}
	if report.Migrated != 1 {
		t.Fatalf("report unexpected: %+v", report)
	}

	// 迁移后的加载必须给出远端内容，本地旧内容不得借 origin=remote 存活
	// A post-migration load must serve the remote content; the stale local
	// content must not survive behind an origin=remote tag.
	conv, err := f.reconciler.Load(ctx, "shared", Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "newer remote text" {
		t.Fatalf("remote copy must win after migration: %+v", conv.Messages)
	}
	if conv.ID != "42" {
		t.Fatalf("conv id=%q, want the remote row's 42", conv.ID)
	}
	if _, err := f.store.GetByID(ctx, "1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("guest copy must be replaced by the seeded row, err=%v", err)
	}
}

func TestMigrateGuestRecords_ContinuesOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putLocal(t, f.store, "1", "first", storage.OriginLocal, "", "one", "reply")
	putLocal(t, f.store, "2", "second", storage.OriginLocal, "", "two", "reply")

	// 首条记录的远端查询失败 / the first record's remote lookup fails
	f.server.FailNext()
	report, err := f.reconciler.MigrateGuestRecords(ctx, Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("MigrateGuestRecords: %v", err)
	}
	if report.Failed != 1 || report.Migrated != 1 {
		t.Fatalf("report unexpected: %+v", report)
	}

	// 失败记录保留在本地等待重试，无记录被静默丢弃
	// The failed record stays local for retry; nothing is silently dropped.
	convs, err := f.store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("local count=%d, want 2", len(convs))
	}

	// 第二遍补齐 / a second pass converges the remainder
	report, err = f.reconciler.MigrateGuestRecords(ctx, Identity{OwnerID: "user-a"})
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if report.Migrated != 1 {
		t.Fatalf("second pass report unexpected: %+v", report)
	}
}

func TestPurgeRemoteOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	putLocal(t, f.store, "1", "mine", storage.OriginLocal, "", "guest work")
	putLocal(t, f.store, "2", "theirs", storage.OriginRemote, "user-a", "account data")

	purged, err := f.reconciler.PurgeRemoteOrigin(ctx)
	if err != nil {
		t.Fatalf("PurgeRemoteOrigin: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged=%d, want 1", purged)
	}
	if _, err := f.store.GetByID(ctx, "2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("remote-origin copy must be purged, err=%v", err)
	}
	if _, err := f.store.GetByID(ctx, "1"); err != nil {
		t.Fatalf("guest record must survive logout: %v", err)
	}
}
