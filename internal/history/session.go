package history

import (
	"context"
	"strings"
	"sync"
	"time"

	"chatvault/internal/reconcile"
	"chatvault/internal/remote"
	"chatvault/internal/snapshot"
	"chatvault/internal/storage"
	"chatvault/internal/workspace"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Sync states reported on the session's event channel.
const (
	SyncStateSyncing = "syncing"
	SyncStateSynced  = "synced"
	SyncStateError   = "error"
)

// SyncEvent 远端同步状态变化；保存调用本身只对本地写负责
// SyncEvent reports remote sync progress. A save call's own completion
// corresponds to the local write; the remote write races independently
// and reports here instead of blocking the caller.
type SyncEvent struct {
	ConversationID string
	State          string
	Err            error
}

// Options tunes a session. Zero values select the defaults.
type Options struct {
	// Settle 快照前的静置延迟，避开进行中的文件写入
	// Settle is the delay before snapshotting, to avoid racing in-flight
	// file writes.
	Settle time.Duration
	// RestoreWait 等待执行沙箱就绪的上限 / bound on sandbox readiness wait.
	RestoreWait time.Duration
	Logger      *log.Logger
}

const (
	defaultSettle      = 100 * time.Millisecond
	defaultRestoreWait = 30 * time.Second
)

// Session 历史管理门面：显式构造、显式传递，不经由包级单例。
// 一个 Session 拥有一个存储句柄和当前会话 id 状态。
// Session is the history-manager facade. It is explicitly constructed and
// passed by reference; it owns one store handle and the current-chat-id
// state. There are no package-level singletons.
type Session struct {
	store      storage.Store
	remote     remote.Client
	reconciler *reconcile.Reconciler
	engine     workspace.Engine
	logger     *log.Logger

	settle      time.Duration
	restoreWait time.Duration
	token       string // 日志关联用的会话令牌 / session token for log correlation

	events chan SyncEvent
	wg     sync.WaitGroup

	mu          sync.Mutex
	ident       reconcile.Identity
	currentID   string
	urlID       string
	description string
	terminal    *snapshot.TerminalState
	workbench   *snapshot.WorkbenchState
	editor      *snapshot.EditorState
	syncError   bool
}

// New 构造会话。remoteClient 与 engine 允许为 nil（纯本地、无工作区）。
// New builds a session. remoteClient and engine may be nil for pure-local
// operation without a workspace.
func New(store storage.Store, remoteClient remote.Client, engine workspace.Engine, ident reconcile.Identity, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	settle := opts.Settle
	if settle <= 0 {
		settle = defaultSettle
	}
	restoreWait := opts.RestoreWait
	if restoreWait <= 0 {
		restoreWait = defaultRestoreWait
	}
	return &Session{
		store:       store,
		remote:      remoteClient,
		reconciler:  reconcile.New(store, remoteClient, logger),
		engine:      engine,
		logger:      logger,
		settle:      settle,
		restoreWait: restoreWait,
		token:       uuid.NewString(),
		ident:       ident,
		events:      make(chan SyncEvent, 16),
	}
}

// Store exposes the underlying store for read-side consumers such as the
// usage recorder. The session keeps ownership; callers must not Close it.
func (s *Session) Store() storage.Store {
	return s.store
}

// Events exposes the sync status channel observed by the UI.
func (s *Session) Events() <-chan SyncEvent {
	return s.events
}

// SyncErrored reports the standing sync-error flag. It is cleared by the
// next successful remote write.
func (s *Session) SyncErrored() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncError
}

// CurrentID returns the id of the conversation the session is on, if any.
func (s *Session) CurrentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// SetUIState 记录终端/工作台/编辑器的瞬时状态，随下一次保存落盘
// SetUIState records ephemeral terminal/workbench/editor flags; they ride
// along with the next save.
func (s *Session) SetUIState(terminal *snapshot.TerminalState, workbench *snapshot.WorkbenchState, editor *snapshot.EditorState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = terminal
	s.workbench = workbench
	s.editor = editor
}

// SignIn 切换为已认证身份并迁移游客记录
// SignIn switches to an authenticated identity and migrates guest records.
func (s *Session) SignIn(ctx context.Context, ownerID string) (reconcile.MigrationReport, error) {
	ownerID = strings.TrimSpace(ownerID)
	s.mu.Lock()
	s.ident = reconcile.Identity{OwnerID: ownerID}
	ident := s.ident
	s.mu.Unlock()
	return s.reconciler.MigrateGuestRecords(ctx, ident)
}

// SignOut 登出并清除远端来源的本地副本
// SignOut drops the identity and purges remote-origin local copies.
func (s *Session) SignOut(ctx context.Context) (int, error) {
	s.mu.Lock()
	s.ident = reconcile.Identity{}
	s.mu.Unlock()
	return s.reconciler.PurgeRemoteOrigin(ctx)
}

func (s *Session) identity() reconcile.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

// Close waits for in-flight remote writes and closes the store.
func (s *Session) Close() error {
	s.wg.Wait()
	close(s.events)
	return s.store.Close()
}

// emit 非阻塞发送同步事件，渠道满则丢弃 / non-blocking event emit.
func (s *Session) emit(event SyncEvent) {
	select {
	case s.events <- event:
	default:
	}
}

func (s *Session) setSyncError(flag bool) {
	s.mu.Lock()
	s.syncError = flag
	s.mu.Unlock()
}
