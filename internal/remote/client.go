package remote

import (
	"context"
	"encoding/json"
	"errors"
)

// ConflictKeyURLOwner 远端表在 (url_id, owner_id) 上的唯一约束键
// ConflictKeyURLOwner is the server-side uniqueness key for chat rows.
const ConflictKeyURLOwner = "url_id,owner_id"

var (
	// ErrUnreachable 网络层失败，本地操作不受影响 / network-level failure;
	// local operations still succeed, a standing sync-error flag is set.
	ErrUnreachable = errors.New("remote store unreachable")
	// ErrUnauthorized 凭证缺失或过期 / missing or expired credentials.
	ErrUnauthorized = errors.New("remote store unauthorized")
	// ErrConflict 服务端唯一约束冲突 / server-side uniqueness violation.
	ErrConflict = errors.New("remote uniqueness conflict")
)

// Row 远端会话行。消息与快照保持原始 JSON，在 Reconciler 边界严格解析，
// 不在此处信任其形状。
// Row is a loosely-typed remote chat row. Messages and snapshot columns
// stay raw JSON; the reconciler parses and validates them at its boundary
// instead of trusting the shape here.
type Row struct {
	ID             string          `json:"id"`
	URLID          string          `json:"url_id"`
	OwnerID        string          `json:"owner_id"`
	Description    string          `json:"description,omitempty"`
	Messages       json.RawMessage `json:"messages,omitempty"`
	Model          string          `json:"model,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
	FileState      json.RawMessage `json:"file_state,omitempty"`
	TerminalState  json.RawMessage `json:"terminal_state,omitempty"`
	WorkbenchState json.RawMessage `json:"workbench_state,omitempty"`
	EditorState    json.RawMessage `json:"editor_state,omitempty"`
	ProjectID      *string         `json:"project_id,omitempty"`
}

// Filter 行选择条件，零值字段忽略 / row selection; zero fields are ignored.
type Filter struct {
	ID      string
	URLID   string
	OwnerID *string
}

// Patch 部分更新的列集合 / column set for a partial update.
type Patch map[string]any

// Client 远端存储的不透明接口；服务端保证 (url_id, owner_id) 唯一
// Client is the opaque remote store API. The server enforces uniqueness
// on (url_id, owner_id); this client never works around that.
type Client interface {
	Select(ctx context.Context, f Filter) ([]Row, error)
	Upsert(ctx context.Context, row Row, conflictKey string) error
	Update(ctx context.Context, f Filter, p Patch) error
	Delete(ctx context.Context, f Filter) error
}
