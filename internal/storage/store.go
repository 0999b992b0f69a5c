package storage

import (
	"context"

	"github.com/charmbracelet/log"
)

// Store 持久化接口，支持多后端 (SQLite / 内存降级)
// Store is the persistence interface supporting multiple backends
// (SQLite, or the in-memory fallback when persistence is unavailable).
type Store interface {
	// Conversation 操作 / Conversation operations
	GetAll(ctx context.Context) ([]Conversation, error)
	GetByID(ctx context.Context, id string) (Conversation, error)
	GetByURLID(ctx context.Context, urlID string) (Conversation, error)
	Put(ctx context.Context, conv Conversation) error
	Delete(ctx context.Context, id string) error

	// 用量操作 / Usage operations
	ListUsage(ctx context.Context) ([]UsageRecord, error)
	AppendUsage(ctx context.Context, rec UsageRecord) error

	// 生命周期 / Lifecycle
	Persistent() bool
	Close() error
}

// Open 打开本地存储；失败时降级为内存模式而不是在关键路径上抛错
// Open opens the local store. Opening never fails the caller's critical
// path: when SQLite cannot be opened the session degrades to a pure
// in-memory store and higher layers keep working without durability.
func Open(path string, logger *log.Logger) Store {
	store, err := NewSQLiteStore(path)
	if err != nil {
		if logger != nil {
			logger.Warn("persistence unavailable, falling back to in-memory store",
				"path", path, "err", err)
		}
		return NewMemoryStore()
	}
	return store
}
