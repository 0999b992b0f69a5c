package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore 持久化不可用时的会话级降级实现，进程退出即丢失
// MemoryStore is the session-scoped degraded backend used when SQLite
// cannot be opened. Contents are lost when the process exits, but every
// Store contract (idempotent put, uniqueness arbitration, usage append)
// still holds so higher layers need no special casing.
type MemoryStore struct {
	mu     sync.RWMutex
	chats  map[string]Conversation
	usage  []UsageRecord
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chats: make(map[string]Conversation)}
}

func (m *MemoryStore) Persistent() bool { return false }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetAll(ctx context.Context) ([]Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	convs := make([]Conversation, 0, len(m.chats))
	for _, conv := range m.chats {
		convs = append(convs, conv)
	}
	// 与 SQLite 后端一致：按时间倒序 / newest-first, matching SQLite
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].Timestamp != convs[j].Timestamp {
			return convs[i].Timestamp > convs[j].Timestamp
		}
		return convs[i].ID > convs[j].ID
	})
	return convs, nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Conversation{}, fmt.Errorf("%w: id is empty", ErrInvalidInput)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.chats[id]
	if !ok {
		return Conversation{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
	}
	return conv, nil
}

func (m *MemoryStore) GetByURLID(ctx context.Context, urlID string) (Conversation, error) {
	urlID = strings.TrimSpace(urlID)
	if urlID == "" {
		return Conversation{}, fmt.Errorf("%w: url_id is empty", ErrInvalidInput)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Conversation
	for id := range m.chats {
		conv := m.chats[id]
		if conv.URLID != urlID {
			continue
		}
		if best == nil || conv.Timestamp > best.Timestamp {
			best = &conv
		}
	}
	if best == nil {
		return Conversation{}, fmt.Errorf("%w: url_id=%s", ErrNotFound, urlID)
	}
	return *best, nil
}

func (m *MemoryStore) Put(ctx context.Context, conv Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(conv.Timestamp) == "" {
		conv.Timestamp = NowUTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// 与 SQLite 唯一索引语义一致 / mirror the SQLite unique index semantics
	if conv.URLID != "" {
		for id, other := range m.chats {
			if id != conv.ID && other.URLID == conv.URLID && other.OwnerID == conv.OwnerID {
				return fmt.Errorf("%w: url_id=%s owner_id=%s", ErrConflict, conv.URLID, conv.OwnerID)
			}
		}
	}
	m.chats[conv.ID] = conv
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	return nil
}

func (m *MemoryStore) ListUsage(ctx context.Context) ([]UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UsageRecord, len(m.usage))
	copy(out, m.usage)
	return out, nil
}

func (m *MemoryStore) AppendUsage(ctx context.Context, rec UsageRecord) error {
	if rec.InputTokens == 0 && rec.OutputTokens == 0 {
		return nil
	}
	if strings.TrimSpace(rec.Timestamp) == "" {
		rec.Timestamp = NowUTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.usage = append(m.usage, rec)
	return nil
}
