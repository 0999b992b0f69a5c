package history

import (
	"context"
	"fmt"

	"chatvault/internal/chat"
	"chatvault/internal/snapshot"
	"chatvault/internal/storage"
)

// List returns all local conversations, newest first.
func (s *Session) List(ctx context.Context) ([]storage.Conversation, error) {
	return s.store.GetAll(ctx)
}

// Duplicate 深拷贝一条会话为独立分支：新 id、新 slug、来源重置为 local。
// 两条记录此后互不影响。
// Duplicate deep-copies a conversation into an independent fork with a
// fresh id and slug, origin reset to local. The two records never affect
// each other afterwards.
func (s *Session) Duplicate(ctx context.Context, id string) (storage.Conversation, error) {
	src, err := s.store.GetByID(ctx, id)
	if err != nil {
		return storage.Conversation{}, err
	}

	copyDesc := src.DisplayDescription() + " (Copy)"
	if runes := []rune(copyDesc); len(runes) > storage.MaxDescriptionLen {
		copyDesc = string(runes[:storage.MaxDescriptionLen])
	}

	fork := storage.Conversation{
		Description: copyDesc,
		Messages:    chat.Clone(src.Messages),
		Model:       src.Model,
		Timestamp:   storage.NowUTC(),
		Origin:      storage.OriginLocal,
		OwnerID:     src.OwnerID,
		ProjectID:   src.ProjectID,
	}
	fork.FileState = cloneFileState(src.FileState)
	if src.TerminalState != nil {
		t := *src.TerminalState
		fork.TerminalState = &t
	}
	if src.WorkbenchState != nil {
		w := *src.WorkbenchState
		fork.WorkbenchState = &w
	}
	if src.EditorState != nil {
		e := *src.EditorState
		fork.EditorState = &e
	}

	fork.ID = storage.NextID(ctx, s.store)
	candidate := slugify(copyDesc)
	if candidate == "" {
		candidate = fork.ID
	}
	fork.URLID, err = storage.AllocateURLID(ctx, s.store, candidate)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("allocate fork url id: %w", err)
	}

	if err := s.store.Put(ctx, fork); err != nil {
		return storage.Conversation{}, fmt.Errorf("save fork of %s: %w", id, err)
	}
	return fork, nil
}

// RevertToIndex 截断到给定消息下标（含），下标越界或截断后为空则拒绝
// RevertToIndex truncates a conversation to messages [0..index] inclusive.
// An out-of-range index or a truncation that would leave no messages is
// rejected and the record is left untouched.
func (s *Session) RevertToIndex(ctx context.Context, id string, index int) (storage.Conversation, error) {
	conv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return storage.Conversation{}, err
	}
	if index < 0 || index >= len(conv.Messages) {
		return storage.Conversation{}, fmt.Errorf("%w: message index %d out of range [0,%d)", storage.ErrInvalidInput, index, len(conv.Messages))
	}
	conv.Messages = chat.Clone(conv.Messages[:index+1])
	conv.Timestamp = storage.NowUTC()
	if err := s.store.Put(ctx, conv); err != nil {
		return storage.Conversation{}, fmt.Errorf("revert chat %s: %w", id, err)
	}
	s.pushAsync(conv)
	return conv, nil
}

// Cleanup 清理结构非法的记录：哨兵 id（"NaN"、"undefined" 等）以及消息
// 为空却声称来源为 remote 的条目，幂等
// Cleanup removes structurally invalid records: sentinel ids or slugs left
// behind by historical allocation bugs, and entries claiming origin=remote
// with an empty message list. Idempotent; a clean store reports zero.
func (s *Session) Cleanup(ctx context.Context) (int, error) {
	convs, err := s.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chats: %w", err)
	}
	removed := 0
	for _, conv := range convs {
		invalid := storage.IsSentinelID(conv.ID) || storage.IsSentinelID(conv.URLID) ||
			(conv.Origin == storage.OriginRemote && len(conv.Messages) == 0)
		if !invalid {
			continue
		}
		if err := s.store.Delete(ctx, conv.ID); err != nil {
			s.logger.Warn("cleanup: delete failed", "id", conv.ID, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

func cloneFileState(state snapshot.FileState) snapshot.FileState {
	if state == nil {
		return nil
	}
	out := make(snapshot.FileState, len(state))
	for path, file := range state {
		out[path] = file
	}
	return out
}
