package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"chatvault/internal/chat"
	"chatvault/internal/snapshot"
	"chatvault/internal/storage"
)

const maxSlugLen = 48

// Save persists the current message list locally and schedules a best-effort
// remote upsert. An empty message list is a no-op. The call returns once the
// local write has succeeded; remote progress is reported on Events.
func (s *Session) Save(ctx context.Context, messages []chat.Message, model string) (storage.Conversation, error) {
	if len(messages) == 0 {
		return storage.Conversation{}, nil
	}
	for _, m := range messages {
		if !chat.ValidRole(m.Role) {
			return storage.Conversation{}, fmt.Errorf("%w: message role %q", storage.ErrInvalidInput, m.Role)
		}
	}

	// 静置片刻，避开仍在进行的文件写入 / let in-flight file writes settle
	// before snapshotting.
	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
		return storage.Conversation{}, ctx.Err()
	}

	conv, err := s.prepareRecord(ctx, messages, model)
	if err != nil {
		return storage.Conversation{}, err
	}
	if err := s.captureSnapshot(ctx, &conv); err != nil {
		// 快照失败不应丢失对话本身 / a snapshot failure must not lose the
		// conversation itself.
		s.logger.Warn("snapshot capture failed, saving without file state", "chat", conv.ID, "err", err)
	}

	if err := s.store.Put(ctx, conv); err != nil {
		return storage.Conversation{}, fmt.Errorf("save chat %s: %w", conv.ID, err)
	}
	s.pushAsync(conv)
	return conv, nil
}

// prepareRecord 懒分配 id 与 url slug，仅首次保存时发生
// prepareRecord lazily allocates the id and url slug on first save and
// carries them forward afterwards.
func (s *Session) prepareRecord(ctx context.Context, messages []chat.Message, model string) (storage.Conversation, error) {
	s.mu.Lock()
	id := s.currentID
	urlID := s.urlID
	description := s.description
	terminal, workbench, editor := s.terminal, s.workbench, s.editor
	ident := s.ident
	s.mu.Unlock()

	var existing *storage.Conversation
	if id != "" {
		if prev, err := s.store.GetByID(ctx, id); err == nil {
			existing = &prev
		} else if !errors.Is(err, storage.ErrNotFound) {
			return storage.Conversation{}, err
		}
	}

	if id == "" {
		id = storage.NextID(ctx, s.store)
	}
	if description == "" {
		description = inferDescription(messages)
	}
	if urlID == "" {
		candidate := slugify(description)
		if candidate == "" {
			candidate = id
		}
		allocated, err := storage.AllocateURLID(ctx, s.store, candidate)
		if err != nil {
			return storage.Conversation{}, fmt.Errorf("allocate url id: %w", err)
		}
		urlID = allocated
	}

	conv := storage.Conversation{
		ID:          id,
		URLID:       urlID,
		OwnerID:     ident.OwnerID,
		Description: description,
		Messages:    messages,
		Model:       model,
		Timestamp:   storage.NowUTC(),
		Origin:      storage.OriginLocal,
	}
	if existing != nil {
		// 保留既有来源标记与快照外的持久字段 / keep the origin tag and
		// fields not produced by this save.
		conv.Origin = existing.Origin
		conv.ProjectID = existing.ProjectID
		if !ident.Authenticated() {
			conv.OwnerID = existing.OwnerID
		}
		// 旧快照先带过来；captureSnapshot 成功时才覆盖。无工作区或抓取
		// 失败的重存不得清掉已持久化的文件状态。
		// Carry the stored snapshot forward; captureSnapshot overwrites it
		// only on a successful capture. A re-save without a workspace, or
		// with a failed capture, must not wipe persisted file state.
		conv.FileState = existing.FileState
		if terminal == nil {
			terminal = existing.TerminalState
		}
		if workbench == nil {
			workbench = existing.WorkbenchState
		}
		if editor == nil {
			editor = existing.EditorState
		}
	}
	conv.TerminalState = terminal
	conv.WorkbenchState = workbench
	conv.EditorState = editor

	s.mu.Lock()
	s.currentID = id
	s.urlID = urlID
	s.description = description
	s.mu.Unlock()
	return conv, nil
}

func (s *Session) captureSnapshot(ctx context.Context, conv *storage.Conversation) error {
	if s.engine == nil {
		return nil
	}
	files, err := s.engine.CurrentFiles(ctx)
	if err != nil {
		return err
	}
	conv.FileState = snapshot.Encode(files)
	return nil
}

// pushAsync 本地写成功后异步上推远端，不阻塞调用方
// pushAsync mirrors a locally-saved record to the remote store without
// blocking the caller.
func (s *Session) pushAsync(conv storage.Conversation) {
	ident := s.identity()
	if s.remote == nil || !ident.Authenticated() {
		return
	}
	s.emit(SyncEvent{ConversationID: conv.ID, State: SyncStateSyncing})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.reconciler.PushRemote(ctx, conv, ident); err != nil {
			s.logger.Warn("remote sync failed", "chat", conv.ID, "err", err)
			s.setSyncError(true)
			s.emit(SyncEvent{ConversationID: conv.ID, State: SyncStateError, Err: err})
			return
		}
		s.setSyncError(false)
		s.emit(SyncEvent{ConversationID: conv.ID, State: SyncStateSynced})
	}()
}

// Rename updates a conversation's description. The local write is
// authoritative; the remote mirror is refreshed best-effort.
func (s *Session) Rename(ctx context.Context, id, description string) error {
	description = strings.TrimSpace(description)
	if description == "" {
		return fmt.Errorf("%w: description is empty", storage.ErrInvalidInput)
	}
	if len([]rune(description)) > storage.MaxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d characters", storage.ErrInvalidInput, storage.MaxDescriptionLen)
	}
	conv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	conv.Description = description
	conv.Timestamp = storage.NowUTC()
	if err := s.store.Put(ctx, conv); err != nil {
		return fmt.Errorf("rename chat %s: %w", id, err)
	}
	s.mu.Lock()
	if s.currentID == id {
		s.description = description
	}
	s.mu.Unlock()
	s.pushAsync(conv)
	return nil
}

// Delete removes a conversation locally and best-effort remotely. The local
// delete alone decides success.
func (s *Session) Delete(ctx context.Context, id string) error {
	conv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete chat %s: %w", id, err)
	}
	s.mu.Lock()
	if s.currentID == id {
		s.currentID = ""
		s.urlID = ""
		s.description = ""
	}
	ident := s.ident
	s.mu.Unlock()
	if err := s.reconciler.DeleteRemote(ctx, conv, ident); err != nil {
		s.logger.Warn("remote delete failed", "chat", id, "err", err)
		s.setSyncError(true)
		s.emit(SyncEvent{ConversationID: id, State: SyncStateError, Err: err})
	}
	return nil
}

// inferDescription 从第一条用户消息推断标题，截断到 100 字符
// inferDescription derives a title from the first user message, clipped to
// the description limit.
func inferDescription(messages []chat.Message) string {
	text := chat.FirstUserText(messages)
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return "New chat"
	}
	runes := []rune(text)
	if len(runes) > storage.MaxDescriptionLen {
		return string(runes[:storage.MaxDescriptionLen])
	}
	return text
}

// slugify collapses a description into a url-safe slug candidate.
func slugify(text string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) && r < unicode.MaxASCII, unicode.IsDigit(r) && r < unicode.MaxASCII:
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
