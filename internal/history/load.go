package history

import (
	"context"
	"errors"
	"fmt"

	"chatvault/internal/snapshot"
	"chatvault/internal/storage"
)

// Restore outcomes after a load.
const (
	// RestoreNone 无快照可恢复 / nothing to restore.
	RestoreNone = "none"
	// RestoreFull 快照已写入工作区 / snapshot written into the workspace.
	RestoreFull = "restored"
	// RestoreDegraded 工作区不可用，仅提供只读文件内容
	// RestoreDegraded means the workspace was unavailable; file contents
	// are still exposed read-only on the result.
	RestoreDegraded = "degraded"
)

// LoadResult carries a loaded conversation plus its decoded snapshot.
type LoadResult struct {
	Conversation storage.Conversation
	// Files 解码后的快照内容，恢复降级时仍可读取
	// Files holds the decoded snapshot, readable even when restoration
	// degraded.
	Files      map[string][]byte
	Restore    string
	RestoreErr error
}

// Load resolves ref (an id or a url slug) through the reconciler, makes the
// conversation current, and restores its workspace snapshot. Snapshot and
// workspace failures degrade with a log line instead of failing the load;
// only an unresolvable ref returns storage.ErrNotFound.
func (s *Session) Load(ctx context.Context, ref string) (LoadResult, error) {
	conv, err := s.reconciler.Load(ctx, ref, s.identity())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return LoadResult{}, err
		}
		return LoadResult{}, fmt.Errorf("load conversation %q: %w", ref, err)
	}

	s.mu.Lock()
	s.currentID = conv.ID
	s.urlID = conv.URLID
	s.description = conv.Description
	s.terminal = conv.TerminalState
	s.workbench = conv.WorkbenchState
	s.editor = conv.EditorState
	s.mu.Unlock()

	result := LoadResult{Conversation: conv, Restore: RestoreNone}
	if len(conv.FileState) == 0 {
		return result, nil
	}
	result.Files = snapshot.Decode(conv.FileState)
	result.Restore = RestoreDegraded

	if s.engine == nil {
		return result, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.restoreWait)
	defer cancel()
	if err := s.engine.WaitUntilReady(waitCtx); err != nil {
		s.logger.Warn("workspace not ready, serving snapshot read-only", "chat", conv.ID, "err", err)
		result.RestoreErr = err
		return result, nil
	}
	if err := s.engine.RestoreFiles(ctx, result.Files); err != nil {
		s.logger.Warn("snapshot restore failed", "chat", conv.ID, "err", err)
		result.RestoreErr = err
		return result, nil
	}
	result.Restore = RestoreFull
	return result, nil
}
