package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chatvault/internal/chat"
	"chatvault/internal/snapshot"
	"chatvault/internal/storage"
)

// exportVersion 导出文档格式版本 / export document format version.
const exportVersion = 1

// ExportDocument 可移植的会话导出格式，不携带 owner 或 origin 等本地状态
// ExportDocument is the portable conversation interchange format. Local
// bookkeeping such as owner and origin is deliberately left out.
type ExportDocument struct {
	Version    int        `json:"version"`
	ExportDate string     `json:"exportDate"`
	Chat       ExportChat `json:"chat"`
}

// ExportChat 携带导出方的 id、slug 与时间戳供人查看；导入方忽略它们并
// 重新分配。
// ExportChat carries the exporter's id, slug and timestamp for inspection;
// importers ignore them and allocate fresh ones.
type ExportChat struct {
	ID             string                   `json:"id"`
	URLID          string                   `json:"urlId,omitempty"`
	Description    string                   `json:"description,omitempty"`
	Messages       []chat.Message           `json:"messages"`
	Model          string                   `json:"model,omitempty"`
	Timestamp      string                   `json:"timestamp,omitempty"`
	FileState      snapshot.FileState       `json:"fileState,omitempty"`
	TerminalState  *snapshot.TerminalState  `json:"terminalState,omitempty"`
	WorkbenchState *snapshot.WorkbenchState `json:"workbenchState,omitempty"`
	EditorState    *snapshot.EditorState    `json:"editorState,omitempty"`
}

// Export serializes one conversation into the versioned interchange format.
func (s *Session) Export(ctx context.Context, id string) ([]byte, error) {
	conv, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	doc := ExportDocument{
		Version:    exportVersion,
		ExportDate: time.Now().UTC().Format(time.RFC3339),
		Chat: ExportChat{
			ID:             conv.ID,
			URLID:          conv.URLID,
			Description:    conv.Description,
			Messages:       conv.Messages,
			Model:          conv.Model,
			Timestamp:      conv.Timestamp,
			FileState:      conv.FileState,
			TerminalState:  conv.TerminalState,
			WorkbenchState: conv.WorkbenchState,
			EditorState:    conv.EditorState,
		},
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export of %s: %w", id, err)
	}
	return data, nil
}

// Import 导入导出文档为新记录：始终分配全新 id 与 slug，绝不覆盖既有记录
// Import materializes an export document as a new local record. Fresh id
// and slug are always allocated; an import can never clobber an existing
// conversation.
func (s *Session) Import(ctx context.Context, data []byte) (storage.Conversation, error) {
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return storage.Conversation{}, fmt.Errorf("%w: malformed export document: %v", storage.ErrInvalidInput, err)
	}
	if doc.Version != exportVersion {
		return storage.Conversation{}, fmt.Errorf("%w: unsupported export version %d", storage.ErrInvalidInput, doc.Version)
	}
	if len(doc.Chat.Messages) == 0 {
		return storage.Conversation{}, fmt.Errorf("%w: export has no messages", storage.ErrInvalidInput)
	}
	for _, m := range doc.Chat.Messages {
		if !chat.ValidRole(m.Role) {
			return storage.Conversation{}, fmt.Errorf("%w: message role %q", storage.ErrInvalidInput, m.Role)
		}
	}

	conv := storage.Conversation{
		Description:    doc.Chat.Description,
		Messages:       doc.Chat.Messages,
		Model:          doc.Chat.Model,
		Timestamp:      storage.NowUTC(),
		Origin:         storage.OriginLocal,
		FileState:      doc.Chat.FileState,
		TerminalState:  doc.Chat.TerminalState,
		WorkbenchState: doc.Chat.WorkbenchState,
		EditorState:    doc.Chat.EditorState,
	}
	if conv.Description == "" {
		conv.Description = inferDescription(conv.Messages)
	}

	conv.ID = storage.NextID(ctx, s.store)
	candidate := slugify(conv.Description)
	if candidate == "" {
		candidate = conv.ID
	}
	urlID, err := storage.AllocateURLID(ctx, s.store, candidate)
	if err != nil {
		return storage.Conversation{}, fmt.Errorf("allocate import url id: %w", err)
	}
	conv.URLID = urlID

	if err := s.store.Put(ctx, conv); err != nil {
		return storage.Conversation{}, fmt.Errorf("save imported chat: %w", err)
	}
	return conv, nil
}
