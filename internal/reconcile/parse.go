package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"chatvault/internal/chat"
	"chatvault/internal/remote"
	"chatvault/internal/snapshot"
	"chatvault/internal/storage"
)

// parseRow 在边界处将松散类型的远端行解析为严格的本地记录；非法行在此
// 被拒绝，绝不向下游传递。
// parseRow converts a loosely-typed remote row into the strict local
// record shape. Invalid rows are rejected at this boundary and never
// trusted downstream.
func parseRow(row remote.Row) (storage.Conversation, error) {
	id := strings.TrimSpace(row.ID)
	if id == "" || storage.IsSentinelID(id) {
		return storage.Conversation{}, fmt.Errorf("%w: bad remote id %q", storage.ErrInvalidInput, row.ID)
	}
	urlID := strings.TrimSpace(row.URLID)
	if urlID == "" || storage.IsSentinelID(urlID) {
		return storage.Conversation{}, fmt.Errorf("%w: bad remote url id %q", storage.ErrInvalidInput, row.URLID)
	}

	var messages []chat.Message
	if len(row.Messages) > 0 {
		if err := json.Unmarshal(row.Messages, &messages); err != nil {
			return storage.Conversation{}, fmt.Errorf("%w: malformed messages: %v", storage.ErrInvalidInput, err)
		}
	}
	valid := messages[:0]
	for _, msg := range messages {
		if !chat.ValidRole(msg.Role) {
			continue
		}
		valid = append(valid, msg)
	}
	if len(valid) == 0 {
		return storage.Conversation{}, fmt.Errorf("%w: remote row %s has no messages", storage.ErrInvalidInput, id)
	}

	conv := storage.Conversation{
		ID:          id,
		URLID:       urlID,
		OwnerID:     strings.TrimSpace(row.OwnerID),
		Description: row.Description,
		Messages:    valid,
		Model:       row.Model,
		Timestamp:   row.Timestamp,
		Origin:      storage.OriginRemote,
		ProjectID:   row.ProjectID,
	}
	if strings.TrimSpace(conv.Timestamp) == "" {
		conv.Timestamp = storage.NowUTC()
	}

	// 快照列损坏只丢弃快照本身，不丢会话 / corrupt snapshot columns drop
	// the snapshot, never the conversation.
	if len(row.FileState) > 0 {
		var fs snapshot.FileState
		if err := json.Unmarshal(row.FileState, &fs); err == nil {
			conv.FileState = fs
		}
	}
	if len(row.TerminalState) > 0 {
		var ts snapshot.TerminalState
		if err := json.Unmarshal(row.TerminalState, &ts); err == nil {
			conv.TerminalState = &ts
		}
	}
	if len(row.WorkbenchState) > 0 {
		var ws snapshot.WorkbenchState
		if err := json.Unmarshal(row.WorkbenchState, &ws); err == nil {
			conv.WorkbenchState = &ws
		}
	}
	if len(row.EditorState) > 0 {
		var es snapshot.EditorState
		if err := json.Unmarshal(row.EditorState, &es); err == nil {
			conv.EditorState = &es
		}
	}
	return conv, nil
}

// toRow 将本地记录编码为远端行 / toRow encodes a local record as a remote row.
func toRow(conv storage.Conversation, ownerID string) (remote.Row, error) {
	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return remote.Row{}, fmt.Errorf("marshal messages: %w", err)
	}
	row := remote.Row{
		ID:          conv.ID,
		URLID:       conv.URLID,
		OwnerID:     ownerID,
		Description: conv.Description,
		Messages:    messages,
		Model:       conv.Model,
		Timestamp:   conv.Timestamp,
		ProjectID:   conv.ProjectID,
	}
	if len(conv.FileState) > 0 {
		if data, err := json.Marshal(conv.FileState); err == nil {
			row.FileState = data
		}
	}
	if conv.TerminalState != nil {
		if data, err := json.Marshal(conv.TerminalState); err == nil {
			row.TerminalState = data
		}
	}
	if conv.WorkbenchState != nil {
		if data, err := json.Marshal(conv.WorkbenchState); err == nil {
			row.WorkbenchState = data
		}
	}
	if conv.EditorState != nil {
		if data, err := json.Marshal(conv.EditorState); err == nil {
			row.EditorState = data
		}
	}
	return row, nil
}
