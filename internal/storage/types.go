package storage

import (
	"strings"
	"time"

	"chatvault/internal/chat"
	"chatvault/internal/snapshot"
)

// Origin 标记本地记录的权威来源 / Origin tags the authoritative source of a
// locally held record. It is a merge heuristic, not a consistency proof.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// MaxDescriptionLen 描述字段的最大长度 / maximum description length.
const MaxDescriptionLen = 100

// Conversation 会话持久化单元 / Conversation is the unit of persistence.
type Conversation struct {
	ID             string                   `json:"id"`
	URLID          string                   `json:"urlId,omitempty"`
	OwnerID        string                   `json:"ownerId,omitempty"`
	Description    string                   `json:"description,omitempty"`
	Messages       []chat.Message           `json:"messages"`
	Model          string                   `json:"model,omitempty"`
	Timestamp      string                   `json:"timestamp"`
	Origin         string                   `json:"origin,omitempty"`
	FileState      snapshot.FileState       `json:"fileState,omitempty"`
	TerminalState  *snapshot.TerminalState  `json:"terminalState,omitempty"`
	WorkbenchState *snapshot.WorkbenchState `json:"workbenchState,omitempty"`
	EditorState    *snapshot.EditorState    `json:"editorState,omitempty"`
	ProjectID      *string                  `json:"projectId,omitempty"`
}

// DisplayDescription returns the description, falling back to the url id.
func (c Conversation) DisplayDescription() string {
	if d := strings.TrimSpace(c.Description); d != "" {
		return d
	}
	return c.URLID
}

// UsageRecord 追加式用量记录，创建后不再更新
// UsageRecord is append-only and never updated after creation.
type UsageRecord struct {
	ID           int64   `json:"id,omitempty"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	Provider     string  `json:"provider"`
	ModelID      string  `json:"modelId"`
	Timestamp    string  `json:"timestamp"`
}

// sentinelIDs 是字符串化失败产生的非法键值，cleanup 会删除携带它们的记录
// sentinelIDs are illegal key values produced by stringified failures;
// cleanup removes any record carrying them.
var sentinelIDs = map[string]bool{
	"NaN":       true,
	"undefined": true,
	"null":      true,
	"Infinity":  true,
	"-Infinity": true,
}

// IsSentinelID reports whether id is one of the known corruption sentinels.
func IsSentinelID(id string) bool {
	return sentinelIDs[strings.TrimSpace(id)]
}

// NowUTC 返回 RFC3339 格式的当前 UTC 时间 / current UTC time in RFC3339.
func NowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
