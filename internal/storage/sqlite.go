package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatvault/internal/snapshot"

	_ "modernc.org/sqlite"
)

// schemaVersion 当前磁盘格式版本 / current on-disk schema version.
//
// v1: chats 基础表 / base chats table
// v2: url_id 非唯一索引 / non-unique index on url_id
// v3: (url_id, owner_id) 复合唯一索引 / composite unique index
// v4: usage 表及时间索引 / usage table with timestamp index
const schemaVersion = 4

// SQLiteStore 基于 SQLite (WAL 模式) 的持久化实现
// SQLiteStore implements Store using SQLite with WAL mode.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore 创建并初始化 SQLite 数据库
// NewSQLiteStore creates and initializes a SQLite database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// 启用 WAL 模式和优化 PRAGMA / Enable WAL and performance PRAGMAs
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.migrateSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return store, nil
}

// migrateSchema 非破坏性地将旧版本升级到当前版本；已有记录全部保留
// migrateSchema upgrades an older on-disk version non-destructively.
// Existing records are never lost; only missing secondary structures
// (indexes, the usage table) are added.
func (s *SQLiteStore) migrateSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	migrations := []string{
		// v1: chats 基础表 / base table
		`CREATE TABLE IF NOT EXISTS chats (
			id              TEXT PRIMARY KEY,
			url_id          TEXT NOT NULL DEFAULT '',
			owner_id        TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			messages        TEXT NOT NULL DEFAULT '[]',
			model           TEXT NOT NULL DEFAULT '',
			timestamp       TEXT NOT NULL,
			origin          TEXT NOT NULL DEFAULT 'local',
			file_state      TEXT NOT NULL DEFAULT '',
			terminal_state  TEXT NOT NULL DEFAULT '',
			workbench_state TEXT NOT NULL DEFAULT '',
			editor_state    TEXT NOT NULL DEFAULT '',
			project_id      TEXT
		)`,
		// v2: 非唯一索引，guest 记录与迁移后的副本可短暂共存
		// v2: non-unique index; guest and migrated copies may coexist
		`CREATE INDEX IF NOT EXISTS idx_chats_url_id ON chats(url_id)`,
		// v3: 同一 (url_id, owner_id) 至多一条；空 url_id 不受约束
		// v3: at most one record per (url_id, owner_id); blank url_id exempt
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_chats_url_owner
			ON chats(url_id, owner_id) WHERE url_id != ''`,
		// v4: usage 追加表 / append-only usage table
		`CREATE TABLE IF NOT EXISTS usage (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost          REAL NOT NULL DEFAULT 0,
			provider      TEXT NOT NULL DEFAULT '',
			model_id      TEXT NOT NULL DEFAULT '',
			timestamp     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp)`,
	}

	for v := version; v < schemaVersion; v++ {
		if _, err := s.db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migration v%d: %w", v+1, err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			return fmt.Errorf("bump user_version to %d: %w", v+1, err)
		}
	}
	return nil
}

// Persistent reports that records survive process restarts.
func (s *SQLiteStore) Persistent() bool { return true }

// Close 关闭数据库连接 / Close the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

const chatColumns = `id, url_id, owner_id, description, messages, model,
	timestamp, origin, file_state, terminal_state, workbench_state,
	editor_state, project_id`

// GetAll 按时间倒序返回全部会话 / returns all conversations newest-first.
func (s *SQLiteStore) GetAll(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			continue
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (Conversation, error) {
	return s.getOne(ctx, "id", id)
}

func (s *SQLiteStore) GetByURLID(ctx context.Context, urlID string) (Conversation, error) {
	return s.getOne(ctx, "url_id", urlID)
}

func (s *SQLiteStore) getOne(ctx context.Context, column, value string) (Conversation, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Conversation{}, fmt.Errorf("%w: %s is empty", ErrInvalidInput, column)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE `+column+`=? ORDER BY timestamp DESC LIMIT 1`,
		value)
	conv, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Conversation{}, fmt.Errorf("%w: %s=%s", ErrNotFound, column, value)
		}
		return Conversation{}, fmt.Errorf("load chat by %s: %w", column, err)
	}
	return conv, nil
}

// Put 幂等写入：同一 id 原地替换。瞬时锁冲突在内部按指数退避重试。
// Put is idempotent: the same id replaces in place. Transient lock
// contention from concurrent writers is retried with bounded backoff
// before surfacing failure.
func (s *SQLiteStore) Put(ctx context.Context, conv Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(conv.Timestamp) == "" {
		conv.Timestamp = NowUTC()
	}

	messages, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	fileState := marshalOrEmpty(conv.FileState)
	terminal := marshalOrEmpty(conv.TerminalState)
	workbench := marshalOrEmpty(conv.WorkbenchState)
	editor := marshalOrEmpty(conv.EditorState)

	var projectID sql.NullString
	if conv.ProjectID != nil {
		projectID = sql.NullString{String: *conv.ProjectID, Valid: true}
	}

	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chats (id, url_id, owner_id, description, messages, model,
				timestamp, origin, file_state, terminal_state, workbench_state,
				editor_state, project_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				url_id=excluded.url_id, owner_id=excluded.owner_id,
				description=excluded.description, messages=excluded.messages,
				model=excluded.model, timestamp=excluded.timestamp,
				origin=excluded.origin, file_state=excluded.file_state,
				terminal_state=excluded.terminal_state,
				workbench_state=excluded.workbench_state,
				editor_state=excluded.editor_state,
				project_id=excluded.project_id`,
			conv.ID, conv.URLID, conv.OwnerID, conv.Description, string(messages),
			conv.Model, conv.Timestamp, conv.Origin, fileState, terminal,
			workbench, editor, projectID,
		)
		if err != nil {
			// 唯一索引是 slug 分配的最终仲裁者，冲突必须显式失败
			// The unique index is the final arbiter for slug allocation;
			// a violation must fail loudly, never overwrite silently.
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return fmt.Errorf("%w: url_id=%s owner_id=%s: %v",
					ErrConflict, conv.URLID, conv.OwnerID, err)
			}
			return fmt.Errorf("put chat %s: %w", conv.ID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: conversation id is empty", ErrInvalidInput)
	}
	return withRetry(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM chats WHERE id=?", id); err != nil {
			return fmt.Errorf("delete chat %s: %w", id, err)
		}
		return nil
	})
}

// --- Usage Operations ---

func (s *SQLiteStore) ListUsage(ctx context.Context) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input_tokens, output_tokens, cost, provider, model_id, timestamp
		FROM usage ORDER BY timestamp`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.InputTokens, &rec.OutputTokens,
			&rec.Cost, &rec.Provider, &rec.ModelID, &rec.Timestamp); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AppendUsage 追加用量记录；零 token 记录不落盘
// AppendUsage appends a usage record. Zero-token records are not persisted.
func (s *SQLiteStore) AppendUsage(ctx context.Context, rec UsageRecord) error {
	if rec.InputTokens == 0 && rec.OutputTokens == 0 {
		return nil
	}
	if strings.TrimSpace(rec.Timestamp) == "" {
		rec.Timestamp = NowUTC()
	}
	return withRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO usage (input_tokens, output_tokens, cost, provider, model_id, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.InputTokens, rec.OutputTokens, rec.Cost, rec.Provider,
			rec.ModelID, rec.Timestamp)
		if err != nil {
			return fmt.Errorf("append usage: %w", err)
		}
		return nil
	})
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var conv Conversation
	var messages, fileState, terminal, workbench, editor string
	var projectID sql.NullString
	err := row.Scan(&conv.ID, &conv.URLID, &conv.OwnerID, &conv.Description,
		&messages, &conv.Model, &conv.Timestamp, &conv.Origin, &fileState,
		&terminal, &workbench, &editor, &projectID)
	if err != nil {
		return Conversation{}, err
	}

	if messages != "" {
		_ = json.Unmarshal([]byte(messages), &conv.Messages)
	}
	if fileState != "" {
		_ = json.Unmarshal([]byte(fileState), &conv.FileState)
	}
	if terminal != "" {
		conv.TerminalState = &snapshot.TerminalState{}
		_ = json.Unmarshal([]byte(terminal), conv.TerminalState)
	}
	if workbench != "" {
		conv.WorkbenchState = &snapshot.WorkbenchState{}
		_ = json.Unmarshal([]byte(workbench), conv.WorkbenchState)
	}
	if editor != "" {
		conv.EditorState = &snapshot.EditorState{}
		_ = json.Unmarshal([]byte(editor), conv.EditorState)
	}
	if projectID.Valid {
		conv.ProjectID = &projectID.String
	}
	return conv, nil
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case snapshot.FileState:
		if len(t) == 0 {
			return ""
		}
	case *snapshot.TerminalState:
		if t == nil {
			return ""
		}
	case *snapshot.WorkbenchState:
		if t == nil {
			return ""
		}
	case *snapshot.EditorState:
		if t == nil {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
