package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatvault/internal/chat"

	"github.com/charmbracelet/log"
)

// legacyMeta 旧版 JSON 会话的元数据文件
// legacyMeta is the metadata file of a legacy JSON conversation.
type legacyMeta struct {
	ID          string `json:"id"`
	URLID       string `json:"url_id"`
	Description string `json:"description"`
	Model       string `json:"model"`
	Timestamp   string `json:"timestamp"`
}

// MigrateFromJSON 将旧版 JSON 会话文件迁移到 SQLite
// MigrateFromJSON migrates legacy JSON conversation files into the store.
// Already-present ids are skipped so the migration is safe to re-run.
func MigrateFromJSON(ctx context.Context, jsonDir string, store Store, logger *log.Logger) (int, error) {
	jsonDir = strings.TrimSpace(jsonDir)
	if jsonDir == "" {
		return 0, nil
	}

	sessionsDir := filepath.Join(jsonDir, "sessions")
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read sessions dir: %w", err)
	}

	migrated := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".meta.json")

		// 检查是否已迁移 / Check if already migrated
		if _, loadErr := store.GetByID(ctx, id); loadErr == nil {
			continue
		} else if !errors.Is(loadErr, ErrNotFound) {
			continue
		}

		conv, err := loadLegacyConversation(sessionsDir, id)
		if err != nil {
			logger.Warn("skip legacy conversation", "id", id, "err", err)
			continue
		}
		if len(conv.Messages) == 0 {
			// 空会话不落盘 / empty conversations are never persisted
			continue
		}
		if err := store.Put(ctx, conv); err != nil {
			logger.Warn("migrate legacy conversation failed", "id", id, "err", err)
			continue
		}
		migrated++
	}
	return migrated, nil
}

func loadLegacyConversation(dir, id string) (Conversation, error) {
	var meta legacyMeta
	if err := readJSONFile(filepath.Join(dir, id+".meta.json"), &meta); err != nil {
		return Conversation{}, err
	}
	var messages []chat.Message
	msgPath := filepath.Join(dir, id+".messages.json")
	if _, err := os.Stat(msgPath); err == nil {
		if err := readJSONFile(msgPath, &messages); err != nil {
			return Conversation{}, err
		}
	}

	if strings.TrimSpace(meta.ID) == "" {
		meta.ID = id
	}
	if strings.TrimSpace(meta.Timestamp) == "" {
		meta.Timestamp = NowUTC()
	}
	return Conversation{
		ID:          meta.ID,
		URLID:       meta.URLID,
		Description: meta.Description,
		Messages:    messages,
		Model:       meta.Model,
		Timestamp:   meta.Timestamp,
		Origin:      OriginLocal,
	}, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
