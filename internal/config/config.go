package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type StoreConfig struct {
	// Path SQLite 数据库文件路径 / path to the SQLite database file.
	Path string `json:"path"`
	// LegacyDir 旧版 JSON 会话目录，非空时启动迁移一次
	// LegacyDir points at the old JSON session directory; when set, a
	// one-shot migration runs at startup.
	LegacyDir string `json:"legacy_dir"`
}

type RemoteConfig struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	Token     string `json:"token"`
	OwnerID   string `json:"owner_id"`
	TimeoutMS int    `json:"timeout_ms"`
}

type WorkspaceConfig struct {
	Root string `json:"root"`
}

type Config struct {
	Store     StoreConfig     `json:"store"`
	Remote    RemoteConfig    `json:"remote"`
	Workspace WorkspaceConfig `json:"workspace"`
	LogLevel  string          `json:"log_level"`
}

type fileConfig struct {
	Store     *StoreConfig     `json:"store"`
	Remote    *RemoteConfig    `json:"remote"`
	Workspace *WorkspaceConfig `json:"workspace"`
	LogLevel  *string          `json:"log_level"`
}

func Default() Config {
	return Config{
		Store: StoreConfig{
			Path: "~/.chatvault/chats.db",
		},
		Remote: RemoteConfig{
			TimeoutMS: 30000,
		},
		LogLevel: "info",
	}
}

// Load 读取配置：默认值 ← 配置文件 ← 环境变量，后者覆盖前者。
// path 为空时依次尝试 ~/.chatvault/config.json 与 ./chatvault.config.json。
// Load resolves configuration as defaults, then file, then environment,
// later layers overriding earlier ones. With an empty path the global and
// project config files are tried in turn.
func Load(path string) (Config, error) {
	// .env 仅在存在时生效 / .env is applied only when present.
	_ = godotenv.Load()

	cfg := Default()

	resolvedPath := strings.TrimSpace(path)
	if envPath := strings.TrimSpace(os.Getenv("CHATVAULT_CONFIG_PATH")); envPath != "" {
		resolvedPath = envPath
	}
	if resolvedPath == "" {
		resolvedPath = findConfigPath()
	}
	if err := mergeFromFile(&cfg, resolvedPath); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findConfigPath() string {
	candidates := []string{"chatvault.config.json"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".chatvault", "config.json"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func mergeFromFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	resolved, err := ExpandPath(path)
	if err != nil {
		return fmt.Errorf("expand config path %q: %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config %q: %w", resolved, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config %q: %w", resolved, err)
	}
	if fc.Store != nil {
		if strings.TrimSpace(fc.Store.Path) != "" {
			cfg.Store.Path = fc.Store.Path
		}
		if strings.TrimSpace(fc.Store.LegacyDir) != "" {
			cfg.Store.LegacyDir = fc.Store.LegacyDir
		}
	}
	if fc.Remote != nil {
		if strings.TrimSpace(fc.Remote.BaseURL) != "" {
			cfg.Remote.BaseURL = fc.Remote.BaseURL
		}
		if strings.TrimSpace(fc.Remote.APIKey) != "" {
			cfg.Remote.APIKey = fc.Remote.APIKey
		}
		if strings.TrimSpace(fc.Remote.Token) != "" {
			cfg.Remote.Token = fc.Remote.Token
		}
		if strings.TrimSpace(fc.Remote.OwnerID) != "" {
			cfg.Remote.OwnerID = fc.Remote.OwnerID
		}
		if fc.Remote.TimeoutMS > 0 {
			cfg.Remote.TimeoutMS = fc.Remote.TimeoutMS
		}
	}
	if fc.Workspace != nil && strings.TrimSpace(fc.Workspace.Root) != "" {
		cfg.Workspace.Root = fc.Workspace.Root
	}
	if fc.LogLevel != nil && strings.TrimSpace(*fc.LogLevel) != "" {
		cfg.LogLevel = *fc.LogLevel
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_DB_PATH")); v != "" {
		cfg.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_LEGACY_DIR")); v != "" {
		cfg.Store.LegacyDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_REMOTE_URL")); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_REMOTE_KEY")); v != "" {
		cfg.Remote.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_REMOTE_TOKEN")); v != "" {
		cfg.Remote.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_OWNER_ID")); v != "" {
		cfg.Remote.OwnerID = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_WORKSPACE_ROOT")); v != "" {
		cfg.Workspace.Root = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_REMOTE_TIMEOUT_MS")); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Remote.TimeoutMS = ms
		}
	}
	if v := strings.TrimSpace(os.Getenv("CHATVAULT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

func normalize(cfg *Config) error {
	if strings.TrimSpace(cfg.Store.Path) == "" {
		return fmt.Errorf("store path is empty")
	}
	resolved, err := ExpandPath(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("expand store path: %w", err)
	}
	cfg.Store.Path = resolved
	if cfg.Store.LegacyDir != "" {
		if resolved, err := ExpandPath(cfg.Store.LegacyDir); err == nil {
			cfg.Store.LegacyDir = resolved
		}
	}
	if cfg.Remote.TimeoutMS <= 0 {
		cfg.Remote.TimeoutMS = 30000
	}
	return nil
}

// ExpandPath 展开 ~ 前缀 / expands a leading ~ to the user home directory.
func ExpandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
