package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path == "" {
		t.Fatal("store path is empty")
	}
	if cfg.Remote.TimeoutMS != 30000 {
		t.Fatalf("remote timeout = %d", cfg.Remote.TimeoutMS)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		"store": {"path": "` + filepath.Join(dir, "chats.db") + `"},
		"remote": {"base_url": "https://example.test", "api_key": "k1", "timeout_ms": 5000},
		"log_level": "debug"
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != filepath.Join(dir, "chats.db") {
		t.Fatalf("store path = %q", cfg.Store.Path)
	}
	if cfg.Remote.BaseURL != "https://example.test" || cfg.Remote.APIKey != "k1" {
		t.Fatalf("remote = %+v", cfg.Remote)
	}
	if cfg.Remote.TimeoutMS != 5000 {
		t.Fatalf("remote timeout = %d", cfg.Remote.TimeoutMS)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"remote": {"base_url": "https://file.test"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATVAULT_REMOTE_URL", "https://env.test")
	t.Setenv("CHATVAULT_OWNER_ID", "owner-9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Remote.BaseURL != "https://env.test" {
		t.Fatalf("remote url = %q", cfg.Remote.BaseURL)
	}
	if cfg.Remote.OwnerID != "owner-9" {
		t.Fatalf("owner = %q", cfg.Remote.OwnerID)
	}
}

func TestLoadMissingFileIsTolerated(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path == "" {
		t.Fatal("defaults not applied")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got, err := ExpandPath("~/x/y.db")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x", "y.db") {
		t.Fatalf("expanded = %q", got)
	}
	plain, _ := ExpandPath("/tmp/z.db")
	if plain != "/tmp/z.db" {
		t.Fatalf("plain = %q", plain)
	}
}
