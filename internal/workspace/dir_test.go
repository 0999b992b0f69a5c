package workspace

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDirEngine_RestoreAndCurrentFiles(t *testing.T) {
	engine, err := NewDirEngine(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirEngine: %v", err)
	}
	ctx := context.Background()

	if err := engine.WaitUntilReady(ctx); err != nil {
		t.Fatalf("WaitUntilReady: %v", err)
	}

	binary := []byte{0xFF, 0xD8, 0xFF}
	files := map[string][]byte{
		"app.js":          []byte("console.log(1)"),
		"assets/logo.png": binary,
	}
	if err := engine.RestoreFiles(ctx, files); err != nil {
		t.Fatalf("RestoreFiles: %v", err)
	}

	got, err := engine.CurrentFiles(ctx)
	if err != nil {
		t.Fatalf("CurrentFiles: %v", err)
	}
	if string(got["app.js"]) != "console.log(1)" {
		t.Fatalf("app.js=%q", got["app.js"])
	}
	if !bytes.Equal(got["assets/logo.png"], binary) {
		t.Fatalf("logo.png=%v, want %v", got["assets/logo.png"], binary)
	}
}

func TestDirEngine_SkipsExcludedSubtrees(t *testing.T) {
	root := t.TempDir()
	engine, err := NewDirEngine(root)
	if err != nil {
		t.Fatalf("NewDirEngine: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "node_modules", "react"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "node_modules", "react", "index.js"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "kept.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := engine.CurrentFiles(context.Background())
	if err != nil {
		t.Fatalf("CurrentFiles: %v", err)
	}
	if len(got) != 1 || string(got["kept.txt"]) != "keep" {
		t.Fatalf("files unexpected: %v", got)
	}
}

func TestDirEngine_RestoreSkipsEscapingPaths(t *testing.T) {
	root := t.TempDir()
	engine, err := NewDirEngine(filepath.Join(root, "ws"))
	if err != nil {
		t.Fatalf("NewDirEngine: %v", err)
	}
	files := map[string][]byte{
		"../escape.txt": []byte("nope"),
		"ok.txt":        []byte("fine"),
	}
	if err := engine.RestoreFiles(context.Background(), files); err != nil {
		t.Fatalf("RestoreFiles: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("path escape must not write outside the workspace root")
	}
	if _, err := os.Stat(filepath.Join(root, "ws", "ok.txt")); err != nil {
		t.Fatalf("ok.txt missing: %v", err)
	}
}
