package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"chatvault/internal/snapshot"
)

var ErrPathOutsideWorkspace = errors.New("path outside workspace")

// 单文件快照上限，避免把构建产物等大文件拖进会话记录
// Per-file snapshot cap; keeps oversized artifacts out of the record.
const maxSnapshotFileSize = 2 << 20

// DirEngine 以本地目录为后端的工作区实现，路径始终约束在根目录内
// DirEngine backs the workspace with a local directory. Every resolved
// path is confined to the root; escapes fail with ErrPathOutsideWorkspace.
type DirEngine struct {
	root string
}

func NewDirEngine(root string) (*DirEngine, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("workspace root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs workspace root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Roots without symlinks may still be creatable; keep the abs path.
		resolved = abs
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &DirEngine{root: resolved}, nil
}

func (e *DirEngine) Root() string {
	return e.root
}

// WaitUntilReady 目录后端始终就绪 / a directory backend is always ready.
func (e *DirEngine) WaitUntilReady(ctx context.Context) error {
	return ctx.Err()
}

// CurrentFiles 遍历根目录并返回文件内容；排除目录整棵子树跳过
// CurrentFiles walks the root and returns file contents. Excluded
// directories are skipped as whole subtrees.
func (e *DirEngine) CurrentFiles(ctx context.Context) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(e.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(e.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = snapshot.NormalizePath(rel)
		if d.IsDir() {
			if snapshot.Excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if snapshot.Excluded(rel) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxSnapshotFileSize {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			// 单个文件读失败不终止整体导出 / one bad file never aborts the walk
			return nil
		}
		files[rel] = content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	return files, nil
}

// RestoreFiles 将快照写回目录；非法路径条目跳过，写失败返回首个错误
// RestoreFiles writes a decoded snapshot back under the root. Entries
// resolving outside the root are skipped; the first write error surfaces.
func (e *DirEngine) RestoreFiles(ctx context.Context, files map[string][]byte) error {
	for rawPath, content := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target, err := e.resolve(rawPath)
		if err != nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rawPath, err)
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rawPath, err)
		}
	}
	return nil
}

// resolve 将相对路径解析到根目录内，拒绝逃逸
// resolve maps a workspace-relative path inside the root, rejecting escapes.
func (e *DirEngine) resolve(path string) (string, error) {
	p := snapshot.NormalizePath(path)
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathOutsideWorkspace)
	}
	target := filepath.Clean(filepath.Join(e.root, filepath.FromSlash(p)))
	rel, err := filepath.Rel(e.root, target)
	if err != nil {
		return "", fmt.Errorf("relative path check: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", ErrPathOutsideWorkspace
	}
	return target, nil
}
