package snapshot

import (
	"encoding/base64"
	"path"
	"strings"
	"unicode/utf8"
)

// 快照排除目录：依赖、构建产物、VCS、编辑器与系统文件
// Excluded directories: dependencies, build output, VCS, editor and OS files
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".svn":         true,
	"dist":         true,
	"build":        true,
	"out":          true,
	"coverage":     true,
	".cache":       true,
	".next":        true,
	".vscode":      true,
	".idea":        true,
	"tmp":          true,
}

var excludedFiles = map[string]bool{
	".DS_Store": true,
	"Thumbs.db": true,
}

// Excluded reports whether a workspace path must never be snapshotted.
// Matching is per path segment so nested dependency trees are caught too.
func Excluded(p string) bool {
	p = NormalizePath(p)
	if p == "" {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if excludedDirs[seg] || excludedFiles[seg] {
			return true
		}
		// .env, .env.local, .env.production ...
		if seg == ".env" || strings.HasPrefix(seg, ".env.") {
			return true
		}
	}
	return false
}

// NormalizePath converts a workspace path to a clean, slash-separated path
// relative to the workspace root.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Encode 将内存中的工作区文件转为可存储的 FileState
// Encode converts live workspace files into a storable FileState.
// Excluded paths are dropped; binary content is base64-encoded.
func Encode(files map[string][]byte) FileState {
	if len(files) == 0 {
		return nil
	}
	state := make(FileState, len(files))
	for rawPath, content := range files {
		p := NormalizePath(rawPath)
		if p == "" || Excluded(p) {
			continue
		}
		if isBinary(content) {
			state[p] = File{
				Content:  base64.StdEncoding.EncodeToString(content),
				IsBinary: true,
				Encoding: EncodingBase64,
			}
		} else {
			state[p] = File{
				Content:  string(content),
				IsBinary: false,
				Encoding: EncodingPlain,
			}
		}
	}
	if len(state) == 0 {
		return nil
	}
	return state
}

// Decode 将 FileState 还原为内存文件；单个损坏条目跳过而非整体失败
// Decode restores a FileState into live file bytes. Corrupt entries are
// skipped individually; partial restoration beats total failure.
func Decode(state FileState) map[string][]byte {
	if len(state) == 0 {
		return nil
	}
	files := make(map[string][]byte, len(state))
	for rawPath, f := range state {
		p := NormalizePath(rawPath)
		if p == "" {
			continue
		}
		switch f.Encoding {
		case EncodingBase64:
			raw, err := base64.StdEncoding.DecodeString(f.Content)
			if err != nil {
				continue
			}
			files[p] = raw
		case EncodingPlain, "":
			// 旧记录缺少 encoding 字段，按文本处理
			// Legacy records lack the encoding field; treat as text
			if f.IsBinary {
				continue
			}
			files[p] = []byte(f.Content)
		default:
			continue
		}
	}
	if len(files) == 0 {
		return nil
	}
	return files
}

// isBinary sniffs content the way editors do: a NUL byte or invalid UTF-8
// in the leading window marks the payload as binary.
func isBinary(content []byte) bool {
	const window = 8000
	probe := content
	if len(probe) > window {
		probe = probe[:window]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return !utf8.Valid(probe)
}
