package workspace

import (
	"context"
	"errors"
)

// ErrNotReady 执行沙箱未就绪 / the execution sandbox never became ready.
var ErrNotReady = errors.New("workspace engine not ready")

// Engine 工作区/执行引擎接口；持久化引擎只在此边界与沙箱交互
// Engine is the workspace/execution collaborator. The persistence engine
// talks to the sandbox only through this boundary.
type Engine interface {
	// CurrentFiles returns the live in-memory file map, keyed by
	// workspace-relative path.
	CurrentFiles(ctx context.Context) (map[string][]byte, error)
	// RestoreFiles writes a decoded snapshot back into the workspace.
	RestoreFiles(ctx context.Context, files map[string][]byte) error
	// WaitUntilReady blocks until the engine can accept RestoreFiles, the
	// context expires, or the engine reports a permanent error.
	WaitUntilReady(ctx context.Context) error
}
