package storage

import "errors"

var (
	// ErrNotFound 记录不存在 / record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict 唯一约束冲突（url_id + owner_id）/ uniqueness violation on (url_id, owner_id)
	ErrConflict = errors.New("uniqueness conflict")
	// ErrUnavailable 本地存储不可用，已降级为内存模式 / local store unavailable, degraded to memory
	ErrUnavailable = errors.New("store unavailable")
	// ErrInvalidInput 输入校验失败 / input validation failure
	ErrInvalidInput = errors.New("invalid input")
)
