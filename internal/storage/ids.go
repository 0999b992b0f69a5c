package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NextID 分配内部自增 id：从最新记录向旧扫描，取第一个纯数字键加一。
// 扫描有 5s 预算，超时或失败回退到时间戳派生 id —— 可用性优先于严格连续。
// NextID allocates the internal key: walk records newest-first, stop at the
// first purely-numeric key and return max+1, or "1" when none exist. The
// scan runs under a bounded budget and falls back to a timestamp-derived id
// on timeout or scan failure, favoring availability over strict
// sequentiality.
func NextID(ctx context.Context, store Store) string {
	scanCtx, cancel := context.WithTimeout(ctx, allocScanTimeout)
	defer cancel()

	convs, err := store.GetAll(scanCtx)
	if err != nil {
		// 任何扫描失败都回退时间戳 id："1" 只留给确认为空的存储，
		// 否则后续幂等 Put 会覆盖既有的 "1" 号记录。
		// Any scan failure falls back to a timestamp id. "1" is reserved
		// for a store known to be empty; reusing it after a failed scan
		// would let the subsequent idempotent Put replace record "1".
		return timestampID()
	}
	for _, conv := range convs {
		if scanCtx.Err() != nil {
			return timestampID()
		}
		n, ok := numericID(conv.ID)
		if !ok {
			continue
		}
		return strconv.FormatInt(n+1, 10)
	}
	return "1"
}

// AllocateURLID 分配 URL slug：candidate 空闲则直接使用，否则依次探测
// candidate-2、candidate-3……存储层的唯一索引是最终仲裁者。
// AllocateURLID returns candidate when unused, otherwise probes
// candidate-2, candidate-3, ... sequentially. The store's uniqueness
// constraint, not this probe, is the final arbiter: a racing writer makes
// the eventual Put fail with ErrConflict instead of silently overwriting.
func AllocateURLID(ctx context.Context, store Store, candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", fmt.Errorf("%w: url id candidate is empty", ErrInvalidInput)
	}
	if free, err := urlIDFree(ctx, store, candidate); err != nil {
		return "", err
	} else if free {
		return candidate, nil
	}
	for i := 2; i < urlIDProbeLimit; i++ {
		probe := fmt.Sprintf("%s-%d", candidate, i)
		free, err := urlIDFree(ctx, store, probe)
		if err != nil {
			return "", err
		}
		if free {
			return probe, nil
		}
	}
	return "", fmt.Errorf("no free url id after %d probes of %q", urlIDProbeLimit, candidate)
}

func urlIDFree(ctx context.Context, store Store, urlID string) (bool, error) {
	_, err := store.GetByURLID(ctx, urlID)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	return false, fmt.Errorf("probe url id %q: %w", urlID, err)
}

func numericID(id string) (int64, bool) {
	id = strings.TrimSpace(id)
	if id == "" || IsSentinelID(id) {
		return 0, false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func timestampID() string {
	return strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
}
