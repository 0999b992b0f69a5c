package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chatvault/internal/remote"
	"chatvault/internal/storage"

	"github.com/charmbracelet/log"
)

// Identity 当前会话身份；OwnerID 为空表示游客
// Identity is the session identity. A blank OwnerID means guest.
type Identity struct {
	OwnerID string
}

func (id Identity) Authenticated() bool {
	return strings.TrimSpace(id.OwnerID) != ""
}

// Reconciler 读取时将本地与（可选的）远端副本合并为一条权威记录。
// 冲突规则：已认证用户的本地与远端副本分叉时，远端获胜 —— 本地副本只是
// 可被远端刷新的缓存，不做字段级合并。
// Reconciler produces one canonical record from local and (optionally)
// remote copies at read time. Conflict rule: remote wins whenever an
// authenticated user's local and remote copies diverge; the local copy is
// a refreshable cache, never authoritative once a remote counterpart
// exists. No field-level merging.
type Reconciler struct {
	store  storage.Store
	remote remote.Client
	logger *log.Logger
}

func New(store storage.Store, client remote.Client, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{store: store, remote: client, logger: logger}
}

// Load 解析会话 id（内部 id 或 url slug 均可）为权威记录。
// 远端命中会先写入本地（origin=remote）再从本地重读：远端只是种子源，
// 本地存储始终是后续读取路径。
// Load resolves a conversation reference (internal id or url slug) into
// the canonical record. A remote hit is first written locally tagged
// origin=remote and then re-read: remote is a seed source, the local
// store is always the subsequent read path.
func (r *Reconciler) Load(ctx context.Context, ref string, ident Identity) (storage.Conversation, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return storage.Conversation{}, fmt.Errorf("%w: conversation reference is empty", storage.ErrInvalidInput)
	}

	local, localErr := r.loadLocal(ctx, ref)
	hasLocal := localErr == nil && len(local.Messages) > 0

	if !ident.Authenticated() {
		if !hasLocal {
			return storage.Conversation{}, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
		}
		return local, nil
	}

	// 本地已是远端种子副本时无需再查远端；本地缺失、为空或仍是纯本地
	// 来源时，远端副本（若存在）获胜并刷新本地缓存。
	// A local copy seeded from remote is served as-is. When the local copy
	// is absent, empty, or still tagged origin=local, the remote copy (if
	// any) wins and refreshes the local cache.
	if hasLocal && local.Origin == storage.OriginRemote {
		return local, nil
	}
	seededID, remoteErr := r.seedFromRemote(ctx, ref, ident)
	if remoteErr != nil {
		if hasLocal {
			// 远端失败是可恢复错误，绝不丢弃本地副本
			// Remote failure is recoverable; never discard the local copy.
			r.logger.Warn("remote fetch failed, serving local copy", "ref", ref, "err", remoteErr)
			return local, nil
		}
		return storage.Conversation{}, remoteErr
	}
	if seededID != "" {
		// 种子写入后本地成为读取路径 / the local store is the read path
		// once the remote row has been seeded.
		return r.store.GetByID(ctx, seededID)
	}
	if !hasLocal {
		return storage.Conversation{}, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
	}
	return local, nil
}

func (r *Reconciler) loadLocal(ctx context.Context, ref string) (storage.Conversation, error) {
	conv, err := r.store.GetByID(ctx, ref)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Conversation{}, err
	}
	return r.store.GetByURLID(ctx, ref)
}

// seedFromRemote 查询远端 (url_id, owner_id) 并写入本地；返回已写入的 id
// seedFromRemote queries the remote row and writes it locally, returning
// the seeded record's id, or "" when remote has no valid row.
func (r *Reconciler) seedFromRemote(ctx context.Context, ref string, ident Identity) (string, error) {
	if r.remote == nil {
		return "", nil
	}
	rows, err := r.remote.Select(ctx, remote.Filter{URLID: ref, OwnerID: &ident.OwnerID})
	if err != nil {
		return "", fmt.Errorf("select remote chat %s: %w", ref, err)
	}
	for _, row := range rows {
		conv, parseErr := parseRow(row)
		if parseErr != nil {
			r.logger.Warn("rejecting invalid remote row", "ref", ref, "err", parseErr)
			continue
		}
		if err := r.putSeed(ctx, conv); err != nil {
			return "", fmt.Errorf("seed local copy of %s: %w", conv.ID, err)
		}
		return conv.ID, nil
	}
	return "", nil
}

// putSeed 将远端解析结果写入本地缓存，同键位的陈旧副本被替换
// putSeed writes a parsed remote row into the local cache. A stale cached
// record holding the same (url_id, owner) pair under another id is
// replaced; remote wins.
func (r *Reconciler) putSeed(ctx context.Context, conv storage.Conversation) error {
	err := r.store.Put(ctx, conv)
	if errors.Is(err, storage.ErrConflict) {
		if stale, staleErr := r.store.GetByURLID(ctx, conv.URLID); staleErr == nil && stale.ID != conv.ID {
			_ = r.store.Delete(ctx, stale.ID)
			err = r.store.Put(ctx, conv)
		}
	}
	return err
}

// PushRemote 将一条会话写入远端，冲突键 (url_id, owner_id) 合并。
// PushRemote upserts one conversation to the remote store, merging on the
// (url_id, owner_id) conflict key.
func (r *Reconciler) PushRemote(ctx context.Context, conv storage.Conversation, ident Identity) error {
	if r.remote == nil || !ident.Authenticated() {
		return nil
	}
	row, err := toRow(conv, ident.OwnerID)
	if err != nil {
		return fmt.Errorf("encode chat %s: %w", conv.ID, err)
	}
	if err := r.remote.Upsert(ctx, row, remote.ConflictKeyURLOwner); err != nil {
		return fmt.Errorf("upsert remote chat %s: %w", conv.ID, err)
	}
	return nil
}

// DeleteRemote 尽力删除远端对应行 / best-effort remote counterpart delete.
func (r *Reconciler) DeleteRemote(ctx context.Context, conv storage.Conversation, ident Identity) error {
	if r.remote == nil || !ident.Authenticated() || conv.URLID == "" {
		return nil
	}
	return r.remote.Delete(ctx, remote.Filter{URLID: conv.URLID, OwnerID: &ident.OwnerID})
}

// MigrationReport 游客迁移结果 / outcome of one guest-migration pass.
type MigrationReport struct {
	Migrated int
	Skipped  int
	Failed   int
}

// MigrateGuestRecords 登录时将 origin=local 的游客记录迁移到远端。
// 单条失败不终止批次：失败记录保留在本地，下一次 reconciliation 重试。
// MigrateGuestRecords upserts guest-created (origin=local) records to the
// remote store after sign-in. A per-record failure never aborts the batch;
// the record stays locally available and is retried on the next pass.
func (r *Reconciler) MigrateGuestRecords(ctx context.Context, ident Identity) (MigrationReport, error) {
	var report MigrationReport
	if !ident.Authenticated() || r.remote == nil {
		return report, nil
	}

	convs, err := r.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("list local chats: %w", err)
	}

	for _, conv := range convs {
		// origin=remote 已同步 / already synced
		if conv.Origin == storage.OriginRemote {
			report.Skipped++
			continue
		}
		if conv.URLID == "" || len(conv.Messages) == 0 {
			report.Skipped++
			continue
		}

		rows, err := r.remote.Select(ctx, remote.Filter{URLID: conv.URLID, OwnerID: &ident.OwnerID})
		if err != nil {
			r.logger.Warn("guest migration: remote lookup failed", "id", conv.ID, "err", err)
			report.Failed++
			continue
		}
		if len(rows) > 0 {
			// 远端已有同 slug 的行：远端获胜。本地游客内容被远端副本的
			// 种子写入取代，绝不给本地内容贴 origin=remote 的标签。
			// A remote row already holds this slug: remote wins. The local
			// guest content is replaced by seeding the remote copy; local
			// content must never be re-tagged origin=remote as-is.
			seeded := false
			for _, row := range rows {
				remoteConv, parseErr := parseRow(row)
				if parseErr != nil {
					r.logger.Warn("guest migration: rejecting invalid remote row", "id", conv.ID, "err", parseErr)
					continue
				}
				if err := r.putSeed(ctx, remoteConv); err != nil {
					r.logger.Warn("guest migration: seed failed", "id", conv.ID, "err", err)
					break
				}
				// 种子写成功后再移除游客副本，失败时本地内容不丢
				// The guest copy goes only after the seed write lands, so a
				// failure never loses local content.
				if remoteConv.ID != conv.ID {
					_ = r.store.Delete(ctx, conv.ID)
				}
				seeded = true
				break
			}
			if !seeded {
				report.Failed++
				continue
			}
			report.Migrated++
			continue
		}

		row, rowErr := toRow(conv, ident.OwnerID)
		if rowErr != nil {
			r.logger.Warn("guest migration: encode failed", "id", conv.ID, "err", rowErr)
			report.Failed++
			continue
		}
		if err := r.remote.Upsert(ctx, row, remote.ConflictKeyURLOwner); err != nil {
			r.logger.Warn("guest migration: upsert failed", "id", conv.ID, "err", err)
			report.Failed++
			continue
		}

		// 成功写远端后按 origin=remote 读取，使步骤 2 的合并逻辑收敛
		// After a successful remote write the record reads as
		// origin=remote, converging the merge logic on later loads.
		conv.Origin = storage.OriginRemote
		conv.OwnerID = ident.OwnerID
		if err := r.store.Put(ctx, conv); err != nil {
			r.logger.Warn("guest migration: local re-tag failed", "id", conv.ID, "err", err)
			report.Failed++
			continue
		}
		report.Migrated++
	}
	return report, nil
}

// PurgeRemoteOrigin 登出时清除远端来源的本地副本：游客不得看到其他账号
// 的历史记录。游客自建（origin=local）的记录保留。
// PurgeRemoteOrigin removes local copies of previously-remote records on
// logout. A guest must never see another account's history; guest-created
// records are kept.
func (r *Reconciler) PurgeRemoteOrigin(ctx context.Context) (int, error) {
	convs, err := r.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local chats: %w", err)
	}
	purged := 0
	for _, conv := range convs {
		if conv.Origin != storage.OriginRemote {
			continue
		}
		if err := r.store.Delete(ctx, conv.ID); err != nil {
			r.logger.Warn("purge failed", "id", conv.ID, "err", err)
			continue
		}
		purged++
	}
	return purged, nil
}
