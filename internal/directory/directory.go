// Package directory 查詢外部資料：實體擁有者、使用者資料與公開貼文
package directory

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-engagement-counter/internal/feedcache"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// UserSummary 使用者摘要
type UserSummary struct {
	ID       int64  `json:"id"`
	Nickname string `json:"nickname"`
	Avatar   string `json:"avatar"`
}

// PGDirectory 以 PostgreSQL 為來源的目錄
//
// 貼文的擁有者不會改變，擁有者查詢結果放在 LRU 中，不設過期。
type PGDirectory struct {
	pool   *pgxpool.Pool
	owners *lru.Cache[string, int64]
	logger *slog.Logger
}

// New 建立目錄；ownerCacheSize 為擁有者快取的容量
func New(pool *pgxpool.Pool, ownerCacheSize int, logger *slog.Logger) (*PGDirectory, error) {
	if ownerCacheSize <= 0 {
		ownerCacheSize = 10000
	}
	owners, err := lru.New[string, int64](ownerCacheSize)
	if err != nil {
		return nil, err
	}
	return &PGDirectory{
		pool:   pool,
		owners: owners,
		logger: logger.With("component", "directory"),
	}, nil
}

// ResolveEntityOwner 查詢貼文的擁有者
func (d *PGDirectory) ResolveEntityOwner(ctx context.Context, entityID string) (int64, error) {
	if owner, ok := d.owners.Get(entityID); ok {
		return owner, nil
	}

	id, err := strconv.ParseInt(entityID, 10, 64)
	if err != nil {
		return 0, apperrors.ErrOwnerNotFound.WithDetails(entityID)
	}

	var owner int64
	err = d.pool.QueryRow(ctx, `SELECT creator_id FROM posts WHERE id = $1`, id).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, apperrors.ErrOwnerNotFound.WithDetails(entityID)
		}
		return 0, apperrors.Transient(err, "resolve entity owner")
	}

	d.owners.Add(entityID, owner)
	return owner, nil
}

// ResolveUserSummary 查詢單一使用者
func (d *PGDirectory) ResolveUserSummary(ctx context.Context, userID int64) (UserSummary, error) {
	var u UserSummary
	err := d.pool.QueryRow(ctx,
		`SELECT id, nickname, avatar FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Nickname, &u.Avatar)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserSummary{}, apperrors.ErrUserNotFound.WithDetails(strconv.FormatInt(userID, 10))
		}
		return UserSummary{}, apperrors.Transient(err, "resolve user summary")
	}
	return u, nil
}

// ResolveUserSummaries 批次查詢；不存在的使用者不會出現在結果中
func (d *PGDirectory) ResolveUserSummaries(ctx context.Context, userIDs []int64) (map[int64]UserSummary, error) {
	out := make(map[int64]UserSummary, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, nickname, avatar FROM users WHERE id = ANY($1)`, userIDs)
	if err != nil {
		return nil, apperrors.Transient(err, "resolve user summaries")
	}
	users, err := pgx.CollectRows(rows, pgx.RowToStructByPos[UserSummary])
	if err != nil {
		return nil, apperrors.Transient(err, "scan user summaries")
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

// CountPosts 使用者的貼文數
func (d *PGDirectory) CountPosts(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM posts WHERE creator_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, apperrors.Transient(err, "count posts")
	}
	return n, nil
}

// ListPublicPosts 公開動態：置頂優先，再依時間新到舊
//
// 多取一筆判斷是否還有下一頁。
func (d *PGDirectory) ListPublicPosts(ctx context.Context, offset, limit int) ([]feedcache.FeedItem, bool, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT p.id, p.title, p.description, p.cover_image, p.tags, p.is_top,
		       COALESCE(u.nickname, ''), COALESCE(u.avatar, '')
		FROM posts p
		LEFT JOIN users u ON u.id = p.creator_id
		ORDER BY p.is_top DESC, p.created_at DESC, p.id DESC
		LIMIT $1 OFFSET $2`, limit+1, offset)
	if err != nil {
		return nil, false, apperrors.Transient(err, "list public posts")
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (feedcache.FeedItem, error) {
		var (
			id   int64
			item feedcache.FeedItem
		)
		err := row.Scan(&id, &item.Title, &item.Description, &item.CoverImage, &item.Tags, &item.IsTop,
			&item.AuthorNickname, &item.AuthorAvatar)
		item.ID = strconv.FormatInt(id, 10)
		return item, err
	})
	if err != nil {
		return nil, false, apperrors.Transient(err, "scan public posts")
	}

	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return items, hasMore, nil
}
