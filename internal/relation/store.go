// Package relation 關注關係：同步寫入、outbox 事件與非同步的冪等處理
//
// 寫入路徑：Follow/Unfollow 在同一個交易內寫入 following 資料列與 outbox 資料列。
// CDC 將 outbox 轉送到匯流排，Processor 再寫入 follower 資料列、維護快取清單，
// 並發出使用者計數事件。
package relation

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// AggregateType outbox 資料列的聚合類型
const AggregateType = "following"

// Edge 清單中的一筆關係
type Edge struct {
	UserID int64
	Since  time.Time
}

// Store 關係資料表
type Store struct {
	pool *pgxpool.Pool
}

// NewStore 建立關係資料表存取
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateFollowing 建立或恢復關注，並在同一交易寫入 FollowCreated
//
// 已是有效關注時不寫 outbox，回傳 false。
func (s *Store) CreateFollowing(ctx context.Context, from, to int64) (bool, error) {
	var created bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var relID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO following (from_user_id, to_user_id, rel_status)
			VALUES ($1, $2, 1)
			ON CONFLICT (from_user_id, to_user_id)
			DO UPDATE SET rel_status = 1, updated_at = NOW()
			WHERE following.rel_status = 0
			RETURNING id`, from, to).Scan(&relID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		created = true
		return insertOutbox(ctx, tx, relID, event.FollowCreated, from, to)
	})
	if err != nil {
		return false, apperrors.Transient(err, "create following")
	}
	return created, nil
}

// CancelFollowing 取消關注，並在同一交易寫入 FollowCancelled
func (s *Store) CancelFollowing(ctx context.Context, from, to int64) (bool, error) {
	var cancelled bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var relID int64
		err := tx.QueryRow(ctx, `
			UPDATE following SET rel_status = 0, updated_at = NOW()
			WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = 1
			RETURNING id`, from, to).Scan(&relID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		cancelled = true
		return insertOutbox(ctx, tx, relID, event.FollowCancelled, from, to)
	})
	if err != nil {
		return false, apperrors.Transient(err, "cancel following")
	}
	return cancelled, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, relID int64, typ event.RelationType, from, to int64) error {
	// correlationId 留空，處理器以 outbox id 去重
	payload, err := json.Marshal(event.RelationEvent{
		Type:       typ,
		FromUserID: from,
		ToUserID:   to,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload)
		VALUES ($1, $2, $3, $4)`, AggregateType, relID, string(typ), payload)
	return err
}

// ApplyFollower 依事件寫入 follower 資料列，回傳是否真的有變更
func (s *Store) ApplyFollower(ctx context.Context, typ event.RelationType, from, to int64) (bool, error) {
	switch typ {
	case event.FollowCreated:
		var id int64
		err := s.pool.QueryRow(ctx, `
			INSERT INTO follower (to_user_id, from_user_id, rel_status)
			VALUES ($1, $2, 1)
			ON CONFLICT (to_user_id, from_user_id)
			DO UPDATE SET rel_status = 1, updated_at = NOW()
			WHERE follower.rel_status = 0
			RETURNING id`, to, from).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, apperrors.Transient(err, "insert follower")
		}
		return true, nil

	case event.FollowCancelled:
		tag, err := s.pool.Exec(ctx, `
			UPDATE follower SET rel_status = 0, updated_at = NOW()
			WHERE to_user_id = $1 AND from_user_id = $2 AND rel_status = 1`, to, from)
		if err != nil {
			return false, apperrors.Transient(err, "cancel follower")
		}
		return tag.RowsAffected() > 0, nil
	}
	return false, apperrors.Malformed("unknown relation event type %q", typ)
}

// IsFollowing from 是否正在關注 to
func (s *Store) IsFollowing(ctx context.Context, from, to int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM following
			WHERE from_user_id = $1 AND to_user_id = $2 AND rel_status = 1
		)`, from, to).Scan(&ok)
	if err != nil {
		return false, apperrors.Transient(err, "check following")
	}
	return ok, nil
}

// CountFollowings 有效關注數
func (s *Store) CountFollowings(ctx context.Context, userID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM following WHERE from_user_id = $1 AND rel_status = 1`, userID)
}

// CountFollowers 有效粉絲數
func (s *Store) CountFollowers(ctx context.Context, userID int64) (int64, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM follower WHERE to_user_id = $1 AND rel_status = 1`, userID)
}

func (s *Store) count(ctx context.Context, query string, userID int64) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, apperrors.Transient(err, "count relations")
	}
	return n, nil
}

// ListFollowing 依關注時間由新到舊
func (s *Store) ListFollowing(ctx context.Context, userID int64, limit, offset int) ([]Edge, error) {
	return s.list(ctx, `
		SELECT to_user_id, updated_at FROM following
		WHERE from_user_id = $1 AND rel_status = 1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
}

// ListFollowers 依關注時間由新到舊
func (s *Store) ListFollowers(ctx context.Context, userID int64, limit, offset int) ([]Edge, error) {
	return s.list(ctx, `
		SELECT from_user_id, updated_at FROM follower
		WHERE to_user_id = $1 AND rel_status = 1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
}

func (s *Store) list(ctx context.Context, query string, userID int64, limit, offset int) ([]Edge, error) {
	rows, err := s.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, apperrors.Transient(err, "list relations")
	}
	edges, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Edge])
	if err != nil {
		return nil, apperrors.Transient(err, "scan relations")
	}
	return edges, nil
}
