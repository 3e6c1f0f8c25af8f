package relation

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-engagement-counter/internal/directory"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// maxBackfill 回填清單時最多讀取的資料列
const maxBackfill = 1000

// RateLimiter 關注操作的限流器
type RateLimiter interface {
	TryAcquire(ctx context.Context, key string, capacity int64, refillPerSecond float64) (bool, error)
}

// UserResolver 使用者資料來源
type UserResolver interface {
	ResolveUserSummaries(ctx context.Context, userIDs []int64) (map[int64]directory.UserSummary, error)
}

// ServiceConfig 關係服務配置
type ServiceConfig struct {
	FollowCapacity        int64
	FollowRefillPerSecond float64
	ListTTL               time.Duration
	Timeout               time.Duration
}

// Status 兩個使用者之間的關係
type Status struct {
	Following  bool `json:"following"`
	FollowedBy bool `json:"followedBy"`
	Mutual     bool `json:"mutual"`
}

// Service 關注關係的讀寫入口
type Service struct {
	store   *Store
	client  *redis.Client
	limiter RateLimiter
	users   UserResolver
	cfg     ServiceConfig
	logger  *slog.Logger
}

// NewService 建立關係服務
func NewService(store *Store, client *redis.Client, limiter RateLimiter, users UserResolver, cfg ServiceConfig, logger *slog.Logger) *Service {
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = 2 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Service{
		store:   store,
		client:  client,
		limiter: limiter,
		users:   users,
		cfg:     cfg,
		logger:  logger.With("component", "relation"),
	}
}

// RateLimitKey 關注限流的 bucket
func RateLimitKey(userID int64) string {
	return "rl:follow:" + strconv.FormatInt(userID, 10)
}

func validatePair(from, to int64) error {
	if from <= 0 || to <= 0 {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "user ids must be positive")
	}
	if from == to {
		return apperrors.ErrSelfFollow
	}
	return nil
}

// Follow 關注；回傳是否新建立了關係
//
// 限流器故障時拒絕操作。
func (s *Service) Follow(ctx context.Context, from, to int64) (bool, error) {
	if err := validatePair(from, to); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ok, err := s.limiter.TryAcquire(ctx, RateLimitKey(from), s.cfg.FollowCapacity, s.cfg.FollowRefillPerSecond)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, apperrors.ErrRateLimited
	}

	created, err := s.store.CreateFollowing(ctx, from, to)
	if err != nil {
		return false, err
	}
	if created {
		s.patchOwnList(ctx, from, to, true)
		s.logger.InfoContext(ctx, "follow created", "from", from, "to", to)
	}
	return created, nil
}

// Unfollow 取消關注；回傳是否真的取消了
func (s *Service) Unfollow(ctx context.Context, from, to int64) (bool, error) {
	if err := validatePair(from, to); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cancelled, err := s.store.CancelFollowing(ctx, from, to)
	if err != nil {
		return false, err
	}
	if cancelled {
		s.patchOwnList(ctx, from, to, false)
		s.logger.InfoContext(ctx, "follow cancelled", "from", from, "to", to)
	}
	return cancelled, nil
}

// patchOwnList 立即修補操作者自己的關注清單；粉絲清單交給處理器
func (s *Service) patchOwnList(ctx context.Context, from, to int64, add bool) {
	if err := patchList(ctx, s.client, FollowingKey(from), to, add, s.cfg.ListTTL); err != nil {
		s.logger.WarnContext(ctx, "following list not patched", "from", from, "to", to, "error", err)
	}
}

// IsFollowing from 是否正在關注 to
func (s *Service) IsFollowing(ctx context.Context, from, to int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.store.IsFollowing(ctx, from, to)
}

// Status 查詢雙向關係
func (s *Service) Status(ctx context.Context, userID, otherID int64) (Status, error) {
	following, err := s.IsFollowing(ctx, userID, otherID)
	if err != nil {
		return Status{}, err
	}
	followedBy, err := s.IsFollowing(ctx, otherID, userID)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Following:  following,
		FollowedBy: followedBy,
		Mutual:     following && followedBy,
	}, nil
}

// Following 使用者關注的人，由新到舊
func (s *Service) Following(ctx context.Context, userID int64, offset, limit int) ([]int64, error) {
	return s.page(ctx, FollowingKey(userID), userID, offset, limit, s.store.ListFollowing)
}

// Followers 使用者的粉絲，由新到舊
func (s *Service) Followers(ctx context.Context, userID int64, offset, limit int) ([]int64, error) {
	return s.page(ctx, FollowersKey(userID), userID, offset, limit, s.store.ListFollowers)
}

type listFunc func(ctx context.Context, userID int64, limit, offset int) ([]Edge, error)

// page cache-aside：清單存在就直接分頁；不存在時從資料表回填前 maxBackfill 筆
func (s *Service) page(ctx context.Context, key string, userID int64, offset, limit int, load listFunc) ([]int64, error) {
	if offset < 0 || limit <= 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "invalid page")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	// 超出回填範圍的頁直接查資料表
	if offset+limit > maxBackfill {
		edges, err := load(ctx, userID, limit, offset)
		if err != nil {
			return nil, err
		}
		return edgeIDs(edges), nil
	}

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, apperrors.Transient(err, "check relation list")
	}
	if exists == 1 {
		members, err := s.client.ZRevRange(ctx, key, int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, apperrors.Transient(err, "read relation list")
		}
		return parseIDs(members), nil
	}

	edges, err := load(ctx, userID, maxBackfill, 0)
	if err != nil {
		return nil, err
	}
	if len(edges) > 0 {
		s.backfill(ctx, key, edges)
	}

	if offset >= len(edges) {
		return []int64{}, nil
	}
	end := min(offset+limit, len(edges))
	return edgeIDs(edges[offset:end]), nil
}

func (s *Service) backfill(ctx context.Context, key string, edges []Edge) {
	members := make([]redis.Z, len(edges))
	for i, e := range edges {
		members[i] = redis.Z{Score: float64(e.Since.UnixMilli()), Member: e.UserID}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.ZAdd(ctx, key, members...)
		pipe.PExpire(ctx, key, s.cfg.ListTTL)
		return nil
	})
	if err != nil {
		s.logger.WarnContext(ctx, "relation list backfill failed", "key", key, "error", err)
	}
}

// FollowingProfiles 關注清單附上使用者資料
func (s *Service) FollowingProfiles(ctx context.Context, userID int64, offset, limit int) ([]directory.UserSummary, error) {
	ids, err := s.Following(ctx, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	return s.profiles(ctx, ids)
}

// FollowerProfiles 粉絲清單附上使用者資料
func (s *Service) FollowerProfiles(ctx context.Context, userID int64, offset, limit int) ([]directory.UserSummary, error) {
	ids, err := s.Followers(ctx, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	return s.profiles(ctx, ids)
}

// profiles 保持清單順序，找不到的使用者略過
func (s *Service) profiles(ctx context.Context, ids []int64) ([]directory.UserSummary, error) {
	found, err := s.users.ResolveUserSummaries(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]directory.UserSummary, 0, len(ids))
	for _, id := range ids {
		if u, ok := found[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func edgeIDs(edges []Edge) []int64 {
	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.UserID
	}
	return ids
}

func parseIDs(members []string) []int64 {
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
