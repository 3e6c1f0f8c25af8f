package counter

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-engagement-counter/internal/metrics"
	apperrors "github.com/koopa0/system-design/14-engagement-counter/pkg/errors"
)

// RelationCounts 由關係資料表統計的人數
type RelationCounts interface {
	CountFollowings(ctx context.Context, userID int64) (int64, error)
	CountFollowers(ctx context.Context, userID int64) (int64, error)
}

// PostCounts 由內容資料表統計的貼文數
type PostCounts interface {
	CountPosts(ctx context.Context, userID int64) (int64, error)
}

// UserCounts 使用者彙總計數
type UserCounts struct {
	Followings    int64 `json:"followings"`
	Followers     int64 `json:"followers"`
	Posts         int64 `json:"posts"`
	LikesReceived int64 `json:"likesReceived"`
	FavsReceived  int64 `json:"favsReceived"`
}

// CheckGate 同一使用者在間隔內只比對一次（SET NX EX ucnt:chk:{userId}）
type CheckGate struct {
	client   *redis.Client
	interval time.Duration
}

// NewCheckGate 建立比對閘門
func NewCheckGate(client *redis.Client, interval time.Duration) *CheckGate {
	return &CheckGate{client: client, interval: interval}
}

func checkKey(userID int64) string {
	return "ucnt:chk:" + strconv.FormatInt(userID, 10)
}

// Due 取得本次比對的資格；間隔內已有人比對過則回傳 false
func (g *CheckGate) Due(ctx context.Context, userID int64) (bool, error) {
	ok, err := g.client.SetNX(ctx, checkKey(userID), "1", g.interval).Result()
	if err != nil {
		return false, apperrors.Transient(err, "acquire user counter check")
	}
	return ok, nil
}

// UserCounters 讀取與重建使用者計數
type UserCounters struct {
	store     Records
	relations RelationCounts
	posts     PostCounts
	gate      *CheckGate
	fix       overwriter
	logger    *slog.Logger
}

// NewUserCounters 建立使用者計數服務；posts 可為 nil
func NewUserCounters(store Records, relations RelationCounts, posts PostCounts, logger *slog.Logger) *UserCounters {
	logger = logger.With("component", "user-counters")
	return &UserCounters{
		store:     store,
		relations: relations,
		posts:     posts,
		fix:       newOverwriter(store, logger),
		logger:    logger,
	}
}

// UseCheckGate 讀取時抽樣與關係資料表比對
func (u *UserCounters) UseCheckGate(gate *CheckGate) {
	u.gate = gate
}

// UsePendingLedger 重建時與聚合器的 flush 互斥，並丟棄已被重建值涵蓋的 delta
func (u *UserCounters) UsePendingLedger(ledger PendingLedger, leaseTTL time.Duration) {
	u.fix.attach(ledger, leaseTTL)
}

var allUserFields = []int{FieldFollowings, FieldFollowers, FieldPosts, FieldLikesReceived, FieldFavsReceived}

// Read 一次讀出五個欄位
func (u *UserCounters) Read(ctx context.Context, userID int64) (UserCounts, error) {
	values, err := u.store.ReadFields(ctx, UserSubject(userID), allUserFields)
	if err != nil {
		return UserCounts{}, err
	}
	return UserCounts{
		Followings:    values[FieldFollowings],
		Followers:     values[FieldFollowers],
		Posts:         values[FieldPosts],
		LikesReceived: values[FieldLikesReceived],
		FavsReceived:  values[FieldFavsReceived],
	}, nil
}

// ReadChecked 讀取計數，並在取得比對資格時與關係資料表比對
//
// followings／followers 與資料表不一致就重建並回傳重建後的值。
// 比對或重建失敗只記錄，仍回傳原本讀到的值。
func (u *UserCounters) ReadChecked(ctx context.Context, userID int64) (UserCounts, error) {
	counts, err := u.Read(ctx, userID)
	if err != nil || u.gate == nil {
		return counts, err
	}

	due, err := u.gate.Due(ctx, userID)
	if err != nil {
		u.logger.WarnContext(ctx, "user counter check skipped", "user_id", userID, "error", err)
		metrics.UserCounterChecks.WithLabelValues("error").Inc()
		return counts, nil
	}
	if !due {
		return counts, nil
	}

	followings, err := u.relations.CountFollowings(ctx, userID)
	if err == nil {
		var followers int64
		followers, err = u.relations.CountFollowers(ctx, userID)
		if err == nil && followings == counts.Followings && followers == counts.Followers {
			metrics.UserCounterChecks.WithLabelValues("consistent").Inc()
			return counts, nil
		}
	}
	if err != nil {
		u.logger.WarnContext(ctx, "user counter check failed", "user_id", userID, "error", err)
		metrics.UserCounterChecks.WithLabelValues("error").Inc()
		return counts, nil
	}

	u.logger.InfoContext(ctx, "user counters drifted from relation tables",
		"user_id", userID,
		"followings", counts.Followings,
		"followers", counts.Followers,
	)
	rebuilt, err := u.Rebuild(ctx, userID)
	if err != nil {
		u.logger.WarnContext(ctx, "user counter rebuild failed", "user_id", userID, "error", err)
		metrics.UserCounterChecks.WithLabelValues("error").Inc()
		return counts, nil
	}
	metrics.UserCounterChecks.WithLabelValues("rebuilt").Inc()
	return rebuilt, nil
}

// Rebuild 以關係資料表為準覆寫 followings／followers（與 posts）
//
// 處理器在提交關係寫入後、發出計數事件前崩潰時，計數會少一次；
// 這個重建是對應的補償路徑。likes／favs received 分散在各貼文的位圖，不在此重建。
func (u *UserCounters) Rebuild(ctx context.Context, userID int64) (UserCounts, error) {
	values, err := u.fix.overwrite(ctx, UserSubject(userID), func(ctx context.Context) (map[int]int64, error) {
		followings, err := u.relations.CountFollowings(ctx, userID)
		if err != nil {
			return nil, err
		}
		followers, err := u.relations.CountFollowers(ctx, userID)
		if err != nil {
			return nil, err
		}
		values := map[int]int64{FieldFollowings: followings, FieldFollowers: followers}

		if u.posts != nil {
			posts, err := u.posts.CountPosts(ctx, userID)
			if err != nil {
				return nil, err
			}
			values[FieldPosts] = posts
		}
		return values, nil
	})
	if err != nil {
		return UserCounts{}, err
	}

	u.logger.InfoContext(ctx, "user counters rebuilt", "user_id", userID,
		"followings", values[FieldFollowings], "followers", values[FieldFollowers])
	return u.Read(ctx, userID)
}
