// Package testutils 提供測試用的共用工具和輔助函數
//
// 本套件管理測試容器與嵌入式服務：
//   - Redis 測試容器
//   - PostgreSQL 測試容器（開啟邏輯複製並執行遷移）
//   - 嵌入式 NATS JetStream
//
// 所有容器都會在測試結束時自動清理。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-engagement-counter/internal/config"
	"github.com/koopa0/system-design/14-engagement-counter/internal/migrations"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient    *redis.Client
	PostgresPool   *pgxpool.Pool
	RedisContainer tc.Container
	PgContainer    tc.Container
	RedisAddr      string
	PostgresDSN    string
	Logger         *slog.Logger
	ctx            context.Context
}

// NewTestLogger 測試時減少日誌噪音
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// SetupRedis 只啟動 Redis
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupRedis(t)
//	    // 使用 env.RedisClient
//	}
func SetupRedis(t testing.TB) *TestEnvironment {
	t.Helper()

	env := &TestEnvironment{ctx: context.Background(), Logger: NewTestLogger()}
	t.Cleanup(env.Cleanup)
	env.setupRedis(t)
	return env
}

// SetupTestEnvironment 啟動 Redis 與 PostgreSQL，並執行遷移
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	env := &TestEnvironment{ctx: context.Background(), Logger: NewTestLogger()}
	t.Cleanup(env.Cleanup)
	env.setupRedis(t)
	env.setupPostgreSQL(t)
	return env
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := env.ctx
	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.RedisContainer = redisContainer

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// withLogicalReplication 讓 CDC 測試可以建立邏輯複製 slot
func withLogicalReplication() tc.CustomizeRequestOption {
	return func(req *tc.GenericContainerRequest) error {
		req.Cmd = append(req.Cmd, "-c", "wal_level=logical")
		return nil
	}
}

// setupPostgreSQL 啟動 PostgreSQL 測試容器並執行遷移
func (env *TestEnvironment) setupPostgreSQL(t testing.TB) {
	t.Helper()

	ctx := env.ctx
	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		withLogicalReplication(),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.PgContainer = pgContainer

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	if err := migrations.Run(dsn, env.Logger); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1

	env.PostgresPool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
		env.RedisClient = nil
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
		env.PostgresPool = nil
	}
	if env.RedisContainer != nil {
		_ = env.RedisContainer.Terminate(ctx)
		env.RedisContainer = nil
	}
	if env.PgContainer != nil {
		_ = env.PgContainer.Terminate(ctx)
		env.PgContainer = nil
	}
}

// FlushRedis 清空 Redis 資料（用於測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.RedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// TruncateTables 清空關係與 outbox 資料表
func (env *TestEnvironment) TruncateTables(t testing.TB) {
	t.Helper()

	_, err := env.PostgresPool.Exec(context.Background(),
		`TRUNCATE TABLE following, follower, outbox, posts, users RESTART IDENTITY`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
}

// ResetTestData 重置所有測試資料
func (env *TestEnvironment) ResetTestData(t testing.TB) {
	t.Helper()

	env.FlushRedis(t)
	if env.PostgresPool != nil {
		env.TruncateTables(t)
	}
}

// DefaultTestConfig 測試用配置：memory 匯流排、短逾時
func DefaultTestConfig() *config.Config {
	cfg := config.Default()
	cfg.Bus.Driver = "memory"
	cfg.Bus.AckWait = time.Second
	cfg.Bus.FetchWait = 50 * time.Millisecond
	cfg.Bus.MaxDeliver = 5
	cfg.Counter.FlushInterval = 50 * time.Millisecond
	cfg.Counter.OpTimeout = 2 * time.Second
	cfg.Counter.LeaseTTL = 5 * time.Second
	cfg.Counter.FlushBatch = 64
	cfg.Relation.PendingTTL = 2 * time.Second
	cfg.Relation.DedupTTL = 10 * time.Minute
	cfg.Cache.LocalTTL = 5 * time.Second
	cfg.Cache.SharedTTL = 60 * time.Second
	cfg.Log.Level = "warn"
	return cfg
}

// WaitForCondition 輪詢直到條件成立或逾時
func WaitForCondition(t testing.TB, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
