// Package config 定義整個服務的配置
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		MaxRetries   int           `yaml:"max_retries"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	// Bus 事件匯流排；driver 為 nats、embedded（行程內 NATS）或 memory（測試與單機）
	Bus struct {
		Driver       string        `yaml:"driver"`
		URL          string        `yaml:"url"`
		Stream       string        `yaml:"stream"`
		StorageType  string        `yaml:"storage_type"`
		MaxAge       time.Duration `yaml:"max_age"`
		CounterTopic string        `yaml:"counter_topic"`
		OutboxTopic  string        `yaml:"outbox_topic"`
		AckWait      time.Duration `yaml:"ack_wait"`
		MaxDeliver   int           `yaml:"max_deliver"`
		FetchBatch   int           `yaml:"fetch_batch"`
		FetchWait    time.Duration `yaml:"fetch_wait"`
		DedupWindow  time.Duration `yaml:"dedup_window"`
		StoreDir     string        `yaml:"store_dir"`

		Breaker struct {
			MaxRequests      uint32        `yaml:"max_requests"`
			Interval         time.Duration `yaml:"interval"`
			Timeout          time.Duration `yaml:"timeout"`
			FailureThreshold uint32        `yaml:"failure_threshold"`
		} `yaml:"breaker"`
	} `yaml:"bus"`

	Counter struct {
		FlushInterval time.Duration `yaml:"flush_interval"`
		OpTimeout     time.Duration `yaml:"op_timeout"`
		// LeaseTTL 單一 subject 的 flush 租約，需長於 OpTimeout
		LeaseTTL time.Duration `yaml:"lease_ttl"`
		// FlushBatch 每批從 dirty 集合取出的 subject 數
		FlushBatch     int64  `yaml:"flush_batch"`
		AggregateGroup string `yaml:"aggregate_group"`
		// UserCheckInterval 同一使用者計數與資料庫比對的最短間隔，0 表示不比對
		UserCheckInterval time.Duration `yaml:"user_check_interval"`
	} `yaml:"counter"`

	Relation struct {
		FollowCapacity        int64         `yaml:"follow_capacity"`
		FollowRefillPerSecond float64       `yaml:"follow_refill_per_second"`
		DedupTTL              time.Duration `yaml:"dedup_ttl"`
		PendingTTL            time.Duration `yaml:"pending_ttl"`
		ListTTL               time.Duration `yaml:"list_ttl"`
		ProcessorGroup        string        `yaml:"processor_group"`
	} `yaml:"relation"`

	CDC struct {
		Enabled        bool          `yaml:"enabled"`
		Slot           string        `yaml:"slot"`
		Publication    string        `yaml:"publication"`
		Table          string        `yaml:"table"`
		StandbyTimeout time.Duration `yaml:"standby_timeout"`
	} `yaml:"cdc"`

	Cache struct {
		EntityType      string        `yaml:"entity_type"`
		LocalSize       int           `yaml:"local_size"`
		LocalTTL        time.Duration `yaml:"local_ttl"`
		SharedTTL       time.Duration `yaml:"shared_ttl"`
		IndexTTL        time.Duration `yaml:"index_ttl"`
		InvalidateGroup string        `yaml:"invalidate_group"`
		// LocalBroadcast 開啟後每個實例都會以獨立的 consumer group 修補自己的本地快取
		LocalBroadcast bool   `yaml:"local_broadcast"`
		InstanceID     string `yaml:"instance_id"`
		OwnerCacheSize int    `yaml:"owner_cache_size"`
	} `yaml:"cache"`

	Supervisor struct {
		FailureThreshold float64       `yaml:"failure_threshold"`
		FailureDecay     float64       `yaml:"failure_decay"`
		FailureBackoff   time.Duration `yaml:"failure_backoff"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"supervisor"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		Output    string `yaml:"output"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Default 返回可直接使用的預設配置
func Default() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.MaxRetries = 1
	cfg.Redis.ReadTimeout = 500 * time.Millisecond
	cfg.Redis.WriteTimeout = 500 * time.Millisecond

	cfg.Postgres.Host = "localhost"
	cfg.Postgres.Port = 5432
	cfg.Postgres.User = "postgres"
	cfg.Postgres.Password = "postgres"
	cfg.Postgres.DBName = "engagement"
	cfg.Postgres.MaxConns = 10
	cfg.Postgres.MinConns = 2

	cfg.Bus.Driver = "nats"
	cfg.Bus.URL = "nats://localhost:4222"
	cfg.Bus.Stream = "ENGAGEMENT"
	cfg.Bus.StorageType = "file"
	cfg.Bus.MaxAge = 24 * time.Hour
	cfg.Bus.CounterTopic = "counter.events"
	cfg.Bus.OutboxTopic = "outbox.events"
	cfg.Bus.AckWait = 30 * time.Second
	cfg.Bus.MaxDeliver = 10
	cfg.Bus.FetchBatch = 64
	cfg.Bus.FetchWait = time.Second
	cfg.Bus.DedupWindow = 2 * time.Minute
	cfg.Bus.StoreDir = "data/jetstream"
	cfg.Bus.Breaker.MaxRequests = 1
	cfg.Bus.Breaker.Interval = time.Minute
	cfg.Bus.Breaker.Timeout = 10 * time.Second
	cfg.Bus.Breaker.FailureThreshold = 5

	cfg.Counter.FlushInterval = time.Second
	cfg.Counter.OpTimeout = 2 * time.Second
	cfg.Counter.LeaseTTL = 10 * time.Second
	cfg.Counter.FlushBatch = 256
	cfg.Counter.AggregateGroup = "counter-aggregator"
	cfg.Counter.UserCheckInterval = 5 * time.Minute

	cfg.Relation.FollowCapacity = 100
	cfg.Relation.FollowRefillPerSecond = 1
	cfg.Relation.DedupTTL = 10 * time.Minute
	cfg.Relation.PendingTTL = 30 * time.Second
	cfg.Relation.ListTTL = 2 * time.Hour
	cfg.Relation.ProcessorGroup = "relation-processor"

	cfg.CDC.Enabled = true
	cfg.CDC.Slot = "outbox_slot"
	cfg.CDC.Publication = "outbox_pub"
	cfg.CDC.Table = "outbox"
	cfg.CDC.StandbyTimeout = 10 * time.Second

	cfg.Cache.EntityType = "post"
	cfg.Cache.LocalSize = 1000
	cfg.Cache.LocalTTL = 15 * time.Second
	cfg.Cache.SharedTTL = 60 * time.Second
	cfg.Cache.IndexTTL = 3 * time.Hour
	cfg.Cache.InvalidateGroup = "feed-cache"
	cfg.Cache.OwnerCacheSize = 10000

	cfg.Supervisor.FailureThreshold = 5
	cfg.Supervisor.FailureDecay = 30
	cfg.Supervisor.FailureBackoff = 15 * time.Second
	cfg.Supervisor.ShutdownTimeout = 10 * time.Second

	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Log.Output = "stdout"

	return cfg
}

// Load 讀取 YAML 配置並覆蓋預設值
func Load(path string) (*Config, error) {
	cfg := Default()

	// #nosec G304 - path 來自命令列參數，非使用者請求輸入
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 檢查不合理的配置
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "nats", "embedded", "memory":
	default:
		return fmt.Errorf("invalid bus driver %q", c.Bus.Driver)
	}
	if c.Counter.FlushInterval <= 0 {
		return fmt.Errorf("counter.flush_interval must be positive")
	}
	if c.Counter.OpTimeout <= 0 {
		return fmt.Errorf("counter.op_timeout must be positive")
	}
	// 租約比單次操作短，慢的 flush 還在寫時另一個實例就能拿到同一個 subject
	if c.Counter.LeaseTTL <= c.Counter.OpTimeout {
		return fmt.Errorf("counter.lease_ttl (%s) must be longer than counter.op_timeout (%s)",
			c.Counter.LeaseTTL, c.Counter.OpTimeout)
	}
	if c.Counter.FlushBatch <= 0 {
		return fmt.Errorf("counter.flush_batch must be positive")
	}
	if c.Counter.UserCheckInterval < 0 {
		return fmt.Errorf("counter.user_check_interval must not be negative")
	}
	if c.Relation.FollowCapacity <= 0 || c.Relation.FollowRefillPerSecond <= 0 {
		return fmt.Errorf("relation follow limiter needs positive capacity and refill rate")
	}
	if c.Relation.PendingTTL <= 0 || c.Relation.DedupTTL < c.Relation.PendingTTL {
		return fmt.Errorf("relation.dedup_ttl must be >= relation.pending_ttl > 0")
	}
	if c.Cache.EntityType == "" {
		return fmt.Errorf("cache.entity_type is required")
	}
	if c.Cache.LocalSize <= 0 {
		return fmt.Errorf("cache.local_size must be positive")
	}
	if c.Bus.FetchBatch <= 0 {
		return fmt.Errorf("bus.fetch_batch must be positive")
	}
	return nil
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Postgres.User,
		c.Postgres.Password,
		c.Postgres.Host,
		c.Postgres.Port,
		c.Postgres.DBName,
	)
}

// ReplicationDSN 邏輯複製連線字串
func (c *Config) ReplicationDSN() string {
	return WithReplication(c.PostgresDSN())
}

// WithReplication 在 URL 形式的 DSN 加上 replication=database
func WithReplication(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&replication=database"
	}
	return dsn + "?replication=database"
}
