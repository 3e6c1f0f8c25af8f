package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-engagement-counter/internal/aggregator"
	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
	"github.com/koopa0/system-design/14-engagement-counter/internal/cdc"
	"github.com/koopa0/system-design/14-engagement-counter/internal/config"
	"github.com/koopa0/system-design/14-engagement-counter/internal/counter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/directory"
	"github.com/koopa0/system-design/14-engagement-counter/internal/event"
	"github.com/koopa0/system-design/14-engagement-counter/internal/feedcache"
	"github.com/koopa0/system-design/14-engagement-counter/internal/handler"
	"github.com/koopa0/system-design/14-engagement-counter/internal/limiter"
	"github.com/koopa0/system-design/14-engagement-counter/internal/migrations"
	"github.com/koopa0/system-design/14-engagement-counter/internal/relation"
	"github.com/koopa0/system-design/14-engagement-counter/internal/supervisor"
	"github.com/koopa0/system-design/14-engagement-counter/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "engagement-counter: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 載入配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 設定日誌
	log, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 連接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	// 執行資料庫遷移，再建立連線池
	if err := migrations.Run(cfg.PostgresDSN(), log); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pgPool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	// 事件匯流排
	eventBus, closeBus, err := openBus(cfg, log)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer closeBus()

	publisher := bus.NewBreakerPublisher(eventBus, bus.BreakerConfig{
		Name:             "bus-publish",
		MaxRequests:      cfg.Bus.Breaker.MaxRequests,
		Interval:         cfg.Bus.Breaker.Interval,
		Timeout:          cfg.Bus.Breaker.Timeout,
		FailureThreshold: cfg.Bus.Breaker.FailureThreshold,
	}, log)
	emitter := event.NewEmitter(publisher, cfg.Bus.CounterTopic)

	// 計數
	counterStore := counter.NewStore(redisClient)
	bitmap := counter.NewBitmap(redisClient)
	engagement := counter.NewService(bitmap, counterStore, emitter, log, cfg.Counter.OpTimeout)

	dir, err := directory.New(pgPool, cfg.Cache.OwnerCacheSize, log)
	if err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	// 關係
	relationStore := relation.NewStore(pgPool)
	userCounters := counter.NewUserCounters(counterStore, relationStore, dir, log)
	relations := relation.NewService(relationStore, redisClient, limiter.NewTokenBucket(redisClient, log), dir,
		relation.ServiceConfig{
			FollowCapacity:        cfg.Relation.FollowCapacity,
			FollowRefillPerSecond: cfg.Relation.FollowRefillPerSecond,
			ListTTL:               cfg.Relation.ListTTL,
			Timeout:               cfg.Counter.OpTimeout,
		}, log)
	processor := relation.NewProcessor(redisClient, relationStore, emitter, relation.ProcessorConfig{
		DedupTTL:   cfg.Relation.DedupTTL,
		PendingTTL: cfg.Relation.PendingTTL,
		ListTTL:    cfg.Relation.ListTTL,
	}, log)

	// 聚合
	acc := aggregator.NewAccumulator(redisClient)
	agg := aggregator.New(acc, counterStore, aggregator.Config{
		LeaseTTL:  cfg.Counter.LeaseTTL,
		OpTimeout: cfg.Counter.OpTimeout,
		Batch:     cfg.Counter.FlushBatch,
	}, log)

	// 校正與重建都要和 flush 互斥
	engagement.UsePendingLedger(acc, cfg.Counter.LeaseTTL)
	userCounters.UsePendingLedger(acc, cfg.Counter.LeaseTTL)
	if cfg.Counter.UserCheckInterval > 0 {
		userCounters.UseCheckGate(counter.NewCheckGate(redisClient, cfg.Counter.UserCheckInterval))
	}

	// 動態快取
	local := feedcache.NewLocal(cfg.Cache.LocalSize, cfg.Cache.LocalTTL)
	shared := feedcache.NewShared(redisClient)
	index := feedcache.NewReverseIndex(redisClient, cfg.Cache.IndexTTL)
	feed := feedcache.NewFeed(feedcache.NewTiered(local, shared, index, log), dir, counterStore, engagement,
		cfg.Cache.EntityType, cfg.Cache.SharedTTL, log)

	// HTTP 伺服器
	h := handler.New(engagement, userCounters, relations, feed, map[string]handler.Check{
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		"postgres": pgPool.Ping,
	}, log)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// 監督樹
	tree := supervisor.NewTree("engagement-counter", log, supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})

	if cfg.CDC.Enabled {
		source := cdc.NewPGSource(cdc.PGSourceConfig{
			DSN:            cfg.ReplicationDSN(),
			Slot:           cfg.CDC.Slot,
			Publication:    cfg.CDC.Publication,
			StandbyTimeout: cfg.CDC.StandbyTimeout,
		}, log)
		tree.AddIngest(cdc.NewBridge(source, publisher, cdc.BridgeConfig{
			Table:   cfg.CDC.Table,
			Topic:   cfg.Bus.OutboxTopic,
			Timeout: cfg.Counter.OpTimeout,
		}, log))
	}

	runnerConfig := func(topic, group string) bus.RunnerConfig {
		return bus.RunnerConfig{
			Topic:     topic,
			Group:     group,
			Batch:     cfg.Bus.FetchBatch,
			OpTimeout: cfg.Counter.OpTimeout,
		}
	}
	runner := func(topic, group string, handle bus.Handler) *bus.Runner {
		return bus.NewRunner(eventBus, handle, runnerConfig(topic, group), log)
	}

	tree.AddPipeline(runner(cfg.Bus.CounterTopic, cfg.Counter.AggregateGroup, agg))
	tree.AddPipeline(aggregator.NewFlusher(agg, cfg.Counter.FlushInterval, cfg.Supervisor.ShutdownTimeout/2, log))
	tree.AddPipeline(runner(cfg.Bus.OutboxTopic, cfg.Relation.ProcessorGroup,
		relation.NewOutboxHandler(processor, cfg.CDC.Table, log)))

	invalidator := func(opts feedcache.InvalidatorOptions) *feedcache.Invalidator {
		opts.EntityType = cfg.Cache.EntityType
		return feedcache.NewInvalidator(dir, acc, local, shared, index, opts, log)
	}
	if cfg.Cache.LocalBroadcast {
		// 共享的 group 只處理一次；每個實例另有自己的 group 修補本地層
		tree.AddPipeline(runner(cfg.Bus.CounterTopic, cfg.Cache.InvalidateGroup,
			invalidator(feedcache.InvalidatorOptions{ForwardOwner: true, PatchShared: true})))
		// 本地層只需要之後的事件，新實例不重播保留期內的歷史
		localCfg := runnerConfig(cfg.Bus.CounterTopic, cfg.Cache.InvalidateGroup+"-local-"+instanceID(cfg))
		localCfg.FromLatest = true
		tree.AddPipeline(bus.NewRunner(eventBus,
			invalidator(feedcache.InvalidatorOptions{PatchLocal: true}), localCfg, log))
	} else {
		tree.AddPipeline(runner(cfg.Bus.CounterTopic, cfg.Cache.InvalidateGroup,
			invalidator(feedcache.InvalidatorOptions{ForwardOwner: true, PatchShared: true, PatchLocal: true})))
	}

	tree.AddAPI(supervisor.NewHTTPService(srv, cfg.Server.ShutdownTimeout))

	log.Info("starting engagement counter",
		"port", cfg.Server.Port,
		"bus", cfg.Bus.Driver,
		"cdc", cfg.CDC.Enabled,
		"local_broadcast", cfg.Cache.LocalBroadcast)

	err = tree.Serve(ctx)

	if unstopped, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			log.Warn("service did not stop in time", "service", svc.Name)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// openBus 依 driver 建立匯流排，回傳關閉函式
func openBus(cfg *config.Config, log *slog.Logger) (bus.Bus, func(), error) {
	jsConfig := bus.JetStreamConfig{
		URL:         cfg.Bus.URL,
		Stream:      cfg.Bus.Stream,
		Subjects:    []string{cfg.Bus.CounterTopic, cfg.Bus.OutboxTopic},
		StorageType: cfg.Bus.StorageType,
		MaxAge:      cfg.Bus.MaxAge,
		AckWait:     cfg.Bus.AckWait,
		MaxDeliver:  cfg.Bus.MaxDeliver,
		FetchWait:   cfg.Bus.FetchWait,
		DedupWindow: cfg.Bus.DedupWindow,
	}

	switch cfg.Bus.Driver {
	case "memory":
		b := bus.NewMemory(bus.MemoryConfig{
			AckWait:    cfg.Bus.AckWait,
			MaxDeliver: cfg.Bus.MaxDeliver,
			FetchWait:  cfg.Bus.FetchWait,
		})
		return b, func() { _ = b.Close() }, nil

	case "embedded":
		ns, err := bus.StartEmbedded(bus.EmbeddedConfig{
			Port:     server.RANDOM_PORT,
			StoreDir: cfg.Bus.StoreDir,
			NoLog:    true,
		})
		if err != nil {
			return nil, nil, err
		}
		jsConfig.URL = ns.ClientURL()
		b, err := bus.NewJetStream(jsConfig, log)
		if err != nil {
			shutdownEmbedded(ns, log)
			return nil, nil, err
		}
		return b, func() {
			_ = b.Close()
			shutdownEmbedded(ns, log)
		}, nil

	default:
		b, err := bus.NewJetStream(jsConfig, log)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}
}

func shutdownEmbedded(ns *bus.EmbeddedServer, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ns.Shutdown(ctx); err != nil {
		log.Warn("embedded nats shutdown", "error", err)
	}
}

// instanceID 本地快取 group 的實例識別，未設定時使用主機名稱
//
// JetStream 的 durable 名稱不能含 '.'。
func instanceID(cfg *config.Config) string {
	id := cfg.Cache.InstanceID
	if id == "" {
		if host, err := os.Hostname(); err == nil {
			id = host
		}
	}
	if id == "" {
		return "default"
	}
	return strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(id)
}
