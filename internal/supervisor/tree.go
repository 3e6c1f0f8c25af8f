// Package supervisor 以 suture 管理所有長期任務
//
// 樹分成三層：
//   - ingest: CDC 橋接器
//   - pipeline: 各 consumer group 與聚合器 flush
//   - api: HTTP 服務
//
// 任一層的服務崩潰只會在該層重啟，不影響 API 回應。
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig supervisor 樹的重啟策略
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree 三層的 supervisor 樹
type Tree struct {
	root     *suture.Supervisor
	ingest   *suture.Supervisor
	pipeline *suture.Supervisor
	api      *suture.Supervisor
	config   TreeConfig
}

// NewTree 建立 supervisor 樹；零值欄位使用 suture 的預設
func NewTree(name string, logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}

	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	t := &Tree{
		root:     suture.New(name, rootSpec),
		ingest:   suture.New("ingest-layer", childSpec),
		pipeline: suture.New("pipeline-layer", childSpec),
		api:      suture.New("api-layer", childSpec),
		config:   config,
	}
	t.root.Add(t.ingest)
	t.root.Add(t.pipeline)
	t.root.Add(t.api)
	return t
}

// Config 套用預設值後的配置
func (t *Tree) Config() TreeConfig { return t.config }

// AddIngest 加入 CDC 類服務
func (t *Tree) AddIngest(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddPipeline 加入消費者與 flush 類服務
func (t *Tree) AddPipeline(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddAPI 加入 HTTP 服務
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve 阻塞直到 ctx 取消
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground 在背景執行，回傳結束時的錯誤
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport 逾時未停止的服務
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
