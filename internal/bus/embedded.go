package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedConfig 嵌入式 NATS 配置
type EmbeddedConfig struct {
	Host     string
	Port     int // server.RANDOM_PORT 表示隨機埠
	StoreDir string
	NoLog    bool
}

// EmbeddedServer 行程內的 NATS JetStream，單機部署時不需外部服務
type EmbeddedServer struct {
	server *server.Server
}

// StartEmbedded 啟動嵌入式 NATS 並等待就緒
func StartEmbedded(cfg EmbeddedConfig) (*EmbeddedServer, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(&server.Options{
		ServerName: "engagement-bus",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		NoLog:      cfg.NoLog,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	if !cfg.NoLog {
		ns.ConfigureLogger()
	}

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready within timeout")
	}
	return &EmbeddedServer{server: ns}, nil
}

// ClientURL 連線 URL
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Shutdown 停止並等待結束，ctx 逾時則不再等待
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
