package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/koopa0/system-design/14-engagement-counter/internal/bus"
)

// StartNATS 啟動嵌入式 NATS（開啟 JetStream），回傳連線 URL
func StartNATS(t testing.TB) string {
	t.Helper()

	srv, err := bus.StartEmbedded(bus.EmbeddedConfig{
		Port:     server.RANDOM_PORT,
		StoreDir: t.TempDir(),
		NoLog:    true,
	})
	if err != nil {
		t.Fatalf("failed to start nats server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv.ClientURL()
}
