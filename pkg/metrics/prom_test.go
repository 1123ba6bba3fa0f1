package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Canceling the context must release the server's WaitGroup; callers wait on
// it during shutdown and would otherwise hang forever.
func TestPrometheusServerShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	StartPrometheusServer(ctx, &wg, &PromServerOpts{
		Addr:            "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	})

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		require.Fail(t, "metrics server did not release its WaitGroup after cancel")
	}
}
