package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copy-trader-go/order"
)

// slowRecorder 在 release 关闭前阻塞写入
type slowRecorder struct {
	mu      sync.Mutex
	ids     []string
	release chan struct{}
}

func (s *slowRecorder) RecordPass(ctx context.Context, p order.Pass) error {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.ids = append(s.ids, p.ID)
	s.mu.Unlock()
	return nil
}

func (s *slowRecorder) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestAsyncRecordPassDoesNotWaitForWriter(t *testing.T) {
	next := &slowRecorder{release: make(chan struct{})}
	a := NewAsync(next, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	start := time.Now()
	for _, id := range []string{"p1", "p2", "p3"} {
		require.NoError(t, a.RecordPass(context.Background(), order.Pass{ID: id}))
	}
	assert.Less(t, time.Since(start), time.Second)

	close(next.release)
	require.Eventually(t, func() bool { return len(next.recorded()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"p1", "p2", "p3"}, next.recorded())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	a := NewAsync(&slowRecorder{}, 1, nil)
	require.NoError(t, a.RecordPass(context.Background(), order.Pass{ID: "p1"}))
	assert.ErrorIs(t, a.RecordPass(context.Background(), order.Pass{ID: "p2"}), ErrQueueFull)
	assert.Equal(t, int64(1), a.Dropped())
}

func TestAsyncDrainsOnStop(t *testing.T) {
	next := &slowRecorder{}
	a := NewAsync(next, 8, nil)
	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, a.RecordPass(context.Background(), order.Pass{ID: id}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = a.Run(ctx)
	assert.ElementsMatch(t, []string{"p1", "p2"}, next.recorded())
}
