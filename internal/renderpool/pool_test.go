package renderpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRenderer struct {
	delay   time.Duration
	calls   *int64
	panicOn func(req RenderRequest) bool
}

func (s *stubRenderer) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	atomic.AddInt64(s.calls, 1)
	if s.panicOn != nil && s.panicOn(req) {
		panic("stub renderer exploded")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return []byte(req.Format), nil
}

func (s *stubRenderer) Close() error { return nil }

func newStubPool(t *testing.T, workers int, calls *int64) *Pool {
	t.Helper()
	p, err := New(Config{
		Workers: workers,
		Factory: func(ctx context.Context, id int) (Renderer, error) {
			return &stubRenderer{calls: calls}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func TestRenderReturnsRendererOutput(t *testing.T) {
	var calls int64
	p := newStubPool(t, 2, &calls)

	data, err := p.Render(context.Background(), RenderRequest{Format: "jpeg"})
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRenderAfterShutdownFails(t *testing.T) {
	var calls int64
	p, err := New(Config{
		Workers: 1,
		Factory: func(ctx context.Context, id int) (Renderer, error) {
			return &stubRenderer{calls: &calls}, nil
		},
	})
	require.NoError(t, err)

	p.Shutdown()
	p.Shutdown() // idempotent

	_, err = p.Render(context.Background(), RenderRequest{})
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestRenderConcurrentRequestsAllComplete(t *testing.T) {
	var calls int64
	p := newStubPool(t, 4, &calls)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := p.Render(context.Background(), RenderRequest{Format: "png"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(n), atomic.LoadInt64(&calls))
}

func TestRenderContextCancelledWhileQueued(t *testing.T) {
	var calls int64
	p, err := New(Config{
		Workers: 1,
		Factory: func(ctx context.Context, id int) (Renderer, error) {
			return &stubRenderer{calls: &calls, delay: 50 * time.Millisecond}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	// Saturate the single worker and its queue (capacity 2) so a further
	// submission blocks on the channel send, then cancel before it lands.
	for i := 0; i < 3; i++ {
		go func() { _, _ = p.Render(context.Background(), RenderRequest{}) }()
	}
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Render(ctx, RenderRequest{})
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || err == nil)
}

func TestWorkerPanicIsIsolatedAndRespawned(t *testing.T) {
	var calls int64
	var panicked atomic.Bool
	p, err := New(Config{
		Workers: 1,
		Factory: func(ctx context.Context, id int) (Renderer, error) {
			return &stubRenderer{
				calls: &calls,
				panicOn: func(req RenderRequest) bool {
					if req.Format == "boom" && !panicked.Swap(true) {
						return true
					}
					return false
				},
			}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)

	_, err = p.Render(context.Background(), RenderRequest{Format: "boom"})
	require.Error(t, err)

	// Pool keeps serving after the worker is respawned.
	require.Eventually(t, func() bool {
		data, err := p.Render(context.Background(), RenderRequest{Format: "png"})
		return err == nil && string(data) == "png"
	}, time.Second, 10*time.Millisecond)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{Workers: 0, Factory: func(ctx context.Context, id int) (Renderer, error) { return nil, nil }})
	assert.Error(t, err)

	_, err = New(Config{Workers: 1})
	assert.Error(t, err)
}
