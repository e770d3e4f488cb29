package tileworker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
	"github.com/MeKo-Tech/watercolormap/internal/tileindex"
	"github.com/MeKo-Tech/watercolormap/internal/tileprocessor"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T) (*Worker, tileprocessor.Variant) {
	t.Helper()
	idx, err := tileindex.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	variant := tileprocessor.Variant{URLPath: "/", CacheRoot: t.TempDir(), Index: idx}
	proc := tileprocessor.New(tileprocessor.Config{Variants: []tileprocessor.Variant{variant}})
	w := New(Config{Processor: proc})
	t.Cleanup(w.Shutdown)
	return w, variant
}

func TestSaveTileIsAppliedByActor(t *testing.T) {
	w, variant := newTestWorker(t)
	coord := tilecoord.New(10, 5, 5)

	require.NoError(t, w.SaveTile(context.Background(), []byte("x"), coord, 1, time.Unix(0, 0), 0))

	require.Eventually(t, func() bool {
		_, found, err := variant.Index.Get(coord)
		return err == nil && found
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidateBlockingWaitsForApplication(t *testing.T) {
	w, variant := newTestWorker(t)
	coord := tilecoord.New(10, 5, 5)

	require.NoError(t, w.SaveTile(context.Background(), []byte("x"), coord, 1, time.Unix(0, 0), 0))
	require.Eventually(t, func() bool {
		_, found, _ := variant.Index.Get(coord)
		return found
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.InvalidateBlocking(coord, time.Unix(1000, 0)))

	_, found, err := variant.Index.Get(coord)
	require.NoError(t, err)
	require.False(t, found, "InvalidateBlocking must have returned only after the purge applied")
}

func TestShutdownIsIdempotentAndRejectsFurtherWork(t *testing.T) {
	w, _ := newTestWorker(t)
	w.Shutdown()
	w.Shutdown()

	err := w.SaveTile(context.Background(), nil, tilecoord.New(1, 0, 0), 1, time.Now(), 0)
	require.ErrorIs(t, err, ErrQueueClosed)

	err = w.InvalidateBlocking(tilecoord.New(1, 0, 0), time.Now())
	require.ErrorIs(t, err, ErrQueueClosed)
}

func TestConcurrentSavesAllApplied(t *testing.T) {
	w, variant := newTestWorker(t)

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c := tilecoord.New(10, uint32(i), 0)
			require.NoError(t, w.SaveTile(context.Background(), []byte("x"), c, 1, time.Unix(0, 0), 0))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for i := 0; i < n; i++ {
			c := tilecoord.New(10, uint32(i), 0)
			_, found, err := variant.Index.Get(c)
			if err != nil || !found {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}
