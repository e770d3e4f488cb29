package expirewatcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
	"github.com/stretchr/testify/require"
)

type fakeInvalidator struct {
	mu    sync.Mutex
	calls []tilecoord.Coord
}

func (f *fakeInvalidator) InvalidateBlocking(coord tilecoord.Coord, invalidatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, coord)
	return nil
}

func (f *fakeInvalidator) snapshot() []tilecoord.Coord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tilecoord.Coord, len(f.calls))
	copy(out, f.calls)
	return out
}

func TestProcessExistingHandlesPreExistingFiles(t *testing.T) {
	dir := t.TempDir()
	inv := &fakeInvalidator{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tiles"), []byte("5/10/20\n6/20/40\n"), 0o644))

	w, err := New(Config{BaseDir: dir, Invalidator: inv})
	require.NoError(t, err)
	defer w.fsWatcher.Close()

	require.NoError(t, w.ProcessExisting())

	require.ElementsMatch(t, []tilecoord.Coord{
		tilecoord.New(5, 10, 20),
		tilecoord.New(6, 20, 40),
	}, inv.snapshot())

	_, statErr := os.Stat(filepath.Join(dir, "a.tiles"))
	require.True(t, os.IsNotExist(statErr), "processed file must be unlinked")
}

func TestProcessExistingSkipsUnparseableLines(t *testing.T) {
	dir := t.TempDir()
	inv := &fakeInvalidator{}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.tiles"), []byte("5/10/20\nnot-a-coord\n\n"), 0o644))

	w, err := New(Config{BaseDir: dir, Invalidator: inv})
	require.NoError(t, err)
	defer w.fsWatcher.Close()

	require.NoError(t, w.ProcessExisting())
	require.Equal(t, []tilecoord.Coord{tilecoord.New(5, 10, 20)}, inv.snapshot())
}

// S6 — stable-read retry.
func TestStartProcessesFileOnlyAfterTrailingNewline(t *testing.T) {
	dir := t.TempDir()
	inv := &fakeInvalidator{}

	w, err := New(Config{BaseDir: dir, Invalidator: inv})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Shutdown(ctx)
	}()

	path := filepath.Join(dir, "partial.tiles")
	require.NoError(t, os.WriteFile(path, []byte("5/10/20\n6/20/40"), 0o644))

	// No trailing newline yet: must not be processed within the retry window.
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, inv.snapshot())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return len(inv.snapshot()) == 2
	}, 2*time.Second, 20*time.Millisecond)

	require.ElementsMatch(t, []tilecoord.Coord{
		tilecoord.New(5, 10, 20),
		tilecoord.New(6, 20, 40),
	}, inv.snapshot())
}

func TestShutdownStopsEventLoop(t *testing.T) {
	dir := t.TempDir()
	inv := &fakeInvalidator{}

	w, err := New(Config{BaseDir: dir, Invalidator: inv})
	require.NoError(t, err)
	require.NoError(t, w.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
}
