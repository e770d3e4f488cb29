// Package expirewatcher implements the expiration watcher (C6): it watches
// a directory tree for `*.tiles` files written by an external importer and
// turns each line into an invalidation, with at-least-once, idempotent
// delivery semantics.
package expirewatcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
	"github.com/fsnotify/fsnotify"
)

const (
	expirationExt = ".tiles"

	stableReadRetries = 5
	stableReadDelay   = 50 * time.Millisecond
)

// Invalidator is the subset of internal/tileworker.Worker this package
// depends on.
type Invalidator interface {
	InvalidateBlocking(coord tilecoord.Coord, invalidatedAt time.Time) error
}

// Config configures a Watcher.
type Config struct {
	BaseDir     string
	Invalidator Invalidator
	Logger      *slog.Logger

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// Watcher is the expiration watcher (C6).
type Watcher struct {
	baseDir     string
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a Watcher. Call ProcessExisting then Start to bring it up.
func New(cfg Config) (*Watcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.now
	if now == nil {
		now = time.Now
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		baseDir:     cfg.BaseDir,
		invalidator: cfg.Invalidator,
		logger:      logger,
		now:         now,
		fsWatcher:   fsw,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// ProcessExisting walks BaseDir recursively and processes any pre-existing
// .tiles files, guaranteeing at-least-once delivery of invalidations that
// landed while the server was down. Call this before Start.
func (w *Watcher) ProcessExisting() error {
	return filepath.WalkDir(w.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != expirationExt {
			return nil
		}
		w.processFile(path)
		return nil
	})
}

// Start installs the filesystem watch (recursively over BaseDir) and begins
// the event loop on a new goroutine.
func (w *Watcher) Start() error {
	if err := w.addRecursive(w.baseDir); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsWatcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	defer w.fsWatcher.Close()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("expirewatcher: fs watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err == nil && info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Error("expirewatcher: watch new directory failed", "path", event.Name, "error", err)
			}
		}
		return
	}

	if filepath.Ext(event.Name) != expirationExt {
		return
	}
	w.processFile(event.Name)
}

// processFile implements steps 1-4 of §4.6: stable read, parse, enqueue,
// unlink.
func (w *Watcher) processFile(path string) {
	data, stable := w.readStable(path)
	if !stable {
		w.logger.Error("expirewatcher: gave up waiting for stable read", "path", path)
		return
	}
	if data == nil {
		// File vanished before we could read it (already consumed).
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		coord, err := tilecoord.Parse(line)
		if err != nil {
			w.logger.Warn("expirewatcher: unparseable coordinate line", "path", path, "line", line, "error", err)
			continue
		}
		if err := w.invalidator.InvalidateBlocking(coord, w.now()); err != nil {
			w.logger.Error("expirewatcher: invalidate failed", "path", path, "coord", coord.String(), "error", err)
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Error("expirewatcher: unlink failed", "path", path, "error", err)
	}
}

// readStable retries reading path until its size stops changing between a
// read and a re-stat, and its content ends in a newline (or is empty). It
// reports (nil, true) if the file no longer exists.
func (w *Watcher) readStable(path string) (data []byte, stable bool) {
	for attempt := 0; attempt < stableReadRetries; attempt++ {
		content, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, true
		}
		if err == nil {
			info, statErr := os.Stat(path)
			if statErr == nil && int64(len(content)) == info.Size() && endsStable(content) {
				return content, true
			}
		}
		time.Sleep(stableReadDelay)
	}
	return nil, false
}

func endsStable(content []byte) bool {
	return len(content) == 0 || content[len(content)-1] == '\n'
}

// Shutdown stops the event loop and waits for it to exit. Call only after
// Start has succeeded.
func (w *Watcher) Shutdown(ctx context.Context) error {
	close(w.stopCh)
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
