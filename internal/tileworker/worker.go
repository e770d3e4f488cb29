// Package tileworker implements the tile-processing worker actor (C4): a
// single goroutine that owns a tileprocessor.Processor and serializes every
// mutation to cache files, tile indices, and the invalidation register
// behind a bounded channel.
//
// The message bus is modeled as a tagged struct with a kind discriminant
// rather than an interface with per-variant behavior — there is exactly one
// place that dispatches on the tag (the actor loop), so dynamic dispatch
// would only hide that switch, not simplify it.
package tileworker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
	"github.com/MeKo-Tech/watercolormap/internal/tileprocessor"
)

// ErrQueueClosed is returned by SaveTile and InvalidateBlocking once
// Shutdown has been called.
var ErrQueueClosed = errors.New("tileworker: queue is closed")

// QueueCapacity is the bounded channel capacity fronting the actor (C4).
const QueueCapacity = 4096

// PruneInterval and PruneTTL are the cadence and lifetime of periodic
// invalidation-register pruning (§4.4).
const (
	PruneInterval = 30 * time.Second
	PruneTTL      = 60 * time.Second
)

type messageKind int

const (
	msgSaveTile messageKind = iota
	msgInvalidate
)

type message struct {
	kind messageKind

	// SaveTile payload.
	bytes           []byte
	coord           tilecoord.Coord
	scale           float64
	renderStartedAt time.Time
	variantIdx      int

	// Invalidate payload.
	invalidatedAt time.Time

	// done is closed by the actor once an Invalidate message has been
	// applied, letting InvalidateBlocking return synchronously.
	done chan struct{}
}

// Config configures a Worker.
type Config struct {
	Processor *tileprocessor.Processor
	Logger    *slog.Logger
}

// Worker is the tile-processing worker actor (C4).
type Worker struct {
	processor *tileprocessor.Processor
	logger    *slog.Logger

	mu     sync.RWMutex
	queue  chan *message
	closed bool

	done chan struct{}
}

// New starts the actor goroutine and returns a handle to it.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	w := &Worker{
		processor: cfg.Processor,
		logger:    logger,
		queue:     make(chan *message, QueueCapacity),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)

	lastPrune := time.Now()
	for m := range w.queue {
		now := time.Now()
		if now.Sub(lastPrune) >= PruneInterval {
			removed := w.processor.PruneInvalidationRegister(now, PruneTTL)
			lastPrune = now
			if removed > 0 {
				w.logger.Debug("tileworker: pruned invalidation register", "removed", removed)
			}
		}

		switch m.kind {
		case msgSaveTile:
			w.processor.HandleSaveTile(m.bytes, m.coord, m.scale, m.renderStartedAt, m.variantIdx)
		case msgInvalidate:
			w.processor.HandleInvalidation(m.coord, m.invalidatedAt)
			close(m.done)
		}
	}
}

// SaveTile asynchronously enqueues a save. It awaits a free queue slot
// (producer backpressure) or ctx cancellation, whichever comes first.
func (w *Worker) SaveTile(ctx context.Context, bytes []byte, coord tilecoord.Coord, scale float64, renderStartedAt time.Time, variantIdx int) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrQueueClosed
	}

	m := &message{
		kind:            msgSaveTile,
		bytes:           bytes,
		coord:           coord,
		scale:           scale,
		renderStartedAt: renderStartedAt,
		variantIdx:      variantIdx,
	}

	select {
	case w.queue <- m:
		w.mu.RUnlock()
		return nil
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
}

// InvalidateBlocking synchronously enqueues an invalidation and blocks
// until the actor has applied it. Callers are expected to already be
// running on a dedicated goroutine (the expiration watcher), so this never
// takes a context.
func (w *Worker) InvalidateBlocking(coord tilecoord.Coord, invalidatedAt time.Time) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrQueueClosed
	}

	m := &message{
		kind:          msgInvalidate,
		coord:         coord,
		invalidatedAt: invalidatedAt,
		done:          make(chan struct{}),
	}

	w.queue <- m
	w.mu.RUnlock()

	<-m.done
	return nil
}

// QueueDepth reports the number of messages currently buffered ahead of
// the actor, for metrics gauges.
func (w *Worker) QueueDepth() int {
	return len(w.queue)
}

// Shutdown drops the sender and joins the actor goroutine. No message
// accepted before Shutdown is lost; messages submitted afterward return
// ErrQueueClosed. It is idempotent.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
}
