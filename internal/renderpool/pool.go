// Package renderpool implements the bounded render worker pool (C2):
// it isolates blocking, non-thread-safe tile rendering onto a fixed set of
// goroutines and exposes an asynchronous submit/await contract to HTTP
// handlers.
//
// A worker that panics mid-render is terminated and respawned by a
// thejerf/suture supervisor rather than being allowed to bring the whole
// pool down, mirroring the renderer-crash-isolation the original service
// achieved with dedicated OS threads.
package renderpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/thejerf/suture/v4"
)

// ErrPoolShutdown is returned by Render once Shutdown has been called.
var ErrPoolShutdown = errors.New("renderpool: pool is shut down")

// RenderRequest carries everything a renderer needs to produce one tile.
// It is immutable and safe to pass across goroutines.
type RenderRequest struct {
	BBox                [4]float64 // minX, minY, maxX, maxY in EPSG:3857 meters
	X, Y                uint32     // XYZ tile indices, for renderers tied to that scheme
	Zoom                uint8
	Scale               float64
	Format              string
	Layers              []string
	CoverageGeomPresent bool
	LegendOverride      string
}

// Renderer is the per-worker rendering resource: a database connection, SVG
// cache, and optional hillshading handle, scoped to the lifetime of a single
// worker goroutine (acquired on entry, released on exit/restart).
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
	Close() error
}

// Factory builds the per-worker Renderer. It is called once per worker
// goroutine start (including restarts after a panic), with a stable worker
// id in [0, workerCount).
type Factory func(ctx context.Context, workerID int) (Renderer, error)

// Config configures a Pool.
type Config struct {
	// Workers is the number of dedicated render goroutines (N in spec.md).
	Workers int
	// Factory constructs the per-worker Renderer.
	Factory Factory
	// Logger receives pool lifecycle and degradation events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger
}

type renderTask struct {
	req  RenderRequest
	resp chan renderResult
}

type renderResult struct {
	data     []byte
	err      error
	panicked bool
}

// Pool is a bounded render worker pool. At most Workers renders run
// concurrently; excess submissions queue in a bounded channel of capacity
// 2*Workers and submission blocks (not drops) once that fills.
type Pool struct {
	logger      *slog.Logger
	factory     Factory
	workerCount int

	mu     sync.RWMutex // guards tasks/closed together, see Render/Shutdown
	tasks  chan *renderTask
	closed bool

	sup        *suture.Supervisor
	supCancel  context.CancelFunc
	supDone    chan struct{}
	workerWG   sync.WaitGroup
	degraded   int // count of worker panics (each followed by a respawn), guarded by mu
}

// New starts the pool: it spawns Workers goroutines under a suture
// supervisor and returns once they have been scheduled (not necessarily
// once each worker's Factory has run — Factory errors surface as supervisor
// restarts of that worker, not as a New() error).
func New(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("renderpool: Workers must be > 0, got %d", cfg.Workers)
	}
	if cfg.Factory == nil {
		return nil, errors.New("renderpool: Factory is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queueSize := cfg.Workers * 2
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pool{
		logger:      logger,
		factory:     cfg.Factory,
		workerCount: cfg.Workers,
		tasks:       make(chan *renderTask, queueSize),
		sup:         suture.NewSimple("render-worker-pool"),
		supCancel:   cancel,
		supDone:     make(chan struct{}),
	}

	p.workerWG.Add(cfg.Workers)
	for id := 0; id < cfg.Workers; id++ {
		p.sup.Add(&renderWorker{pool: p, id: id})
	}

	go func() {
		defer close(p.supDone)
		if err := p.sup.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("render pool supervisor exited with error", "error", err)
		}
	}()

	return p, nil
}

// Render submits a request and awaits the rendered bytes. If ctx is
// cancelled before a reply arrives, Render returns ctx.Err() but the
// in-flight render (if already dispatched to a worker) keeps running to
// completion; its result is simply discarded, per spec.md's no-cancellation
// policy.
func (p *Pool) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolShutdown
	}

	resp := make(chan renderResult, 1)
	task := &renderTask{req: req, resp: resp}

	select {
	case p.tasks <- task:
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case res := <-resp:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueueDepth reports the number of render requests currently buffered in
// the submit channel, for metrics gauges. It does not include requests
// actively being rendered by a worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Degraded reports how many times a worker has panicked and been
// respawned since the pool started.
func (p *Pool) Degraded() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

// Shutdown closes the submit channel, waits for all in-flight and queued
// renders to finish, and stops the supervisor. It is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.workerWG.Wait()
	p.supCancel()
	<-p.supDone
}

// renderWorker is the suture.Service wrapping a single render goroutine.
type renderWorker struct {
	pool *Pool
	id   int
}

func (w *renderWorker) Serve(ctx context.Context) error {
	renderer, err := w.pool.factory(ctx, w.id)
	if err != nil {
		return fmt.Errorf("render worker %d: create renderer: %w", w.id, err)
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			w.pool.logger.Warn("render worker: close renderer failed", "worker", w.id, "error", cerr)
		}
	}()

	for {
		select {
		case task, ok := <-w.pool.tasks:
			if !ok {
				w.pool.workerWG.Done()
				return suture.ErrDoNotRestart
			}

			result := renderOneSafely(ctx, renderer, task.req)
			select {
			case task.resp <- result:
			default:
				// Receiver already gave up (ctx cancelled); discard per spec.
			}

			if result.panicked {
				w.pool.mu.Lock()
				w.pool.degraded++
				n := w.pool.degraded
				w.pool.mu.Unlock()
				w.pool.logger.Error("render worker panicked, pool degraded, respawning",
					"worker", w.id, "total_degradations", n)
				return fmt.Errorf("render worker %d: panic recovered", w.id)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func renderOneSafely(ctx context.Context, r Renderer, req RenderRequest) (res renderResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = renderResult{err: fmt.Errorf("renderpool: render panicked: %v", rec), panicked: true}
		}
	}()

	data, err := r.Render(ctx, req)
	return renderResult{data: data, err: err}
}
