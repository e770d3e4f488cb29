package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/datasource"
	"github.com/MeKo-Tech/watercolormap/internal/pipeline"
	"github.com/MeKo-Tech/watercolormap/internal/tile"
	"github.com/MeKo-Tech/watercolormap/internal/types"
)

type OnDemandTilesConfig struct {
	TilesDir                 string
	StylesDir                string
	TexturesDir              string
	PNGCompression           string
	CacheControl             string
	BaseTileSize             int
	Seed                     int64
	MaxConcurrentGenerations int
	GenerationTimeout        time.Duration
	KeepLayers               bool
	GenerateMissing          bool
	DisableCache             bool
	// FetchWorkers is the number of concurrent Overpass API fetch workers (default: 2)
	FetchWorkers int
	// DataSizeWarningMB logs a warning when tile data exceeds this size (default: 10)
	DataSizeWarningMB int64
}

type OnDemandTiles struct {
	ds          pipeline.DataSource
	fetchQueue  *datasource.FetchQueue
	logger      *slog.Logger
	sem         chan struct{}
	locks       sync.Map
	gens        sync.Map
	cfg         OnDemandTilesConfig
	retryQueue  chan retryJob
	retryCtx    context.Context
	retryCancel context.CancelFunc

	// Status tracking for renders
	activeRenders  atomic.Int32
	totalRendered  atomic.Int64
	totalFailed    atomic.Int64
	currentRenders sync.Map // map[string]time.Time - tile coord string -> start time
	pendingRetries atomic.Int32

	// Queue tracking - tiles waiting for semaphore
	queuedRenders atomic.Int32
	queuedTiles   sync.Map // map[string]time.Time - tile coord string -> queue time
}

// TileStatus represents the current status of the tile generation system.
type TileStatus struct {
	// Fetch status (from FetchQueue)
	Fetch *datasource.FetchQueueStatus `json:"fetch,omitempty"`

	// Render status
	Render RenderStatus `json:"render"`

	// Retry queue status
	Retry RetryStatus `json:"retry"`
}

// RenderStatus contains current render operation status.
type RenderStatus struct {
	ActiveRenders int      `json:"active_renders"`
	TotalRendered int64    `json:"total_rendered"`
	TotalFailed   int64    `json:"total_failed"`
	CurrentTiles  []string `json:"current_tiles"`
	MaxConcurrent int      `json:"max_concurrent"`
	QueuedRenders int      `json:"queued_renders"`
	QueuedTiles   []string `json:"queued_tiles"`
}

// RetryStatus contains retry queue status.
type RetryStatus struct {
	PendingRetries int `json:"pending_retries"`
	QueueCapacity  int `json:"queue_capacity"`
}

type retryJob struct {
	coords  tile.Coords
	suffix  string
	attempt int
	data    *types.TileData // Pre-fetched data for retry
}

func NewOnDemandTiles(ds pipeline.DataSource, cfg OnDemandTilesConfig, logger *slog.Logger) (*OnDemandTiles, error) {
	if cfg.TilesDir == "" {
		cfg.TilesDir = "./tiles"
	}
	if cfg.StylesDir == "" {
		cfg.StylesDir = filepath.Join("assets", "styles")
	}
	if cfg.TexturesDir == "" {
		cfg.TexturesDir = filepath.Join("assets", "textures")
	}
	if cfg.BaseTileSize <= 0 {
		cfg.BaseTileSize = 256
	}
	if cfg.MaxConcurrentGenerations <= 0 {
		cfg.MaxConcurrentGenerations = 1
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 2 * time.Minute
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = "no-store"
	}
	if cfg.FetchWorkers <= 0 {
		cfg.FetchWorkers = 2
	}
	if cfg.DataSizeWarningMB <= 0 {
		cfg.DataSizeWarningMB = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Create fetch queue if datasource is OverpassDataSource
	var fetchQueue *datasource.FetchQueue
	if opDS, ok := ds.(*datasource.OverpassDataSource); ok {
		fetchQueue = datasource.NewFetchQueue(opDS, datasource.FetchQueueConfig{
			Workers:                  cfg.FetchWorkers,
			QueueSize:                100,
			DataSizeWarningThreshold: cfg.DataSizeWarningMB * 1024 * 1024,
			Logger:                   logger,
		})
		fetchQueue.Start()
		logger.Info("started fetch queue with workers", "workers", cfg.FetchWorkers)
	}

	t := &OnDemandTiles{
		ds:          ds,
		fetchQueue:  fetchQueue,
		cfg:         cfg,
		logger:      logger,
		sem:         make(chan struct{}, cfg.MaxConcurrentGenerations),
		retryQueue:  make(chan retryJob, 1000),
		retryCtx:    ctx,
		retryCancel: cancel,
	}

	// Start retry worker
	go t.retryWorker()

	return t, nil
}

// Stop gracefully shuts down the server.
func (t *OnDemandTiles) Stop() {
	t.retryCancel()
	if t.fetchQueue != nil {
		t.fetchQueue.Stop()
	}
}

// Status returns the current status of the tile generation system.
func (t *OnDemandTiles) Status() TileStatus {
	var currentRenders []string
	t.currentRenders.Range(func(key, _ any) bool {
		currentRenders = append(currentRenders, key.(string))
		return true
	})

	var queuedTiles []string
	t.queuedTiles.Range(func(key, _ any) bool {
		queuedTiles = append(queuedTiles, key.(string))
		return true
	})

	status := TileStatus{
		Render: RenderStatus{
			ActiveRenders: int(t.activeRenders.Load()),
			TotalRendered: t.totalRendered.Load(),
			TotalFailed:   t.totalFailed.Load(),
			CurrentTiles:  currentRenders,
			MaxConcurrent: t.cfg.MaxConcurrentGenerations,
			QueuedRenders: int(t.queuedRenders.Load()),
			QueuedTiles:   queuedTiles,
		},
		Retry: RetryStatus{
			PendingRetries: int(t.pendingRetries.Load()),
			QueueCapacity:  cap(t.retryQueue),
		},
	}

	if t.fetchQueue != nil {
		fetchStatus := t.fetchQueue.Status()
		status.Fetch = &fetchStatus
	}

	return status
}

// StatusHandler returns an HTTP handler for the status endpoint (JSON).
func (t *OnDemandTiles) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Cache-Control", "no-store")

		status := t.Status()
		if err := json.NewEncoder(w).Encode(status); err != nil {
			t.log().Error("failed to encode status", "error", err)
			http.Error(w, "failed to encode status", http.StatusInternalServerError)
			return
		}
	})
}

// StatusStreamHandler returns an SSE handler for real-time status streaming.
// This uses Server-Sent Events to push status updates to the client,
// avoiding browser connection limits that block polling during tile loading.
func (t *OnDemandTiles) StatusStreamHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		// Send status updates every 250ms
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()

		// Send initial status immediately
		t.sendStatusEvent(w, flusher)

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				t.sendStatusEvent(w, flusher)
			}
		}
	})
}

func (t *OnDemandTiles) sendStatusEvent(w http.ResponseWriter, flusher http.Flusher) {
	status := t.Status()
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func (t *OnDemandTiles) Handler() http.Handler {
	return http.HandlerFunc(t.serveTile)
}

func (t *OnDemandTiles) serveTile(w http.ResponseWriter, r *http.Request) {
	// Allow browser-based playgrounds (including GitHub Pages) to request tiles.
	// Note: HTTPS pages cannot fetch from HTTP backends due to mixed-content rules.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	coords, suffix, ok := parseTilePath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	filename := coords.String() + suffix + ".png"
	fullPath := filepath.Join(t.cfg.TilesDir, filename)

	w.Header().Set("Cache-Control", t.cfg.CacheControl)

	if !t.cfg.DisableCache {
		if fileExists(fullPath) {
			http.ServeFile(w, r, fullPath)
			return
		}
	}

	if !t.cfg.GenerateMissing {
		http.Error(w, fmt.Sprintf("tile not found: %s", filename), http.StatusNotFound)
		return
	}

	lockKey := filename
	mu := t.getLock(lockKey)
	mu.Lock()
	defer mu.Unlock()

	if !t.cfg.DisableCache {
		if fileExists(fullPath) {
			http.ServeFile(w, r, fullPath)
			return
		}
	}

	// Track tile as queued (waiting for semaphore)
	queueKey := coords.String() + suffix
	t.queuedRenders.Add(1)
	t.queuedTiles.Store(queueKey, time.Now())

	select {
	case t.sem <- struct{}{}:
		// Got semaphore - remove from queue
		t.queuedRenders.Add(-1)
		t.queuedTiles.Delete(queueKey)
		defer func() { <-t.sem }()
	case <-r.Context().Done():
		// Request cancelled - remove from queue
		t.queuedRenders.Add(-1)
		t.queuedTiles.Delete(queueKey)
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), t.cfg.GenerationTimeout)
	defer cancel()

	force := t.cfg.DisableCache
	tileSize := tileSizeForSuffix(t.cfg.BaseTileSize, suffix)
	gen, err := t.getGenerator(tileSize)
	if err != nil {
		t.log().Error("failed to init generator", "error", err)
		http.Error(w, "failed to init generator", http.StatusInternalServerError)
		return
	}

	start := time.Now()

	// Phase 1: Fetch data (decoupled from rendering)
	// The go-overpass library handles retries internally with exponential backoff
	var tileData *types.TileData
	if t.fetchQueue != nil {
		tileCoord := types.TileCoordinate{
			Zoom: int(coords.Z),
			X:    int(coords.X),
			Y:    int(coords.Y),
		}
		bounds := gen.CalculateFetchBounds(coords)

		fetchResult, fetchErr := t.fetchQueue.SubmitAndWait(ctx, tileCoord, bounds)
		if fetchErr != nil {
			t.log().Error("fetch queue error", "coords", coords.String(), "error", fetchErr)
			http.Error(w, fmt.Sprintf("failed to fetch tile data: %v", fetchErr), http.StatusBadGateway)
			return
		}
		if fetchResult.Error != nil {
			// Fetch failed - queue for retry if transient
			if isTransientError(fetchResult.Error) {
				t.log().Warn("transient fetch error, queuing retry", "coords", coords.String(), "suffix", suffix, "error", fetchResult.Error)
				t.queueRetry(coords, suffix, 0, nil)
			} else {
				t.log().Error("failed to fetch tile data", "coords", coords.String(), "suffix", suffix, "error", fetchResult.Error)
			}
			http.Error(w, fmt.Sprintf("failed to fetch tile data: %v", fetchResult.Error), http.StatusBadGateway)
			return
		}
		tileData = fetchResult.Data
		t.log().Info("fetch completed", "coords", coords.String(), "data_size_mb", fmt.Sprintf("%.2f", float64(fetchResult.DataSize)/(1024*1024)))
	}

	// Phase 2: Render with pre-fetched data (or fetch during render if no queue)
	tileKey := coords.String() + suffix
	t.activeRenders.Add(1)
	t.currentRenders.Store(tileKey, time.Now())

	_, _, err = gen.GenerateWithData(ctx, coords, force, suffix, nil, tileData)

	t.activeRenders.Add(-1)
	t.currentRenders.Delete(tileKey)

	if err != nil {
		t.totalFailed.Add(1)
		// Rendering error - only queue retry if it's a fetch-related transient error
		// and we didn't already have pre-fetched data
		if tileData == nil && isTransientError(err) {
			t.log().Warn("transient error during generation, queuing retry", "coords", coords.String(), "suffix", suffix, "error", err)
			t.queueRetry(coords, suffix, 0, nil)
		} else {
			t.log().Error("failed to generate tile", "coords", coords.String(), "suffix", suffix, "error", err)
		}

		http.Error(w, fmt.Sprintf("failed to generate tile %s: %v", coords.String()+suffix, err), http.StatusBadGateway)
		return
	}
	t.totalRendered.Add(1)
	t.log().Info("tile generated on-demand", "coords", coords.String(), "suffix", suffix, "ms", time.Since(start).Milliseconds())

	if !fileExists(fullPath) {
		http.Error(w, "tile generation completed but file missing on disk", http.StatusInternalServerError)
		return
	}

	http.ServeFile(w, r, fullPath)
}

func (t *OnDemandTiles) getGenerator(tileSize int) (*pipeline.Generator, error) {
	if v, ok := t.gens.Load(tileSize); ok {
		return v.(*pipeline.Generator), nil
	}

	g, err := pipeline.NewGenerator(
		t.ds,
		t.cfg.StylesDir,
		t.cfg.TexturesDir,
		t.cfg.TilesDir,
		tileSize,
		t.cfg.Seed,
		t.cfg.KeepLayers,
		t.logger,
		pipeline.GeneratorOptions{PNGCompression: t.cfg.PNGCompression},
	)
	if err != nil {
		return nil, err
	}

	actual, _ := t.gens.LoadOrStore(tileSize, g)
	return actual.(*pipeline.Generator), nil
}

func (t *OnDemandTiles) getLock(key string) *sync.Mutex {
	if v, ok := t.locks.Load(key); ok {
		return v.(*sync.Mutex)
	}
	mu := &sync.Mutex{}
	actual, _ := t.locks.LoadOrStore(key, mu)
	return actual.(*sync.Mutex)
}

func (t *OnDemandTiles) log() *slog.Logger {
	if t.logger != nil {
		return t.logger
	}
	return slog.Default()
}

func parseTilePath(requestPath string) (tile.Coords, string, bool) {
	// Expect: /tiles/z13_x4317_y2692.png or /tiles/z13_x4317_y2692@2x.png
	if !strings.HasPrefix(requestPath, "/tiles/") {
		return tile.Coords{}, "", false
	}
	base := path.Base(requestPath)
	if !strings.HasSuffix(base, ".png") {
		return tile.Coords{}, "", false
	}
	name := strings.TrimSuffix(base, ".png")
	suffix := ""
	if strings.HasSuffix(name, "@2x") {
		suffix = "@2x"
		name = strings.TrimSuffix(name, "@2x")
	}

	coords, err := tile.ParseCoords(name)
	if err != nil {
		return tile.Coords{}, "", false
	}
	return coords, suffix, true
}

func tileSizeForSuffix(base int, suffix string) int {
	if suffix == "@2x" {
		return base * 2
	}
	return base
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !st.IsDir()
}

// isTransientError checks if an error is likely transient and worth retrying
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "504") ||
		strings.Contains(errStr, "Gateway Timeout") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "overpass") ||
		strings.Contains(errStr, "empty response") ||
		strings.Contains(errStr, "max retries exceeded")
}

func (t *OnDemandTiles) queueRetry(coords tile.Coords, suffix string, attempt int, data *types.TileData) {
	select {
	case t.retryQueue <- retryJob{coords: coords, suffix: suffix, attempt: attempt, data: data}:
		t.pendingRetries.Add(1)
		t.log().Info("queued tile for retry", "coords", coords.String(), "suffix", suffix, "attempt", attempt+1)
	default:
		t.log().Warn("retry queue full, dropping tile", "coords", coords.String(), "suffix", suffix)
	}
}

func (t *OnDemandTiles) retryWorker() {
	const maxRetries = 3

	for {
		select {
		case <-t.retryCtx.Done():
			return
		case job := <-t.retryQueue:
			t.pendingRetries.Add(-1)
			// Base delay depends on zoom level - low zoom tiles hit rate limits harder
			// z0-7: 30s base (huge tiles, heavy queries)
			// z8-10: 15s base (large tiles)
			// z11+: 5s base (normal tiles)
			var baseDelay time.Duration
			switch {
			case job.coords.Z <= 7:
				baseDelay = 30 * time.Second
			case job.coords.Z <= 10:
				baseDelay = 15 * time.Second
			default:
				baseDelay = 5 * time.Second
			}

			// Exponential backoff from base delay
			delay := baseDelay * time.Duration(1<<job.attempt)
			t.log().Info("waiting before retry", "coords", job.coords.String(), "suffix", job.suffix, "delay", delay)

			select {
			case <-t.retryCtx.Done():
				return
			case <-time.After(delay):
			}

			// Acquire semaphore
			select {
			case t.sem <- struct{}{}:
			case <-t.retryCtx.Done():
				return
			}

			ctx, cancel := context.WithTimeout(t.retryCtx, t.cfg.GenerationTimeout)
			tileSize := tileSizeForSuffix(t.cfg.BaseTileSize, job.suffix)
			gen, err := t.getGenerator(tileSize)
			if err != nil {
				t.log().Error("retry: failed to init generator", "error", err)
				<-t.sem
				cancel()
				continue
			}

			start := time.Now()

			// Use pre-fetched data if available, otherwise fetch first
			tileData := job.data
			if tileData == nil && t.fetchQueue != nil {
				tileCoord := types.TileCoordinate{
					Zoom: int(job.coords.Z),
					X:    int(job.coords.X),
					Y:    int(job.coords.Y),
				}
				bounds := gen.CalculateFetchBounds(job.coords)

				fetchResult, fetchErr := t.fetchQueue.SubmitAndWait(ctx, tileCoord, bounds)
				if fetchErr != nil || fetchResult.Error != nil {
					fetchError := fetchErr
					if fetchError == nil {
						fetchError = fetchResult.Error
					}
					t.log().Error("retry: failed to fetch tile data", "coords", job.coords.String(), "suffix", job.suffix, "attempt", job.attempt+1, "error", fetchError)
					if isTransientError(fetchError) && job.attempt+1 < maxRetries {
						t.queueRetry(job.coords, job.suffix, job.attempt+1, nil)
					}
					<-t.sem
					cancel()
					continue
				}
				tileData = fetchResult.Data
				t.log().Info("retry: fetch completed", "coords", job.coords.String(), "data_size_mb", fmt.Sprintf("%.2f", float64(fetchResult.DataSize)/(1024*1024)))
			}

			// Track retry render in status
			tileKey := job.coords.String() + job.suffix
			t.activeRenders.Add(1)
			t.currentRenders.Store(tileKey, time.Now())

			_, _, err = gen.GenerateWithData(ctx, job.coords, false, job.suffix, nil, tileData)

			t.activeRenders.Add(-1)
			t.currentRenders.Delete(tileKey)
			cancel()
			<-t.sem

			if err != nil {
				t.totalFailed.Add(1)
				t.log().Error("retry: failed to generate tile", "coords", job.coords.String(), "suffix", job.suffix, "attempt", job.attempt+1, "error", err)
				// Only retry if we didn't have pre-fetched data (fetch-related error)
				if tileData == nil && isTransientError(err) && job.attempt+1 < maxRetries {
					t.queueRetry(job.coords, job.suffix, job.attempt+1, nil)
				}
			} else {
				t.totalRendered.Add(1)
				t.log().Info("retry: tile generated successfully", "coords", job.coords.String(), "suffix", job.suffix, "attempt", job.attempt+1, "ms", time.Since(start).Milliseconds())
			}
		}
	}
}
