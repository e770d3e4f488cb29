package tileserver

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MeKo-Tech/watercolormap/internal/pipeline"
	"github.com/MeKo-Tech/watercolormap/internal/renderpool"
	"github.com/MeKo-Tech/watercolormap/internal/tile"
)

// PipelineRendererConfig wires the existing watercolor pipeline.Generator
// (OSM fetch, paint, composite) in as the render pool's pluggable
// renderpool.Renderer, playing the role the original service gave its
// Mapnik/PostGIS renderer.
type PipelineRendererConfig struct {
	DataSource  pipeline.DataSource
	StylesDir   string
	TexturesDir string
	// WorkDir is a scratch root; each worker gets its own subdirectory so
	// concurrent renders never contend over the same output path.
	WorkDir     string
	BaseTileSize int
	Seed        int64
	JPEGQuality int
	// DBPool is acquired once per worker, mirroring spec.md's "each thread
	// owns a database connection drawn from a shared pool". A nil pool
	// skips render-log persistence entirely.
	DBPool *pgxpool.Pool
	Logger *slog.Logger
}

// NewPipelineRendererFactory returns a renderpool.Factory that constructs
// one pipelineRenderer per worker goroutine (including restarts after a
// panic — each restart acquires a fresh scratch directory and DB
// connection rather than reusing a possibly-poisoned one).
func NewPipelineRendererFactory(cfg PipelineRendererConfig) renderpool.Factory {
	if cfg.BaseTileSize <= 0 {
		cfg.BaseTileSize = 256
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}

	return func(ctx context.Context, workerID int) (renderpool.Renderer, error) {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.Default()
		}

		var conn *pgxpool.Conn
		if cfg.DBPool != nil {
			c, err := cfg.DBPool.Acquire(ctx)
			if err != nil {
				return nil, fmt.Errorf("tileserver: render worker %d: acquire db connection: %w", workerID, err)
			}
			conn = c
		}

		workDir := filepath.Join(cfg.WorkDir, fmt.Sprintf("worker-%d", workerID))
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			if conn != nil {
				conn.Release()
			}
			return nil, fmt.Errorf("tileserver: render worker %d: create scratch dir: %w", workerID, err)
		}

		return &pipelineRenderer{
			workerID: workerID,
			workDir:  workDir,
			cfg:      cfg,
			conn:     conn,
			logger:   logger,
		}, nil
	}
}

// pipelineRenderer adapts a single pipeline.Generator invocation to
// renderpool.Renderer. It is not safe for concurrent use, matching the
// pool's one-renderer-per-worker-goroutine contract.
type pipelineRenderer struct {
	workerID int
	workDir  string
	cfg      PipelineRendererConfig
	conn     *pgxpool.Conn
	logger   *slog.Logger
}

func (r *pipelineRenderer) Render(ctx context.Context, req renderpool.RenderRequest) ([]byte, error) {
	tileSize := int(math.Round(float64(r.cfg.BaseTileSize) * req.Scale))
	if tileSize <= 0 {
		tileSize = r.cfg.BaseTileSize
	}

	gen, err := pipeline.NewGenerator(
		r.cfg.DataSource, r.cfg.StylesDir, r.cfg.TexturesDir, r.workDir,
		tileSize, r.cfg.Seed, false, r.logger, pipeline.GeneratorOptions{
			FolderStructure: "nested",
		})
	if err != nil {
		return nil, fmt.Errorf("tileserver: build generator: %w", err)
	}

	coords := tile.Coords{Z: uint32(req.Zoom), X: req.X, Y: req.Y}
	suffix := "-" + uuid.NewString()

	pngPath, _, err := gen.Generate(ctx, coords, true, suffix, nil)
	if err != nil {
		return nil, fmt.Errorf("tileserver: render %s: %w", coords.String(), err)
	}
	defer os.Remove(pngPath)

	pngBytes, err := os.ReadFile(pngPath)
	if err != nil {
		return nil, fmt.Errorf("tileserver: read rendered tile: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, fmt.Errorf("tileserver: decode rendered tile: %w", err)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: r.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("tileserver: encode tile as jpeg: %w", err)
	}

	r.logRender(ctx, coords, req.Scale, out.Len())
	return out.Bytes(), nil
}

// logRender best-effort records the render in a render_log table. Failure
// is logged, never returned: a dead metrics table must never fail a tile
// request.
func (r *pipelineRenderer) logRender(ctx context.Context, coords tile.Coords, scale float64, bytesOut int) {
	if r.conn == nil {
		return
	}
	_, err := r.conn.Exec(ctx,
		`INSERT INTO render_log (zoom, x, y, scale, bytes_out, worker_id) VALUES ($1, $2, $3, $4, $5, $6)`,
		coords.Z, coords.X, coords.Y, scale, bytesOut, r.workerID)
	if err != nil {
		r.logger.Warn("tileserver: render_log insert failed", "worker", r.workerID, "coord", coords.String(), "error", err)
	}
}

func (r *pipelineRenderer) Close() error {
	if r.conn != nil {
		r.conn.Release()
	}
	return os.RemoveAll(r.workDir)
}
