// Package tileprocessor implements the tile processor (C3) and the
// invalidation register (C5): the logic that decides whether a rendered
// tile is still fresh enough to persist, and that purges cached artifacts
// and index entries on invalidation.
//
// Every exported method is meant to be called from exactly one goroutine
// (the tile-processing actor in internal/tileworker); none of them take
// locks of their own.
package tileprocessor

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/tileindex"
	"github.com/google/uuid"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
)

// Variant is one per-URL-prefix cache configuration. A variant with an
// empty CacheRoot or a nil Index is treated as cache-less: saves to it are
// silently dropped and it is skipped during invalidation.
type Variant struct {
	URLPath   string
	CacheRoot string
	Index     *tileindex.Index
}

// Config configures a Processor.
type Config struct {
	Variants          []Variant
	InvalidateMinZoom uint8
	Logger            *slog.Logger
}

// Processor is the tile processor (C3). It owns no goroutine of its own;
// internal/tileworker.Worker serializes access to it.
type Processor struct {
	variants          []Variant
	invalidateMinZoom uint8
	register          *Register
	logger            *slog.Logger
}

// New constructs a Processor over the given per-variant configuration.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		variants:          cfg.Variants,
		invalidateMinZoom: cfg.InvalidateMinZoom,
		register:          NewRegister(),
		logger:            logger,
	}
}

// ScaleByte is the index encoding of a scale value: the nearest integer,
// stored as a single byte. The cache filename keeps the unrounded scale
// (see scaleString), so the two agree only for integer scales.
func ScaleByte(scale float64) byte {
	return byte(math.Round(scale))
}

// scaleString renders the scale the way it appears in a cache filename —
// the original, unrounded value, e.g. "1" or "1.5" — which is why the
// cache path needs the float scale, not just its rounded index byte.
func scaleString(scale float64) string {
	return strconv.FormatFloat(scale, 'f', -1, 64)
}

// ArtifactPath returns the on-disk path for coord at scale under cacheRoot.
func ArtifactPath(cacheRoot string, coord tilecoord.Coord, scale float64) string {
	return filepath.Join(cacheRoot,
		strconv.Itoa(int(coord.Zoom)),
		strconv.Itoa(int(coord.X)),
		fmt.Sprintf("%d@%s.jpeg", coord.Y, scaleString(scale)))
}

// artifactPathForByte rebuilds the cache path from a scale byte read back
// out of the index. For an integer scale this is exactly the file a save
// created; a file saved at a non-integer scale (e.g. "@1.5") is not matched
// and is not deleted.
func artifactPathForByte(cacheRoot string, coord tilecoord.Coord, scaleByte byte) string {
	return ArtifactPath(cacheRoot, coord, float64(scaleByte))
}

// HandleSaveTile is §4.3's handle_save_tile. It never returns an error to
// the caller: I/O and index failures are logged and swallowed so a single
// bad write never stalls the actor.
func (p *Processor) HandleSaveTile(bytes []byte, coord tilecoord.Coord, scale float64, renderStartedAt time.Time, variantIdx int) {
	if p.dropIfStale(coord, renderStartedAt) {
		p.logger.Debug("tileprocessor: dropped stale save", "coord", coord.String())
		return
	}

	if variantIdx < 0 || variantIdx >= len(p.variants) {
		return
	}
	variant := p.variants[variantIdx]
	if variant.CacheRoot == "" || variant.Index == nil {
		return
	}

	scaleByte := ScaleByte(scale)
	if err := variant.Index.Append(coord, scaleByte); err != nil {
		p.logger.Error("tileprocessor: index append failed", "coord", coord.String(), "error", err)
	}

	path := ArtifactPath(variant.CacheRoot, coord, scale)
	if err := writeFileAtomic(path, bytes); err != nil {
		p.logger.Error("tileprocessor: cache write failed", "coord", coord.String(), "path", path, "error", err)
	}
}

// dropIfStale walks coord and its ancestors up to the root, returning true
// if any of them carries an invalidation at or after renderStartedAt. A
// render that started exactly when the invalidation landed is treated as
// stale, matching the concrete anti-stale scenario this guards against.
func (p *Processor) dropIfStale(coord tilecoord.Coord, renderStartedAt time.Time) bool {
	cur := coord
	for {
		if ts, ok := p.register.At(cur); ok && !ts.Before(renderStartedAt) {
			return true
		}
		parent, ok := cur.Parent()
		if !ok {
			return false
		}
		cur = parent
	}
}

// HandleInvalidation is §4.3's handle_invalidation.
func (p *Processor) HandleInvalidation(coord tilecoord.Coord, invalidatedAt time.Time) {
	p.register.Upsert(coord, invalidatedAt)

	for _, variant := range p.variants {
		if variant.CacheRoot == "" || variant.Index == nil {
			continue
		}
		p.purgeVariant(variant, coord)
	}
}

func (p *Processor) purgeVariant(variant Variant, coord tilecoord.Coord) {
	var toDelete []tilecoord.Coord

	descendants, err := variant.Index.ScanPrefix(coord)
	if err != nil {
		p.logger.Error("tileprocessor: descendant scan failed", "coord", coord.String(), "error", err)
	}
	for _, entry := range descendants {
		p.deleteArtifacts(variant.CacheRoot, entry.Coord, entry.Value)
		toDelete = append(toDelete, entry.Coord)
	}

	cur, ok := coord.Parent()
	for ok && cur.Zoom >= p.invalidateMinZoom {
		raw, found, err := variant.Index.Get(cur)
		if err != nil {
			p.logger.Error("tileprocessor: ancestor lookup failed", "coord", cur.String(), "error", err)
		} else if found {
			p.deleteArtifacts(variant.CacheRoot, cur, raw)
			toDelete = append(toDelete, cur)
		}

		if cur.Zoom == 0 {
			break
		}
		cur, ok = cur.Parent()
	}

	if err := variant.Index.DeleteBatch(toDelete); err != nil {
		p.logger.Error("tileprocessor: index batch delete failed", "coord", coord.String(), "error", err)
	}
}

func (p *Processor) deleteArtifacts(cacheRoot string, coord tilecoord.Coord, rawScales []byte) {
	for _, scaleByte := range tileindex.Scales(rawScales) {
		path := artifactPathForByte(cacheRoot, coord, scaleByte)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Error("tileprocessor: cache delete failed", "coord", coord.String(), "path", path, "error", err)
		}
	}
}

// PruneInvalidationRegister is §4.3's prune_invalidation_register.
func (p *Processor) PruneInvalidationRegister(now time.Time, ttl time.Duration) int {
	return p.register.Prune(now, ttl)
}

// writeFileAtomic writes data to path by writing to a sibling temp file and
// renaming it into place, so a concurrent reader always sees either the old
// or the new content, never a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
