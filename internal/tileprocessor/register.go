package tileprocessor

import (
	"time"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
)

// Register is the invalidation register (C5): a short-lived map from tile
// coordinate to the timestamp of its most recent invalidation. It is owned
// exclusively by the tile-processing actor's single goroutine — none of its
// methods take a lock.
type Register struct {
	entries map[tilecoord.Coord]time.Time
}

// NewRegister returns an empty invalidation register.
func NewRegister() *Register {
	return &Register{entries: make(map[tilecoord.Coord]time.Time)}
}

// Upsert records an invalidation of coord at ts, coalescing repeated
// invalidations of the same coord to the latest timestamp.
func (r *Register) Upsert(coord tilecoord.Coord, ts time.Time) {
	if existing, ok := r.entries[coord]; ok && existing.After(ts) {
		return
	}
	r.entries[coord] = ts
}

// At returns the recorded invalidation timestamp for coord, if any.
func (r *Register) At(coord tilecoord.Coord) (time.Time, bool) {
	ts, ok := r.entries[coord]
	return ts, ok
}

// Prune removes every entry whose age exceeds ttl as of now.
func (r *Register) Prune(now time.Time, ttl time.Duration) int {
	removed := 0
	for coord, ts := range r.entries {
		if now.Sub(ts) > ttl {
			delete(r.entries, coord)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries.
func (r *Register) Len() int {
	return len(r.entries)
}
