// Package tileindex implements the persistent half of the tile processor
// (C3): a per-variant ordered key-value store mapping a tile's quadkey to
// the set of cached scale bytes for that tile.
//
// It is backed by badger, playing the role the original service gave an
// embedded ordered store with a custom merge operator. Badger's own
// MergeOperator spawns a background goroutine per merged key, which does
// not suit an index that may accumulate millions of distinct tile keys, so
// the concatenation-merge semantics spec.md calls for are implemented
// directly on top of badger's transactional read-modify-write API instead.
package tileindex

import (
	"errors"
	"fmt"

	"github.com/MeKo-Tech/watercolormap/internal/tilecoord"
	"github.com/dgraph-io/badger/v4"
)

// Index is a single variant's tile index. All exported methods are safe to
// call concurrently, but spec.md's ownership model has exactly one caller:
// the tile-processing actor (C4) running on its own goroutine.
type Index struct {
	db *badger.DB
}

// Open opens (creating if necessary) a badger-backed index rooted at dir.
func Open(dir string) (*Index, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tileindex: open %s: %w", dir, err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying badger handle.
func (idx *Index) Close() error {
	if err := idx.db.Close(); err != nil {
		return fmt.Errorf("tileindex: close: %w", err)
	}
	return nil
}

// Append concatenation-merges scaleByte onto the value stored at coord's
// quadkey, creating the entry if absent. Duplicates are allowed on disk;
// callers deduplicate at read time via Scales.
func (idx *Index) Append(coord tilecoord.Coord, scaleByte byte) error {
	key := coord.Quadkey()
	err := idx.db.Update(func(txn *badger.Txn) error {
		var existing []byte
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if verr := item.Value(func(val []byte) error {
				existing = append(existing, val...)
				return nil
			}); verr != nil {
				return verr
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// no existing entry; existing stays nil
		default:
			return err
		}

		merged := append(existing, scaleByte)
		return txn.Set(key, merged)
	})
	if err != nil {
		return fmt.Errorf("tileindex: append %s: %w", coord, err)
	}
	return nil
}

// Get returns the raw (possibly duplicate-containing) scale-byte string
// stored for coord, and whether an entry exists at all.
func (idx *Index) Get(coord tilecoord.Coord) ([]byte, bool, error) {
	var value []byte
	found := true
	err := idx.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(coord.Quadkey())
		if errors.Is(err, badger.ErrKeyNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("tileindex: get %s: %w", coord, err)
	}
	return value, found, nil
}

// Scales deduplicates a raw scale-byte string as returned by Get.
func Scales(raw []byte) []byte {
	seen := make(map[byte]struct{}, len(raw))
	out := make([]byte, 0, len(raw))
	for _, b := range raw {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}

// Entry is one (coord, raw scale bytes) pair produced by a prefix scan.
type Entry struct {
	Coord tilecoord.Coord
	Value []byte
}

// ScanPrefix returns every entry whose quadkey has coord's quadkey as a
// prefix, including coord itself if present. Lexicographic ordering of
// quadkeys mirrors quadtree ancestry (§4.1), so this is exactly the set of
// coord and its descendants that currently have a cached artifact.
func (idx *Index) ScanPrefix(coord tilecoord.Coord) ([]Entry, error) {
	prefix := coord.Quadkey()
	var entries []Entry

	err := idx.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte(nil), item.Key()...)

			var value []byte
			if err := item.Value(func(val []byte) error {
				value = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}

			entries = append(entries, Entry{
				Coord: tilecoord.DecodeQuadkey(key),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tileindex: scan prefix %s: %w", coord, err)
	}
	return entries, nil
}

// DeleteBatch removes the index entries for every coord in coords in a
// single atomic write.
func (idx *Index) DeleteBatch(coords []tilecoord.Coord) error {
	if len(coords) == 0 {
		return nil
	}

	wb := idx.db.NewWriteBatch()
	defer wb.Cancel()

	for _, c := range coords {
		if err := wb.Delete(c.Quadkey()); err != nil {
			return fmt.Errorf("tileindex: delete %s: %w", c, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("tileindex: flush delete batch: %w", err)
	}
	return nil
}

// HasPrefix reports whether any entry (including coord itself) has coord's
// quadkey as a prefix, without materializing the scan results.
func (idx *Index) HasPrefix(coord tilecoord.Coord) (bool, error) {
	prefix := coord.Quadkey()
	found := false
	err := idx.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek(prefix)
		found = it.ValidForPrefix(prefix)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("tileindex: has prefix %s: %w", coord, err)
	}
	return found, nil
}
