// Package fonts serves glyph ranges (protobuf .pbf files covering 256
// code points each) for a fontstack, cached through the shared cache's
// fonts pool.
//
// Grounded on the teacher's apiHandlers/mbtiles.go file-serving shape
// (validate the requested name, read it off disk, stream it); font
// glyph PBFs are themselves opaque blobs here, the same way an MBTiles
// tile blob passes through this codebase untouched.
package fonts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/source"
)

// Store serves "{start}-{end}.pbf" glyph ranges for a fontstack out of a
// directory laid out "{dir}/{fontstack}/{start}-{end}.pbf", the
// convention MapLibre's font server and its clients already share.
type Store struct {
	dir   string
	cache *cache.Pool[cache.FontKey, cache.FontEntry]
}

func New(dir string, pool *cache.Pool[cache.FontKey, cache.FontEntry]) *Store {
	return &Store{dir: dir, cache: pool}
}

// Get returns the glyph range PBF for fontstack covering [start, end].
// A fontstack combining several font names ("Arial,Helvetica") is hashed
// into the cache key so distinct combinations never collide.
func (s *Store) Get(ctx context.Context, fontstack string, start, end int) ([]byte, error) {
	hash := hashFontstack(fontstack)
	key := cache.FontKey{FontstackHash: hash, RangeStart: start}
	keyStr := fmt.Sprintf("%s:%d", hash, start)

	entry, err := s.cache.Fill(ctx, key, keyStr, func(ctx context.Context) (cache.FontEntry, error) {
		return s.load(fontstack, start, end)
	})
	if err != nil {
		return nil, err
	}
	return entry.PBF, nil
}

func (s *Store) load(fontstack string, start, end int) (cache.FontEntry, error) {
	path := filepath.Join(s.dir, fontstack, fmt.Sprintf("%d-%d.pbf", start, end))
	data, err := os.ReadFile(path)
	if err != nil {
		return cache.FontEntry{}, source.Wrap(source.NotFound, "fonts.load", fmt.Errorf("glyph range %s: %w", path, err))
	}
	return cache.FontEntry{PBF: data}, nil
}

func hashFontstack(fontstack string) string {
	h := sha256.Sum256([]byte(fontstack))
	return hex.EncodeToString(h[:8])
}

// ParseRange parses a "{start}-{end}" path segment (with an optional
// ".pbf" suffix) into its integer bounds.
func ParseRange(segment string) (start, end int, err error) {
	segment = strings.TrimSuffix(segment, ".pbf")
	parts := strings.SplitN(segment, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("fonts: malformed glyph range %q", segment)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("fonts: invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("fonts: invalid range end %q", parts[1])
	}
	return start, end, nil
}
