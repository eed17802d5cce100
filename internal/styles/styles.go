// Package styles serves MapLibre style JSON documents: opaque files laid
// out "{dir}/{id}.json", the same on-disk convention sprites and fonts use.
//
// Grounded on the teacher's apiHandlers/mbtiles.go file-serving shape
// (validate the requested name, read it off disk, stream it). Style
// documents are small and requested far less often than tiles, so unlike
// sprites/fonts this store reads straight through without a cache pool.
package styles

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maplibre/martin-sub002/internal/source"
)

// Store serves "{id}.json" style documents out of a directory.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Get returns the raw style JSON document for id.
func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return nil, source.Wrap(source.NotFound, "styles.Get", fmt.Errorf("invalid style id %q", id))
	}
	path := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, source.Wrap(source.NotFound, "styles.Get", fmt.Errorf("style %q: %w", path, err))
	}
	return data, nil
}
