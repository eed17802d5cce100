package cache

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// TileEntry is a cached tile payload plus the encoding it is stored under
// and the content type the backend declared for it.
type TileEntry struct {
	Data        []byte
	Encoding    string
	ContentType string
}

func (e TileEntry) CacheBytes() int { return len(e.Data) }

// DirPageEntry is a cached PMTiles directory page, keyed by (archive_id, offset).
type DirPageEntry struct {
	Raw []byte
}

func (e DirPageEntry) CacheBytes() int { return len(e.Raw) }

// SpriteEntry is a cached sprite sheet: its PNG atlas and JSON index.
type SpriteEntry struct {
	PNG  []byte
	JSON []byte
}

func (e SpriteEntry) CacheBytes() int { return len(e.PNG) + len(e.JSON) }

// FontEntry is a cached protobuf glyph range.
type FontEntry struct {
	PBF []byte
}

func (e FontEntry) CacheBytes() int { return len(e.PBF) }

// TileKey identifies a tile by its full request fingerprint: source
// identifier(s), coordinate and anything else that changes the bytes
// (query string, requested encoding).
type TileKey string

// DirPageKey identifies a PMTiles directory page.
type DirPageKey struct {
	ArchiveID string
	Offset    uint64
}

// SpriteKey identifies a sprite sheet variant.
type SpriteKey struct {
	SpriteID string
	DPI      int
	SDF      bool
}

// FontKey identifies a glyph range.
type FontKey struct {
	FontstackHash string
	RangeStart    int
}

// Budgets is the byte budget for each of the four pools, as configured
// strings ("512MB", "0" to disable) the way operators write them.
type Budgets struct {
	Tiles       string
	PMTilesDirs string
	Sprites     string
	Fonts       string
}

// Cache is the tiered cache: four independent pools. A pool configured
// with byte budget 0 is disabled — Get always misses, Put is a no-op, and
// Fill degrades to calling its filler on every request, which the spec
// requires to remain correct.
type Cache struct {
	Tiles       *Pool[TileKey, TileEntry]
	PMTilesDirs *Pool[DirPageKey, DirPageEntry]
	Sprites     *Pool[SpriteKey, SpriteEntry]
	Fonts       *Pool[FontKey, FontEntry]
}

// entryCapForBudget picks a generous LRU slot count given a byte budget, on
// the assumption that cache values are usually well under 1MB; this only
// bounds map growth between byte-driven evictions in Pool.Put.
func entryCapForBudget(budget int64) int {
	if budget <= 0 {
		return 1
	}
	const assumedEntrySize = 16 * 1024
	n := int(budget / assumedEntrySize)
	if n < 64 {
		n = 64
	}
	if n > 1_000_000 {
		n = 1_000_000
	}
	return n
}

// New builds a Cache from human-readable byte budgets (as operators write
// them in configuration: "256MB", "1GB", "0").
func New(b Budgets) (*Cache, error) {
	tiles, err := parseBudget(b.Tiles)
	if err != nil {
		return nil, fmt.Errorf("cache: tiles budget: %w", err)
	}
	dirs, err := parseBudget(b.PMTilesDirs)
	if err != nil {
		return nil, fmt.Errorf("cache: pmtiles_dirs budget: %w", err)
	}
	sprites, err := parseBudget(b.Sprites)
	if err != nil {
		return nil, fmt.Errorf("cache: sprites budget: %w", err)
	}
	fonts, err := parseBudget(b.Fonts)
	if err != nil {
		return nil, fmt.Errorf("cache: fonts budget: %w", err)
	}

	return &Cache{
		Tiles:       NewPool[TileKey, TileEntry](tiles, entryCapForBudget(tiles)),
		PMTilesDirs: NewPool[DirPageKey, DirPageEntry](dirs, entryCapForBudget(dirs)),
		Sprites:     NewPool[SpriteKey, SpriteEntry](sprites, entryCapForBudget(sprites)),
		Fonts:       NewPool[FontKey, FontEntry](fonts, entryCapForBudget(fonts)),
	}, nil
}

func parseBudget(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte budget %q: %w", s, err)
	}
	return int64(n), nil
}
