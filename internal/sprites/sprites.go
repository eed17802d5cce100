// Package sprites serves MapLibre sprite sheets: a PNG atlas plus its
// JSON icon-position index, at 1x or 2x pixel density, cached through the
// shared cache's sprites pool.
//
// Grounded on the teacher's apiHandlers/mbtiles.go for the "serve a file
// off disk, validate the requested name, stream it" shape (getLatestSnapshot/
// HandleDownload); @2x upscaling is original to this domain since the
// teacher never resamples images, using github.com/disintegration/imaging
// (an indirect dependency of the teacher's own module graph) the way any
// pack repo doing raster resizing would.
package sprites

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/source"
)

// Store serves sprite sheets out of a directory of "{id}.png"/"{id}.json"
// (and optionally pre-rendered "{id}@2x.png"/"{id}@2x.json") pairs.
type Store struct {
	dir   string
	cache *cache.Pool[cache.SpriteKey, cache.SpriteEntry]
}

func New(dir string, pool *cache.Pool[cache.SpriteKey, cache.SpriteEntry]) *Store {
	return &Store{dir: dir, cache: pool}
}

// Get returns the PNG atlas and JSON index for id at the requested pixel
// density. sdf selects the "sdf_<id>" asset name the design notes'
// /sdf_sprite endpoint uses for signed-distance-field icons.
func (s *Store) Get(ctx context.Context, id string, dpi int, sdf bool) ([]byte, []byte, error) {
	name := id
	if sdf {
		name = "sdf_" + id
	}
	key := cache.SpriteKey{SpriteID: name, DPI: dpi, SDF: sdf}
	keyStr := fmt.Sprintf("%s:%d:%v", name, dpi, sdf)

	entry, err := s.cache.Fill(ctx, key, keyStr, func(ctx context.Context) (cache.SpriteEntry, error) {
		return s.load(name, dpi)
	})
	if err != nil {
		return nil, nil, err
	}
	return entry.PNG, entry.JSON, nil
}

func (s *Store) load(name string, dpi int) (cache.SpriteEntry, error) {
	if dpi == 2 {
		if pngBytes, jsonBytes, ok := s.readPair(name + "@2x"); ok {
			return cache.SpriteEntry{PNG: pngBytes, JSON: jsonBytes}, nil
		}
	}

	pngBytes, jsonBytes, ok := s.readPair(name)
	if !ok {
		return cache.SpriteEntry{}, source.Wrap(source.NotFound, "sprites.load", fmt.Errorf("sprite %q not found", name))
	}
	if dpi != 2 {
		return cache.SpriteEntry{PNG: pngBytes, JSON: jsonBytes}, nil
	}

	scaled, err := upscale2x(pngBytes, jsonBytes)
	if err != nil {
		return cache.SpriteEntry{}, source.Wrap(source.EncodingError, "sprites.load", err)
	}
	return scaled, nil
}

func (s *Store) readPair(name string) ([]byte, []byte, bool) {
	pngPath := filepath.Join(s.dir, name+".png")
	jsonPath := filepath.Join(s.dir, name+".json")
	pngBytes, err := os.ReadFile(pngPath)
	if err != nil {
		return nil, nil, false
	}
	jsonBytes, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, nil, false
	}
	return pngBytes, jsonBytes, true
}

// iconEntry mirrors one entry of a sprite JSON index: pixel rect plus
// retina scale factor.
type iconEntry struct {
	Width, Height, X, Y int     `json:"-"`
	PixelRatio          float64 `json:"pixelRatio"`
}

// upscale2x doubles a 1x sprite atlas with nearest-neighbor resampling
// (smooth filters blur icon edges, which MapLibre's sprite renderer
// assumes are crisp) and scales every icon's recorded pixel rect and
// ratio to match.
func upscale2x(pngBytes, jsonBytes []byte) (cache.SpriteEntry, error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return cache.SpriteEntry{}, fmt.Errorf("decoding sprite atlas: %w", err)
	}
	b := img.Bounds()
	resized := imaging.Resize(img, b.Dx()*2, b.Dy()*2, imaging.NearestNeighbor)

	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return cache.SpriteEntry{}, fmt.Errorf("encoding upscaled sprite atlas: %w", err)
	}

	var index map[string]map[string]any
	if err := json.Unmarshal(jsonBytes, &index); err != nil {
		return cache.SpriteEntry{}, fmt.Errorf("decoding sprite index: %w", err)
	}
	for _, icon := range index {
		for _, field := range []string{"width", "height", "x", "y"} {
			if v, ok := icon[field].(float64); ok {
				icon[field] = v * 2
			}
		}
		icon["pixelRatio"] = 2
	}
	scaledJSON, err := json.Marshal(index)
	if err != nil {
		return cache.SpriteEntry{}, fmt.Errorf("encoding upscaled sprite index: %w", err)
	}

	return cache.SpriteEntry{PNG: buf.Bytes(), JSON: scaledJSON}, nil
}
