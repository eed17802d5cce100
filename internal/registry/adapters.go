package registry

import (
	"context"
	"encoding/json"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/source/cog"
	"github.com/maplibre/martin-sub002/internal/source/mbtiles"
	"github.com/maplibre/martin-sub002/internal/source/pgsource"
	"github.com/maplibre/martin-sub002/internal/source/pmtiles"
)

// tilesURLPlaceholder is the unresolved tiles[] entry every adapter emits;
// the HTTP surface re-templates it against the request's host/scheme/
// route prefix at response time, per "the source emits a placeholder
// form like \"{TILES_URL}\"".
const tilesURLPlaceholder = "{TILES_URL}"

// mbtilesSource adapts *mbtiles.Archive to source.Source.
type mbtilesSource struct {
	id      string
	archive *mbtiles.Archive
}

func (s *mbtilesSource) ID() string            { return s.id }
func (s *mbtilesSource) Format() source.Format { return source.Vector }

func (s *mbtilesSource) TileJSON(ctx context.Context, reqCtx source.RequestContext) (source.TileJSON, error) {
	meta := s.archive.Metadata()
	bounds := s.archive.Bounds()
	return source.TileJSON{
		TileJSON:    "3.0.0",
		Name:        meta["name"],
		Description: meta["description"],
		Attribution: meta["attribution"],
		Scheme:      "xyz",
		Tiles:       []string{tilesURLPlaceholder},
		MinZoom:     s.archive.MinZoom(),
		MaxZoom:     s.archive.MaxZoom(),
		Bounds:      clampBounds(bounds),
	}, nil
}

func (s *mbtilesSource) GetTile(ctx context.Context, z, x, y int, _ string) ([]byte, string, string, error) {
	data, err := s.archive.GetTile(ctx, z, x, y)
	if err != nil {
		return nil, "", "", err
	}
	return data, "application/x-protobuf", "gzip", nil
}

func (s *mbtilesSource) IsValidZoom(z int) bool { return z >= s.archive.MinZoom() && z <= s.archive.MaxZoom() }
func (s *mbtilesSource) VersionHash() (string, bool) { return s.archive.VersionHash() }
func (s *mbtilesSource) SupportsURLQuery() bool      { return false }

// pmtilesSource adapts *pmtiles.Archive to source.Source.
type pmtilesSource struct {
	id      string
	archive *pmtiles.Archive
}

func (s *pmtilesSource) ID() string { return s.id }
func (s *pmtilesSource) Format() source.Format {
	if s.archive.TileType() == pmtiles.Mvt {
		return source.Vector
	}
	return source.Raster
}

func (s *pmtilesSource) TileJSON(ctx context.Context, reqCtx source.RequestContext) (source.TileJSON, error) {
	return source.TileJSON{
		TileJSON: "3.0.0",
		Scheme:   "xyz",
		Tiles:    []string{tilesURLPlaceholder},
		MinZoom:  s.archive.MinZoom(),
		MaxZoom:  s.archive.MaxZoom(),
		Bounds:   clampBounds(s.archive.Bounds()),
	}, nil
}

func (s *pmtilesSource) GetTile(ctx context.Context, z, x, y int, _ string) ([]byte, string, string, error) {
	data, err := s.archive.GetTile(ctx, z, x, y)
	if err != nil {
		return nil, "", "", err
	}
	ct := "application/x-protobuf"
	if s.archive.TileType() != pmtiles.Mvt {
		ct = "image/png"
	}
	enc := "identity"
	if s.archive.TileCompression() == pmtiles.Gzip {
		enc = "gzip"
	}
	return data, ct, enc, nil
}

func (s *pmtilesSource) IsValidZoom(z int) bool { return z >= s.archive.MinZoom() && z <= s.archive.MaxZoom() }
func (s *pmtilesSource) VersionHash() (string, bool) { return "", false }
func (s *pmtilesSource) SupportsURLQuery() bool      { return false }

// cogSource adapts *cog.Raster to source.Source.
type cogSource struct {
	id     string
	raster *cog.Raster
}

func (s *cogSource) ID() string            { return s.id }
func (s *cogSource) Format() source.Format { return source.Raster }

func (s *cogSource) TileJSON(ctx context.Context, reqCtx source.RequestContext) (source.TileJSON, error) {
	return source.TileJSON{
		TileJSON: "3.0.0",
		Scheme:   "xyz",
		Tiles:    []string{tilesURLPlaceholder},
		MinZoom:  s.raster.MinZoom(),
		MaxZoom:  s.raster.MaxZoom(),
	}, nil
}

func (s *cogSource) GetTile(ctx context.Context, z, x, y int, _ string) ([]byte, string, string, error) {
	data, ct, err := s.raster.GetTile(z, x, y)
	if err != nil {
		return nil, "", "", err
	}
	return data, ct, "identity", nil
}

func (s *cogSource) IsValidZoom(z int) bool { return z >= s.raster.MinZoom() && z <= s.raster.MaxZoom() }
func (s *cogSource) VersionHash() (string, bool) { return s.raster.VersionHash() }
func (s *cogSource) SupportsURLQuery() bool      { return false }

// pgTableSource adapts one discovered PostGIS table to source.Source,
// picking a zoom-dependent simplification tolerance per request.
type pgTableSource struct {
	id    string
	pool  *pgsource.Pool
	table pgsource.TableSource
}

func (s *pgTableSource) ID() string            { return s.id }
func (s *pgTableSource) Format() source.Format { return source.Vector }

func (s *pgTableSource) TileJSON(ctx context.Context, reqCtx source.RequestContext) (source.TileJSON, error) {
	tj := source.TileJSON{
		TileJSON: "3.0.0",
		Name:     s.id,
		Scheme:   "xyz",
		Tiles:    []string{tilesURLPlaceholder},
		MinZoom:  s.table.MinZoom,
		MaxZoom:  s.table.MaxZoom,
		VectorLayers: []source.VectorLayer{
			{ID: s.table.Table, MinZoom: s.table.MinZoom, MaxZoom: s.table.MaxZoom},
		},
	}
	if len(s.table.TileJSONPatch) == 0 {
		return tj, nil
	}

	// RFC 7396 merge-patch from the table's SQL COMMENT, applied over the
	// discovered TileJSON. Only fields already in source.TileJSON's schema
	// survive the round-trip; a patch key with no matching struct field is
	// silently dropped by the final unmarshal, the one limitation of
	// carrying a typed TileJSON through the HTTP surface.
	base, err := json.Marshal(tj)
	if err != nil {
		return tj, nil
	}
	merged, err := jsonpatch.MergePatch(base, s.table.TileJSONPatch)
	if err != nil {
		return tj, nil
	}
	var patched source.TileJSON
	if err := json.Unmarshal(merged, &patched); err != nil {
		return tj, nil
	}
	return patched, nil
}

func (s *pgTableSource) GetTile(ctx context.Context, z, x, y int, _ string) ([]byte, string, string, error) {
	tolerance := pgsource.SimplificationTolerance(z)
	data, err := s.pool.GetTile(ctx, s.table, z, x, y, tolerance)
	if err != nil {
		return nil, "", "", err
	}
	return data, "application/x-protobuf", "identity", nil
}

func (s *pgTableSource) IsValidZoom(z int) bool {
	return z >= s.table.MinZoom && z <= s.table.MaxZoom
}
func (s *pgTableSource) VersionHash() (string, bool) { return "", false }
func (s *pgTableSource) SupportsURLQuery() bool      { return false }

// pgFunctionSource adapts one discovered PL/pgSQL or SQL tile function to
// source.Source. Unlike a table source, a function source always accepts
// the request's query string, and its version hash is the function's own
// second return column rather than anything the registry can compute
// ahead of time.
type pgFunctionSource struct {
	id   string
	pool *pgsource.Pool
	fn   pgsource.FunctionSource

	mu       sync.Mutex
	lastHash string
	hasHash  bool
}

func (s *pgFunctionSource) ID() string            { return s.id }
func (s *pgFunctionSource) Format() source.Format { return source.Vector }

func (s *pgFunctionSource) TileJSON(ctx context.Context, reqCtx source.RequestContext) (source.TileJSON, error) {
	return source.TileJSON{
		TileJSON: "3.0.0",
		Name:     s.id,
		Scheme:   "xyz",
		Tiles:    []string{tilesURLPlaceholder},
		MinZoom:  s.fn.MinZoom,
		MaxZoom:  s.fn.MaxZoom,
		VectorLayers: []source.VectorLayer{
			{ID: s.fn.Name, MinZoom: s.fn.MinZoom, MaxZoom: s.fn.MaxZoom},
		},
	}, nil
}

func (s *pgFunctionSource) GetTile(ctx context.Context, z, x, y int, query string) ([]byte, string, string, error) {
	data, hash, err := s.pool.GetFunctionTile(ctx, s.fn, z, x, y, query)
	if err != nil {
		return nil, "", "", err
	}
	if s.fn.HasVersionHash {
		s.mu.Lock()
		s.lastHash, s.hasHash = hash, true
		s.mu.Unlock()
	}
	return data, "application/x-protobuf", "identity", nil
}

func (s *pgFunctionSource) IsValidZoom(z int) bool {
	return z >= s.fn.MinZoom && z <= s.fn.MaxZoom
}

// VersionHash reports the most recently observed second-column hash from
// GetTile; it is request-order-dependent by nature, since a function's
// version hash is a property of its last call, not a property knowable
// before any tile has ever been fetched.
func (s *pgFunctionSource) VersionHash() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash, s.hasHash
}

func (s *pgFunctionSource) SupportsURLQuery() bool { return true }
