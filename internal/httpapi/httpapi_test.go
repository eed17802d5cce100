package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/config"
	"github.com/maplibre/martin-sub002/internal/fonts"
	"github.com/maplibre/martin-sub002/internal/registry"
	"github.com/maplibre/martin-sub002/internal/sprites"
	"github.com/maplibre/martin-sub002/internal/styles"
	"github.com/maplibre/martin-sub002/internal/tilecodec"
)

// newFixtureMBTiles builds a minimal MBTiles archive with one tile at
// 0/0/0, mirroring registry_test.go's fixture-building approach.
func newFixtureMBTiles(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE metadata (name TEXT, value TEXT)`,
		`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`INSERT INTO metadata (name, value) VALUES ('name', 'fixture')`,
		`INSERT INTO metadata (name, value) VALUES ('format', 'pbf')`,
		`INSERT INTO metadata (name, value) VALUES ('minzoom', '0')`,
		`INSERT INTO metadata (name, value) VALUES ('maxzoom', '14')`,
		`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (0, 0, 0, X'1a020801')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := newFixtureMBTiles(t, "world.mbtiles")
	c, err := cache.New(cache.Budgets{Tiles: "1MB", PMTilesDirs: "1MB", Sprites: "1MB", Fonts: "1MB"})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	cfg := &config.Config{MBTiles: []config.FileSource{{Path: path, OnInvalid: config.Warn}}}
	reg, err := registry.Build(context.Background(), cfg, nil, c.Tiles, c.PMTilesDirs)
	if err != nil {
		t.Fatalf("registry.Build: %v", err)
	}
	t.Cleanup(reg.Close)

	spriteStore := sprites.New(t.TempDir(), c.Sprites)
	fontStore := fonts.New(t.TempDir(), c.Fonts)
	styleStore := styles.New(t.TempDir())
	return New(reg, c, spriteStore, fontStore, styleStore, "", 0, 0)
}

func TestRateLimitMiddlewareRejectsOverBudget(t *testing.T) {
	path := newFixtureMBTiles(t, "world.mbtiles")
	c, err := cache.New(cache.Budgets{Tiles: "1MB", PMTilesDirs: "1MB", Sprites: "1MB", Fonts: "1MB"})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	cfg := &config.Config{MBTiles: []config.FileSource{{Path: path, OnInvalid: config.Warn}}}
	reg, err := registry.Build(context.Background(), cfg, nil, c.Tiles, c.PMTilesDirs)
	if err != nil {
		t.Fatalf("registry.Build: %v", err)
	}
	t.Cleanup(reg.Close)

	srv := New(reg, c, sprites.New(t.TempDir(), c.Sprites), fonts.New(t.TempDir(), c.Fonts), styles.New(t.TempDir()), "", 1, 1)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.RemoteAddr = "203.0.113.5:1234"
	rec2 := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec2.Code)
	}
}

func TestHandleCatalogListsReadySources(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/catalog", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"world"`) {
		t.Errorf("expected catalog to list source %q, got %s", "world", rec.Body.String())
	}
}

func TestHandleTileJSONUnknownSourceIs404(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandleTileServesKnownTile(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/world/0/0/0", nil)
	req.Header.Set("Accept-Encoding", "gzip") // fixture blob isn't real gzip data; avoid triggering recompression
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleTileOutOfRangeZoomIs204(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/world/20/0/0", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
}

func TestHandleTileBadCoordinateIs400(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/world/abc/0/0", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestParseCoordinatesStripsExtensionsAndValidatesRange(t *testing.T) {
	z, x, y, err := parseCoordinates("3", "2", "1.pbf")
	if err != nil || z != 3 || x != 2 || y != 1 {
		t.Fatalf("parseCoordinates = (%d,%d,%d,%v), want (3,2,1,nil)", z, x, y, err)
	}

	if _, _, _, err := parseCoordinates("3", "99", "1"); err == nil {
		t.Error("expected an error for x out of range at zoom 3")
	}
	if _, _, _, err := parseCoordinates("31", "0", "0"); err == nil {
		t.Error("expected an error for zoom above 30")
	}
}

func TestParseAcceptEncodingOrdersByHeader(t *testing.T) {
	got := parseAcceptEncoding("gzip, br;q=0.9, identity")
	if len(got) != 3 {
		t.Fatalf("parseAcceptEncoding returned %d entries, want 3: %v", len(got), got)
	}
	want := []tilecodec.Encoding{tilecodec.Gzip, tilecodec.Brotli, tilecodec.Identity}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseAcceptEncoding[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
