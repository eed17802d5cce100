package mbtiles

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func newFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixture.mbtiles")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open fixture: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE metadata (name TEXT, value TEXT)`,
		`CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)`,
		`CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)`,
		`INSERT INTO metadata (name, value) VALUES ('name', 'fixture')`,
		`INSERT INTO metadata (name, value) VALUES ('format', 'pbf')`,
		`INSERT INTO metadata (name, value) VALUES ('minzoom', '0')`,
		`INSERT INTO metadata (name, value) VALUES ('maxzoom', '14')`,
		`INSERT INTO metadata (name, value) VALUES ('bounds', '-180,-85,180,85')`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	// z=6, xyz (x=3, y=10) -> tms_y = 2^6-1-10 = 53
	if _, err := db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (6, 3, 53, ?)`, []byte("tiledata")); err != nil {
		t.Fatalf("insert tile: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("fixture missing: %v", err)
	}
	return path
}

func TestArchiveMetadataAndZoomRange(t *testing.T) {
	path := newFixture(t)
	a, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.MinZoom() != 0 || a.MaxZoom() != 14 {
		t.Errorf("zoom range = [%d,%d], want [0,14]", a.MinZoom(), a.MaxZoom())
	}
	if got, ok := a.VersionHash(); !ok || got == "" {
		t.Error("expected a non-empty version hash")
	}
}

func TestGetTileFlipsTMSRow(t *testing.T) {
	path := newFixture(t)
	a, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	data, err := a.GetTile(context.Background(), 6, 3, 10)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if string(data) != "tiledata" {
		t.Errorf("GetTile = %q, want %q", data, "tiledata")
	}
}

func TestGetTileMissReturnsNilWithoutError(t *testing.T) {
	path := newFixture(t)
	a, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	data, err := a.GetTile(context.Background(), 6, 0, 0)
	if err != nil {
		t.Fatalf("GetTile: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil for a cache miss, got %d bytes", len(data))
	}
}

func TestGetTileRejectsOutOfRangeZoom(t *testing.T) {
	path := newFixture(t)
	a, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, err := a.GetTile(context.Background(), 31, 0, 0); err == nil {
		t.Error("expected an error for zoom > 30")
	}
}
