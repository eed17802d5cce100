// Package mbtiles implements the MBTiles 1.3 archive reader: open an
// on-disk SQLite file, read its metadata table, and look up tiles by
// flipping XYZ rows to MBTiles' TMS scheme.
//
// Grounded on the teacher's services/mvt_backup_mbtiles.go, generalized
// from a write-only backup store (in-memory, periodically snapshotted)
// into a full read path over an existing on-disk archive.
package mbtiles

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite"

	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/tilecoord"
)

// Archive is an open MBTiles file.
type Archive struct {
	db       *sql.DB
	path     string
	metadata map[string]string
	minZoom  int
	maxZoom  int
	bounds   [4]float64
	digest   string
}

// Open reads an MBTiles file's metadata table and prepares it for tile lookups.
func Open(ctx context.Context, path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, source.Wrap(source.Internal, "mbtiles.Open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, source.Wrap(source.Internal, "mbtiles.Open", fmt.Errorf("opening %s: %w", path, err))
	}

	a := &Archive{db: db, path: path, metadata: map[string]string{}, minZoom: 0, maxZoom: 22}
	if err := a.loadMetadata(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := a.checkInvariants(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// checkInvariants enforces the open-time invariants that separate a real
// MBTiles archive from an arbitrary SQLite file: a tiles view or table
// exists, metadata declares a format, and minzoom/maxzoom parsed cleanly.
// Without these, a non-MBTiles SQLite file would "open successfully" and
// only fail on the first tile fetch.
func (a *Archive) checkInvariants(ctx context.Context) error {
	var exists int
	err := a.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') AND name = 'tiles'`,
	).Scan(&exists)
	if err != nil {
		return source.Wrap(source.Internal, "mbtiles.Open", fmt.Errorf("checking tiles view: %w", err))
	}
	if exists == 0 {
		return source.Wrap(source.InvalidRequest, "mbtiles.Open", fmt.Errorf("%s: no tiles table or view", a.path))
	}

	if _, ok := a.metadata["format"]; !ok {
		return source.Wrap(source.InvalidRequest, "mbtiles.Open", fmt.Errorf("%s: metadata missing required 'format' row", a.path))
	}

	if _, ok := a.metadata["minzoom"]; ok {
		if _, err := strconv.Atoi(a.metadata["minzoom"]); err != nil {
			return source.Wrap(source.InvalidRequest, "mbtiles.Open", fmt.Errorf("%s: metadata.minzoom not parseable: %w", a.path, err))
		}
	}
	if _, ok := a.metadata["maxzoom"]; ok {
		if _, err := strconv.Atoi(a.metadata["maxzoom"]); err != nil {
			return source.Wrap(source.InvalidRequest, "mbtiles.Open", fmt.Errorf("%s: metadata.maxzoom not parseable: %w", a.path, err))
		}
	}
	return nil
}

func (a *Archive) loadMetadata(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return source.Wrap(source.Internal, "mbtiles.loadMetadata", err)
	}
	defer rows.Close()

	h := sha256.New()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return source.Wrap(source.Internal, "mbtiles.loadMetadata", err)
		}
		a.metadata[name] = value
		fmt.Fprintf(h, "%s=%s;", name, value)
	}
	if err := rows.Err(); err != nil {
		return source.Wrap(source.Internal, "mbtiles.loadMetadata", err)
	}
	a.digest = hex.EncodeToString(h.Sum(nil))

	if v, ok := a.metadata["minzoom"]; ok {
		if z, err := strconv.Atoi(v); err == nil {
			a.minZoom = z
		}
	}
	if v, ok := a.metadata["maxzoom"]; ok {
		if z, err := strconv.Atoi(v); err == nil {
			a.maxZoom = z
		}
	}
	if v, ok := a.metadata["bounds"]; ok {
		fmt.Sscanf(v, "%f,%f,%f,%f", &a.bounds[0], &a.bounds[1], &a.bounds[2], &a.bounds[3])
	}
	return nil
}

// Close releases the underlying SQLite handle.
func (a *Archive) Close() error { return a.db.Close() }

// Metadata returns the raw metadata table as a map, the way the design
// notes describe TileJSON being reconstructed from an MBTiles archive.
func (a *Archive) Metadata() map[string]string { return a.metadata }

// MinZoom/MaxZoom are the archive's declared zoom range.
func (a *Archive) MinZoom() int { return a.minZoom }
func (a *Archive) MaxZoom() int { return a.maxZoom }

// Bounds is the archive's declared bounding box in degrees, or the zero
// value if the metadata table never declared one.
func (a *Archive) Bounds() [4]float64 { return a.bounds }

// VersionHash is stable across restarts as long as the metadata table is
// unchanged; it does not cover the tiles table itself, matching "stable
// across restarts when the underlying data is unchanged" loosely — an
// archive that is only appended to without touching metadata will keep
// the same hash, which is accepted here since MBTiles archives are
// normally built once and replaced wholesale, not mutated in place.
func (a *Archive) VersionHash() (string, bool) { return a.digest, a.digest != "" }

// GetTile looks up one tile, flipping XYZ rows to the MBTiles TMS scheme.
func (a *Archive) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	if err := tilecoord.Validate(z, x, y); err != nil {
		return nil, source.Wrap(source.InvalidRequest, "mbtiles.GetTile", err)
	}
	if z < a.minZoom || z > a.maxZoom {
		return nil, source.Wrap(source.InvalidRequest, "mbtiles.GetTile", fmt.Errorf("zoom %d out of range [%d,%d]", z, a.minZoom, a.maxZoom))
	}

	tmsY := tilecoord.TMSRow(z, y)
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		z, x, tmsY,
	).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, source.Wrap(source.Internal, "mbtiles.GetTile", err)
	}
	return data, nil
}
