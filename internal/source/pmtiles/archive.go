package pmtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/tilecoord"
)

// Archive is an open PMTiles v3 archive: the 127-byte header and root
// directory are read once at Open; leaf directory pages are fetched on
// demand through the shared directory-page cache pool.
type Archive struct {
	id     string // cache namespace for this archive's directory pages
	blob   BlobSource
	header HeaderV3
	root   []EntryV3
	dirs   *cache.Pool[cache.DirPageKey, cache.DirPageEntry]
}

// Open reads the header and root directory of blob, the way the HTTP
// surface needs available before the first tile request.
func Open(ctx context.Context, id string, blobSrc BlobSource, dirs *cache.Pool[cache.DirPageKey, cache.DirPageEntry]) (*Archive, error) {
	headerBytes, err := blobSrc.ReadRange(ctx, 0, HeaderV3LenBytes)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pmtiles.Open", fmt.Errorf("reading header: %w", err))
	}
	header, err := DeserializeHeader(headerBytes)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pmtiles.Open", err)
	}

	rootRaw, err := blobSrc.ReadRange(ctx, header.RootOffset, header.RootLength)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pmtiles.Open", fmt.Errorf("reading root directory: %w", err))
	}
	rootRaw, err = maybeDecompress(rootRaw, header.InternalCompression)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pmtiles.Open", err)
	}
	root, err := DeserializeDirectory(rootRaw)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pmtiles.Open", fmt.Errorf("decoding root directory: %w", err))
	}

	return &Archive{id: id, blob: blobSrc, header: header, root: root, dirs: dirs}, nil
}

// Close releases the underlying blob source.
func (a *Archive) Close() error { return a.blob.Close() }

// MinZoom/MaxZoom/TileType/TileCompression expose the archive's header fields.
func (a *Archive) MinZoom() int                     { return int(a.header.MinZoom) }
func (a *Archive) MaxZoom() int                     { return int(a.header.MaxZoom) }
func (a *Archive) TileType() TileType               { return a.header.TileType }
func (a *Archive) TileCompression() Compression      { return a.header.TileCompression }

// Bounds returns the header's declared bounding box in degrees.
func (a *Archive) Bounds() [4]float64 {
	return [4]float64{
		float64(a.header.MinLonE7) / 1e7,
		float64(a.header.MinLatE7) / 1e7,
		float64(a.header.MaxLonE7) / 1e7,
		float64(a.header.MaxLatE7) / 1e7,
	}
}

// GetTile resolves (z,x,y) to a Hilbert id, descends the root/leaf
// directory tree (leaf pages are cached in the shared PMTiles-directory
// pool keyed by (archive_id, offset)), and reads the tile's byte range.
func (a *Archive) GetTile(ctx context.Context, z, x, y int) ([]byte, error) {
	if err := tilecoord.Validate(z, x, y); err != nil {
		return nil, source.Wrap(source.InvalidRequest, "pmtiles.GetTile", err)
	}
	if z < a.MinZoom() || z > a.MaxZoom() {
		return nil, source.Wrap(source.InvalidRequest, "pmtiles.GetTile", fmt.Errorf("zoom %d out of range [%d,%d]", z, a.MinZoom(), a.MaxZoom()))
	}

	tileID := tilecoord.HilbertID(z, x, y)

	entry, ok := findTile(a.root, tileID)
	if !ok {
		return nil, nil
	}

	for entry.RunLength == 0 {
		dir, err := a.leafDirectory(ctx, entry.Offset, entry.Length)
		if err != nil {
			return nil, err
		}
		entry, ok = findTile(dir, tileID)
		if !ok {
			return nil, nil
		}
	}

	data, err := a.blob.ReadRange(ctx, a.header.TileDataOffset+entry.Offset, uint64(entry.Length))
	if err != nil {
		return nil, source.Wrap(source.Unavailable, "pmtiles.GetTile", err)
	}
	return data, nil
}

// leafDirectory fetches and decodes a leaf directory page, through the
// shared directory-page cache pool keyed by (archive_id, offset).
func (a *Archive) leafDirectory(ctx context.Context, offset uint64, length uint32) ([]EntryV3, error) {
	key := cache.DirPageKey{ArchiveID: a.id, Offset: offset}
	keyStr := fmt.Sprintf("%s:%d", a.id, offset)

	entry, err := a.dirs.Fill(ctx, key, keyStr, func(ctx context.Context) (cache.DirPageEntry, error) {
		raw, err := a.blob.ReadRange(ctx, a.header.LeafDirectoryOffset+offset, uint64(length))
		if err != nil {
			return cache.DirPageEntry{}, err
		}
		raw, err = maybeDecompress(raw, a.header.InternalCompression)
		if err != nil {
			return cache.DirPageEntry{}, err
		}
		return cache.DirPageEntry{Raw: raw}, nil
	})
	if err != nil {
		return nil, source.Wrap(source.Unavailable, "pmtiles.leafDirectory", err)
	}

	dir, err := DeserializeDirectory(entry.Raw)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pmtiles.leafDirectory", err)
	}
	return dir, nil
}

func maybeDecompress(data []byte, c Compression) ([]byte, error) {
	if c != Gzip {
		return data, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
