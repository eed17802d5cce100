// Package pmtiles implements a PMTiles v3 archive reader: header parsing,
// root/leaf directory traversal keyed by Hilbert tile id, and a blob
// source abstraction so the archive can live on local disk, behind HTTPS,
// or in a cloud object store.
//
// The binary layout is ported from joeblew999-plat-geo's
// internal/pmtiles/pmtiles.go (itself derived from protomaps/go-pmtiles),
// which only implements the writer side; this package adds the reader:
// DeserializeHeader here mirrors that package's SerializeHeader byte for
// byte, and DeserializeDirectory is the inverse of its SerializeEntries.
package pmtiles

import (
	"encoding/binary"
	"fmt"
)

// Compression is the compression algorithm applied to individual tiles
// or to directory/metadata sections.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
	Brotli             Compression = 3
	Zstd               Compression = 4
)

// TileType is the format of the tiles this archive stores.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
	Avif            TileType = 5
)

// HeaderV3LenBytes is the fixed-size binary header length.
const HeaderV3LenBytes = 127

// HeaderV3 is PMTiles' 127-byte binary header.
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// EntryV3 is one entry in a PMTiles v3 directory: either a leaf tile
// (RunLength >= 1, Offset/Length point into the tile data section) or a
// pointer into the leaf-directory section (RunLength == 0).
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// DeserializeHeader parses the fixed 127-byte header.
func DeserializeHeader(d []byte) (HeaderV3, error) {
	h := HeaderV3{}
	if len(d) < HeaderV3LenBytes {
		return h, fmt.Errorf("pmtiles: header buffer too small: %d bytes", len(d))
	}
	if string(d[0:7]) != "PMTiles" {
		return h, fmt.Errorf("pmtiles: magic number not found")
	}

	h.SpecVersion = d[7]
	h.RootOffset = binary.LittleEndian.Uint64(d[8:16])
	h.RootLength = binary.LittleEndian.Uint64(d[16:24])
	h.MetadataOffset = binary.LittleEndian.Uint64(d[24:32])
	h.MetadataLength = binary.LittleEndian.Uint64(d[32:40])
	h.LeafDirectoryOffset = binary.LittleEndian.Uint64(d[40:48])
	h.LeafDirectoryLength = binary.LittleEndian.Uint64(d[48:56])
	h.TileDataOffset = binary.LittleEndian.Uint64(d[56:64])
	h.TileDataLength = binary.LittleEndian.Uint64(d[64:72])
	h.AddressedTilesCount = binary.LittleEndian.Uint64(d[72:80])
	h.TileEntriesCount = binary.LittleEndian.Uint64(d[80:88])
	h.TileContentsCount = binary.LittleEndian.Uint64(d[88:96])
	h.Clustered = d[96] == 0x1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom = d[100]
	h.MaxZoom = d[101]
	h.MinLonE7 = int32(binary.LittleEndian.Uint32(d[102:106]))
	h.MinLatE7 = int32(binary.LittleEndian.Uint32(d[106:110]))
	h.MaxLonE7 = int32(binary.LittleEndian.Uint32(d[110:114]))
	h.MaxLatE7 = int32(binary.LittleEndian.Uint32(d[114:118]))
	h.CenterZoom = d[118]
	h.CenterLonE7 = int32(binary.LittleEndian.Uint32(d[119:123]))
	h.CenterLatE7 = int32(binary.LittleEndian.Uint32(d[123:127]))
	return h, nil
}

// DeserializeDirectory is the inverse of the writer's SerializeEntries: a
// varint-delta-encoded list of (tile id, run length, byte length, byte
// offset) columns, in that column order. Callers decompress the section
// first if InternalCompression says to.
func DeserializeDirectory(d []byte) ([]EntryV3, error) {
	numEntries, n := binary.Uvarint(d)
	if n <= 0 {
		return nil, fmt.Errorf("pmtiles: malformed directory entry count")
	}
	d = d[n:]

	entries := make([]EntryV3, numEntries)

	var lastID uint64
	for i := range entries {
		delta, n := binary.Uvarint(d)
		if n <= 0 {
			return nil, fmt.Errorf("pmtiles: malformed tile id at entry %d", i)
		}
		d = d[n:]
		lastID += delta
		entries[i].TileID = lastID
	}

	for i := range entries {
		v, n := binary.Uvarint(d)
		if n <= 0 {
			return nil, fmt.Errorf("pmtiles: malformed run length at entry %d", i)
		}
		d = d[n:]
		entries[i].RunLength = uint32(v)
	}

	for i := range entries {
		v, n := binary.Uvarint(d)
		if n <= 0 {
			return nil, fmt.Errorf("pmtiles: malformed length at entry %d", i)
		}
		d = d[n:]
		entries[i].Length = uint32(v)
	}

	for i := range entries {
		v, n := binary.Uvarint(d)
		if n <= 0 {
			return nil, fmt.Errorf("pmtiles: malformed offset at entry %d", i)
		}
		d = d[n:]
		if v == 0 {
			if i == 0 {
				return nil, fmt.Errorf("pmtiles: first entry cannot use the contiguous-offset shortcut")
			}
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}

	return entries, nil
}

// findTile binary-searches entries for the one whose run covers tileID.
// A RunLength of 0 means the entry is a pointer to a leaf directory page
// rather than a tile; the caller distinguishes the two cases.
func findTile(entries []EntryV3, tileID uint64) (EntryV3, bool) {
	lo, hi := 0, len(entries)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		e := entries[mid]
		switch {
		case tileID < e.TileID:
			hi = mid - 1
		case e.RunLength > 0 && tileID >= e.TileID+uint64(e.RunLength):
			lo = mid + 1
		case e.RunLength == 0 && mid+1 < len(entries) && tileID >= entries[mid+1].TileID:
			lo = mid + 1
		default:
			return e, true
		}
	}
	return EntryV3{}, false
}
