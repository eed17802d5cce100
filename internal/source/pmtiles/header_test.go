package pmtiles

import (
	"encoding/binary"
	"testing"
)

// serializeEntriesForTest mirrors the writer-side encoding this package's
// DeserializeDirectory must invert (joeblew999-plat-geo's SerializeEntries,
// uncompressed variant only, since this package only needs to round-trip
// NoCompression pages in tests).
func serializeEntriesForTest(entries []EntryV3) []byte {
	var b []byte
	tmp := make([]byte, binary.MaxVarintLen64)

	n := binary.PutUvarint(tmp, uint64(len(entries)))
	b = append(b, tmp[:n]...)

	var lastID uint64
	for _, e := range entries {
		n := binary.PutUvarint(tmp, e.TileID-lastID)
		b = append(b, tmp[:n]...)
		lastID = e.TileID
	}
	for _, e := range entries {
		n := binary.PutUvarint(tmp, uint64(e.RunLength))
		b = append(b, tmp[:n]...)
	}
	for _, e := range entries {
		n := binary.PutUvarint(tmp, uint64(e.Length))
		b = append(b, tmp[:n]...)
	}
	for i, e := range entries {
		var n int
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			n = binary.PutUvarint(tmp, 0)
		} else {
			n = binary.PutUvarint(tmp, e.Offset+1)
		}
		b = append(b, tmp[:n]...)
	}
	return b
}

func TestDirectoryRoundTrip(t *testing.T) {
	entries := []EntryV3{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 1, Offset: 100, Length: 50, RunLength: 1},
		{TileID: 5, Offset: 500, Length: 200, RunLength: 3},
	}

	raw := serializeEntriesForTest(entries)
	got, err := DeserializeDirectory(raw)
	if err != nil {
		t.Fatalf("DeserializeDirectory: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i, e := range entries {
		if got[i] != e {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], e)
		}
	}
}

func TestFindTile(t *testing.T) {
	entries := []EntryV3{
		{TileID: 0, Offset: 0, Length: 100, RunLength: 1},
		{TileID: 1, Offset: 100, Length: 50, RunLength: 1},
		{TileID: 5, Offset: 500, Length: 200, RunLength: 3}, // covers ids 5,6,7
	}

	if e, ok := findTile(entries, 1); !ok || e.Offset != 100 {
		t.Errorf("findTile(1) = %+v, %v", e, ok)
	}
	if e, ok := findTile(entries, 6); !ok || e.TileID != 5 {
		t.Errorf("findTile(6) should land in the run starting at 5, got %+v, %v", e, ok)
	}
	if _, ok := findTile(entries, 100); ok {
		t.Error("findTile(100) should miss")
	}
}
