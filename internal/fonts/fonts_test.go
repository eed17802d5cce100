package fonts

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/source"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	pool := cache.NewPool[cache.FontKey, cache.FontEntry](1<<20, 64)
	return New(dir, pool), dir
}

func TestGetServesGlyphRange(t *testing.T) {
	store, dir := newStore(t)
	fontstackDir := filepath.Join(dir, "Open Sans Regular")
	if err := os.MkdirAll(fontstackDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	want := []byte("fake-glyph-pbf")
	if err := os.WriteFile(filepath.Join(fontstackDir, "0-255.pbf"), want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := store.Get(context.Background(), "Open Sans Regular", 0, 255)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Get = %q, want %q", got, want)
	}
}

func TestGetMissingRangeIsNotFound(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Get(context.Background(), "Nonexistent", 0, 255)
	if source.KindOf(err) != source.NotFound {
		t.Errorf("KindOf = %v, want NotFound", source.KindOf(err))
	}
}

func TestHashFontstackIsStableAndDistinct(t *testing.T) {
	a := hashFontstack("Open Sans Regular")
	b := hashFontstack("Open Sans Regular")
	if a != b {
		t.Errorf("hashFontstack not stable: %q != %q", a, b)
	}
	c := hashFontstack("Open Sans Regular,Arial Unicode MS Regular")
	if a == c {
		t.Error("expected distinct hashes for distinct fontstack combinations")
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		in         string
		start, end int
		wantErr    bool
	}{
		{"0-255", 0, 255, false},
		{"256-511.pbf", 256, 511, false},
		{"malformed", 0, 0, true},
		{"abc-def", 0, 0, true},
	}
	for _, tc := range cases {
		start, end, err := ParseRange(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRange(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseRange(%q): %v", tc.in, err)
		}
		if start != tc.start || end != tc.end {
			t.Errorf("ParseRange(%q) = (%d, %d), want (%d, %d)", tc.in, start, end, tc.start, tc.end)
		}
	}
}
