package styles

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/maplibre/martin-sub002/internal/source"
)

func TestGetServesStyleDocument(t *testing.T) {
	dir := t.TempDir()
	want := []byte(`{"version":8,"name":"basic"}`)
	if err := os.WriteFile(filepath.Join(dir, "basic.json"), want, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := New(dir)
	got, err := store.Get(context.Background(), "basic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("Get = %s, want %s", got, want)
	}
}

func TestGetMissingStyleIsNotFound(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Get(context.Background(), "nope")
	if source.KindOf(err) != source.NotFound {
		t.Errorf("KindOf = %v, want NotFound", source.KindOf(err))
	}
}

func TestGetRejectsPathTraversal(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Get(context.Background(), "../secret")
	if source.KindOf(err) != source.NotFound {
		t.Errorf("KindOf = %v, want NotFound for a traversal attempt", source.KindOf(err))
	}
}
