package sprites

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/source"
)

func writeSprite(t *testing.T, dir, name string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	f, err := os.Create(filepath.Join(dir, name+".png"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	index := map[string]map[string]any{
		"marker": {"width": float64(w), "height": float64(h), "x": 0, "y": 0, "pixelRatio": 1},
	}
	data, err := json.Marshal(index)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".json"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	pool := cache.NewPool[cache.SpriteKey, cache.SpriteEntry](1<<20, 64)
	return New(dir, pool), dir
}

func TestGetServes1xSprite(t *testing.T) {
	store, dir := newStore(t)
	writeSprite(t, dir, "basic", 32, 32)

	pngBytes, jsonBytes, err := store.Get(context.Background(), "basic", 1, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(pngBytes) == 0 || len(jsonBytes) == 0 {
		t.Fatal("expected non-empty PNG and JSON payloads")
	}
}

func TestGetUpscalesMissing2xSprite(t *testing.T) {
	store, dir := newStore(t)
	writeSprite(t, dir, "basic", 16, 16)

	pngBytes, jsonBytes, err := store.Get(context.Background(), "basic", 2, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != 32 || b.Dy() != 32 {
		t.Errorf("upscaled atlas = %dx%d, want 32x32", b.Dx(), b.Dy())
	}

	var index map[string]map[string]any
	if err := json.Unmarshal(jsonBytes, &index); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if index["marker"]["width"].(float64) != 32 {
		t.Errorf("scaled width = %v, want 32", index["marker"]["width"])
	}
	if index["marker"]["pixelRatio"].(float64) != 2 {
		t.Errorf("pixelRatio = %v, want 2", index["marker"]["pixelRatio"])
	}
}

func TestGetPrefersNative2xAssets(t *testing.T) {
	store, dir := newStore(t)
	writeSprite(t, dir, "basic", 16, 16)
	writeSprite(t, dir, "basic@2x", 16, 16) // deliberately NOT 32x32: proves the pair short-circuits upscaling

	pngBytes, _, err := store.Get(context.Background(), "basic", 2, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Errorf("expected the native @2x asset (16px) to be served untouched, got %dpx", img.Bounds().Dx())
	}
}

func TestGetSDFUsesDistinctNamespace(t *testing.T) {
	store, dir := newStore(t)
	writeSprite(t, dir, "sdf_basic", 16, 16)

	if _, _, err := store.Get(context.Background(), "basic", 1, true); err != nil {
		t.Fatalf("Get(sdf=true): %v", err)
	}
}

func TestGetMissingSpriteIsNotFound(t *testing.T) {
	store, _ := newStore(t)
	_, _, err := store.Get(context.Background(), "nope", 1, false)
	if source.KindOf(err) != source.NotFound {
		t.Errorf("KindOf = %v, want NotFound", source.KindOf(err))
	}
}
