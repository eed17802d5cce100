package composite

import (
	"context"
	"testing"

	"github.com/maplibre/martin-sub002/internal/mvtcodec"
	"github.com/maplibre/martin-sub002/internal/source"
)

type fakeSource struct {
	format  source.Format
	minZoom int
	maxZoom int
	tile    []byte
}

func (f *fakeSource) ID() string { return "" }
func (f *fakeSource) Format() source.Format { return f.format }
func (f *fakeSource) TileJSON(context.Context, source.RequestContext) (source.TileJSON, error) {
	return source.TileJSON{}, nil
}
func (f *fakeSource) GetTile(context.Context, int, int, int, string) ([]byte, string, string, error) {
	return f.tile, "application/vnd.mapbox-vector-tile", "identity", nil
}
func (f *fakeSource) IsValidZoom(z int) bool { return z >= f.minZoom && z <= f.maxZoom }
func (f *fakeSource) VersionHash() (string, bool) { return "", false }
func (f *fakeSource) SupportsURLQuery() bool { return false }

type fakeRegistry struct {
	sources map[string]source.Source
}

func (r *fakeRegistry) Lookup(id string) (source.Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

func encodeOneLayerTile(t *testing.T, name string) []byte {
	t.Helper()
	body := mvtcodec.Body{Name: name, Extent: 4096, Version: 2}
	layer := mvtcodec.Layer{Name: name, Extent: 4096, Version: 2, Raw: body.Encode()}
	return mvtcodec.EncodeLayers([]mvtcodec.Layer{layer})
}

func TestFetchSkipsOutOfRangeSources(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]source.Source{
		"a": &fakeSource{format: source.Vector, minZoom: 0, maxZoom: 5, tile: encodeOneLayerTile(t, "roads")},
		"b": &fakeSource{format: source.Vector, minZoom: 10, maxZoom: 20},
	}}

	data, err := Fetch(context.Background(), reg, []string{"a", "b"}, 3, 0, 0, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	layers, err := mvtcodec.DecodeLayers(data)
	if err != nil {
		t.Fatalf("DecodeLayers: %v", err)
	}
	if len(layers) != 1 || layers[0].Name != "roads" {
		t.Errorf("expected single layer named roads (no collision, no rename), got %+v", layers)
	}
}

func TestFetchReturnsNilWhenAllSourcesSkipped(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]source.Source{
		"a": &fakeSource{format: source.Vector, minZoom: 10, maxZoom: 20},
	}}
	data, err := Fetch(context.Background(), reg, []string{"a"}, 3, 0, 0, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if data != nil {
		t.Errorf("expected nil (204) when every source is skipped, got %d bytes", len(data))
	}
}

func TestFetchKeepsLayerNamesWhenNoCollision(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]source.Source{
		"points1": &fakeSource{format: source.Vector, minZoom: 0, maxZoom: 20, tile: encodeOneLayerTile(t, "points1")},
		"points2": &fakeSource{format: source.Vector, minZoom: 0, maxZoom: 20, tile: encodeOneLayerTile(t, "points2")},
	}}

	data, err := Fetch(context.Background(), reg, []string{"points1", "points2"}, 5, 15, 10, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	layers, err := mvtcodec.DecodeLayers(data)
	if err != nil {
		t.Fatalf("DecodeLayers: %v", err)
	}
	names := map[string]bool{}
	for _, l := range layers {
		names[l.Name] = true
	}
	if !names["points1"] || !names["points2"] {
		t.Errorf("expected layers named points1 and points2 unchanged, got %v", names)
	}
}

func TestFetchRejectsUnknownSource(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]source.Source{}}
	if _, err := Fetch(context.Background(), reg, []string{"missing"}, 3, 0, 0, ""); err == nil {
		t.Error("expected an error for an unresolvable source id")
	}
}

func TestFetchMergesTwoVectorSources(t *testing.T) {
	reg := &fakeRegistry{sources: map[string]source.Source{
		"roads": &fakeSource{format: source.Vector, minZoom: 0, maxZoom: 20, tile: encodeOneLayerTile(t, "lines")},
		"water": &fakeSource{format: source.Vector, minZoom: 0, maxZoom: 20, tile: encodeOneLayerTile(t, "lines")},
	}}

	data, err := Fetch(context.Background(), reg, []string{"roads", "water"}, 5, 0, 0, "")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	layers, err := mvtcodec.DecodeLayers(data)
	if err != nil {
		t.Fatalf("DecodeLayers: %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("expected 2 distinctly-renamed layers, got %d", len(layers))
	}
	names := map[string]bool{layers[0].Name: true, layers[1].Name: true}
	if !names["roads:lines"] || !names["water:lines"] {
		t.Errorf("expected roads:lines and water:lines, got %v", names)
	}
}
