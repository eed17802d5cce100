// Package composite implements the composite tile planner serving
// GET /a,b,c/{z}/{x}/{y}: fetch every named source concurrently, merge
// their decoded layers, and recompress to the client's negotiated
// encoding.
package composite

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/maplibre/martin-sub002/internal/mvtcodec"
	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/tilecodec"
)

// Registry is the subset of the source registry the planner needs: look
// a resolved identifier up by its public id.
type Registry interface {
	Lookup(id string) (source.Source, bool)
}

// Plan resolves a comma-separated path segment ("a,b,c") into the
// individual source ids the planner will fetch.
func Plan(path string) []string {
	return strings.Split(path, ",")
}

// fetchResult pairs a source's decoded layers with its identifier, kept
// undecided on naming until every source has reported in: only a layer
// name that collides across sources gets prefixed.
type fetchResult struct {
	id     string
	layers []mvtcodec.Layer
}

// Fetch resolves every id in ids, skips sources out of range for z (not
// an error), fetches and decodes the rest concurrently, renames only the
// layers whose name collides across two or more sources, and merges them
// into one composite tile. Returns (nil, nil) — not an error — when
// every source was skipped, which the HTTP surface maps to 204.
func Fetch(ctx context.Context, reg Registry, ids []string, z, x, y int, query string) ([]byte, error) {
	type candidate struct {
		id  string
		src source.Source
	}
	var candidates []candidate

	for _, id := range ids {
		src, ok := reg.Lookup(id)
		if !ok {
			return nil, source.Wrap(source.NotFound, "composite.Fetch", fmt.Errorf("unknown source %q", id))
		}
		if src.Format() != source.Vector {
			return nil, source.Wrap(source.InvalidRequest, "composite.Fetch", fmt.Errorf("source %q is not a vector source", id))
		}
		if !src.IsValidZoom(z) {
			continue // out-of-range sources are skipped, not an error
		}
		candidates = append(candidates, candidate{id: id, src: src})
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	results := make([]fetchResult, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			q := query
			if !c.src.SupportsURLQuery() {
				q = ""
			}
			data, _, encoding, err := c.src.GetTile(gctx, z, x, y, q)
			if err != nil {
				return fmt.Errorf("fetching %q: %w", c.id, err)
			}
			if len(data) == 0 {
				results[i] = fetchResult{id: c.id}
				return nil
			}
			data, err = tilecodec.Recompress(data, tilecodec.Encoding(encoding), tilecodec.Identity)
			if err != nil {
				return fmt.Errorf("decompressing %q: %w", c.id, err)
			}
			layers, err := mvtcodec.DecodeLayers(data)
			if err != nil {
				return fmt.Errorf("decoding %q: %w", c.id, err)
			}
			results[i] = fetchResult{id: c.id, layers: layers}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, source.Wrap(source.Unavailable, "composite.Fetch", err)
	}

	renamed, err := renameColliding(results)
	if err != nil {
		return nil, source.Wrap(source.EncodingError, "composite.Fetch", err)
	}

	var sources []tilecodec.LayerSource
	for _, r := range renamed {
		if len(r.layers) == 0 {
			continue
		}
		sources = append(sources, tilecodec.LayerSource{SourceID: r.id, Tile: mvtcodec.EncodeLayers(r.layers)})
	}
	if len(sources) == 0 {
		return nil, nil
	}

	merged, err := tilecodec.MergeMVT(sources)
	if err != nil {
		return nil, source.Wrap(source.EncodingError, "composite.Fetch", err)
	}
	return merged, nil
}

// renameColliding prefixes a layer with "<sourceID>:" only when its name
// also occurs in another fetched source — "when two sources export the
// same layer id, prefix with the source identifier plus \":\"". A layer
// name unique across every source in this request keeps its original
// name, so `GET /points1,points2/{z}/{x}/{y}` yields layers literally
// named "points1" and "points2" when their table names don't collide.
func renameColliding(results []fetchResult) ([]fetchResult, error) {
	counts := map[string]int{}
	for _, r := range results {
		seen := map[string]bool{}
		for _, l := range r.layers {
			if !seen[l.Name] {
				counts[l.Name]++
				seen[l.Name] = true
			}
		}
	}

	out := make([]fetchResult, len(results))
	for i, r := range results {
		layers := make([]mvtcodec.Layer, len(r.layers))
		for j, l := range r.layers {
			if counts[l.Name] <= 1 {
				layers[j] = l
				continue
			}
			renamed, err := l.Rename(r.id + ":" + l.Name)
			if err != nil {
				return nil, fmt.Errorf("renaming layer %q for %q: %w", l.Name, r.id, err)
			}
			layers[j] = renamed
		}
		out[i] = fetchResult{id: r.id, layers: layers}
	}
	return out, nil
}
