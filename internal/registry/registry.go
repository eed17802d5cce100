// Package registry resolves the server's configuration into an
// immutable map of public identifier -> source.Source, in the two
// stages the design notes fix: declared file-based sources open first,
// in declaration order, claiming their identifiers in the shared
// resolver as they go; then auto-discovery walks every Postgres
// connection with auto_publish enabled, so a discovered table or
// function never steals a name an operator already claimed and any
// collision gets the next deterministic ".1", ".2", ... suffix.
//
// Grounded on the teacher's main.go wiring of services at startup
// (open every backend, log and continue past a bad one rather than
// crash) generalized into the Declared -> Opening -> Ready|Failed state
// machine the design notes name explicitly.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/config"
	"github.com/maplibre/martin-sub002/internal/idresolver"
	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/source/cog"
	"github.com/maplibre/martin-sub002/internal/source/mbtiles"
	"github.com/maplibre/martin-sub002/internal/source/pgsource"
	"github.com/maplibre/martin-sub002/internal/source/pmtiles"
)

// State is one source's position in the startup lifecycle.
type State int

const (
	Declared State = iota
	Opening
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Declared:
		return "declared"
	case Opening:
		return "opening"
	case Ready:
		return "ready"
	default:
		return "failed"
	}
}

// Registry is the process-wide, read-only identifier -> source map built
// once at startup. It never changes afterward, so Lookup needs no
// locking, matching "immutable after startup (read-only sharing, no
// locking)".
type Registry struct {
	sources map[string]source.Source
	order   []string
	pgPools []*pgsource.Pool
}

// Lookup implements composite.Registry and is what the HTTP surface uses
// to resolve one path segment to a source handle.
func (r *Registry) Lookup(id string) (source.Source, bool) {
	s, ok := r.sources[id]
	return s, ok
}

// Catalog lists every ready source's public identifier, in the order it
// became ready (declared sources first, then discovered ones), for the
// /catalog endpoint.
func (r *Registry) Catalog() []string {
	return append([]string(nil), r.order...)
}

// Close releases every open Postgres pool. File-backed archives are not
// closed here, since the HTTP surface may still hold references via
// in-flight requests at shutdown; they stay open until the process exits
// (matching the teacher's own best-effort shutdown).
func (r *Registry) Close() {
	for _, p := range r.pgPools {
		p.Close()
	}
}

// Build resolves cfg into a Registry: declared file sources first (in
// declaration order), then auto-discovery across every Postgres
// connection with AutoPublish set. logger records one state-transition
// event per source at the level the outcome deserves.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, tiles *cache.Pool[cache.TileKey, cache.TileEntry], dirs *cache.Pool[cache.DirPageKey, cache.DirPageEntry]) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver := idresolver.New(logger)
	reg := &Registry{sources: map[string]source.Source{}}

	// Stage 1: declared file-based sources, in declaration order.
	for _, f := range cfg.MBTiles {
		if err := openMBTiles(ctx, reg, resolver, f, logger); err != nil {
			return nil, err
		}
	}
	for _, f := range cfg.PMTiles {
		if err := openPMTiles(ctx, reg, resolver, f, dirs, logger); err != nil {
			return nil, err
		}
	}
	for _, f := range cfg.COG {
		if err := openCOG(reg, resolver, f, cfg, logger); err != nil {
			return nil, err
		}
	}

	// Stage 2: auto-discovery over every Postgres connection with
	// auto_publish enabled. Declared identifiers are already reserved by
	// stage 1's own resolver.Resolve calls, so a discovered name colliding
	// with one starts its suffix sequence at ".1", not ".2".
	for _, pc := range cfg.Postgres {
		if err := openPostgres(ctx, reg, resolver, pc, cfg.DefaultSRID, logger); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func logTransition(logger *slog.Logger, kind, id string, state State, err error) {
	if err != nil {
		logger.Warn("source transition", "kind", kind, "id", id, "state", state.String(), "err", err)
		return
	}
	logger.Debug("source transition", "kind", kind, "id", id, "state", state.String())
}

// fail applies on_invalid: warn omits the source from the catalog and
// continues startup; abort propagates the error and fails the server.
func fail(onInvalid config.OnInvalid, kind, id string, err error, logger *slog.Logger) error {
	logTransition(logger, kind, id, Failed, err)
	if onInvalid == config.Abort {
		return fmt.Errorf("%s %q: %w", kind, id, err)
	}
	return nil
}

func deriveID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func openMBTiles(ctx context.Context, reg *Registry, resolver *idresolver.Resolver, f config.FileSource, logger *slog.Logger) error {
	id := resolver.Resolve(deriveID(f.Path))
	logTransition(logger, "mbtiles", id, Opening, nil)

	archive, err := mbtiles.Open(ctx, f.Path)
	if err != nil {
		return fail(f.OnInvalid, "mbtiles", id, err, logger)
	}
	reg.sources[id] = &mbtilesSource{id: id, archive: archive}
	reg.order = append(reg.order, id)
	logTransition(logger, "mbtiles", id, Ready, nil)
	return nil
}

func openPMTiles(ctx context.Context, reg *Registry, resolver *idresolver.Resolver, f config.FileSource, dirs *cache.Pool[cache.DirPageKey, cache.DirPageEntry], logger *slog.Logger) error {
	id := resolver.Resolve(deriveID(f.Path))
	logTransition(logger, "pmtiles", id, Opening, nil)

	blob, err := pmtiles.OpenBlobSource(ctx, f.Path)
	if err != nil {
		return fail(f.OnInvalid, "pmtiles", id, err, logger)
	}
	archive, err := pmtiles.Open(ctx, id, blob, dirs)
	if err != nil {
		blob.Close()
		return fail(f.OnInvalid, "pmtiles", id, err, logger)
	}
	reg.sources[id] = &pmtilesSource{id: id, archive: archive}
	reg.order = append(reg.order, id)
	logTransition(logger, "pmtiles", id, Ready, nil)
	return nil
}

func openCOG(reg *Registry, resolver *idresolver.Resolver, f config.FileSource, cfg *config.Config, logger *slog.Logger) error {
	id := resolver.Resolve(deriveID(f.Path))
	logTransition(logger, "cog", id, Opening, nil)

	// The design notes mark COG unstable and don't require auto-detected
	// bounds for it; every COG source declares whole-world bounds, whatever
	// cfg.AutoBounds says.
	bounds := cog.WorldBounds()
	raster, err := cog.Open(f.Path, bounds, 0, 22)
	if err != nil {
		return fail(f.OnInvalid, "cog", id, err, logger)
	}
	reg.sources[id] = &cogSource{id: id, raster: raster}
	reg.order = append(reg.order, id)
	logTransition(logger, "cog", id, Ready, nil)
	return nil
}

func openPostgres(ctx context.Context, reg *Registry, resolver *idresolver.Resolver, pc config.PgConnection, defaultSRID int, logger *slog.Logger) error {
	logTransition(logger, "postgres", pc.ConnString, Opening, nil)
	pool, err := pgsource.Open(ctx, pgsource.DefaultConfig(pc.ConnString), logger)
	if err != nil {
		return fail(pc.OnInvalid, "postgres", pc.ConnString, err, logger)
	}
	reg.pgPools = append(reg.pgPools, pool)

	if !pc.AutoPublish {
		return nil
	}

	tables, err := pool.DiscoverTables(ctx, defaultSRID)
	if err != nil {
		return fail(pc.OnInvalid, "postgres.discover", pc.ConnString, err, logger)
	}
	for _, t := range tables {
		id := resolver.Resolve(t.Table)
		reg.sources[id] = &pgTableSource{id: id, pool: pool, table: t}
		reg.order = append(reg.order, id)
		logTransition(logger, "postgres.table", id, Ready, nil)
	}

	functions, err := pool.DiscoverFunctions(ctx)
	if err != nil {
		return fail(pc.OnInvalid, "postgres.discover", pc.ConnString, err, logger)
	}
	for _, f := range functions {
		id := resolver.Resolve(f.Name)
		reg.sources[id] = &pgFunctionSource{id: id, pool: pool, fn: f}
		reg.order = append(reg.order, id)
		logTransition(logger, "postgres.function", id, Ready, nil)
	}
	return nil
}
