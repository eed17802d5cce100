// Package pgsource implements the PostgreSQL/PostGIS source backend:
// pool acquisition with startup backoff, table/function discovery, and
// per-tile ST_AsMVT query generation.
//
// Grounded on the teacher's services/postgis_service.go
// (GenerateMVTForTile's WITH mvt_geom AS (...) SELECT ST_AsMVT(...)
// template) and mvt_generator_postgis.go (lib/pq connection setup);
// circuit breaking is grounded on tomtom215-cartographus's
// internal/eventprocessor/circuitbreaker.go gobreaker/v2 wiring.
package pgsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker/v2"

	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/tilecoord"
)

// TableSource describes one PostGIS table or materialized view this
// backend discovered (or was told about) as a candidate tile source.
type TableSource struct {
	Schema       string
	Table        string
	GeomColumn   string
	SRID         int
	Extent       uint32
	Buffer       uint32
	ClipGeom     bool
	MinZoom      int
	MaxZoom      int
	IDColumn     string
	Properties   []string
	TileJSONPatch []byte // raw JSON merge-patch from a SQL COMMENT, RFC 7396
}

// Config is the startup configuration for one PostgreSQL pool.
type Config struct {
	ConnString   string
	MaxOpenConns int
	MaxIdleConns int

	// BackoffStart/BackoffFactor/BackoffMaxAttempts/BackoffJitter govern
	// retrying an Unreachable acquire only during startup discovery;
	// per-request acquires fail fast per the design notes.
	BackoffStart       time.Duration
	BackoffFactor      float64
	BackoffMaxAttempts int
	BackoffJitter      float64
}

// DefaultConfig matches the design notes: 500ms start, factor 2, 10
// attempts, up to 20% jitter.
func DefaultConfig(connString string) Config {
	return Config{
		ConnString:         connString,
		MaxOpenConns:       30,
		MaxIdleConns:       10,
		BackoffStart:       500 * time.Millisecond,
		BackoffFactor:      2,
		BackoffMaxAttempts: 10,
		BackoffJitter:      0.20,
	}
}

// Pool wraps a *sql.DB with startup backoff and a circuit breaker guarding
// per-request acquisition once the pool is up.
type Pool struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
	cb     *gobreaker.CircuitBreaker[*sql.Conn]
}

// Open connects, retrying Unreachable errors with exponential backoff only
// during this startup call; once Open returns successfully, GetTile's
// per-request acquires fail fast instead of retrying.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", cfg.ConnString)
	if err != nil {
		return nil, source.Wrap(source.Internal, "pgsource.Open", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := pingWithBackoff(ctx, db, cfg, logger); err != nil {
		db.Close()
		return nil, err
	}

	cb := gobreaker.NewCircuitBreaker[*sql.Conn](gobreaker.Settings{
		Name:    "pgsource",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("pgsource circuit breaker state change", "from", from, "to", to)
		},
	})

	return &Pool{db: db, cfg: cfg, logger: logger, cb: cb}, nil
}

func pingWithBackoff(ctx context.Context, db *sql.DB, cfg Config, logger *slog.Logger) error {
	wait := cfg.BackoffStart
	var lastErr error
	for attempt := 1; attempt <= cfg.BackoffMaxAttempts; attempt++ {
		lastErr = db.PingContext(ctx)
		if lastErr == nil {
			return nil
		}
		logger.Warn("pgsource: ping failed, retrying", "attempt", attempt, "err", lastErr)
		if attempt == cfg.BackoffMaxAttempts {
			break
		}
		jitter := 1 + (rand.Float64()*2-1)*cfg.BackoffJitter
		select {
		case <-time.After(time.Duration(float64(wait) * jitter)):
		case <-ctx.Done():
			return source.Wrap(source.Unavailable, "pgsource.Open", ctx.Err())
		}
		wait = time.Duration(float64(wait) * cfg.BackoffFactor)
	}
	return source.Wrap(source.Unavailable, "pgsource.Open", lastErr)
}

// Close releases the underlying connection pool.
func (p *Pool) Close() error { return p.db.Close() }

// discoverTablesQuery joins geometry_columns/geography_columns with
// pg_attribute, pg_class and pg_namespace plus a spatially-indexed-columns
// subquery, and unions in the same join applied to pg_matviews, returning
// one row per (schema, table, geom_column, srid, has_spatial_index,
// non_geom_columns, tilejson_comment) as the design notes require.
const discoverTablesQuery = `
WITH geom_cols AS (
	SELECT f_table_schema AS schema, f_table_name AS table_name, f_geometry_column AS geom_column, srid
	FROM geometry_columns
	UNION ALL
	SELECT f_table_schema, f_table_name, f_geography_column, srid
	FROM geography_columns
),
matview_cols AS (
	SELECT n.nspname AS schema, c.relname AS table_name, a.attname AS geom_column,
	       COALESCE(postgis_typmod_srid(a.atttypmod), 0) AS srid
	FROM pg_matviews mv
	JOIN pg_class c ON c.relname = mv.matviewname
	JOIN pg_namespace n ON n.oid = c.relnamespace AND n.nspname = mv.schemaname
	JOIN pg_attribute a ON a.attrelid = c.oid AND a.atttypid = 'geometry'::regtype AND NOT a.attisdropped
),
all_geom AS (
	SELECT * FROM geom_cols
	UNION ALL
	SELECT * FROM matview_cols
),
spatial_idx AS (
	SELECT DISTINCT n.nspname AS schema, c.relname AS table_name, a.attname AS geom_column
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = ANY(i.indkey)
),
non_geom AS (
	SELECT c.relnamespace::regnamespace::text AS schema, c.relname AS table_name,
	       jsonb_agg(a.attname ORDER BY a.attnum) AS cols
	FROM pg_attribute a
	JOIN pg_class c ON c.oid = a.attrelid
	WHERE a.attnum > 0 AND NOT a.attisdropped
	  AND a.attname NOT IN (SELECT geom_column FROM all_geom ag
	                         WHERE ag.schema = c.relnamespace::regnamespace::text AND ag.table_name = c.relname)
	GROUP BY c.relnamespace, c.relname
)
SELECT ag.schema, ag.table_name, ag.geom_column, ag.srid,
       si.geom_column IS NOT NULL AS has_spatial_index,
       COALESCE(ng.cols, '[]'::jsonb) AS non_geom_columns,
       obj_description((quote_ident(ag.schema) || '.' || quote_ident(ag.table_name))::regclass, 'pg_class') AS tilejson_comment
FROM all_geom ag
LEFT JOIN spatial_idx si ON si.schema = ag.schema AND si.table_name = ag.table_name AND si.geom_column = ag.geom_column
LEFT JOIN non_geom ng ON ng.schema = ag.schema AND ng.table_name = ag.table_name`

// DiscoverTables introspects geometry_columns, geography_columns and
// pg_matviews to find candidate vector sources, the way auto_publish
// discovery does: any column of geometry/geography type in a table or
// materialized view the connection's role can read. defaultSRID is the
// fallback applied to a column declared with srid=0; a zero-SRID column
// is skipped with a warning when no default SRID is configured. A table
// with no spatial index on its geometry column is still published, but
// logged at warn.
func (p *Pool) DiscoverTables(ctx context.Context, defaultSRID int) ([]TableSource, error) {
	rows, err := p.db.QueryContext(ctx, discoverTablesQuery)
	if err != nil {
		return nil, source.Wrap(classify(err), "pgsource.DiscoverTables", err)
	}
	defer rows.Close()

	var out []TableSource
	for rows.Next() {
		var (
			t              TableSource
			hasSpatialIdx  bool
			nonGeomColsRaw []byte
			comment        sql.NullString
		)
		if err := rows.Scan(&t.Schema, &t.Table, &t.GeomColumn, &t.SRID, &hasSpatialIdx, &nonGeomColsRaw, &comment); err != nil {
			return nil, source.Wrap(source.Internal, "pgsource.DiscoverTables", err)
		}

		if t.SRID == 0 {
			if defaultSRID == 0 {
				p.logger.Warn("pgsource: skipping srid=0 column with no default_srid configured",
					"schema", t.Schema, "table", t.Table, "column", t.GeomColumn)
				continue
			}
			t.SRID = defaultSRID
		}
		if !hasSpatialIdx {
			p.logger.Warn("pgsource: publishing table without a spatial index on its geometry column",
				"schema", t.Schema, "table", t.Table, "column", t.GeomColumn)
		}

		var cols []string
		if len(nonGeomColsRaw) > 0 {
			if err := json.Unmarshal(nonGeomColsRaw, &cols); err != nil {
				return nil, source.Wrap(source.Internal, "pgsource.DiscoverTables", err)
			}
		}
		t.Properties = cols
		if comment.Valid {
			t.TileJSONPatch = []byte(comment.String)
		}

		t.Extent = 4096
		t.Buffer = 64
		t.ClipGeom = true
		t.MinZoom = 0
		t.MaxZoom = 22
		out = append(out, t)
	}
	return out, rows.Err()
}

// FunctionSource describes one PL/pgSQL or SQL function discovered as a
// callable tile source: signature (z,x,y) or (z,x,y,query_params json),
// returning bytea or (bytea, text).
type FunctionSource struct {
	Schema         string
	Name           string
	HasQueryParam  bool
	HasVersionHash bool // true when the function returns (bytea, text)
	MinZoom        int
	MaxZoom        int
}

// discoverFunctionsQuery aggregates each routine's IN and OUT parameter
// types in ordinal order via information_schema, since a function
// declared with OUT parameters reports "record" as its own data_type and
// the real return shape only shows up in the parameter rows.
const discoverFunctionsQuery = `
SELECT r.routine_schema, r.routine_name, r.data_type,
       array_agg(p.data_type ORDER BY p.ordinal_position) FILTER (WHERE p.parameter_mode = 'IN') AS in_types,
       array_agg(p.data_type ORDER BY p.ordinal_position) FILTER (WHERE p.parameter_mode = 'OUT') AS out_types
FROM information_schema.routines r
LEFT JOIN information_schema.parameters p
  ON p.specific_schema = r.specific_schema AND p.specific_name = r.specific_name
WHERE r.routine_type = 'FUNCTION'
GROUP BY r.routine_schema, r.routine_name, r.specific_name, r.data_type`

// DiscoverFunctions finds every function whose signature matches the
// tile-function contract: (integer, integer, integer[, json]) returning
// bytea, or the same inputs returning (bytea, text) where the second
// column is an opaque version hash used for cache keying.
func (p *Pool) DiscoverFunctions(ctx context.Context) ([]FunctionSource, error) {
	rows, err := p.db.QueryContext(ctx, discoverFunctionsQuery)
	if err != nil {
		return nil, source.Wrap(classify(err), "pgsource.DiscoverFunctions", err)
	}
	defer rows.Close()

	var out []FunctionSource
	for rows.Next() {
		var (
			schema, name, returnType string
			inTypes, outTypes        pq.StringArray
		)
		if err := rows.Scan(&schema, &name, &returnType, &inTypes, &outTypes); err != nil {
			return nil, source.Wrap(source.Internal, "pgsource.DiscoverFunctions", err)
		}
		hasQueryParam, hasVersionHash, ok := matchTileFunctionSignature([]string(inTypes), []string(outTypes), returnType)
		if !ok {
			continue
		}
		out = append(out, FunctionSource{
			Schema:         schema,
			Name:           name,
			HasQueryParam:  hasQueryParam,
			HasVersionHash: hasVersionHash,
			MinZoom:        0,
			MaxZoom:        22,
		})
	}
	return out, rows.Err()
}

// matchTileFunctionSignature reports whether a routine's IN/OUT parameter
// types and scalar return type match one of the two tile-function shapes:
// (z,x,y) or (z,x,y,query_params json), returning bytea or (bytea,text).
func matchTileFunctionSignature(inTypes, outTypes []string, returnType string) (hasQueryParam, hasVersionHash, ok bool) {
	switch {
	case sameTypes(inTypes, []string{"integer", "integer", "integer"}):
		hasQueryParam = false
	case sameTypes(inTypes, []string{"integer", "integer", "integer", "json"}):
		hasQueryParam = true
	default:
		return false, false, false
	}

	switch {
	case len(outTypes) == 0 && strings.EqualFold(returnType, "bytea"):
		return hasQueryParam, false, true
	case sameTypes(outTypes, []string{"bytea", "text"}):
		return hasQueryParam, true, true
	default:
		return false, false, false
	}
}

func sameTypes(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !strings.EqualFold(got[i], want[i]) {
			return false
		}
	}
	return true
}

// GetFunctionTile calls a discovered tile function for one tile
// coordinate, passing queryParams as the fourth argument when the
// function declares it. The second result column, when present, feeds
// the source's version hash.
func (p *Pool) GetFunctionTile(ctx context.Context, f FunctionSource, z, x, y int, queryParams string) ([]byte, string, error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, "", err
	}
	defer conn.Close()

	var (
		query string
		args  []interface{}
	)
	if f.HasQueryParam {
		query = fmt.Sprintf("SELECT * FROM %s.%s($1, $2, $3, $4::json)", f.Schema, f.Name)
		qp := queryParams
		if qp == "" {
			qp = "{}"
		}
		args = []interface{}{z, x, y, qp}
	} else {
		query = fmt.Sprintf("SELECT * FROM %s.%s($1, $2, $3)", f.Schema, f.Name)
		args = []interface{}{z, x, y}
	}

	var (
		data []byte
		hash sql.NullString
		err2 error
	)
	row := conn.QueryRowContext(ctx, query, args...)
	if f.HasVersionHash {
		err2 = row.Scan(&data, &hash)
	} else {
		err2 = row.Scan(&data)
	}
	switch {
	case err2 == sql.ErrNoRows:
		return nil, "", nil
	case err2 != nil:
		return nil, "", source.Wrap(classify(err2), "pgsource.GetFunctionTile", err2)
	}
	return data, hash.String, nil
}

// GetTile runs the ST_AsMVT query for one table against one tile
// coordinate. tolerance is the ST_Simplify distance in the geometry's
// native SRID units; 0 disables simplification.
func (p *Pool) GetTile(ctx context.Context, t TableSource, z, x, y int, tolerance float64) ([]byte, error) {
	if err := tilecoord.Validate(z, x, y); err != nil {
		return nil, source.Wrap(source.InvalidRequest, "pgsource.GetTile", err)
	}
	if z < t.MinZoom || z > t.MaxZoom {
		return nil, source.Wrap(source.InvalidRequest, "pgsource.GetTile", fmt.Errorf("zoom %d out of range [%d,%d]", z, t.MinZoom, t.MaxZoom))
	}
	env := tilecoord.WebMercatorEnvelope(z, x, y)

	conn, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query, args := t.buildQuery(env, tolerance)

	var data []byte
	err = conn.QueryRowContext(ctx, query, args...).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
		return nil, nil
	case err != nil:
		return nil, source.Wrap(classify(err), "pgsource.GetTile", err)
	}
	return data, nil
}

// acquire gets a connection through the circuit breaker; per-request
// acquires never retry, they fail fast as Unavailable.
func (p *Pool) acquire(ctx context.Context) (*sql.Conn, error) {
	conn, err := p.cb.Execute(func() (*sql.Conn, error) {
		return p.db.Conn(ctx)
	})
	if err != nil {
		return nil, source.Wrap(source.Unavailable, "pgsource.acquire", err)
	}
	return conn, nil
}

// buildQuery assembles the WITH mvt_geom AS (...) SELECT ST_AsMVT(...)
// template, parameterized on the tile envelope and simplification
// tolerance, matching the teacher's GenerateMVTForTile shape.
func (t TableSource) buildQuery(env tilecoord.Envelope, tolerance float64) (string, []interface{}) {
	cols := "*"
	if len(t.Properties) > 0 {
		cols = strings.Join(t.Properties, ", ") + ","
	} else {
		cols = ""
	}

	geomExpr := fmt.Sprintf("ST_Transform(%s, 3857)", t.GeomColumn)
	if tolerance > 0 {
		geomExpr = fmt.Sprintf("ST_Transform(ST_Simplify(%s, $5), 3857)", t.GeomColumn)
	}

	query := fmt.Sprintf(`
		WITH bounds AS (
			SELECT ST_Transform(ST_MakeEnvelope($1, $2, $3, $4, 3857), %d) AS src
		),
		mvt_geom AS (
			SELECT
				%s
				ST_AsMVTGeom(
					%s,
					ST_MakeEnvelope($1, $2, $3, $4, 3857),
					%d, %d, %t
				) AS geom
			FROM %s.%s, bounds
			WHERE %s IS NOT NULL AND %s && bounds.src
		)
		SELECT ST_AsMVT(mvt_geom.*, '%s')
		FROM mvt_geom
		WHERE geom IS NOT NULL;`,
		t.SRID, cols, geomExpr, t.Extent, t.Buffer, t.ClipGeom,
		t.Schema, t.Table, t.GeomColumn, t.GeomColumn, t.Table)

	args := []interface{}{env.XMin, env.YMin, env.XMax, env.YMax}
	if tolerance > 0 {
		args = append(args, tolerance)
	}
	return query, args
}

// classify maps a lib/pq/driver error to the uniform Kind taxonomy.
// Connection-refused and similar transport errors classify as
// Unavailable, and an exceeded context deadline as UpstreamTimeout;
// everything else is Internal, since a malformed query here is this
// backend's own bug, not the
// caller's bad coordinates (those are rejected before the query runs).
func classify(err error) source.Kind {
	if err == nil {
		return source.Internal
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "could not connect"),
		strings.Contains(msg, "EOF"),
		strings.Contains(msg, "broken pipe"):
		return source.Unavailable
	case strings.Contains(msg, "context deadline exceeded"):
		return source.UpstreamTimeout
	default:
		return source.Internal
	}
}

// SimplificationTolerance picks an ST_Simplify distance by zoom, coarser
// at low zoom levels where detail is invisible, matching the teacher's
// calculateSimplificationTolerance heuristic.
func SimplificationTolerance(z int) float64 {
	switch {
	case z >= 14:
		return 0
	case z >= 10:
		return 0.0001
	case z >= 6:
		return 0.001
	default:
		return 0.01
	}
}
