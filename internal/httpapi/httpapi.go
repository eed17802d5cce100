// Package httpapi is the HTTP surface: endpoint routing, coordinate
// parsing, content negotiation, and TileJSON URL templating, on top of
// github.com/labstack/echo/v5 the way the teacher's own dependency
// closure already pulls it in (PocketBase's core router embeds it); here
// it's used directly instead of through PocketBase's core.ServeEvent.
//
// Grounded on the teacher's apiHandlers/mvt.go (TileJSON struct,
// parseCoordinates, validateTileCoordinates, setCORSHeaders/
// setMVTHeaders, handleTileJSON's base-URL templating) and the echo
// routing idiom from the pack's other tile servers (parseTileParams,
// c.Blob/c.NoContent response shapes).
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maplibre/martin-sub002/internal/cache"
	"github.com/maplibre/martin-sub002/internal/composite"
	"github.com/maplibre/martin-sub002/internal/fonts"
	"github.com/maplibre/martin-sub002/internal/registry"
	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/sprites"
	"github.com/maplibre/martin-sub002/internal/styles"
	"github.com/maplibre/martin-sub002/internal/tilecodec"
)

// Server wires the registry, cache and sprite/font/style stores into an
// echo.Echo instance.
type Server struct {
	echo        *echo.Echo
	reg         *registry.Registry
	cache       *cache.Cache
	sprites     *sprites.Store
	fonts       *fonts.Store
	styles      *styles.Store
	routePrefix string
}

// New builds a Server with every route registered, ready for e.Start.
// rateLimitRPS/rateLimitBurst configure the per-IP token bucket guarding
// every route; rateLimitRPS <= 0 disables it.
func New(reg *registry.Registry, c *cache.Cache, spriteStore *sprites.Store, fontStore *fonts.Store, styleStore *styles.Store, routePrefix string, rateLimitRPS float64, rateLimitBurst int) *Server {
	s := &Server{echo: echo.New(), reg: reg, cache: c, sprites: spriteStore, fonts: fontStore, styles: styleStore, routePrefix: routePrefix}
	s.echo.Use(rateLimitMiddleware(rateLimitRPS, rateLimitBurst))
	s.routes()
	return s
}

// Echo exposes the underlying instance for cmd/martin to call Start on.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) routes() {
	p := s.routePrefix
	s.echo.GET(p+"/", s.handleRoot)
	s.echo.GET(p+"/health", s.handleHealth)
	s.echo.GET(p+"/catalog", s.handleCatalog)
	s.echo.GET(p+"/_/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET(p+"/sprite/:id", s.handleSprite(false))
	s.echo.GET(p+"/sdf_sprite/:id", s.handleSprite(true))
	s.echo.GET(p+"/font/:fontstack/:range", s.handleFont)
	s.echo.GET(p+"/style/:id", s.handleStyle)
	s.echo.GET(p+"/:ids/:z/:x/:y", s.handleTile)
	s.echo.GET(p+"/:ids", s.handleTileJSON)
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"sources": s.reg.Catalog()})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// catalogEntry summarizes one ready source for GET /catalog: enough to
// pick a source without fetching its full TileJSON document.
type catalogEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	MinZoom int    `json:"minzoom"`
	MaxZoom int    `json:"maxzoom"`
}

func (s *Server) handleCatalog(c echo.Context) error {
	ids := s.reg.Catalog()
	entries := make([]catalogEntry, 0, len(ids))
	reqCtx := requestContext(c, s.routePrefix)
	for _, id := range ids {
		src, ok := s.reg.Lookup(id)
		if !ok {
			continue
		}
		tj, err := src.TileJSON(c.Request().Context(), reqCtx)
		if err != nil {
			continue
		}
		entries = append(entries, catalogEntry{
			ID:      id,
			Type:    src.Format().String(),
			Name:    tj.Name,
			MinZoom: tj.MinZoom,
			MaxZoom: tj.MaxZoom,
		})
	}
	return c.JSON(http.StatusOK, entries)
}

// handleTileJSON serves GET /{id}: one source's TileJSON document, with
// its tiles[] placeholder re-templated against this request.
func (s *Server) handleTileJSON(c echo.Context) error {
	id := c.Param("ids")
	src, ok := s.reg.Lookup(id)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	tj, err := src.TileJSON(c.Request().Context(), requestContext(c, s.routePrefix))
	if err != nil {
		return mapError(c, err)
	}
	tj.Tiles = templateURLs(tj.Tiles, requestContext(c, s.routePrefix), id)
	return c.JSON(http.StatusOK, tj)
}

// handleTile serves GET /{id1,id2,...}/{z}/{x}/{y}[.ext]: a single
// source's tile, or a composite merge across several comma-separated ids.
func (s *Server) handleTile(c echo.Context) error {
	ids := composite.Plan(c.Param("ids"))
	z, x, y, err := parseCoordinates(c.Param("z"), c.Param("x"), c.Param("y"))
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	ctx := c.Request().Context()
	var data []byte
	var contentType, contentEncoding string

	if len(ids) == 1 {
		data, contentType, contentEncoding, err = s.fetchSingle(ctx, ids[0], z, x, y, c.QueryString())
	} else {
		data, err = composite.Fetch(ctx, s.reg, ids, z, x, y, c.QueryString())
		contentType = "application/vnd.mapbox-vector-tile"
		contentEncoding = "identity"
	}
	if err != nil {
		return mapError(c, err)
	}
	if len(data) == 0 {
		return c.NoContent(http.StatusNoContent)
	}

	accepted := parseAcceptEncoding(c.Request().Header.Get("Accept-Encoding"))
	out, negotiated, err := negotiate(data, tilecodec.Encoding(contentEncoding), accepted)
	if err != nil {
		return mapError(c, err)
	}

	c.Response().Header().Set("Content-Type", contentType)
	c.Response().Header().Set("Content-Encoding", string(negotiated))
	c.Response().Header().Set("Cache-Control", "public, max-age=86400")
	return c.Blob(http.StatusOK, contentType, out)
}

func (s *Server) fetchSingle(ctx context.Context, id string, z, x, y int, query string) ([]byte, string, string, error) {
	src, ok := s.reg.Lookup(id)
	if !ok {
		return nil, "", "", source.Wrap(source.NotFound, "httpapi.fetchSingle", fmt.Errorf("unknown source %q", id))
	}
	if !src.IsValidZoom(z) {
		return nil, "", "", nil
	}
	q := query
	if !src.SupportsURLQuery() {
		q = ""
	}

	key := cache.TileKey(cacheKeyFor(src, z, x, y, q))
	entry, err := s.cache.Tiles.Fill(ctx, key, string(key), func(ctx context.Context) (cache.TileEntry, error) {
		data, contentType, encoding, err := src.GetTile(ctx, z, x, y, q)
		if err != nil {
			return cache.TileEntry{}, err
		}
		return cache.TileEntry{Data: data, Encoding: encoding, ContentType: contentType}, nil
	})
	if err != nil {
		return nil, "", "", err
	}
	return entry.Data, entry.ContentType, entry.Encoding, nil
}

func cacheKeyFor(src source.Source, z, x, y int, query string) string {
	version, _ := src.VersionHash()
	return fmt.Sprintf("%s:%s:%d:%d:%d:%s", src.ID(), version, z, x, y, query)
}

func negotiate(data []byte, origin tilecodec.Encoding, accepted []tilecodec.Encoding) ([]byte, tilecodec.Encoding, error) {
	chosen := tilecodec.NegotiateEncoding(accepted, origin)
	if chosen == origin {
		return data, origin, nil
	}
	out, err := tilecodec.Recompress(data, origin, chosen)
	if err != nil {
		return nil, "", source.Wrap(source.EncodingError, "httpapi.negotiate", err)
	}
	return out, chosen, nil
}

func parseAcceptEncoding(header string) []tilecodec.Encoding {
	var out []tilecodec.Encoding
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch name {
		case "gzip":
			out = append(out, tilecodec.Gzip)
		case "br":
			out = append(out, tilecodec.Brotli)
		case "zstd":
			out = append(out, tilecodec.Zstd)
		case "identity", "*":
			out = append(out, tilecodec.Identity)
		}
	}
	return out
}

// parseCoordinates parses z, x, y as non-negative integers (y may carry
// a trailing file extension like ".mvt" or ".pbf") and validates the
// invariant x,y < 2^z, z <= 30.
func parseCoordinates(zs, xs, ys string) (z, x, y int, err error) {
	z, err = strconv.Atoi(zs)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid zoom level")
	}
	x, err = strconv.Atoi(xs)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid x coordinate")
	}
	ys = strings.TrimSuffix(ys, ".mvt")
	ys = strings.TrimSuffix(ys, ".pbf")
	ys = strings.TrimSuffix(ys, ".png")
	y, err = strconv.Atoi(ys)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid y coordinate")
	}
	if z < 0 || z > 30 {
		return 0, 0, 0, fmt.Errorf("zoom %d out of range [0,30]", z)
	}
	n := 1 << uint(z)
	if x < 0 || y < 0 || x >= n || y >= n {
		return 0, 0, 0, fmt.Errorf("tile coordinate %d/%d/%d out of range", z, x, y)
	}
	return z, x, y, nil
}

func requestContext(c echo.Context, routePrefix string) source.RequestContext {
	host := c.Request().Header.Get("X-Forwarded-Host")
	if host == "" {
		host = c.Request().Host
	}
	scheme := c.Request().Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "http"
		if c.Request().TLS != nil {
			scheme = "https"
		}
	}
	if rewrite := c.Request().Header.Get("X-Rewrite-URL"); rewrite != "" {
		host = rewrite
	}
	return source.RequestContext{Scheme: scheme, Host: host, RoutePrefix: routePrefix}
}

// templateURLs rewrites each "{TILES_URL}" placeholder against reqCtx,
// the way the design notes require for TileJSON's tiles[] entries.
func templateURLs(tiles []string, reqCtx source.RequestContext, id string) []string {
	base := fmt.Sprintf("%s://%s%s/%s/{z}/{x}/{y}", reqCtx.Scheme, reqCtx.Host, reqCtx.RoutePrefix, id)
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = strings.ReplaceAll(t, "{TILES_URL}", base)
	}
	return out
}

// mapError maps a source.Error to its fixed HTTP status. Internal errors
// get a fresh trace id attached to both the log line and the response
// body, so an operator can grep the logs for the id a user reports
// instead of trying to correlate on timestamp alone.
func mapError(c echo.Context, err error) error {
	kind := source.KindOf(err)
	status := kind.HTTPStatus()
	if kind == source.Unavailable {
		c.Response().Header().Set("Retry-After", "1")
	}
	if status == http.StatusNoContent {
		return c.NoContent(status)
	}
	if kind == source.Internal {
		traceID := uuid.New().String()
		slog.Error("internal error", "trace_id", traceID, "err", err)
		c.Response().Header().Set("X-Trace-Id", traceID)
		return c.String(status, fmt.Sprintf("internal error (trace %s)", traceID))
	}
	return c.String(status, err.Error())
}

// ShutdownTimeout bounds graceful shutdown, matching the per-request
// wall-clock default the design notes fix for request handling itself.
const ShutdownTimeout = 30 * time.Second
