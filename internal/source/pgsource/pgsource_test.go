package pgsource

import (
	"errors"
	"strings"
	"testing"

	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/tilecoord"
)

func TestBuildQueryIncludesEnvelopeAndTolerance(t *testing.T) {
	tbl := TableSource{Schema: "public", Table: "trails", GeomColumn: "geom", Extent: 4096, Buffer: 64, ClipGeom: true}
	env := tilecoord.WebMercatorEnvelope(10, 511, 400)

	query, args := tbl.buildQuery(env, 0.001)
	if !strings.Contains(query, "ST_AsMVT(mvt_geom.*, 'trails')") {
		t.Errorf("query missing ST_AsMVT target: %s", query)
	}
	if !strings.Contains(query, "ST_Simplify") {
		t.Errorf("query with tolerance > 0 should call ST_Simplify: %s", query)
	}
	if len(args) != 5 {
		t.Fatalf("expected 5 args (envelope x4 + tolerance), got %d", len(args))
	}

	queryNoTol, argsNoTol := tbl.buildQuery(env, 0)
	if strings.Contains(queryNoTol, "ST_Simplify") {
		t.Errorf("query with tolerance == 0 must not simplify: %s", queryNoTol)
	}
	if len(argsNoTol) != 4 {
		t.Fatalf("expected 4 args without tolerance, got %d", len(argsNoTol))
	}
}

func TestClassifyMapsTransientErrorsToUnavailable(t *testing.T) {
	if got := classify(errors.New("dial tcp: connection refused")); got != source.Unavailable {
		t.Errorf("classify(connection refused) = %s, want Unavailable", got)
	}
	if got := classify(errors.New("context deadline exceeded")); got != source.UpstreamTimeout {
		t.Errorf("classify(deadline exceeded) = %s, want UpstreamTimeout", got)
	}
	if got := classify(errors.New("syntax error at or near")); got != source.Internal {
		t.Errorf("classify(syntax error) = %s, want Internal", got)
	}
}

func TestSimplificationToleranceDecreasesWithZoom(t *testing.T) {
	if SimplificationTolerance(18) != 0 {
		t.Error("high zoom should disable simplification")
	}
	if SimplificationTolerance(2) <= SimplificationTolerance(8) {
		t.Error("tolerance should shrink as zoom increases")
	}
}
