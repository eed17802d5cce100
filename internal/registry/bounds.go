package registry

import "github.com/paulmach/orb"

// worldBound is the valid WGS84 extent TileJSON bounds must fall inside;
// a handful of MBTiles/PMTiles archives in the wild declare bounds
// outside it (a stray antimeridian wrap, an off-by-one degree), which
// would otherwise leak into a client's TileJSON verbatim.
var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// clampBounds intersects an archive's declared [west,south,east,north]
// bounds with worldBound, catching the stray out-of-range archive
// without rejecting the source outright.
func clampBounds(b [4]float64) [4]float64 {
	declared := orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
	clamped := declared.Intersect(worldBound)
	if clamped.IsEmpty() {
		return [4]float64{worldBound.Min[0], worldBound.Min[1], worldBound.Max[0], worldBound.Max[1]}
	}
	return [4]float64{clamped.Min[0], clamped.Min[1], clamped.Max[0], clamped.Max[1]}
}
