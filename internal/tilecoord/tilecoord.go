// Package tilecoord implements XYZ tile coordinate math: Web Mercator
// envelopes, validity checks and the Hilbert-curve tile id PMTiles keys its
// directory by. The envelope/bounds math is adapted from the teacher's
// MVTService.calculateTileBounds; the Hilbert conversion is adapted from
// joeblew999-plat-geo's internal/pmtiles.ZxyToID.
package tilecoord

import "fmt"

// webMercatorExtent is the half-width of the Web Mercator square in meters.
const webMercatorExtent = 20037508.342789244

// MaxZoom is the highest zoom level the server accepts, per the data model.
const MaxZoom = 30

// Coord is an XYZ tile coordinate.
type Coord struct {
	Z, X, Y int
}

func (c Coord) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Envelope is a Web-Mercator bounding box (EPSG:3857), in meters.
type Envelope struct {
	XMin, YMin, XMax, YMax float64
}

// Validate checks x,y < 2^z and z in [0,30], the invariant every HTTP
// handler must enforce before touching a source.
func Validate(z, x, y int) error {
	if z < 0 || z > MaxZoom {
		return fmt.Errorf("tilecoord: zoom %d out of range [0,%d]", z, MaxZoom)
	}
	n := 1 << uint(z)
	if x < 0 || x >= n || y < 0 || y >= n {
		return fmt.Errorf("tilecoord: coordinate %d/%d/%d out of range for zoom %d", z, x, y, z)
	}
	return nil
}

// WebMercatorEnvelope returns the tile's bounds in EPSG:3857, matching
// ST_TileEnvelope/ST_MakeEnvelope conventions used by the PostGIS backend.
//
// The antimeridian note from the design notes applies here: callers that
// feed this envelope into libraries rejecting an exact west edge of -180
// should clamp to -179.9999999 themselves; ST_MakeEnvelope always gets the
// exact value, which is why this function never clamps.
func WebMercatorEnvelope(z, x, y int) Envelope {
	tileSize := webMercatorExtent * 2.0 / float64(int64(1)<<uint(z))
	return Envelope{
		XMin: -webMercatorExtent + float64(x)*tileSize,
		YMin: webMercatorExtent - float64(y+1)*tileSize,
		XMax: -webMercatorExtent + float64(x+1)*tileSize,
		YMax: webMercatorExtent - float64(y)*tileSize,
	}
}

// WorldEnvelope returns the full Web Mercator square, the default bounds
// a source declares when nothing narrower is configured or derivable.
func WorldEnvelope() Envelope {
	return Envelope{
		XMin: -webMercatorExtent,
		YMin: -webMercatorExtent,
		XMax: webMercatorExtent,
		YMax: webMercatorExtent,
	}
}

// TMSRow converts an XYZ row to the flipped TMS row MBTiles stores tiles
// under: tms_y = 2^z - 1 - xyz_y.
func TMSRow(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

// HilbertID maps an XYZ coordinate to the Hilbert curve tile id PMTiles
// uses to key its directory tree. Ported from the reference Go PMTiles
// encoder (itself a port of the protomaps/go-pmtiles algorithm); z=0 is
// the single root tile, id 0.
func HilbertID(z, x, y int) uint64 {
	if z == 0 {
		return 0
	}
	zz := uint8(z)
	xx, yy := uint32(x), uint32(y)

	var acc uint64 = (uint64(1)<<(uint(zz)*2) - 1) / 3
	n := uint32(zz - 1)
	for s := uint32(1) << n; s > 0; s >>= 1 {
		rx := s & xx
		ry := s & yy
		acc += uint64((3*rx)^ry) << n
		xx, yy = rotate(s, xx, yy, rx, ry)
		n--
	}
	return acc
}

func rotate(n, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx != 0 {
			x = n - 1 - x
			y = n - 1 - y
		}
		return y, x
	}
	return x, y
}
