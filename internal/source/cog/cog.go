// Package cog implements the (unstable) Cloud-Optimized GeoTIFF backend:
// Web-Mercator-only, 8-bit, 3/4-band rasters, refusing anything else at
// open time.
//
// golang.org/x/image/tiff exposes only a high-level Decode/DecodeConfig —
// it does not surface per-IFD overview selection or raw GeoKey tags — so
// this reader validates what the decoded image.Image can tell it (bit
// depth, band count) and serves tiles by cropping the single decoded
// raster against each tile's proportional pixel window, rather than
// selecting a matching-resolution IFD the way a full COG reader would.
// That simplification is recorded in the design ledger; it is acceptable
// for a backend the design notes themselves mark unstable.
package cog

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"time"

	"golang.org/x/image/tiff"

	"github.com/maplibre/martin-sub002/internal/source"
	"github.com/maplibre/martin-sub002/internal/tilecoord"
)

// Raster is an open, validated COG file.
type Raster struct {
	img        image.Image
	bands      int
	path       string
	modTime    time.Time
	size       int64
	minZoom    int
	maxZoom    int
	bounds     tilecoord.Envelope
}

// Open decodes path and validates it is a band count/bit-depth combination
// this backend accepts, refusing anything else as InvalidRequest.
func Open(path string, bounds tilecoord.Envelope, minZoom, maxZoom int) (*Raster, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, source.Wrap(source.Internal, "cog.Open", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, source.Wrap(source.Internal, "cog.Open", err)
	}

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, source.Wrap(source.InvalidRequest, "cog.Open", fmt.Errorf("decoding %s: %w", path, err))
	}

	bands, err := bandCount(img)
	if err != nil {
		return nil, source.Wrap(source.InvalidRequest, "cog.Open", err)
	}

	return &Raster{
		img:     img,
		bands:   bands,
		path:    path,
		modTime: fi.ModTime(),
		size:    fi.Size(),
		minZoom: minZoom,
		maxZoom: maxZoom,
		bounds:  bounds,
	}, nil
}

// bandCount validates the image is 8-bit with 3 or 4 bands (RGB or RGBA),
// refusing anything else per the open-time validation the design notes
// require ("refuses others").
func bandCount(img image.Image) (int, error) {
	switch img.ColorModel() {
	case color.RGBAModel, color.NRGBAModel:
		return 4, nil
	default:
		switch img.ColorModel().(type) {
		case color.Palette:
			return 3, nil
		}
		return 0, fmt.Errorf("cog: unsupported color model %T; only 8-bit 3/4-band rasters are accepted", img.ColorModel())
	}
}

// VersionHash is the file's mtime+size, per the design notes.
func (r *Raster) VersionHash() (string, bool) {
	return fmt.Sprintf("%d-%d", r.modTime.UnixNano(), r.size), true
}

// MinZoom/MaxZoom are the raster's configured serving range.
func (r *Raster) MinZoom() int { return r.minZoom }
func (r *Raster) MaxZoom() int { return r.maxZoom }

// GetTile crops the decoded raster to the pixel window (x,y,z) covers,
// proportionally to the raster's declared Web Mercator bounds, and
// re-encodes it as PNG.
func (r *Raster) GetTile(z, x, y int) ([]byte, string, error) {
	if err := tilecoord.Validate(z, x, y); err != nil {
		return nil, "", source.Wrap(source.InvalidRequest, "cog.GetTile", err)
	}
	if z < r.minZoom || z > r.maxZoom {
		return nil, "", source.Wrap(source.InvalidRequest, "cog.GetTile", fmt.Errorf("zoom %d out of range [%d,%d]", z, r.minZoom, r.maxZoom))
	}

	tileEnv := tilecoord.WebMercatorEnvelope(z, x, y)
	b := r.img.Bounds()
	width, height := b.Dx(), b.Dy()

	fx := func(mx float64) int {
		return b.Min.X + int(float64(width)*(mx-r.bounds.XMin)/(r.bounds.XMax-r.bounds.XMin))
	}
	fy := func(my float64) int {
		// raster rows run top-to-bottom (north to south), Y grows south to north in Web Mercator.
		return b.Min.Y + int(float64(height)*(r.bounds.YMax-my)/(r.bounds.YMax-r.bounds.YMin))
	}

	crop := image.Rect(fx(tileEnv.XMin), fy(tileEnv.YMax), fx(tileEnv.XMax), fy(tileEnv.YMin)).Intersect(b)
	if crop.Empty() {
		return nil, "", nil
	}

	sub, ok := r.img.(interface {
		SubImage(r image.Rectangle) image.Image
	})
	var tileImg image.Image
	if ok {
		tileImg = sub.SubImage(crop)
	} else {
		dst := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
		for py := crop.Min.Y; py < crop.Max.Y; py++ {
			for px := crop.Min.X; px < crop.Max.X; px++ {
				dst.Set(px-crop.Min.X, py-crop.Min.Y, r.img.At(px, py))
			}
		}
		tileImg = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, tileImg); err != nil {
		return nil, "", source.Wrap(source.EncodingError, "cog.GetTile", err)
	}
	return buf.Bytes(), "image/png", nil
}

// WorldBounds is the whole-world envelope the registry declares for every
// COG source. Bounds are never computed from the raster's own GeoKey tags
// (see the package doc comment for why golang.org/x/image/tiff does not
// expose them), and the config package's AutoBounds setting does not
// change this.
func WorldBounds() tilecoord.Envelope {
	return tilecoord.WorldEnvelope()
}
