// Package tilecodec detects a tile's content-encoding from its magic
// bytes, recompresses between the encodings the server negotiates with
// clients, and merges several decoded vector tiles into one composite
// tile. It never infers encoding from content type, only from bytes.
package tilecodec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/maplibre/martin-sub002/internal/mvtcodec"
)

// Encoding is one of the content-encodings the server understands.
type Encoding string

const (
	Identity Encoding = "identity"
	Gzip     Encoding = "gzip"
	Zstd     Encoding = "zstd"
	Brotli   Encoding = "br"
)

// EncodingError wraps a corrupt-input failure from recompression, mapped
// to the closed EncodingError kind at the source-trait boundary.
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string { return fmt.Sprintf("tilecodec: %s: %v", e.Op, e.Err) }
func (e *EncodingError) Unwrap() error { return e.Err }

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	brotliMagic = []byte{0xce, 0xb2, 0xcf, 0x81} // heuristic-free brotli streams have no magic; see DetectEncoding doc
)

// DetectEncoding peeks at a buffer's magic bytes to classify its
// content-encoding. Brotli streams carry no reserved magic number, so
// DetectEncoding never reports brotli: bytes that match neither gzip nor
// zstd magic, brotli streams included, are reported as identity.
func DetectEncoding(data []byte) Encoding {
	switch {
	case len(data) >= 2 && bytes.Equal(data[:2], gzipMagic):
		return Gzip
	case len(data) >= 4 && bytes.Equal(data[:4], zstdMagic):
		return Zstd
	default:
		return Identity
	}
}

// Recompress converts data between encodings. It is idempotent when
// from == to. Corrupt input surfaces as *EncodingError.
func Recompress(data []byte, from, to Encoding) ([]byte, error) {
	if from == to {
		return data, nil
	}

	plain, err := decode(data, from)
	if err != nil {
		return nil, &EncodingError{Op: "decode", Err: err}
	}

	out, err := encode(plain, to)
	if err != nil {
		return nil, &EncodingError{Op: "encode", Err: err}
	}
	return out, nil
}

func decode(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case Identity, "":
		return data, nil
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Zstd:
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Brotli:
		return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
}

func encode(plain []byte, enc Encoding) ([]byte, error) {
	var buf bytes.Buffer
	switch enc {
	case Identity, "":
		return plain, nil
	case Gzip:
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(plain); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case Zstd:
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(plain); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case Brotli:
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(plain); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", enc)
	}
	return buf.Bytes(), nil
}

// NegotiateEncoding picks the best encoding from a client's Accept-Encoding
// preference list that also matches the origin encoding, avoiding a
// recompression round trip when possible (invariant 1 in the testable
// properties section: the response encoding is always one the client
// accepted, or identity).
func NegotiateEncoding(accepted []Encoding, origin Encoding) Encoding {
	for _, a := range accepted {
		if a == origin {
			return origin
		}
	}
	for _, a := range accepted {
		if a == Identity {
			return Identity
		}
	}
	if len(accepted) > 0 {
		return accepted[0]
	}
	return Identity
}

// CompositeMismatchError is returned by MergeMVT when two tiles declare
// different extents; extent must be uniform across a composite's sources.
type CompositeMismatchError struct {
	Expected, Got uint32
}

func (e *CompositeMismatchError) Error() string {
	return fmt.Sprintf("tilecodec: composite mismatch: extent %d != %d", e.Got, e.Expected)
}

// LayerSource names the source a decoded tile's layers came from. The
// composite planner applies the "source_id:layer_id" renaming rule from
// the design notes itself (via mvtcodec.Layer.Rename) before calling
// MergeMVT, but only to layers whose name collides across two or more of
// the requested sources; a uniquely-named layer keeps its original name.
// SourceID is kept here only for error messages.
type LayerSource struct {
	SourceID string
	Tile     []byte // identity-encoded MVT bytes
}

// MergeMVT decodes each source's tile and concatenates their layers into a
// single identity-encoded composite tile. The first tile's extent is
// authoritative; any other tile asserting a different extent fails with
// *CompositeMismatchError, since ST_AsMVTGeom on each backend is expected to
// share one extent convention.
//
// Layers that still share a final name after the caller's renaming pass are
// merged rather than kept as separate entries: their key/value dictionaries
// are concatenated and each feature's tag indices remapped to match, so the
// later source's features are appended after the earlier source's — both
// feature sets survive as distinct list entries, and a renderer that keeps
// the last-seen feature per id has the later source win, matching the
// merge semantics for colliding layers.
func MergeMVT(sources []LayerSource) ([]byte, error) {
	order := make([]string, 0, len(sources))
	bodies := map[string]mvtcodec.Body{}
	var extent uint32

	for _, src := range sources {
		layers, err := mvtcodec.DecodeLayers(src.Tile)
		if err != nil {
			return nil, fmt.Errorf("tilecodec: decoding tile from %q: %w", src.SourceID, err)
		}
		for _, l := range layers {
			if extent == 0 {
				extent = l.Extent
			} else if l.Extent != 0 && l.Extent != extent {
				return nil, &CompositeMismatchError{Expected: extent, Got: l.Extent}
			}

			body, err := mvtcodec.DecodeBody(l.Raw)
			if err != nil {
				return nil, fmt.Errorf("tilecodec: decoding layer %q from %q: %w", l.Name, src.SourceID, err)
			}

			existing, ok := bodies[l.Name]
			if !ok {
				order = append(order, l.Name)
				bodies[l.Name] = body
				continue
			}
			merged, err := existing.Append(body)
			if err != nil {
				return nil, fmt.Errorf("tilecodec: merging layer %q (collision from %q): %w", l.Name, src.SourceID, err)
			}
			bodies[l.Name] = merged
		}
	}

	merged := make([]mvtcodec.Layer, 0, len(order))
	for _, name := range order {
		body := bodies[name]
		merged = append(merged, mvtcodec.Layer{Name: body.Name, Extent: body.Extent, Version: body.Version, Raw: body.Encode()})
	}
	return mvtcodec.EncodeLayers(merged), nil
}
