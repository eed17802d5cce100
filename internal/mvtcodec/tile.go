// Package mvtcodec decodes and re-encodes the top level of a Mapbox Vector
// Tile (vector_tile.proto) without fully unmarshalling into generated
// message types. A tile is a length-delimited protobuf message whose only
// repeated field (number 3) is a Layer submessage; decoding stops at that
// boundary and keeps each layer's bytes opaque, which is what lets the
// composite planner merge tiles from sources it knows nothing about
// without losing fields it doesn't understand.
//
// vector_tile.proto (Mapbox Vector Tile spec 2.1), the fields this package
// cares about:
//
//	message Tile {
//	    repeated Layer layers = 3;
//	}
//	message Layer {
//	    required string name    = 1;
//	    required uint32 version = 15 [default = 1];
//	    required uint32 extent  = 5  [default = 4096];
//	    repeated Feature features = 2;
//	    ... (keys, values, unknown vendor extensions)
//	}
package mvtcodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	tileLayersField   protowire.Number = 3
	layerNameField    protowire.Number = 1
	layerExtentField  protowire.Number = 5
	layerVersionField protowire.Number = 15
)

// Layer is one vector-tile layer, kept as its raw encoded submessage bytes
// plus the few scalar fields callers need to inspect (name, extent) or
// compare (extent) without a full unmarshal.
type Layer struct {
	Name    string
	Extent  uint32
	Version uint32
	Raw     []byte // full encoded Layer submessage, byte-for-byte as received
}

// DecodeLayers splits a tile's top-level bytes into its layer submessages.
// Any top-level field other than 3 (layers) is silently dropped, not
// preserved — real-world MVT producers emit nothing else, and there is no
// slot to carry unrecognized top-level fields through a layer-oriented
// merge anyway.
func DecodeLayers(tile []byte) ([]Layer, error) {
	var layers []Layer
	b := tile
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("mvtcodec: malformed tile: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if num != tileLayersField || typ != protowire.BytesType {
			// Skip anything that isn't a layer submessage.
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return nil, fmt.Errorf("mvtcodec: malformed tile field %d: %w", num, protowire.ParseError(skip))
			}
			b = b[skip:]
			continue
		}

		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("mvtcodec: malformed layer: %w", protowire.ParseError(n))
		}
		b = b[n:]

		layer, err := decodeLayerHeader(raw)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// decodeLayerHeader scans a Layer submessage just far enough to recover its
// name, extent and version; Raw keeps the full submessage so features,
// keys and values pass through untouched.
func decodeLayerHeader(raw []byte) (Layer, error) {
	layer := Layer{Raw: raw, Extent: 4096, Version: 1}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Layer{}, fmt.Errorf("mvtcodec: malformed layer header: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == layerNameField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Layer{}, fmt.Errorf("mvtcodec: malformed layer name: %w", protowire.ParseError(n))
			}
			layer.Name = s
			b = b[n:]
		case num == layerExtentField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Layer{}, fmt.Errorf("mvtcodec: malformed layer extent: %w", protowire.ParseError(n))
			}
			layer.Extent = uint32(v)
			b = b[n:]
		case num == layerVersionField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Layer{}, fmt.Errorf("mvtcodec: malformed layer version: %w", protowire.ParseError(n))
			}
			layer.Version = uint32(v)
			b = b[n:]
		default:
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return Layer{}, fmt.Errorf("mvtcodec: malformed layer field %d: %w", num, protowire.ParseError(skip))
			}
			b = b[skip:]
		}
	}
	return layer, nil
}

// EncodeLayers re-assembles a tile's top-level bytes from a set of layers,
// in the given order.
func EncodeLayers(layers []Layer) []byte {
	var out []byte
	for _, l := range layers {
		out = protowire.AppendTag(out, tileLayersField, protowire.BytesType)
		out = protowire.AppendBytes(out, l.Raw)
	}
	return out
}

// Rename returns a copy of the layer with its name field rewritten to
// newName; every other field — including features, keys, values and any
// vendor extension the producer attached — passes through byte-identical.
func (l Layer) Rename(newName string) (Layer, error) {
	var out []byte
	b := l.Raw
	renamed := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Layer{}, fmt.Errorf("mvtcodec: malformed layer during rename: %w", protowire.ParseError(n))
		}
		if num == layerNameField && typ == protowire.BytesType {
			_, sn := protowire.ConsumeString(b[n:])
			if sn < 0 {
				return Layer{}, fmt.Errorf("mvtcodec: malformed layer name during rename: %w", protowire.ParseError(sn))
			}
			out = protowire.AppendTag(out, layerNameField, protowire.BytesType)
			out = protowire.AppendString(out, newName)
			b = b[n+sn:]
			renamed = true
			continue
		}
		fieldLen := protowire.ConsumeFieldValue(num, typ, b[n:])
		if fieldLen < 0 {
			return Layer{}, fmt.Errorf("mvtcodec: malformed layer field %d during rename: %w", num, protowire.ParseError(fieldLen))
		}
		total := n + fieldLen
		out = append(out, b[:total]...)
		b = b[total:]
	}
	if !renamed {
		out = protowire.AppendTag(out, layerNameField, protowire.BytesType)
		out = protowire.AppendString(out, newName)
	}
	l.Name = newName
	l.Raw = out
	return l, nil
}
