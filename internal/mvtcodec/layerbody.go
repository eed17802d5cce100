package mvtcodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	featureField protowire.Number = 2
	keysField    protowire.Number = 3
	valuesField  protowire.Number = 4

	featureIDField   protowire.Number = 1
	featureTagsField protowire.Number = 2
)

// Body is a Layer submessage fully unpacked down to its feature list, with
// each feature's key/value dictionary indices still intact. Features and
// values are kept as opaque raw submessages — only the tag index pairs
// (which point into Keys/Values) are ever rewritten, by Body.Append, so
// that geometry and value-typed payloads never need interpreting.
type Body struct {
	Name    string
	Version uint32
	Extent  uint32
	Keys    []string
	Values  [][]byte // raw Value submessages, in table order
	Features [][]byte // raw Feature submessages, in encounter order
}

// DecodeBody fully unpacks a Layer submessage's feature/key/value tables.
func DecodeBody(raw []byte) (Body, error) {
	body := Body{Extent: 4096, Version: 1}
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Body{}, fmt.Errorf("mvtcodec: malformed layer body: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == layerNameField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed name: %w", protowire.ParseError(n))
			}
			body.Name = s
			b = b[n:]
		case num == layerExtentField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed extent: %w", protowire.ParseError(n))
			}
			body.Extent = uint32(v)
			b = b[n:]
		case num == layerVersionField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed version: %w", protowire.ParseError(n))
			}
			body.Version = uint32(v)
			b = b[n:]
		case num == keysField && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed key: %w", protowire.ParseError(n))
			}
			body.Keys = append(body.Keys, s)
			b = b[n:]
		case num == valuesField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed value: %w", protowire.ParseError(n))
			}
			body.Values = append(body.Values, v)
			b = b[n:]
		case num == featureField && typ == protowire.BytesType:
			f, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed feature: %w", protowire.ParseError(n))
			}
			body.Features = append(body.Features, f)
			b = b[n:]
		default:
			skip := protowire.ConsumeFieldValue(num, typ, b)
			if skip < 0 {
				return Body{}, fmt.Errorf("mvtcodec: malformed layer field %d: %w", num, protowire.ParseError(skip))
			}
			b = b[skip:]
		}
	}
	return body, nil
}

// Encode re-serializes a Body into a Layer submessage.
func (body Body) Encode() []byte {
	var out []byte
	out = protowire.AppendTag(out, layerNameField, protowire.BytesType)
	out = protowire.AppendString(out, body.Name)

	for _, f := range body.Features {
		out = protowire.AppendTag(out, featureField, protowire.BytesType)
		out = protowire.AppendBytes(out, f)
	}
	for _, k := range body.Keys {
		out = protowire.AppendTag(out, keysField, protowire.BytesType)
		out = protowire.AppendString(out, k)
	}
	for _, v := range body.Values {
		out = protowire.AppendTag(out, valuesField, protowire.BytesType)
		out = protowire.AppendBytes(out, v)
	}
	out = protowire.AppendTag(out, layerExtentField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(body.Extent))
	out = protowire.AppendTag(out, layerVersionField, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(body.Version))
	return out
}

// Append merges other's keys/values/features into body, remapping other's
// feature tag indices so they still resolve correctly against the combined
// tables. Feature ids are never rewritten: where both layers carry a
// feature with the same id, both entries remain in Features (distinct
// list positions), with other's copy appended after body's — so a renderer
// that keeps the last-seen feature per id naturally has the later source
// win, matching the merge semantics for colliding layers.
func (body Body) Append(other Body) (Body, error) {
	keyOffset := len(body.Keys)
	valueOffset := len(body.Values)

	body.Keys = append(body.Keys, other.Keys...)
	body.Values = append(body.Values, other.Values...)

	for _, raw := range other.Features {
		remapped, err := remapFeatureTags(raw, keyOffset, valueOffset)
		if err != nil {
			return Body{}, fmt.Errorf("mvtcodec: remapping feature tags: %w", err)
		}
		body.Features = append(body.Features, remapped)
	}
	return body, nil
}

// remapFeatureTags rewrites a Feature submessage's packed tags field
// (alternating key-index, value-index, pointing into the layer's Keys and
// Values tables) by the given offsets; every other field is passed through
// unchanged, including geometry and the feature id.
func remapFeatureTags(raw []byte, keyOffset, valueOffset int) ([]byte, error) {
	var out []byte
	b := raw
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed feature: %w", protowire.ParseError(n))
		}

		if num == featureTagsField && typ == protowire.BytesType {
			packed, pn := protowire.ConsumeBytes(b[n:])
			if pn < 0 {
				return nil, fmt.Errorf("malformed feature tags: %w", protowire.ParseError(pn))
			}
			remapped, err := remapPackedTags(packed, keyOffset, valueOffset)
			if err != nil {
				return nil, err
			}
			out = protowire.AppendTag(out, featureTagsField, protowire.BytesType)
			out = protowire.AppendBytes(out, remapped)
			b = b[n+pn:]
			continue
		}

		fieldLen := protowire.ConsumeFieldValue(num, typ, b[n:])
		if fieldLen < 0 {
			return nil, fmt.Errorf("malformed feature field %d: %w", num, protowire.ParseError(fieldLen))
		}
		total := n + fieldLen
		out = append(out, b[:total]...)
		b = b[total:]
	}
	return out, nil
}

func remapPackedTags(packed []byte, keyOffset, valueOffset int) ([]byte, error) {
	var indices []uint64
	b := packed
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed packed tags: %w", protowire.ParseError(n))
		}
		indices = append(indices, v)
		b = b[n:]
	}

	var out []byte
	for i := 0; i+1 < len(indices); i += 2 {
		out = protowire.AppendVarint(out, indices[i]+uint64(keyOffset))
		out = protowire.AppendVarint(out, indices[i+1]+uint64(valueOffset))
	}
	return out, nil
}
