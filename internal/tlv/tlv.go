// Package tlv encodes the PC/SC part-10 TLV records used by
// GET_TLV_PROPERTIES and the feature-list control code: a flat sequence
// of one-byte tag, one-byte length, value records, plus a variant for
// the mixed 16/32-bit properties the spec calls out by name.
package tlv

import "encoding/binary"

// Feature is one entry of the CCID GET_FEATURE_REQUEST reply: a feature
// tag paired with the control code the host must use to invoke it.
type Feature struct {
	Tag         byte
	ControlCode uint32
}

// EncodeFeatures packs a feature list into the 6-byte-record wire form
// (tag, length=0x04, big-endian control code).
func EncodeFeatures(features []Feature) []byte {
	out := make([]byte, 0, 6*len(features))
	for _, f := range features {
		out = append(out, f.Tag, 0x04)
		var code [4]byte
		binary.BigEndian.PutUint32(code[:], f.ControlCode)
		out = append(out, code[:]...)
	}
	return out
}

// Property is one GET_TLV_PROPERTIES entry; Value is pre-encoded by the
// caller since width varies by tag (most are uint16, a few are uint32).
type Property struct {
	Tag   byte
	Value []byte
}

// U16Property builds a Property carrying a little-endian uint16 value.
func U16Property(tag byte, v uint16) Property {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return Property{Tag: tag, Value: b}
}

// U32Property builds a Property carrying a little-endian uint32 value.
func U32Property(tag byte, v uint32) Property {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return Property{Tag: tag, Value: b}
}

// EncodeProperties packs a property list into tag/length/value records.
func EncodeProperties(props []Property) []byte {
	var out []byte
	for _, p := range props {
		out = append(out, p.Tag, byte(len(p.Value)))
		out = append(out, p.Value...)
	}
	return out
}

// DecodeProperties splits a TLV byte stream back into tag/value pairs,
// for tests and diagnostics that need to read back what was encoded.
func DecodeProperties(data []byte) []Property {
	var out []Property
	for len(data) >= 2 {
		tag, n := data[0], int(data[1])
		if len(data) < 2+n {
			break
		}
		out = append(out, Property{Tag: tag, Value: append([]byte(nil), data[2:2+n]...)})
		data = data[2+n:]
	}
	return out
}
