package tlv

import (
	"bytes"
	"testing"
)

func TestEncodeFeatures(t *testing.T) {
	out := EncodeFeatures([]Feature{{Tag: 0x06, ControlCode: 0x003135DC}})
	want := []byte{0x06, 0x04, 0x00, 0x31, 0x35, 0xDC}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x, want %x", out, want)
	}
}

func TestPropertiesRoundTrip(t *testing.T) {
	props := []Property{
		U16Property(0x01, 0x00FF),
		U32Property(0x02, 0xDEADBEEF),
	}
	encoded := EncodeProperties(props)
	decoded := DecodeProperties(encoded)
	if len(decoded) != 2 {
		t.Fatalf("expected 2 properties, got %d", len(decoded))
	}
	if decoded[0].Tag != 0x01 || !bytes.Equal(decoded[0].Value, []byte{0xFF, 0x00}) {
		t.Fatalf("unexpected first property %+v", decoded[0])
	}
	if decoded[1].Tag != 0x02 || !bytes.Equal(decoded[1].Value, []byte{0xEF, 0xBE, 0xAD, 0xDE}) {
		t.Fatalf("unexpected second property %+v", decoded[1])
	}
}
