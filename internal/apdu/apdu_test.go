package apdu

import "testing"

type fakePort struct {
	sentChain []byte
	sentLen   []int
	replies   []struct {
		chain byte
		data  []byte
	}
	i int
}

func (f *fakePort) Exchange(chain byte, payload []byte) (byte, []byte, error) {
	f.sentChain = append(f.sentChain, chain)
	f.sentLen = append(f.sentLen, len(payload))
	r := f.replies[f.i]
	f.i++
	return r.chain, r.data, nil
}

func TestTransmitSingleBlock(t *testing.T) {
	port := &fakePort{replies: []struct {
		chain byte
		data  []byte
	}{{ChainBeginEnd, []byte{0x90, 0x00}}}}

	out, err := Transmit(port, []byte{0x00, 0xA4, 0x04, 0x00}, 261)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if string(out) != "\x90\x00" {
		t.Fatalf("unexpected output %x", out)
	}
	if len(port.sentChain) != 1 || port.sentChain[0] != ChainBeginEnd {
		t.Fatalf("expected a single BeginEnd block, got %v", port.sentChain)
	}
}

func TestTransmitChunkedCommand(t *testing.T) {
	port := &fakePort{replies: []struct {
		chain byte
		data  []byte
	}{
		{ChainBeginEnd, nil}, // ack for Begin chunk
		{ChainBeginEnd, []byte{0x90, 0x00}},
	}}

	apdu := make([]byte, 10)
	out, err := Transmit(port, apdu, 6)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if string(out) != "\x90\x00" {
		t.Fatalf("unexpected output %x", out)
	}
	if len(port.sentChain) != 2 || port.sentChain[0] != ChainBegin || port.sentChain[1] != ChainEnd {
		t.Fatalf("unexpected chain sequence %v", port.sentChain)
	}
	if port.sentLen[0] != 6 || port.sentLen[1] != 4 {
		t.Fatalf("unexpected chunk sizes %v", port.sentLen)
	}
}

func TestTransmitChunkedResponse(t *testing.T) {
	port := &fakePort{replies: []struct {
		chain byte
		data  []byte
	}{
		{ChainMore, []byte{0xAA, 0xBB}},
		{ChainBeginEnd, []byte{0x90, 0x00}},
	}}

	out, err := Transmit(port, []byte{0x00, 0xC0, 0x00, 0x00}, 261)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if string(out) != "\xAA\xBB\x90\x00" {
		t.Fatalf("unexpected reassembled output %x", out)
	}
}
