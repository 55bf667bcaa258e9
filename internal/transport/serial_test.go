package transport

import (
	"bytes"
	"testing"
	"time"
)

// pipeRW is a fake io.ReadWriter: writes go to sent, reads drain a
// preloaded inbound buffer a chunk at a time to exercise partial reads.
type pipeRW struct {
	sent    bytes.Buffer
	inbound []byte
	chunk   int
}

func (p *pipeRW) Write(b []byte) (int, error) {
	return p.sent.Write(b)
}

func (p *pipeRW) Read(b []byte) (int, error) {
	if len(p.inbound) == 0 {
		return 0, nil
	}
	n := p.chunk
	if n <= 0 || n > len(p.inbound) {
		n = len(p.inbound)
	}
	if n > len(b) {
		n = len(b)
	}
	copy(b, p.inbound[:n])
	p.inbound = p.inbound[n:]
	return n, nil
}

func TestSerialWriteFramesCorrectly(t *testing.T) {
	rw := &pipeRW{}
	p := NewSerialPort(rw)
	p.firstCommand = false // isolate framing from the first-command retry path

	if err := p.Write([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := rw.sent.Bytes()
	want := []byte{sync, 0x02, 0x01, 0x02, sync ^ 0x02 ^ 0x01 ^ 0x02}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestSerialReadReassemblesSplitFrame(t *testing.T) {
	payload := []byte{0x90, 0x00}
	frame := buildFrame(payload)
	rw := &pipeRW{inbound: frame, chunk: 1} // deliver one byte per underlying Read
	p := NewSerialPort(rw)

	got, err := p.Read(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}
}

func TestSerialReadSkipsTimeRequestAndSlotChangeBytes(t *testing.T) {
	payload := []byte{0x61, 0x10}
	var inbound []byte
	inbound = append(inbound, 0x90) // time-request filler
	inbound = append(inbound, 0x50, 0x02) // async slot-change frame
	inbound = append(inbound, buildFrame(payload)...)

	rw := &pipeRW{inbound: inbound}
	p := NewSerialPort(rw)
	got, err := p.Read(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %x, want %x", got, payload)
	}
}

func TestSerialFirstCommandRetriesOnNAK(t *testing.T) {
	rw := &pipeRW{inbound: []byte{nak}}
	p := NewSerialPort(rw)

	if err := p.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := buildFrame([]byte{0x01})
	want := append(append([]byte{}, frame...), frame...)
	if !bytes.Equal(rw.sent.Bytes(), want) {
		t.Fatalf("expected the frame written twice after a NAK, got %x", rw.sent.Bytes())
	}
}
