package reader

import (
	"fmt"
	"testing"
	"time"

	"ccid/internal/ccidwire"
	"ccid/internal/quirks"
	"ccid/internal/securepin"
	"ccid/internal/t1"
)

type fakePort struct {
	writes  [][]byte
	replies [][]byte
	i       int
}

func (f *fakePort) Write(data []byte) error {
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakePort) Read(time.Time) ([]byte, error) {
	if f.i >= len(f.replies) {
		return nil, fmt.Errorf("fakePort: out of replies")
	}
	r := f.replies[f.i]
	f.i++
	return r, nil
}

func (f *fakePort) Control(byte, byte, uint16, uint16, []byte) (int, error) { return 0, nil }
func (f *fakePort) InterruptRead(time.Duration) ([]byte, error)            { return nil, fmt.Errorf("n/a") }
func (f *fakePort) Close() error                                          { return nil }

func TestPowerOnParsesATRAndSelectsT0(t *testing.T) {
	atrBytes := []byte{0x3B, 0x00} // T=0 only, no historical bytes
	reply := ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, atrBytes)
	port := &fakePort{replies: [][]byte{reply}}
	d := &Descriptor{Port: port, ReadTimeout: time.Second}
	s := &Slot{Descriptor: d, Index: 0}

	a, err := s.PowerOn()
	if err != nil {
		t.Fatalf("power on: %v", err)
	}
	if a.Convention != 1 { // ConventionDirect
		t.Fatalf("unexpected convention %v", a.Convention)
	}
	if s.Protocol != ProtocolT0 {
		t.Fatalf("expected T=0, got %v", s.Protocol)
	}
	if !s.Powered {
		t.Fatal("expected slot to be marked powered")
	}
}

func TestPowerOnSelectsT1AndBuildsEngine(t *testing.T) {
	// TS, T0(y=1000 TD1,K=0), TD1(proto1, y=0000)
	atrBytes := []byte{0x3B, 0x80, 0x01}
	var xor byte
	for _, b := range atrBytes[1:] {
		xor ^= b
	}
	atrBytes = append(atrBytes, xor)
	atrReply := ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, atrBytes)

	// PowerOn runs IFSD negotiation for T=1 cards unless AutoIFSD is
	// set; the card echoes our proposed IFSD back in an S(IFS response).
	ifsResp := t1.BuildS(0, t1.SIFS, true, []byte{0xFE})
	ifsReply := ccidwire.Build(ccidwire.InDataBlock, 0, 1, 0, 0, 0, t1.Encode(ifsResp, false))

	port := &fakePort{replies: [][]byte{atrReply, ifsReply}}
	d := &Descriptor{Port: port, ReadTimeout: time.Second}
	s := &Slot{Descriptor: d, Index: 0}

	if _, err := s.PowerOn(); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if s.Protocol != ProtocolT1 {
		t.Fatalf("expected T=1, got %v", s.Protocol)
	}
	if s.t1Engine == nil {
		t.Fatal("expected a T=1 engine to be built")
	}
	if s.t1Engine.State.IFSD != 254 {
		t.Fatalf("expected negotiated IFSD to remain 254, got %d", s.t1Engine.State.IFSD)
	}
}

func TestRegistryChannelLifecycle(t *testing.T) {
	port := &fakePort{}
	d := &Descriptor{Port: port, ReadTimeout: time.Second}
	reg := NewRegistry()

	h1 := reg.CreateChannel(d, 0, "reader-0-slot-0")
	h2 := reg.CreateChannel(d, 1, "reader-0-slot-1")
	if h1 == h2 {
		t.Fatal("expected distinct handles")
	}
	if _, err := reg.Lookup(h1); err != nil {
		t.Fatalf("lookup h1: %v", err)
	}

	if err := reg.CloseChannel(h1); err != nil {
		t.Fatalf("close h1: %v", err)
	}
	if _, err := reg.Lookup(h1); err == nil {
		t.Fatal("expected closed handle to be gone")
	}

	// Second slot still shares the descriptor; closing it should close
	// the underlying transport (refcount reaches zero).
	if err := reg.CloseChannel(h2); err != nil {
		t.Fatalf("close h2: %v", err)
	}
}

// limitedPort embeds fakePort and records the last chunk size applied,
// satisfying chunkLimiter so NewDescriptor's quirk wiring is testable
// without a real USB device.
type limitedPort struct {
	fakePort
	maxChunk int
}

func (p *limitedPort) SetMaxReadChunk(n int) { p.maxChunk = n }

func TestNewDescriptorAppliesModuloSplitReadQuirk(t *testing.T) {
	port := &limitedPort{}
	id := quirks.ID{VendorID: 0x072F, ProductID: 0x90CC}
	d := NewDescriptor(port, ClassTPDU, id)
	if port.maxChunk != 64 {
		t.Fatalf("expected quirk table's ModuloSplitRead=64 to be applied, got %d", port.maxChunk)
	}
	if d.Quirks.ModuloSplitRead != 64 {
		t.Fatalf("expected descriptor to carry the looked-up hooks, got %+v", d.Quirks)
	}
}

func TestSecurePINBuildsAndSendsSecureCommand(t *testing.T) {
	port := &fakePort{replies: [][]byte{
		ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00}),
		ccidwire.Build(ccidwire.InDataBlock, 0, 1, 0, 0, 0, []byte{0x90, 0x00}),
	}}
	d := &Descriptor{Port: port, ReadTimeout: time.Second}
	s := &Slot{Descriptor: d, Index: 0}
	if _, err := s.PowerOn(); err != nil {
		t.Fatalf("power on: %v", err)
	}

	req := securepin.Request{Op: securepin.OpVerify, TimeoutSec: 30, APDU: []byte{0x00, 0x20, 0x00, 0x00}}
	out, err := s.SecurePIN(req)
	if err != nil {
		t.Fatalf("secure pin: %v", err)
	}
	if string(out) != "\x90\x00" {
		t.Fatalf("unexpected secure pin reply: %x", out)
	}
	if len(port.writes) != 2 {
		t.Fatalf("expected power-on write plus one secure write, got %d", len(port.writes))
	}
	if port.writes[1][0] != ccidwire.OpSecure {
		t.Fatalf("expected OpSecure opcode, got 0x%02x", port.writes[1][0])
	}
}

func TestSecurePINRejectsModifyWhenQuirked(t *testing.T) {
	port := &fakePort{replies: [][]byte{
		ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00}),
	}}
	d := &Descriptor{Port: port, ReadTimeout: time.Second, Quirks: quirks.Hooks{DisablePINRetries: true}}
	s := &Slot{Descriptor: d, Index: 0}
	if _, err := s.PowerOn(); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if _, err := s.SecurePIN(securepin.Request{Op: securepin.OpModify}); err == nil {
		t.Fatal("expected quirked reader to refuse a modify request")
	}
}

func TestTransmitDispatchesExtAPDUChainingToApdu(t *testing.T) {
	port := &fakePort{replies: [][]byte{
		ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00}),
		ccidwire.Build(ccidwire.InDataBlock, 0, 1, 0, 0, 0, []byte{0x90, 0x00}),
	}}
	d := &Descriptor{Port: port, ReadTimeout: time.Second, ExchangeCls: ClassExtAPDUChaining}
	s := &Slot{Descriptor: d, Index: 0}
	if _, err := s.PowerOn(); err != nil {
		t.Fatalf("power on: %v", err)
	}

	out, err := s.Transmit([]byte{0x00, 0xA4, 0x04, 0x00})
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if string(out) != "\x90\x00" {
		t.Fatalf("unexpected reply: %x", out)
	}
}

func TestComputeReadTimeoutHasAFloor(t *testing.T) {
	port := &fakePort{replies: [][]byte{
		ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00}),
	}}
	d := &Descriptor{Port: port, ReadTimeout: time.Second}
	s := &Slot{Descriptor: d, Index: 0}
	if _, err := s.PowerOn(); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if d.ReadTimeout < time.Second {
		t.Fatalf("expected read timeout floor to hold, got %v", d.ReadTimeout)
	}
}
