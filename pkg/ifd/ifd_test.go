package ifd

import (
	"fmt"
	"testing"
	"time"

	"ccid/internal/ccidwire"
	"ccid/internal/reader"
	"ccid/internal/securepin"
	"ccid/internal/tlv"
)

type fakePort struct {
	replies [][]byte
	i       int
}

func (f *fakePort) Write([]byte) error { return nil }
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

func TestCreatePowerAndCloseChannel(t *testing.T) {
	atrReply := ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00})
	port := &fakePort{replies: [][]byte{atrReply}}
	d := &reader.Descriptor{Port: port, ReadTimeout: time.Second}

	drv := New()
	handle, st := drv.CreateChannel(d, 0)
	if st != StatusSuccess {
		t.Fatalf("create channel: %v", st)
	}

	atrBytes, st := drv.PowerICC(handle)
	if st != StatusSuccess {
		t.Fatalf("power icc: %v", st)
	}
	if len(atrBytes) != 2 {
		t.Fatalf("unexpected atr length %d", len(atrBytes))
	}

	present, st := drv.ICCPresence(handle)
	if st != StatusSuccess || !present {
		t.Fatalf("expected card present, got present=%v st=%v", present, st)
	}

	if st := drv.CloseChannel(handle); st != StatusSuccess {
		t.Fatalf("close channel: %v", st)
	}
	if _, st := drv.ICCPresence(handle); st != StatusNoSuchDevice {
		t.Fatalf("expected no-such-device after close, got %v", st)
	}
}

func TestVerifyPINRoundTrips(t *testing.T) {
	atrReply := ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00})
	secureReply := ccidwire.Build(ccidwire.InDataBlock, 0, 1, 0, 0, 0, []byte{0x90, 0x00})
	port := &fakePort{replies: [][]byte{atrReply, secureReply}}
	d := &reader.Descriptor{Port: port, ReadTimeout: time.Second}

	drv := New()
	handle, _ := drv.CreateChannel(d, 0)
	if _, st := drv.PowerICC(handle); st != StatusSuccess {
		t.Fatalf("power icc: %v", st)
	}

	out, st := drv.VerifyPIN(handle, securepin.Request{
		Op: securepin.OpVerify, TimeoutSec: 30, APDU: []byte{0x00, 0x20, 0x00, 0x00},
	})
	if st != StatusSuccess {
		t.Fatalf("verify pin: %v", st)
	}
	if string(out) != "\x90\x00" {
		t.Fatalf("unexpected verify reply: %x", out)
	}
}

func TestGetCapabilitiesEncodesTLV(t *testing.T) {
	atrReply := ccidwire.Build(ccidwire.InDataBlock, 0, 0, 0, 0, 0, []byte{0x3B, 0x00})
	port := &fakePort{replies: [][]byte{atrReply}}
	d := &reader.Descriptor{Port: port, ReadTimeout: time.Second}

	drv := New()
	handle, _ := drv.CreateChannel(d, 0)
	if _, st := drv.PowerICC(handle); st != StatusSuccess {
		t.Fatalf("power icc: %v", st)
	}

	value, st := drv.GetCapabilities(handle, tagCurrentProtocol)
	if st != StatusSuccess {
		t.Fatalf("get capabilities: %v", st)
	}
	props := tlv.DecodeProperties(value)
	if len(props) != 1 || props[0].Tag != tagCurrentProtocol {
		t.Fatalf("unexpected decoded properties: %+v", props)
	}

	if _, st := drv.GetCapabilities(handle, 0xFF); st != StatusNotSupported {
		t.Fatalf("expected unknown tag to be not-supported, got %v", st)
	}
}

func TestTransmitWithoutPowerReturnsCommunicationError(t *testing.T) {
	port := &fakePort{}
	d := &reader.Descriptor{Port: port, ReadTimeout: time.Second}
	drv := New()
	handle, _ := drv.CreateChannel(d, 0)

	if _, st := drv.Transmit(handle, []byte{0x00, 0xA4, 0x04, 0x00}); st != StatusCommunicationError {
		t.Fatalf("expected transmit on an unpowered slot to fail with communication-error, got %v", st)
	}
}
