package transport

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Serial framing control bytes.
const (
	sync byte = 0x03
	ack  byte = 0x06
	nak  byte = 0x15
)

// SerialPort is a CCID-over-serial transport: SYNC/ACK/NAK/LRC framing
// on top of a raw byte pipe, built on github.com/tarm/serial the way
// the rest of this codebase's UART-attached peripherals are driven.
type SerialPort struct {
	rw    io.ReadWriter
	inbox *bytes.Buffer // buffered bytes already read from rw but not yet consumed as a frame

	firstCommand bool
}

// OpenSerial opens name at baud and returns a ready Port.
func OpenSerial(name string, baud int) (*SerialPort, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: time.Second}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %s: %w", name, err)
	}
	return NewSerialPort(port), nil
}

// NewSerialPort wraps any io.ReadWriter (a real serial.Port, or a fake
// in tests) in the SYNC/ACK/NAK framing.
func NewSerialPort(rw io.ReadWriter) *SerialPort {
	return &SerialPort{rw: rw, inbox: new(bytes.Buffer), firstCommand: true}
}

// Write sends one command frame: SYNC, length, payload, LRC. The first
// command after open is retried once on a NAK, since several readers
// answer the very first frame with a stray NAK while they finish
// powering up.
func (p *SerialPort) Write(data []byte) error {
	frame := buildFrame(data)
	if _, err := p.rw.Write(frame); err != nil {
		return fmt.Errorf("transport: serial write: %w", err)
	}
	if p.firstCommand {
		p.firstCommand = false
		ackByte, err := p.readByte(2 * time.Second)
		if err == nil && ackByte == nak {
			if _, err := p.rw.Write(frame); err != nil {
				return fmt.Errorf("transport: serial retry write: %w", err)
			}
			return nil
		}
		if err == nil {
			p.inbox.WriteByte(ackByte)
		}
	}
	return nil
}

func buildFrame(data []byte) []byte {
	frame := make([]byte, 0, 2+len(data)+1)
	frame = append(frame, sync, byte(len(data)))
	frame = append(frame, data...)
	var lrc byte
	for _, b := range frame {
		lrc ^= b
	}
	return append(frame, lrc)
}

// Read returns the next complete reply frame's payload, buffering any
// partial reads in p.inbox (an explicit byte queue, not a raw
// read-offset pair) so a read that spans multiple underlying Reads
// still assembles correctly.
func (p *SerialPort) Read(deadline time.Time) ([]byte, error) {
	for {
		if frame, ok := p.tryExtractFrame(); ok {
			return frame, nil
		}
		if err := p.fill(deadline); err != nil {
			return nil, err
		}
	}
}

// tryExtractFrame scans the inbox for one complete frame, discarding
// stray bytes, time-request bytes (0x80-0xFF outside a frame), and async
// slot-change notifications (0x50 0x02 / 0x50 0x03) as it goes. The LRC
// byte is not checked, and a whole command frame echoed back by the
// reader is not recognised: it starts with SYNC and is returned as a
// reply.
func (p *SerialPort) tryExtractFrame() ([]byte, bool) {
	buf := p.inbox.Bytes()
	for len(buf) > 0 {
		switch {
		case buf[0] == sync:
			if len(buf) < 2 {
				return nil, false
			}
			n := int(buf[1])
			if len(buf) < 2+n+1 {
				return nil, false
			}
			payload := append([]byte(nil), buf[2:2+n]...)
			p.inbox.Next(2 + n + 1)
			return payload, true
		case buf[0] == 0x50:
			if len(buf) < 2 {
				return nil, false
			}
			// Async slot-change frame: consumed silently, the reader
			// polls GetSlotStatus for the details.
			p.inbox.Next(2)
			buf = p.inbox.Bytes()
		case buf[0] >= 0x80:
			// Time-request filler byte while the card is busy.
			p.inbox.Next(1)
			buf = p.inbox.Bytes()
		default:
			// Stray echo byte.
			p.inbox.Next(1)
			buf = p.inbox.Bytes()
		}
	}
	return nil, false
}

func (p *SerialPort) fill(deadline time.Time) error {
	buf := make([]byte, 256)
	n, err := p.rw.Read(buf)
	if err != nil {
		return fmt.Errorf("transport: serial read: %w", err)
	}
	if n == 0 {
		if time.Now().After(deadline) {
			return fmt.Errorf("transport: serial read timed out")
		}
		return nil
	}
	p.inbox.Write(buf[:n])
	return nil
}

func (p *SerialPort) readByte(timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	for p.inbox.Len() == 0 {
		if err := p.fill(deadline); err != nil {
			return 0, err
		}
	}
	return p.inbox.Next(1)[0], nil
}

// Control has no meaning on a serial link; ICCD control framing is a
// USB-only concept.
func (p *SerialPort) Control(byte, byte, uint16, uint16, []byte) (int, error) {
	return 0, fmt.Errorf("transport: control transfers are not supported over serial")
}

// InterruptRead has no separate channel on serial; slot-change frames
// arrive inline and are already absorbed by tryExtractFrame.
func (p *SerialPort) InterruptRead(time.Duration) ([]byte, error) {
	return nil, fmt.Errorf("transport: no interrupt channel on serial transport")
}

func (p *SerialPort) Close() error {
	if closer, ok := p.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
