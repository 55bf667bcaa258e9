// Package ccidwire builds and parses CCID bulk messages: the 10-byte
// header, the bSeq sequence counter, and the bStatus/bError → canonical
// error-kind translation.
package ccidwire

import (
	"encoding/binary"
	"fmt"
)

// Bulk-OUT opcodes (host → reader).
const (
	OpPowerOn       = 0x62
	OpPowerOff      = 0x63
	OpGetSlotStatus = 0x65
	OpEscape        = 0x6B
	OpXfrBlock      = 0x6F
	OpSetParameters = 0x61
	OpSecure        = 0x69
)

// Bulk-IN response opcodes (reader → host).
const (
	InDataBlock       = 0x80
	InSlotStatus      = 0x81
	InParameters      = 0x82
	InEscape          = 0x83
	InDataRateAndFreq = 0x84
)

const headerLen = 10

// bmCommandStatus occupies bits 6-7 of bStatus.
const (
	commandStatusMask = 0xC0
	commandStatusOK   = 0x00
	commandStatusTime = 0x80 // time extension requested, not an error
)

// bmICCStatus occupies bits 0-1 of bStatus.
const (
	iccStatusMask           = 0x03
	SlotPresentActive       = 0x00
	SlotPresentInactive     = 0x01
	SlotAbsent              = 0x02
)

// ErrorKind is the canonical error translated from a CCID bError byte.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrCommandNotSupported
	ErrPINCancelled
	ErrPINTimeout
	ErrParity
	ErrCardAbsent
	ErrHardware
	ErrByteOffset
	ErrUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNone:
		return "none"
	case ErrCommandNotSupported:
		return "command-not-supported"
	case ErrPINCancelled:
		return "pin-cancelled"
	case ErrPINTimeout:
		return "pin-timeout"
	case ErrParity:
		return "parity-error"
	case ErrCardAbsent:
		return "card-absent"
	case ErrHardware:
		return "hardware-error"
	case ErrByteOffset:
		return "byte-offset-error"
	default:
		return "unknown"
	}
}

// TranslateError maps a raw bError byte to its canonical kind, per the
// table in the CCID message codec component.
func TranslateError(bError byte) ErrorKind {
	switch {
	case bError == 0x00:
		return ErrCommandNotSupported
	case bError == 0xEF:
		return ErrPINCancelled
	case bError == 0xF0:
		return ErrPINTimeout
	case bError == 0xFD:
		return ErrParity
	case bError == 0xFE:
		return ErrCardAbsent
	case bError == 0xFB:
		return ErrHardware
	case bError >= 1 && bError <= 127:
		return ErrByteOffset
	default:
		return ErrUnknown
	}
}

// Error is a command-level failure translated from a CCID response.
type Error struct {
	Kind   ErrorKind
	Raw    byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("ccid: command failed: %s (bError=0x%02x)", e.Kind, e.Raw)
}

// Build constructs a 10-byte CCID header followed by payload. b0..b2 are
// the three opcode-specific bytes (e.g. bPowerSelect, bBWI|wLevelParameter,
// etc — callers fill in the meaning).
func Build(opcode byte, slot, seq, b0, b1, b2 byte, payload []byte) []byte {
	msg := make([]byte, headerLen+len(payload))
	msg[0] = opcode
	binary.LittleEndian.PutUint32(msg[1:5], uint32(len(payload)))
	msg[5] = slot
	msg[6] = seq
	msg[7] = b0
	msg[8] = b1
	msg[9] = b2
	copy(msg[headerLen:], payload)
	return msg
}

// Message is a parsed bulk-IN response.
type Message struct {
	Opcode  byte
	Slot    byte
	Seq     byte
	Status  byte
	Error   byte
	Chain   byte // chain parameter (XfrBlock) or clock status (GetSlotStatus)
	Payload []byte
}

// SlotStatus returns the bmICCStatus bits of Status.
func (m *Message) SlotStatus() byte { return m.Status & iccStatusMask }

// TimeExtension reports whether the reader is asking for more time; this
// is not a failure and the caller should simply re-issue the read.
func (m *Message) TimeExtension() bool {
	return m.Status&commandStatusMask == commandStatusTime
}

// Failed reports whether bmCommandStatus signals CCID_COMMAND_FAILED.
func (m *Message) Failed() bool {
	return m.Status&commandStatusMask != commandStatusOK && !m.TimeExtension()
}

// Parse validates and decodes a bulk-IN message. It enforces the header
// invariants: length >= 10, declared payload length equal to the received
// remainder, and returns *Error when bmCommandStatus signals failure.
func Parse(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("ccid: short message: %d bytes", len(data))
	}
	declared := binary.LittleEndian.Uint32(data[1:5])
	got := uint32(len(data) - headerLen)
	if declared != got {
		return nil, fmt.Errorf("ccid: length mismatch: header declares %d, got %d", declared, got)
	}
	m := &Message{
		Opcode:  data[0],
		Slot:    data[5],
		Seq:     data[6],
		Status:  data[7],
		Error:   data[8],
		Chain:   data[9],
		Payload: data[headerLen:],
	}
	if m.Failed() {
		return m, &Error{Kind: TranslateError(m.Error), Raw: m.Error}
	}
	return m, nil
}

// NextSeq advances an 8-bit CCID sequence counter, wrapping mod 256.
func NextSeq(prev byte) byte { return prev + 1 }

// IsDuplicate reports whether a response's echoed sequence byte is behind
// the sequence we just sent, per the duplicate-frame invariant: such a
// response must be discarded and the read retried.
func IsDuplicate(expected, got byte) bool {
	// Sequence space is 8-bit and wraps; "less than" is only meaningful
	// within one in-flight window, so compare the signed difference.
	return int8(got-expected) < 0
}
