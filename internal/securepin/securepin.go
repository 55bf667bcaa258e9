// Package securepin builds the CCID Secure (PIN verify/modify) command
// payload from a structured PIN request, applies per-reader fixups, and
// computes the read timeout a PIN entry exchange needs.
package securepin

import (
	"fmt"
	"time"
)

// Operation selects the Secure sub-command (PC_to_RDR_Secure
// bMessageType field).
type Operation byte

const (
	OpVerify Operation = 0x00
	OpModify Operation = 0x01
)

// Request describes a PIN entry in terms the caller (PC/SC's PIN
// verify/modify structures) already provides; Build turns it into the
// bytes that follow the CCID Secure header.
type Request struct {
	Op            Operation
	TimeoutSec    byte
	FormatString  byte // bmFormatString: PIN encoding, justification, PIN position in APDU
	PINBlockLen   byte
	PINLengthMin  byte
	PINLengthMax  byte
	EntryValidate byte // bEntryValidationCondition
	NumberMessage byte
	LangID        uint16
	MsgIndex      byte
	APDU          []byte // the T=0/T=1 APDU template with the PIN placeholder
}

// Build constructs the Secure command payload (everything after the
// 10-byte CCID header's opcode/length/slot/seq and the three
// opcode-specific bytes already carried by ccidwire.Build).
func Build(r Request) []byte {
	out := []byte{
		byte(r.Op),
		r.TimeoutSec,
		r.FormatString,
		r.PINBlockLen,
		r.PINLengthMin,
		r.PINLengthMax,
		r.EntryValidate,
		r.NumberMessage,
		byte(r.LangID), byte(r.LangID >> 8),
		r.MsgIndex,
		0, 0, 0, // bTeoPrologue, filled by the T=1 prologue splice when needed
	}
	return append(out, r.APDU...)
}

// SpliceT1Prologue overwrites the three reserved bTeoPrologue bytes with
// the NAD/PCB/LEN a TPDU-level reader needs to frame the PIN APDU as a
// T=1 I-block itself, since the reader (not the driver) builds the
// actual T=1 block for a Secure command at exchange level 0x01.
func SpliceT1Prologue(payload []byte, nad, pcb byte, apduLen int) error {
	if len(payload) < 14 {
		return fmt.Errorf("securepin: payload too short for a prologue splice: %d bytes", len(payload))
	}
	payload[11] = nad
	payload[12] = pcb
	payload[13] = byte(apduLen)
	return nil
}

// ReadTimeout computes the read deadline a Secure exchange needs: at
// least 30s, or the user-configured PIN entry timeout plus a 10s guard
// band, whichever is larger.
func ReadTimeout(userTimeout time.Duration) time.Duration {
	floor := 30 * time.Second
	withGuard := userTimeout + 10*time.Second
	if withGuard > floor {
		return withGuard
	}
	return floor
}

// RollbackOnReject returns ns and nr each stepped back by one (toggled),
// for use after the CCID level rejects (bError) a Secure exchange whose
// T=1 prologue splice had already advanced them: no TPDU reached the
// card, so the driver undoes its own advance to stay in lockstep.
func RollbackOnReject(ns, nr byte) (rolledNS, rolledNR byte) {
	return (ns + 1) & 1, (nr + 1) & 1
}
