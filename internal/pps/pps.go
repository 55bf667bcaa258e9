// Package pps builds and validates Protocol and Parameters Selection
// exchanges: the PPSS/PPS0/PPS1/PPS2/PPS3/PCK request the driver sends
// after ATR when the default protocol or the card's proposed Fi/Di need
// changing, and the acceptance check against the card's reply.
package pps

import "fmt"

const ppss = 0xFF

// Request is a PPS request/response frame; Build(r) produces its wire form.
type Request struct {
	Protocol int
	HasPPS1  bool
	FiIndex  byte // nibble into the Fi table
	DiIndex  byte // nibble into the Di table
}

// Build constructs the PPS request byte sequence: PPSS, PPS0, [PPS1],
// PCK. PPS2/PPS3 are never sent by this driver (no protocol-T15 or
// proprietary specific-mode use).
func Build(r Request) []byte {
	pps0 := byte(r.Protocol & 0x0F)
	if r.HasPPS1 {
		pps0 |= 0x10
	}
	frame := []byte{ppss, pps0}
	if r.HasPPS1 {
		frame = append(frame, (r.FiIndex<<4)|(r.DiIndex&0x0F))
	}
	frame = append(frame, xor(frame))
	return frame
}

func xor(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}
	return x
}

// Parse validates a PPS reply against the request that produced it: the
// checksum must verify, PPSS/PPS0 must echo exactly, and PPS1 (when we
// proposed one) must either echo our values (accepted) or be absent
// (the card keeps default Fi/Di).
func Parse(sent Request, reply []byte) (accepted Request, err error) {
	if len(reply) < 3 {
		return Request{}, fmt.Errorf("pps: short reply: %d bytes", len(reply))
	}
	if reply[len(reply)-1] != xor(reply[:len(reply)-1]) {
		return Request{}, fmt.Errorf("pps: checksum failure")
	}
	if reply[0] != ppss {
		return Request{}, fmt.Errorf("pps: bad PPSS 0x%02x", reply[0])
	}
	pps0 := reply[1]
	if pps0&0x0F != byte(sent.Protocol&0x0F) {
		return Request{}, fmt.Errorf("pps: card proposed a different protocol: 0x%02x", pps0&0x0F)
	}
	accepted.Protocol = int(pps0 & 0x0F)
	if pps0&0x10 == 0 {
		// Card declined PPS1: defaults (Fi=372/Di=1) stay in force.
		if len(reply) != 3 {
			return Request{}, fmt.Errorf("pps: reply length %d inconsistent with PPS0", len(reply))
		}
		return accepted, nil
	}
	if len(reply) != 4 {
		return Request{}, fmt.Errorf("pps: PPS1 echoed but reply length is %d", len(reply))
	}
	if !sent.HasPPS1 || reply[2] != (sent.FiIndex<<4)|(sent.DiIndex&0x0F) {
		return Request{}, fmt.Errorf("pps: PPS1 byte 0x%02x does not match our proposal", reply[2])
	}
	accepted.HasPPS1 = true
	accepted.FiIndex = reply[2] >> 4
	accepted.DiIndex = reply[2] & 0x0F
	return accepted, nil
}

// ShouldPropose decides whether a PPS1 byte is worth sending: the ATR's
// TA1 must declare something other than the default (Fi=372/Di=1), the
// card must not be pinned to a specific mode by TA2, and the protocol
// being negotiated must not already be what the reader auto-negotiates
// on power-up (some CCID readers handle PPS themselves; callers check
// that capability bit before calling this package at all).
func ShouldPropose(ta1 byte, specificMode bool) bool {
	if specificMode {
		return false
	}
	return ta1 != 0x11 && ta1 != 0x00
}

// NextLowerBaud walks the Di table downward for retry after a PPS
// rejection at the highest proposed rate, per the component's baud-rate
// decrement search. di must be one of the standard table entries;
// returns ok=false once it reaches the floor (Di=1).
func NextLowerBaud(diIndex byte) (next byte, ok bool) {
	order := []byte{9, 8, 6, 5, 4, 3, 2, 1}
	for i, v := range order {
		if v == diIndex && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return 1, false
}
