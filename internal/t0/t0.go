// Package t0 implements the ISO 7816-3 T=0 character-level protocol
// (the procedure-byte state machine) and the ISO 7816-4 TPDU case
// table used by CCID readers that handle T=0 chaining internally.
package t0

import "fmt"

// Case is the ISO 7816-4 APDU case, determining how Lc/Le map onto the
// wire exchange.
type Case int

const (
	Case1 Case = iota // no data in, no data out
	Case2             // no data in, Le bytes out
	Case3             // Lc bytes in, no data out
	Case4             // Lc bytes in, Le bytes out
)

// Classify determines the ISO 7816-4 case from a bare command APDU
// (CLA INS P1 P2 [Lc data] [Le]); it does not itself move bytes.
func Classify(apdu []byte) (Case, error) {
	if len(apdu) < 4 {
		return 0, fmt.Errorf("t0: apdu shorter than header: %d bytes", len(apdu))
	}
	switch len(apdu) {
	case 4:
		return Case1, nil
	case 5:
		return Case2, nil
	default:
		lc := int(apdu[4])
		if len(apdu) == 5+lc {
			return Case3, nil
		}
		if len(apdu) == 5+lc+1 {
			return Case4, nil
		}
		return 0, fmt.Errorf("t0: apdu length %d inconsistent with Lc=%d", len(apdu), lc)
	}
}

// Exchanger sends one raw byte sequence to the card and returns the
// bytes it replies with (procedure byte, SW1SW2, or data), mirroring
// how a CCID reader's XfrBlock exchange looks to the engine.
type Exchanger interface {
	Exchange(out []byte) ([]byte, error)
}

// Engine drives the character-level T=0 procedure-byte loop: after the
// header, the card sends a procedure byte that is either INS (send the
// remaining command body), INS^0xFF (send the next body byte), 0x60
// (wait, re-read), or SW1 (completion, SW2 follows). Only the command
// direction is driven: response data bytes are not read, and an INS or
// INS^0xFF procedure byte that arrives once the body is exhausted is an
// error.
type Engine struct {
	Port Exchanger
}

// NewEngine builds a character-level T=0 engine.
func NewEngine(port Exchanger) *Engine { return &Engine{Port: port} }

// Transmit runs the procedure-byte loop for one APDU of five bytes or
// more and returns SW1 SW2 only, with no response data bytes. A shorter
// APDU is sent in one exchange and that exchange's reply is returned as
// is.
func (e *Engine) Transmit(apdu []byte) ([]byte, error) {
	if len(apdu) < 5 {
		hdr, err := e.Port.Exchange(apdu)
		return hdr, err
	}
	header := apdu[:5]
	ins := header[1]
	body := apdu[5:]

	resp, err := e.Port.Exchange(header)
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		if len(resp) == 0 {
			return nil, fmt.Errorf("t0: empty procedure byte response")
		}
		proc := resp[0]
		switch {
		case proc == 0x60:
			// NULL/wait byte: the reader must re-read without sending
			// anything.
			resp, err = e.Port.Exchange(nil)
			if err != nil {
				return nil, err
			}
			continue
		case proc == ins || proc == ins^0xFF:
			if len(body) == 0 {
				return nil, fmt.Errorf("t0: procedure byte requests data but body is exhausted")
			}
			var chunk []byte
			if proc == ins {
				chunk, body = body, nil
			} else {
				chunk, body = body[:1], body[1:]
			}
			resp, err = e.Port.Exchange(chunk)
			if err != nil {
				return nil, err
			}
			continue
		case proc&0xF0 == 0x60 || proc&0xF0 == 0x90:
			// SW1: completion. SW2 is the next byte of the same read.
			if len(resp) < 2 {
				more, err := e.Port.Exchange(nil)
				if err != nil {
					return nil, err
				}
				resp = append(resp, more...)
			}
			out = append(out, resp[:2]...)
			return out, nil
		default:
			return nil, fmt.Errorf("t0: unrecognised procedure byte 0x%02x", proc)
		}
	}
}

// TPDU is the single-shot path some CCID readers expose: the reader's
// firmware runs the procedure-byte loop itself and the driver only
// frames one XfrBlock carrying the whole APDU, receiving the full
// response (data + SW1SW2) in one reply.
func TPDU(port Exchanger, apdu []byte) ([]byte, error) {
	return port.Exchange(apdu)
}
