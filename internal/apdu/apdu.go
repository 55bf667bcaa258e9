// Package apdu implements the CCID extended-APDU chaining levels
// (wLevelParameter 0x00/0x01/0x02/0x03/0x10): for readers that do not
// handle extended length themselves, command and response bytes are
// chunked across several XfrBlock exchanges.
package apdu

import "fmt"

// Level is the CCID exchange level declared in dwFeatures and echoed in
// wLevelParameter of each XfrBlock.
type Level int

const (
	LevelCharacter        Level = 0x00 // TPDU-less, character-level T=0 (driver runs the loop)
	LevelTPDU             Level = 0x01 // reader runs T=0/T=1 TPDU internally, single shot
	LevelShortAPDUChain   Level = 0x02 // reader chains short APDUs, extended unsupported
	LevelShortExtAPDU     Level = 0x04 // reader handles short and extended APDU automatically
	LevelExtAPDUChaining  Level = 0x10 // driver must chunk extended APDUs itself
)

// chainParam values used in the CCID header's bBWI/wLevelParameter slot
// when the reader is at LevelExtAPDUChaining.
const (
	ChainBeginEnd = 0x00 // whole command fits in this block, whole response expected
	ChainBegin    = 0x01 // first block of a multi-block command
	ChainEnd      = 0x02 // last block of a multi-block command
	ChainMore     = 0x03 // an interior block of a multi-block command
)

// Exchanger sends one XfrBlock payload with its chain parameter and
// returns the reply payload plus the chain parameter the reader echoed
// back (ChainBegin/ChainMore signal more response data is pending).
type Exchanger interface {
	Exchange(chain byte, payload []byte) (replyChain byte, replyPayload []byte, err error)
}

// Transmit drives the chunked-chaining algorithm at LevelExtAPDUChaining:
// command bytes larger than maxSend are split across several blocks
// (ChainBegin .. ChainMore* .. ChainEnd), and a ChainBegin/ChainMore reply
// triggers further empty-payload 0x10 probes until the reader signals
// completion with ChainBeginEnd or ChainEnd on its final reply.
func Transmit(port Exchanger, apdu []byte, maxSend int) ([]byte, error) {
	const chainProbe = 0x10 // empty continuation probe
	if maxSend <= 0 {
		maxSend = 261
	}
	chunks := chunk(apdu, maxSend)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	var lastChain byte
	var lastReply []byte
	for i, c := range chunks {
		var param byte
		switch {
		case len(chunks) == 1:
			param = ChainBeginEnd
		case i == 0:
			param = ChainBegin
		case i == len(chunks)-1:
			param = ChainEnd
		default:
			param = ChainMore
		}
		rc, rp, err := port.Exchange(param, c)
		if err != nil {
			return nil, err
		}
		lastChain, lastReply = rc, rp
	}

	out := append([]byte(nil), lastReply...)
	for lastChain == ChainBegin || lastChain == ChainMore {
		rc, rp, err := port.Exchange(chainProbe, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, rp...)
		if rc == ChainBeginEnd || rc == ChainEnd {
			break
		}
		lastChain = rc
		if rc != ChainBegin && rc != ChainMore {
			return nil, fmt.Errorf("apdu: unexpected chain parameter 0x%02x", rc)
		}
	}
	return out, nil
}

func chunk(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
