package t1

import (
	"fmt"
	"time"
)

// Phase is the engine's explicit state, a total enum rather than a
// scattered set of booleans. resync sets PhaseResynching, PhaseSending
// and PhaseDead; Transmit refuses to run once the phase is PhaseDead.
type Phase int

const (
	PhaseSending Phase = iota
	PhaseReceiving
	PhaseResynching
	PhaseDead
)

func (p Phase) String() string {
	switch p {
	case PhaseSending:
		return "sending"
	case PhaseReceiving:
		return "receiving"
	case PhaseResynching:
		return "resynching"
	default:
		return "dead"
	}
}

// State is the per-slot T=1 engine state, carried across exchanges.
type State struct {
	NAD         byte
	NS          byte // our next send sequence bit
	NR          byte // our next expected receive sequence bit
	IFSC        int  // card's declared information field size (our send chunk limit)
	IFSD        int  // our declared information field size (card's send chunk limit)
	CRC         bool
	Phase       Phase
	RetryBudget int
	ResyncBudget int
	lastWTX     time.Duration // multiplier from the most recent WTX S-block
}

// DefaultState builds the initial per-slot state from ATR-derived
// parameters, using the default retry/resync budgets of 3 each.
func DefaultState(nad byte, ifsc int, crc bool) *State {
	if ifsc <= 0 {
		ifsc = 32
	}
	return &State{
		NAD: nad, IFSC: ifsc, IFSD: 254, CRC: crc,
		Phase: PhaseSending, RetryBudget: 3, ResyncBudget: 3,
	}
}

// Exchanger sends one wire-encoded block and returns the wire-encoded
// reply. It abstracts the underlying transport (USB bulk or serial)
// so the engine is testable with a fake.
type Exchanger interface {
	Exchange(frame []byte) ([]byte, error)
}

// Engine drives one slot's T=1 conversation.
type Engine struct {
	State   *State
	Port    Exchanger
	pending *Block // an I-block already read ahead by sendI's final round-trip
}

// NewEngine builds an engine bound to a transport and starting state.
func NewEngine(port Exchanger, st *State) *Engine {
	return &Engine{State: st, Port: port}
}

// Transmit sends apdu chunked per IFSC (I-blocks with the M bit except
// the final chunk), drives the R/S-block recovery ladder, and returns
// the reassembled response INF once the card sends a final (non-M)
// I-block.
func (e *Engine) Transmit(apdu []byte) ([]byte, error) {
	s := e.State
	if s.Phase == PhaseDead {
		return nil, fmt.Errorf("t1: engine is dead, resync budget exhausted")
	}
	chunks := chunk(apdu, s.IFSC)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	for i, c := range chunks {
		more := i != len(chunks)-1
		if err := e.sendI(c, more); err != nil {
			return nil, err
		}
	}
	return e.receiveAll()
}

func chunk(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 254
	}
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

// sendI sends one I-block and waits for its acknowledgement (an R-block
// with NR toggled, or a WTX S-block which only extends the deadline).
func (e *Engine) sendI(inf []byte, more bool) error {
	s := e.State
	block := BuildI(s.NAD, s.NS, more, inf)
	reply, err := e.roundtrip(block)
	if err != nil {
		return err
	}
	switch reply.Kind() {
	case KindR:
		if reply.NR() != (s.NS+1)&1 {
			return e.resend(block)
		}
		s.NS = (s.NS + 1) & 1
		return nil
	case KindI:
		// Card answered the final chunk directly with data: sequence
		// advances and the caller's next read picks this block up.
		s.NS = (s.NS + 1) & 1
		e.pending = &reply
		return nil
	case KindS:
		return e.handleS(reply)
	}
	return fmt.Errorf("t1: unexpected block kind")
}

// LastWTX returns the multiplier from the most recent WTX request, for
// the caller to scale its read timeout by BWT * multiplier.
func (e *Engine) LastWTX() time.Duration { return e.State.lastWTX }

func (e *Engine) receiveAll() ([]byte, error) {
	s := e.State
	var out []byte
	block := e.pending
	e.pending = nil
	for {
		if block == nil {
			b, err := e.recvNext()
			if err != nil {
				return nil, err
			}
			block = b
		}
		switch block.Kind() {
		case KindI:
			if block.NS() != s.NR {
				return nil, fmt.Errorf("t1: out-of-sequence I-block")
			}
			out = append(out, block.INF...)
			s.NR = (s.NR + 1) & 1
			if !block.More() {
				return out, nil
			}
			ack := BuildR(s.NAD, s.NR, RNoError)
			reply, err := e.roundtrip(ack)
			if err != nil {
				return nil, err
			}
			block = &reply
		case KindS:
			if err := e.handleS(*block); err != nil {
				return nil, err
			}
			block = nil
		default:
			return nil, fmt.Errorf("t1: unexpected %v while receiving", block.Kind())
		}
	}
}

func (e *Engine) recvNext() (*Block, error) {
	raw, err := e.Port.Exchange(nil)
	if err != nil {
		return nil, err
	}
	b, err := Decode(raw, e.State.CRC)
	if err != nil {
		return nil, e.requestResend()
	}
	return &b, nil
}

// roundtrip encodes and exchanges one block, decoding the reply; a
// checksum or parity failure triggers an EDC R-block per the recovery
// ladder instead of propagating the raw error.
func (e *Engine) roundtrip(b Block) (Block, error) {
	raw := Encode(b, e.State.CRC)
	reply, err := e.Port.Exchange(raw)
	if err != nil {
		return Block{}, err
	}
	decoded, err := Decode(reply, e.State.CRC)
	if err != nil {
		return e.recoverFromEDC(b)
	}
	return decoded, nil
}

// recoverFromEDC sends an R-block signalling an EDC/parity error and
// waits for the retransmission, consuming one unit of the retry budget.
func (e *Engine) recoverFromEDC(original Block) (Block, error) {
	s := e.State
	if s.RetryBudget <= 0 {
		return e.resync()
	}
	s.RetryBudget--
	nack := BuildR(s.NAD, s.NR, REDC)
	raw := Encode(nack, s.CRC)
	reply, err := e.Port.Exchange(raw)
	if err != nil {
		return Block{}, err
	}
	decoded, err := Decode(reply, s.CRC)
	if err != nil {
		return e.recoverFromEDC(original)
	}
	return decoded, nil
}

func (e *Engine) resend(original Block) error {
	s := e.State
	if s.RetryBudget <= 0 {
		_, err := e.resync()
		return err
	}
	s.RetryBudget--
	reply, err := e.roundtrip(original)
	if err != nil {
		return err
	}
	if reply.Kind() == KindR && reply.NR() == (s.NS+1)&1 {
		s.NS = (s.NS + 1) & 1
		return nil
	}
	return e.resend(original)
}

func (e *Engine) requestResend() error {
	s := e.State
	nack := BuildR(s.NAD, s.NR, ROther)
	_, err := e.roundtrip(nack)
	return err
}

// resync sends an S(RESYNCH request) and expects S(RESYNCH response);
// it resets sequence counters on success and kills the engine once the
// resync budget is exhausted.
func (e *Engine) resync() (Block, error) {
	s := e.State
	if s.ResyncBudget <= 0 {
		s.Phase = PhaseDead
		return Block{}, fmt.Errorf("t1: resync budget exhausted, card unresponsive")
	}
	s.ResyncBudget--
	s.Phase = PhaseResynching
	req := BuildS(s.NAD, SResynch, false, nil)
	raw := Encode(req, s.CRC)
	reply, err := e.Port.Exchange(raw)
	if err != nil {
		return Block{}, err
	}
	decoded, err := Decode(reply, s.CRC)
	if err != nil || decoded.Kind() != KindS || decoded.SCode() != SResynch || !decoded.SIsResponse() {
		return e.resync()
	}
	s.NS, s.NR = 0, 0
	s.Phase = PhaseSending
	return decoded, nil
}

// NegotiateIFSD sends a driver-initiated S(IFS request) proposing ifsd
// and waits for the card's echo. Callers run this once, immediately
// after power-up, when the reader does not advertise auto-IFSD —
// otherwise the reader's firmware already ran this exchange itself.
func (e *Engine) NegotiateIFSD(ifsd int) error {
	if ifsd <= 0 || ifsd > 254 {
		ifsd = 254
	}
	req := BuildS(e.State.NAD, SIFS, false, []byte{byte(ifsd)})
	reply, err := e.roundtrip(req)
	if err != nil {
		return err
	}
	if reply.Kind() != KindS || reply.SCode() != SIFS || !reply.SIsResponse() {
		return fmt.Errorf("t1: unexpected reply to IFS request: %v", reply.Kind())
	}
	e.State.IFSD = ifsd
	return nil
}

// handleS answers S-block requests: WTX records its multiplier (read
// back via LastWTX so the caller can stretch its transport timeout) and
// echoes back a WTX response; IFS updates IFSC; ABORT aborts the
// current chain.
func (e *Engine) handleS(s Block) error {
	switch s.SCode() {
	case SWTX:
		mult := 1
		if len(s.INF) == 1 {
			mult = int(s.INF[0])
		}
		e.State.lastWTX = time.Duration(mult)
		resp := BuildS(e.State.NAD, SWTX, true, s.INF)
		if _, err := e.roundtrip(resp); err != nil {
			return err
		}
		return nil
	case SIFS:
		if len(s.INF) == 1 {
			e.State.IFSC = int(s.INF[0])
		}
		resp := BuildS(e.State.NAD, SIFS, true, s.INF)
		_, err := e.roundtrip(resp)
		return err
	case SAbort:
		return fmt.Errorf("t1: card requested abort")
	default:
		return fmt.Errorf("t1: unexpected S-block code 0x%02x", s.SCode())
	}
}
