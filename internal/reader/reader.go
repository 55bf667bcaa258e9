// Package reader is the driver facade: it owns the registry of open
// channels, the per-device transport/bSeq state shared across a
// multi-slot reader's slots, and the dispatch from a raw Transmit call
// to the right transport-protocol engine.
package reader

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ccid/internal/apdu"
	"ccid/internal/atr"
	"ccid/internal/ccidwire"
	"ccid/internal/pps"
	"ccid/internal/quirks"
	"ccid/internal/securepin"
	"ccid/internal/t0"
	"ccid/internal/t1"
	"ccid/internal/transport"
)

// maxDuplicateReads bounds how many stale (behind-expected bSeq)
// replies the driver will silently discard and re-read before
// declaring the port broken.
const maxDuplicateReads = 10

// ExchangeClass distinguishes how the reader's firmware wants commands
// framed, per dwFeatures (the CCID exchange-level bits).
type ExchangeClass int

const (
	ClassCharacter ExchangeClass = iota
	ClassTPDU
	ClassShortAPDU
	ClassExtAPDUChaining
)

// Protocol is the negotiated card protocol.
type Protocol int

const (
	ProtocolT0 Protocol = iota
	ProtocolT1
)

// Descriptor is the reader descriptor: one physical device, shared via
// pointer and refcounted across the slots that were opened against it.
// No per-slot state lives here — each slot gets its own *Slot.
type Descriptor struct {
	Port        transport.Port
	ExchangeCls ExchangeClass
	ReadTimeout time.Duration
	Quirks      quirks.Hooks

	// AutoPPSProposed and AutoIFSD report reader firmware features
	// (CCID dwFeatures bits): when set, the reader itself runs the PPS
	// and IFSD exchanges and the driver must not duplicate them.
	AutoPPSProposed bool
	AutoIFSD        bool

	mu   sync.Mutex // guards seq across all slots of this reader; Port writes and reads are not held under it
	seq  byte
	refs int32
}

// chunkLimiter is implemented by transports that can cap a single read
// below their natural buffer size (currently transport.USBPort).
type chunkLimiter interface {
	SetMaxReadChunk(n int)
}

// NewDescriptor builds a Descriptor for the given (vendorId, productId,
// bcdDevice) triple, looking up its fixups in quirks.Default,
// downgrading ExchangeCls when the reader's ForceShortAPDU quirk fires,
// and applying ModuloSplitRead to the port if it supports chunkLimiter.
func NewDescriptor(port transport.Port, cls ExchangeClass, id quirks.ID) *Descriptor {
	hooks := quirks.Default.Lookup(id)
	if hooks.ForceShortAPDU && cls == ClassExtAPDUChaining {
		cls = ClassShortAPDU
	}
	if hooks.ModuloSplitRead > 0 {
		if cl, ok := port.(chunkLimiter); ok {
			cl.SetMaxReadChunk(hooks.ModuloSplitRead)
		}
	}
	return &Descriptor{Port: port, ExchangeCls: cls, Quirks: hooks}
}

// Retain increments the descriptor's refcount (one per open channel
// sharing this physical reader).
func (d *Descriptor) Retain() { atomic.AddInt32(&d.refs, 1) }

// Release decrements the refcount and reports whether it reached zero
// (the caller should then close the transport).
func (d *Descriptor) Release() bool {
	return atomic.AddInt32(&d.refs, -1) == 0
}

// nextSeq is the only place bSeq advances for this reader; callers must
// hold d.mu.
func (d *Descriptor) nextSeq() byte {
	s := d.seq
	d.seq = ccidwire.NextSeq(d.seq)
	return s
}

// withTimeout runs fn with the descriptor's read timeout temporarily
// set to tmp, restoring the previous value afterward even on error —
// used around secure-PIN exchanges, which need a longer deadline than
// the steady-state default.
func withTimeout(d *Descriptor, tmp time.Duration, fn func() error) error {
	prev := d.ReadTimeout
	d.ReadTimeout = tmp
	defer func() { d.ReadTimeout = prev }()
	return fn()
}

// readReply reads one bulk-IN reply for a command sent with
// expectedSeq, discarding and re-reading stale duplicates (an echoed
// bSeq behind what we just sent) per the duplicate-frame invariant,
// up to maxDuplicateReads before declaring the port broken.
func readReply(d *Descriptor, expectedSeq byte) (*ccidwire.Message, error) {
	for attempt := 0; ; attempt++ {
		raw, err := d.Port.Read(time.Now().Add(d.ReadTimeout))
		if err != nil {
			return nil, err
		}
		reply, err := ccidwire.Parse(raw)
		if reply == nil {
			return nil, err
		}
		if ccidwire.IsDuplicate(expectedSeq, reply.Seq) {
			if attempt >= maxDuplicateReads {
				return nil, fmt.Errorf("reader: port broken: %d consecutive duplicate frames", maxDuplicateReads)
			}
			continue
		}
		return reply, err
	}
}

// Slot is one channel's runtime state: its slot index on the shared
// reader, the cached ATR, power state, and (once powered) the protocol
// engine driving Transmit.
type Slot struct {
	Descriptor *Descriptor
	Index      byte
	Name       string

	ATR      *atr.ATR
	Powered  bool
	Protocol Protocol

	t1Engine *t1.Engine
}

// powerExchanger adapts a Descriptor+Slot pair to the small Exchanger
// interfaces the t0/t1 engines expect, translating each logical block
// into a CCID XfrBlock round-trip.
type powerExchanger struct {
	d    *Descriptor
	slot byte
}

func (x powerExchanger) Exchange(frame []byte) ([]byte, error) {
	x.d.mu.Lock()
	seq := x.d.nextSeq()
	x.d.mu.Unlock()

	msg := ccidwire.Build(ccidwire.OpXfrBlock, x.slot, seq, 0, 0, 0, frame)
	if err := x.d.Port.Write(msg); err != nil {
		return nil, err
	}
	reply, err := readReply(x.d, seq)
	if err != nil {
		return nil, err
	}
	for reply.TimeExtension() {
		reply, err = readReply(x.d, seq)
		if err != nil {
			return nil, err
		}
	}
	return reply.Payload, nil
}

// apduExchanger adapts a Descriptor+Slot pair to apdu.Exchanger: each
// chain-parameter/payload pair becomes one XfrBlock round-trip with
// wLevelParameter carrying the chain parameter in b1.
type apduExchanger struct {
	d    *Descriptor
	slot byte
}

func (x apduExchanger) Exchange(chain byte, payload []byte) (byte, []byte, error) {
	x.d.mu.Lock()
	seq := x.d.nextSeq()
	x.d.mu.Unlock()

	msg := ccidwire.Build(ccidwire.OpXfrBlock, x.slot, seq, 0, chain, 0, payload)
	if err := x.d.Port.Write(msg); err != nil {
		return 0, nil, err
	}
	reply, err := readReply(x.d, seq)
	if err != nil {
		return 0, nil, err
	}
	for reply.TimeExtension() {
		reply, err = readReply(x.d, seq)
		if err != nil {
			return 0, nil, err
		}
	}
	return reply.Chain, reply.Payload, nil
}

// PowerOn sends IccPowerOn, parses the ATR, derives T=1 card parameters
// when applicable, and leaves the slot ready for Transmit.
func (s *Slot) PowerOn() (*atr.ATR, error) {
	d := s.Descriptor
	d.mu.Lock()
	seq := d.nextSeq()
	msg := ccidwire.Build(ccidwire.OpPowerOn, s.Index, seq, 0, 0, 0, nil)
	d.mu.Unlock()

	if err := d.Port.Write(msg); err != nil {
		return nil, fmt.Errorf("reader: power on write: %w", err)
	}
	reply, err := readReply(d, seq)
	if err != nil {
		return nil, fmt.Errorf("reader: power on read: %w", err)
	}

	a, err := atr.Parse(reply.Payload)
	if err != nil {
		return nil, fmt.Errorf("reader: parse atr: %w", err)
	}
	s.ATR = a
	s.Powered = true

	specificProto, isSpecific := a.SpecificMode()
	switch {
	case isSpecific:
		s.Protocol = Protocol(specificProto)
	case len(a.Protocols) > 1 && a.Protocols[len(a.Protocols)-1] == 1:
		s.Protocol = ProtocolT1
	default:
		s.Protocol = ProtocolT0
	}

	// C4: run PPS ourselves unless the reader's firmware already
	// proposes it, and only when TA1 actually asks for something other
	// than the default Fi/Di.
	ta1 := atrTA1(a)
	if !d.AutoPPSProposed && pps.ShouldPropose(ta1, isSpecific) {
		if accepted, err := s.negotiatePPS(s.Protocol, ta1); err == nil {
			s.Protocol = Protocol(accepted.Protocol)
		}
		// A rejected or failed proposal is a compatibility negotiation,
		// not a power-on requirement: the slot stays on the ATR's
		// declared protocol and defaults.
	}

	if s.Protocol == ProtocolT1 {
		ifsc, _ := a.IFSC()
		crc := a.ChecksumIsCRC()
		state := t1.DefaultState(0, ifsc, crc)
		s.t1Engine = t1.NewEngine(powerExchanger{d: d, slot: s.Index}, state)
		if !d.AutoIFSD {
			if err := s.t1Engine.NegotiateIFSD(state.IFSD); err != nil {
				return a, fmt.Errorf("reader: ifsd negotiation: %w", err)
			}
		}
	}

	d.ReadTimeout = ComputeReadTimeout(a, s.Protocol)
	return a, nil
}

// atrTA1 returns TA1's value, or 0 (the default-baud sentinel
// pps.ShouldPropose already treats as "nothing to propose") when TA1
// is absent.
func atrTA1(a *atr.ATR) byte {
	if len(a.Groups) == 0 || !a.Groups[0].TA.Present {
		return 0
	}
	return a.Groups[0].TA.Value
}

// negotiatePPS runs the C4 PPS exchange proposing protocol and the
// Fi/Di nibbles TA1 carries, decrementing to the next lower baud (per
// pps.NextLowerBaud) each time the card rejects the current proposal,
// until one is accepted or the baud table is exhausted.
func (s *Slot) negotiatePPS(protocol Protocol, ta1 byte) (pps.Request, error) {
	x := powerExchanger{d: s.Descriptor, slot: s.Index}
	fiIndex, diIndex := ta1>>4, ta1&0x0F
	for {
		req := pps.Request{Protocol: int(protocol), HasPPS1: true, FiIndex: fiIndex, DiIndex: diIndex}
		raw, err := x.Exchange(pps.Build(req))
		if err != nil {
			return pps.Request{}, err
		}
		accepted, perr := pps.Parse(req, raw)
		if perr == nil {
			return accepted, nil
		}
		next, ok := pps.NextLowerBaud(diIndex)
		if !ok {
			return pps.Request{}, perr
		}
		diIndex = next
	}
}

// NegotiateProtocol drives an explicit C4 PPS exchange onto protocol,
// for the ABI's SetProtocolParameters call — distinct from the
// automatic proposal PowerOn already runs, this is a caller-requested
// switch (e.g. forcing T=1 on a card that defaults to T=0).
func (s *Slot) NegotiateProtocol(protocol Protocol) error {
	if !s.Powered {
		return fmt.Errorf("reader: slot %d is not powered", s.Index)
	}
	if protocol != ProtocolT0 && protocol != ProtocolT1 {
		return fmt.Errorf("reader: unsupported protocol %d", protocol)
	}
	if specProto, ok := s.ATR.SpecificMode(); ok && Protocol(specProto) != protocol {
		return fmt.Errorf("reader: card is pinned to protocol %d by TA2", specProto)
	}

	accepted, err := s.negotiatePPS(protocol, atrTA1(s.ATR))
	if err != nil {
		return err
	}
	s.Protocol = Protocol(accepted.Protocol)
	if s.Protocol == ProtocolT1 && s.t1Engine == nil {
		ifsc, _ := s.ATR.IFSC()
		crc := s.ATR.ChecksumIsCRC()
		state := t1.DefaultState(0, ifsc, crc)
		s.t1Engine = t1.NewEngine(powerExchanger{d: s.Descriptor, slot: s.Index}, state)
	}
	s.Descriptor.ReadTimeout = ComputeReadTimeout(s.ATR, s.Protocol)
	return nil
}

// ComputeReadTimeout derives the CCID bulk-IN read timeout from the
// ATR's Fi/Di/BWI parameters: the block waiting time plus a guard band
// derived from TC1 (12+TC1 ETUs), with a fixed floor for slow
// USB-serial bridges.
func ComputeReadTimeout(a *atr.ATR, protocol Protocol) time.Duration {
	fi, di := a.FiDi()
	bwi, _, _ := a.BWICWI()
	etu := time.Duration(float64(fi)/float64(di)*1e9/4_000_000) * time.Nanosecond
	bwt := (11+(1<<uint(bwi)))*etu + 1*time.Millisecond
	if bwt < time.Second {
		bwt = time.Second
	}
	tc1 := effectiveTC1(a, protocol)
	guard := time.Duration(12+int(tc1)) * etu
	const minGuard = 300 * time.Millisecond // heuristic margin observed across USB-serial bridges
	if guard < minGuard {
		guard = minGuard
	}
	return bwt + guard
}

// effectiveTC1 applies the "extra extra-guard-time" compatibility
// patch: when TA1 proposes a faster-than-default baud rate and the
// declared guard time (TC1) is 0 or 255 — i.e. the card declares none
// — non-strict cards are assumed to want two extra ETUs of guard
// instead, provided either T=0 is selected or a present TBi (i>=3) has
// CWI>=2.
func effectiveTC1(a *atr.ATR, protocol Protocol) byte {
	tc1 := byte(0)
	if len(a.Groups) > 0 && a.Groups[0].TC.Present {
		tc1 = a.Groups[0].TC.Value
	}
	ta1 := atrTA1(a)
	fasterThanDefault := ta1 != 0x11 && ta1 != 0x00
	if !fasterThanDefault || (tc1 != 0 && tc1 != 255) {
		return tc1
	}
	_, cwi, hasCWI := a.BWICWI()
	if protocol == ProtocolT0 || (hasCWI && cwi >= 2) {
		return 2
	}
	return tc1
}

// Transmit dispatches to the engine matching (protocol, exchange
// class), per the component's dispatch table.
func (s *Slot) Transmit(command []byte) ([]byte, error) {
	if !s.Powered {
		return nil, fmt.Errorf("reader: slot %d is not powered", s.Index)
	}
	d := s.Descriptor
	switch {
	case d.ExchangeCls == ClassExtAPDUChaining:
		return apdu.Transmit(apduExchanger{d: d, slot: s.Index}, command, 0)
	case s.Protocol == ProtocolT1 && d.ExchangeCls == ClassShortAPDU:
		return t0.TPDU(powerExchanger{d: d, slot: s.Index}, command)
	case s.Protocol == ProtocolT1:
		return s.t1Engine.Transmit(command)
	case s.Protocol == ProtocolT0 && d.ExchangeCls == ClassCharacter:
		return t0.NewEngine(powerExchanger{d: d, slot: s.Index}).Transmit(command)
	case s.Protocol == ProtocolT0:
		return t0.TPDU(powerExchanger{d: d, slot: s.Index}, command)
	default:
		return nil, fmt.Errorf("reader: no engine for protocol %d class %d", s.Protocol, d.ExchangeCls)
	}
}

// SecurePIN drives a PC_to_RDR_Secure PIN verify/modify exchange: it
// builds the Secure payload, splices the T=1 prologue when the slot is
// on T=1 at TPDU exchange level (advancing the T=1 sequence counters
// for the embedded I-block), stretches the descriptor's read timeout
// for the duration of the exchange, and rolls the spliced sequence
// counters back if the exchange fails. A reader
// quirked with DisablePINRetries refuses a Modify request outright,
// since some firmware locks up on a second Secure command.
func (s *Slot) SecurePIN(req securepin.Request) ([]byte, error) {
	if !s.Powered {
		return nil, fmt.Errorf("reader: slot %d is not powered", s.Index)
	}
	d := s.Descriptor
	if d.Quirks.DisablePINRetries && req.Op == securepin.OpModify {
		return nil, fmt.Errorf("reader: slot %d disables PIN retries, refusing modify", s.Index)
	}

	payload := securepin.Build(req)
	splicedT1 := s.Protocol == ProtocolT1 && d.ExchangeCls == ClassTPDU
	if splicedT1 {
		st := s.t1Engine.State
		pcb := (st.NS & 1) << 6
		if err := securepin.SpliceT1Prologue(payload, st.NAD, pcb, len(req.APDU)); err != nil {
			return nil, err
		}
		// The embedded APDU is the next I-block each way.
		st.NS, st.NR = (st.NS+1)&1, (st.NR+1)&1
	}

	var out []byte
	err := withTimeout(d, securepin.ReadTimeout(time.Duration(req.TimeoutSec)*time.Second), func() error {
		d.mu.Lock()
		seq := d.nextSeq()
		d.mu.Unlock()

		msg := ccidwire.Build(ccidwire.OpSecure, s.Index, seq, 0, 0, 0, payload)
		if err := d.Port.Write(msg); err != nil {
			return err
		}
		reply, err := readReply(d, seq)
		if err != nil {
			return err
		}
		out = reply.Payload
		if splicedT1 {
			edcLen := 1
			if s.t1Engine.State.CRC {
				edcLen = 2
			}
			if len(out) >= 3+edcLen {
				out = out[3 : len(out)-edcLen]
			}
		}
		return nil
	})
	if err != nil {
		if splicedT1 {
			s.t1Engine.State.NS, s.t1Engine.State.NR = securepin.RollbackOnReject(s.t1Engine.State.NS, s.t1Engine.State.NR)
		}
		return nil, err
	}
	return out, nil
}

// PowerOff sends IccPowerOff and clears the slot's power state.
func (s *Slot) PowerOff() error {
	d := s.Descriptor
	d.mu.Lock()
	seq := d.nextSeq()
	msg := ccidwire.Build(ccidwire.OpPowerOff, s.Index, seq, 0, 0, 0, nil)
	d.mu.Unlock()

	if err := d.Port.Write(msg); err != nil {
		return err
	}
	if _, err := readReply(d, seq); err != nil {
		return err
	}
	s.Powered = false
	s.t1Engine = nil
	return nil
}

// Present reports whether the slot holds a cached ATR from a successful
// PowerOn. It does not query the reader, and PowerOff leaves the cached
// ATR in place.
func (s *Slot) Present() bool {
	return s.ATR != nil
}
