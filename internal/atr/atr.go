// Package atr decodes the Answer-To-Reset byte stream into its interface
// bytes, protocol list and historical bytes, and derives the card
// parameters (Fi/Di, convention, IFSC, BWI/CWI) that drive transport
// timeouts and framing.
//
// The parser is total: every field is either present+value or absent, and
// a structurally odd ATR (bad TS, failing TCK) is reported via flags on
// the returned record rather than an error — malformed cards are common
// enough in the field that callers need to see what was actually sent.
package atr

import "fmt"

// Convention is the byte-ordering convention declared by TS.
type Convention int

const (
	ConventionUnknown Convention = iota
	ConventionDirect
	ConventionInverse
)

// Interface is one optional interface byte (TAi/TBi/TCi/TDi).
type Interface struct {
	Present bool
	Value   byte
}

// Group holds the interface bytes for one position i (1-indexed, i=1 is
// the first group after T0).
type Group struct {
	TA, TB, TC, TD Interface
}

// ATR is the fully parsed record.
type ATR struct {
	Raw        []byte
	TS         byte
	Convention Convention
	Malformed  bool // TS was neither 0x3B nor 0x3F

	T0              byte
	HistoricalCount int
	Historical      []byte

	Groups []Group // Groups[0] is group 1, etc.
	Protocols []int // distinct T values declared by TD bytes, T=0 always included

	TCKPresent bool
	TCK        byte
	TCKValid   bool // XOR of T0 through TCK inclusive is zero
}

// Fi/Di lookup tables (ISO 7816-3 table 7/8, as used throughout PC/SC
// implementations). -1 marks an RFU entry.
var fiTable = [16]int{372, 372, 558, 744, 1116, 1488, 1860, -1, -1, 512, 768, 1024, 1536, 2048, -1, -1}
var diTable = [16]int{-1, 1, 2, 4, 8, 16, 32, 64, 12, 20, -1, -1, -1, -1, -1, -1}

// Parse decodes raw into an ATR record. raw must be 2..33 bytes.
func Parse(raw []byte) (*ATR, error) {
	if len(raw) < 2 || len(raw) > 33 {
		return nil, fmt.Errorf("atr: invalid length %d", len(raw))
	}
	a := &ATR{Raw: append([]byte(nil), raw...)}
	a.TS = raw[0]
	switch a.TS {
	case 0x3B:
		a.Convention = ConventionDirect
	case 0x3F:
		a.Convention = ConventionInverse
	default:
		a.Convention = ConventionUnknown
		a.Malformed = true
	}

	pos := 1
	a.T0 = raw[pos]
	pos++
	a.HistoricalCount = int(a.T0 & 0x0F)

	y := a.T0 >> 4
	a.Protocols = []int{0}
	for {
		var g Group
		if y&0x1 != 0 {
			if pos >= len(raw) {
				return a, fmt.Errorf("atr: truncated before TA%d", len(a.Groups)+1)
			}
			g.TA = Interface{true, raw[pos]}
			pos++
		}
		if y&0x2 != 0 {
			if pos >= len(raw) {
				return a, fmt.Errorf("atr: truncated before TB%d", len(a.Groups)+1)
			}
			g.TB = Interface{true, raw[pos]}
			pos++
		}
		if y&0x4 != 0 {
			if pos >= len(raw) {
				return a, fmt.Errorf("atr: truncated before TC%d", len(a.Groups)+1)
			}
			g.TC = Interface{true, raw[pos]}
			pos++
		}
		hasTD := y&0x8 != 0
		if hasTD {
			if pos >= len(raw) {
				return a, fmt.Errorf("atr: truncated before TD%d", len(a.Groups)+1)
			}
			g.TD = Interface{true, raw[pos]}
			pos++
		}
		a.Groups = append(a.Groups, g)
		if !hasTD {
			break
		}
		proto := int(g.TD.Value & 0x0F)
		a.Protocols = appendUnique(a.Protocols, proto)
		y = g.TD.Value >> 4
	}

	if pos+a.HistoricalCount > len(raw) {
		return a, fmt.Errorf("atr: truncated historical bytes")
	}
	a.Historical = raw[pos : pos+a.HistoricalCount]
	pos += a.HistoricalCount

	// TCK is present whenever any TDi declared a protocol other than T=0.
	needTCK := false
	for _, g := range a.Groups {
		if g.TD.Present && g.TD.Value&0x0F != 0 {
			needTCK = true
			break
		}
	}
	a.TCKPresent = needTCK
	if needTCK {
		if pos >= len(raw) {
			return a, fmt.Errorf("atr: missing TCK")
		}
		a.TCK = raw[pos]
		pos++
		var xor byte
		for _, b := range raw[1:pos] {
			xor ^= b
		}
		a.TCKValid = xor == 0
	}

	return a, nil
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// Bytes re-emits the original byte sequence (P5: parse-then-re-emit is
// lossless for any ATR the parser accepted).
func (a *ATR) Bytes() []byte { return append([]byte(nil), a.Raw...) }

// group returns the 1-indexed group, or a zero Group if i exceeds what
// was parsed.
func (a *ATR) group(i int) Group {
	if i < 1 || i > len(a.Groups) {
		return Group{}
	}
	return a.Groups[i-1]
}

// FiDi returns the clock-rate conversion integer and bit-rate adjustment
// factor declared by TA1. A zero nibble means "unspecified, use
// defaults" (Fi=372, Di=1), matching the component design.
func (a *ATR) FiDi() (fi, di int) {
	ta1 := a.group(1).TA
	if !ta1.Present {
		return 372, 1
	}
	fiNibble := ta1.Value >> 4
	diNibble := ta1.Value & 0x0F
	fi, di = fiTable[fiNibble], diTable[diNibble]
	if fi <= 0 {
		fi = 372
	}
	if di <= 0 {
		di = 1
	}
	return fi, di
}

// IFSC returns the T=1 information field size for the card: the first
// TAi with i>=3 under a T=1 indication in a TD. 0 and 255 are invalid;
// 255 clamps to 254. ok is false when no such TAi is present (IFSC
// then defaults to 32 per ISO 7816-3).
func (a *ATR) IFSC() (value int, ok bool) {
	for i := 3; i <= len(a.Groups); i++ {
		g := a.Groups[i-1]
		if !g.TA.Present {
			continue
		}
		if !a.groupIsT1(i) {
			continue
		}
		v := int(g.TA.Value)
		if v == 0 {
			continue
		}
		if v == 255 {
			v = 254
		}
		return v, true
	}
	return 32, false
}

// BWICWI returns the Block/Character Waiting Integer from the first TBi
// (i>=3) under a T=1 indication.
func (a *ATR) BWICWI() (bwi, cwi int, ok bool) {
	for i := 3; i <= len(a.Groups); i++ {
		g := a.Groups[i-1]
		if !g.TB.Present || !a.groupIsT1(i) {
			continue
		}
		return int(g.TB.Value >> 4), int(g.TB.Value & 0x0F), true
	}
	return 4, 13, false // ISO 7816-3 defaults
}

// ChecksumIsCRC reports the EDC mode selected by the low bit of the
// first TCi (i>=3) under T=1: 0 = LRC (1 byte), 1 = CRC (2 bytes).
func (a *ATR) ChecksumIsCRC() bool {
	for i := 3; i <= len(a.Groups); i++ {
		g := a.Groups[i-1]
		if !g.TC.Present || !a.groupIsT1(i) {
			continue
		}
		return g.TC.Value&0x1 != 0
	}
	return false
}

// groupIsT1 reports whether the protocol declared for group i (i.e. the
// TD of group i-1, or the implicit T=0 for group 1) is T=1.
func (a *ATR) groupIsT1(i int) bool {
	if i <= 1 {
		return false
	}
	prev := a.group(i - 1)
	if !prev.TD.Present {
		return false
	}
	return prev.TD.Value&0x0F == 1
}

// SpecificMode reports TA2's presence and the protocol it pins. When ok,
// any PPS attempt selecting a different protocol must be refused.
func (a *ATR) SpecificMode() (protocol int, ok bool) {
	ta2 := a.group(2).TA
	if !ta2.Present {
		return 0, false
	}
	return int(ta2.Value & 0x0F), true
}
