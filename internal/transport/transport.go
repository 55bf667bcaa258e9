// Package transport abstracts the byte pipe to a CCID reader: a USB
// bulk endpoint pair or a serial SYNC/ACK/NAK link. Both backends
// satisfy Port so the engines above never see which one they're
// talking to.
package transport

import "time"

// Port is the byte-level connection to one reader.
type Port interface {
	// Write sends one complete message (a CCID bulk-OUT block, or a
	// framed serial command) to the reader.
	Write(data []byte) error

	// Read waits up to deadline for one complete reply and returns it.
	Read(deadline time.Time) ([]byte, error)

	// Control issues a vendor/class control transfer (ICCD control
	// framing, GET_DATA_RATES).
	Control(requestType, request byte, value, index uint16, data []byte) (int, error)

	// InterruptRead waits up to timeout for an asynchronous
	// slot-change notification, returning its raw bytes.
	InterruptRead(timeout time.Duration) ([]byte, error)

	Close() error
}

// ReadTimeout computes the CCID bulk-IN read deadline for one exchange
// from the card's declared timing parameters: BWT (block waiting time)
// scaled by any outstanding WTX multiplier, with a fixed guard band
// added for USB scheduling jitter.
func ReadTimeout(bwt time.Duration, wtxMultiplier int) time.Duration {
	if wtxMultiplier < 1 {
		wtxMultiplier = 1
	}
	const guard = 250 * time.Millisecond
	return bwt*time.Duration(wtxMultiplier) + guard
}
