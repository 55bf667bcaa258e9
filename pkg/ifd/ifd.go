// Package ifd is the exported handle-based resource-manager ABI: the
// surface a PC/SC-style IFD handler links against. Every call maps a
// caller-held uint32 handle to an internal *reader.Slot and translates
// errors to the canonical Status enum instead of leaking Go error
// values across the boundary.
package ifd

import (
	"errors"
	"fmt"
	"time"

	"ccid/internal/ccidwire"
	"ccid/internal/reader"
	"ccid/internal/securepin"
	"ccid/internal/tlv"
)

// Status mirrors the canonical error-kind list.
type Status int

const (
	StatusSuccess Status = iota
	StatusCommunicationError
	StatusNoSuchDevice
	StatusResponseTimeout
	StatusParityError
	StatusICCNotPresent
	StatusICCPresent
	StatusProtocolNotSupported
	StatusNotSupported
	StatusInsufficientBuffer
	StatusErrorPowerAction
	StatusErrorPTSFailure
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCommunicationError:
		return "communication-error"
	case StatusNoSuchDevice:
		return "no-such-device"
	case StatusResponseTimeout:
		return "response-timeout"
	case StatusParityError:
		return "parity-error"
	case StatusICCNotPresent:
		return "icc-not-present"
	case StatusICCPresent:
		return "icc-present"
	case StatusProtocolNotSupported:
		return "protocol-not-supported"
	case StatusNotSupported:
		return "not-supported"
	case StatusInsufficientBuffer:
		return "insufficient-buffer"
	case StatusErrorPowerAction:
		return "error-power-action"
	case StatusErrorPTSFailure:
		return "error-pts-failure"
	default:
		return "unknown"
	}
}

// translate maps an internal error to a Status, unwrapping a
// *ccidwire.Error when present instead of string-sniffing.
func translate(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var ce *ccidwire.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case ccidwire.ErrCardAbsent:
			return StatusICCNotPresent
		case ccidwire.ErrParity:
			return StatusParityError
		case ccidwire.ErrPINTimeout:
			return StatusResponseTimeout
		case ccidwire.ErrCommandNotSupported:
			return StatusNotSupported
		default:
			return StatusCommunicationError
		}
	}
	return StatusCommunicationError
}

// Driver is the process-wide facade: one registry of open channels
// plus the readers currently known to it.
type Driver struct {
	registry *reader.Registry
}

// New builds an empty driver instance.
func New() *Driver {
	return &Driver{registry: reader.NewRegistry()}
}

// CreateChannel opens a channel to slotIndex on an already-constructed
// descriptor (the caller enumerates reader hardware via transport and
// builds the Descriptor; this package owns only the handle/slot
// lifecycle above that).
func (drv *Driver) CreateChannel(d *reader.Descriptor, slotIndex byte) (handle uint32, st Status) {
	handle = drv.registry.CreateChannel(d, slotIndex, fmt.Sprintf("slot-%d", slotIndex))
	return handle, StatusSuccess
}

// CreateChannelByName is the same operation as CreateChannel on an
// already-constructed descriptor, with the caller supplying the
// channel's friendly name instead of the default "slot-N".
func (drv *Driver) CreateChannelByName(d *reader.Descriptor, slotIndex byte, name string) (handle uint32, st Status) {
	handle = drv.registry.CreateChannel(d, slotIndex, name)
	return handle, StatusSuccess
}

// CloseChannel releases handle.
func (drv *Driver) CloseChannel(handle uint32) Status {
	if err := drv.registry.CloseChannel(handle); err != nil {
		return StatusNoSuchDevice
	}
	return StatusSuccess
}

// PowerICC powers the slot's card on and returns its ATR bytes.
func (drv *Driver) PowerICC(handle uint32) (atrBytes []byte, st Status) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return nil, StatusNoSuchDevice
	}
	a, err := slot.PowerOn()
	if err != nil {
		return nil, translate(err)
	}
	return a.Bytes(), StatusSuccess
}

// PowerOff powers the slot's card off.
func (drv *Driver) PowerOff(handle uint32) Status {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return StatusNoSuchDevice
	}
	if err := slot.PowerOff(); err != nil {
		return translate(err)
	}
	return StatusSuccess
}

// Transmit sends command to the card on handle's slot and returns its
// response (data plus SW1SW2, or the reassembled extended-APDU reply).
func (drv *Driver) Transmit(handle uint32, command []byte) (response []byte, st Status) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return nil, StatusNoSuchDevice
	}
	out, err := slot.Transmit(command)
	if err != nil {
		return nil, translate(err)
	}
	return out, StatusSuccess
}

// ICCPresence reports whether a card is present in handle's slot.
func (drv *Driver) ICCPresence(handle uint32) (present bool, st Status) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return false, StatusNoSuchDevice
	}
	return slot.Present(), StatusSuccess
}

// PC/SC part-10 property tags used by GetCapabilities.
const (
	tagCurrentProtocol = 0x07
	tagWaitTimeout     = 0x08
)

// GetCapabilities reads a capability tag and returns it TLV-encoded
// (PC/SC part-10 GET_TLV_PROPERTIES record: tag, length, value).
func (drv *Driver) GetCapabilities(handle uint32, tag byte) (value []byte, st Status) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return nil, StatusNoSuchDevice
	}
	switch tag {
	case tagCurrentProtocol:
		return tlv.EncodeProperties([]tlv.Property{tlv.U16Property(tag, uint16(slot.Protocol))}), StatusSuccess
	case tagWaitTimeout:
		return tlv.EncodeProperties([]tlv.Property{tlv.U32Property(tag, uint32(slot.Descriptor.ReadTimeout.Milliseconds()))}), StatusSuccess
	default:
		return nil, StatusNotSupported
	}
}

// SetProtocolParameters negotiates PPS for the slot (used when the
// caller, not the reader firmware, must run the PPS exchange).
func (drv *Driver) SetProtocolParameters(handle uint32, protocol int) Status {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return StatusNoSuchDevice
	}
	if !slot.Powered {
		return StatusICCNotPresent
	}
	if protocol != int(reader.ProtocolT0) && protocol != int(reader.ProtocolT1) {
		return StatusProtocolNotSupported
	}
	if err := slot.NegotiateProtocol(reader.Protocol(protocol)); err != nil {
		return StatusErrorPTSFailure
	}
	return StatusSuccess
}

// VerifyPIN drives a secure PIN verify/modify exchange against handle's
// slot, translating the structured request into the CCID Secure
// command and the reply into the canonical Status on failure.
func (drv *Driver) VerifyPIN(handle uint32, req securepin.Request) (response []byte, st Status) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return nil, StatusNoSuchDevice
	}
	out, err := slot.SecurePIN(req)
	if err != nil {
		return nil, translate(err)
	}
	return out, StatusSuccess
}

// Control issues a raw vendor escape/control exchange through the
// slot's transport.
func (drv *Driver) Control(handle uint32, code uint32, data []byte) (response []byte, st Status) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return nil, StatusNoSuchDevice
	}
	n, err := slot.Descriptor.Port.Control(0xC1, byte(code), 0, uint16(slot.Index), data)
	if err != nil {
		return nil, translate(err)
	}
	return data[:n], StatusSuccess
}

// ReadTimeout is exposed for diagnostics that want to show the
// driver's current bulk-IN deadline for a slot.
func (drv *Driver) ReadTimeout(handle uint32) (time.Duration, error) {
	slot, err := drv.registry.Lookup(handle)
	if err != nil {
		return 0, err
	}
	return slot.Descriptor.ReadTimeout, nil
}

// Channels exposes every open handle and its slot, for diagnostics.
func (drv *Driver) Channels() map[uint32]*reader.Slot {
	return drv.registry.Channels()
}
