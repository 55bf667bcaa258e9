package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// USBPort is a CCID bulk-transfer transport backed by gousb, the
// direct-USB access pattern this driver family has always used instead
// of going through a kernel CCID class driver.
type USBPort struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	readTimeout  time.Duration
	maxReadChunk int // quirk fixup: cap a single bulk-IN read below the endpoint's natural buffer
}

const (
	writeTimeout = 5 * time.Second
	defaultRead  = 5 * time.Second
)

// OpenUSB opens the reader at vid/pid, claims its CCID interface and
// endpoints, and returns a ready Port.
func OpenUSB(vid, pid gousb.ID, epOutAddr, epInAddr int) (*USBPort, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: open usb device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("transport: no CCID reader found for %s:%s", vid, pid)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: set config: %w", err)
	}
	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: claim interface: %w", err)
	}
	epOut, err := intf.OutEndpoint(epOutAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: bind out endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(epInAddr)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transport: bind in endpoint: %w", err)
	}

	return &USBPort{
		ctx: ctx, device: device, config: config, intf: intf,
		epOut: epOut, epIn: epIn, readTimeout: defaultRead,
	}, nil
}

// SetReadTimeout changes the fallback bulk-IN timeout that Read uses
// when the deadline it is given has already passed.
func (p *USBPort) SetReadTimeout(d time.Duration) { p.readTimeout = d }

// SetMaxReadChunk caps a single bulk-IN read at n bytes, for readers
// whose firmware corrupts transfers longer than a fixed boundary
// (quirks.Hooks.ModuloSplitRead). n<=0 restores the natural buffer size.
func (p *USBPort) SetMaxReadChunk(n int) { p.maxReadChunk = n }

func (p *USBPort) Write(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_, err := p.epOut.WriteContext(ctx, data)
	return err
}

func (p *USBPort) Read(deadline time.Time) ([]byte, error) {
	timeout := time.Until(deadline)
	if timeout <= 0 {
		timeout = p.readTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	size := p.epIn.Desc.MaxPacketSize * 64
	if p.maxReadChunk > 0 && p.maxReadChunk < size {
		size = p.maxReadChunk
	}
	buf := make([]byte, size)
	n, err := p.epIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, fmt.Errorf("transport: bulk read: %w", err)
	}
	return buf[:n], nil
}

// Control wraps gousb's control transfer for ICCD-variant control
// framing and descriptor queries (e.g. GET_DATA_RATES).
func (p *USBPort) Control(requestType, request byte, value, index uint16, data []byte) (int, error) {
	return p.device.Control(requestType, request, value, index, data)
}

// InterruptRead reads the CCID interrupt-IN endpoint for an async
// RDR_to_PC_NotifySlotChange notification. On a reader without an
// interrupt endpoint it returns an error; callers must fall back to
// polling GetSlotStatus.
func (p *USBPort) InterruptRead(timeout time.Duration) ([]byte, error) {
	epInt, err := p.intf.InEndpoint(0x83)
	if err != nil {
		return nil, fmt.Errorf("transport: no interrupt endpoint: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	buf := make([]byte, 64)
	n, err := epInt.ReadContext(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *USBPort) Close() error {
	p.intf.Close()
	p.config.Close()
	err := p.device.Close()
	p.ctx.Close()
	return err
}
