// Package usbtransport opens and drives the DALI-USB interrupt device
// over github.com/google/gousb: vendor:product or bus:device selection,
// a single interface/altsetting/two-endpoint device shape, kernel-driver
// detach/reattach, and fixed 64-byte interrupt transfers with
// per-transfer timeouts.
package usbtransport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"github.com/onitake/daliserver/internal/frame"
)

// DefaultVendorID and DefaultProductID identify the DALI-USB device.
const (
	DefaultVendorID  = gousb.ID(0x17b5)
	DefaultProductID = gousb.ID(0x0020)
)

// DefaultTransferTimeout is the per-transfer timeout.
const DefaultTransferTimeout = 1000 * time.Millisecond

// Options selects which device to open.
type Options struct {
	VendorID  gousb.ID
	ProductID gousb.ID

	// Bus/Device pin the transport to an explicit USB address (-u
	// bus:device) instead of matching by vendor:product.
	Bus, Device int

	TransferTimeout time.Duration
}

func (o Options) pinned() bool {
	return o.Bus != 0 || o.Device != 0
}

// inEndpoint and outEndpoint narrow *gousb.InEndpoint/*gousb.OutEndpoint
// down to the two calls Transport makes, so tests can drive Send/Receive
// against a fake without a real libusb context (gousb.NewContext()
// requires actual hardware/driver support, which a unit test cannot
// assume).
type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type outEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// Transport owns the claimed DALI-USB interface and its two interrupt
// endpoints.
type Transport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	in      inEndpoint
	out     outEndpoint
	timeout time.Duration
}

// Open claims the DALI-USB device per Options, failing on any of the
// shape checks: exactly one interface, one altsetting, two endpoints.
func Open(opts Options) (*Transport, error) {
	if opts.TransferTimeout <= 0 {
		opts.TransferTimeout = DefaultTransferTimeout
	}
	ctx := gousb.NewContext()

	dev, err := findDevice(ctx, opts)
	if err != nil {
		ctx.Close()
		return nil, err
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: set auto-detach: %w", err)
	}

	if err := validateShape(dev); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: set config 1: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: claim interface 0 alt 0: %w", err)
	}

	inAddr, outAddr, err := endpointAddresses(dev)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}

	in, err := intf.InEndpoint(inAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open IN endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(outAddr)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("usbtransport: open OUT endpoint: %w", err)
	}

	return &Transport{
		ctx:     ctx,
		dev:     dev,
		cfg:     cfg,
		intf:    intf,
		in:      in,
		out:     out,
		timeout: opts.TransferTimeout,
	}, nil
}

func findDevice(ctx *gousb.Context, opts Options) (*gousb.Device, error) {
	if opts.pinned() {
		devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return desc.Bus == opts.Bus && desc.Address == opts.Device
		})
		if err != nil {
			return nil, fmt.Errorf("usbtransport: enumerate devices: %w", err)
		}
		for _, d := range devs {
			if d.Desc.Bus == opts.Bus && d.Desc.Address == opts.Device {
				for _, other := range devs {
					if other != d {
						other.Close()
					}
				}
				return d, nil
			}
		}
		return nil, fmt.Errorf("usbtransport: no device at bus %d device %d", opts.Bus, opts.Device)
	}

	vid, pid := opts.VendorID, opts.ProductID
	if vid == 0 {
		vid = DefaultVendorID
	}
	if pid == 0 {
		pid = DefaultProductID
	}
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("usbtransport: open %s:%s: %w", vid, pid, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("usbtransport: device %s:%s not found", vid, pid)
	}
	return dev, nil
}

// validateShape enforces "exactly one interface, exactly one altsetting,
// exactly two endpoints" against the device's active configuration.
func validateShape(dev *gousb.Device) error {
	cfgNum := dev.Desc.Config
	cfg, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return fmt.Errorf("usbtransport: device has no configuration %d", cfgNum)
	}
	if len(cfg.Interfaces) != 1 {
		return fmt.Errorf("usbtransport: expected exactly 1 interface, got %d", len(cfg.Interfaces))
	}
	intf := cfg.Interfaces[0]
	if len(intf.AltSettings) != 1 {
		return fmt.Errorf("usbtransport: expected exactly 1 altsetting, got %d", len(intf.AltSettings))
	}
	if len(intf.AltSettings[0].Endpoints) != 2 {
		return fmt.Errorf("usbtransport: expected exactly 2 endpoints, got %d", len(intf.AltSettings[0].Endpoints))
	}
	return nil
}

// endpointAddresses returns the IN and OUT endpoint addresses, the IN
// endpoint identified by its direction bit.
func endpointAddresses(dev *gousb.Device) (in, out int, err error) {
	cfgNum := dev.Desc.Config
	cfg := dev.Desc.Configs[cfgNum]
	eps := cfg.Interfaces[0].AltSettings[0].Endpoints
	var foundIn, foundOut bool
	for addr, ep := range eps {
		if ep.Direction == gousb.EndpointDirectionIn {
			in = int(addr.Number())
			foundIn = true
		} else {
			out = int(addr.Number())
			foundOut = true
		}
	}
	if !foundIn || !foundOut {
		return 0, 0, fmt.Errorf("usbtransport: could not identify both IN and OUT endpoints")
	}
	return in, out, nil
}

// Send submits one 64-byte outbound interrupt transfer. A context
// timeout produces the same observable outcome as a libusb TIMED_OUT
// status.
func (t *Transport) Send(ctx context.Context, msg [frame.USBMessageSize]byte) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	_, err := t.out.WriteContext(ctx, msg[:])
	if err != nil {
		return fmt.Errorf("usbtransport: send: %w", err)
	}
	return nil
}

// Receive submits one inbound interrupt transfer into buf, blocking
// until it completes, times out, or ctx is cancelled.
func (t *Transport) Receive(ctx context.Context, buf []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return n, fmt.Errorf("usbtransport: receive: %w", err)
	}
	return n, nil
}

// Close releases the interface, device and libusb context, reattaching
// any kernel driver that was detached at Open.
func (t *Transport) Close() error {
	var err error
	if t.intf != nil {
		t.intf.Close()
	}
	if t.cfg != nil {
		if cerr := t.cfg.Close(); cerr != nil {
			err = cerr
		}
	}
	if t.dev != nil {
		if cerr := t.dev.Close(); cerr != nil {
			err = cerr
		}
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return err
}
