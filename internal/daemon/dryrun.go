package daemon

import (
	"context"

	"github.com/onitake/daliserver/internal/frame"
)

// dryRunDevice implements engine.Device without touching USB hardware:
// every Send is immediately answered by a 16-bit completion with
// Response=0.
type dryRunDevice struct {
	pending chan byte
}

func newDryRunDevice() *dryRunDevice {
	return &dryRunDevice{pending: make(chan byte, 1)}
}

func (d *dryRunDevice) Send(ctx context.Context, msg [frame.USBMessageSize]byte) error {
	select {
	case d.pending <- msg[1]: // seqnum
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dryRunDevice) Receive(ctx context.Context, buf []byte) (int, error) {
	select {
	case seq := <-d.pending:
		reply := [9]byte{byte(frame.DirectionUSB), byte(frame.TypeCompletion16), 0, 0, 0, 0, 0, 0, seq}
		return copy(buf, reply[:]), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
