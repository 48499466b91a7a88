// internal/tap/fake.go
package tap

import (
	"context"
	"fmt"
)

// FakeDevice is an in-memory Device used by tests and by cmd/meshvpnd: frames written with
// Send land in Outbound; Inject makes a frame available to a future Recv.
type FakeDevice struct {
	Outbound chan []byte
	inbound  chan []byte
	closed   chan struct{}
}

// NewFakeDevice builds a FakeDevice with the given channel buffer depth.
func NewFakeDevice(buffer int) *FakeDevice {
	return &FakeDevice{
		Outbound: make(chan []byte, buffer),
		inbound:  make(chan []byte, buffer),
		closed:   make(chan struct{}),
	}
}

// Send pushes frame onto Outbound for a test to observe.
func (d *FakeDevice) Send(frame []byte) error {
	select {
	case <-d.closed:
		return fmt.Errorf("tap: device closed")
	default:
	}
	select {
	case d.Outbound <- append([]byte(nil), frame...):
		return nil
	default:
		return fmt.Errorf("tap: outbound buffer full")
	}
}

// Inject makes frame available to the next Recv call, as if the host had
// written it to the tap device.
func (d *FakeDevice) Inject(frame []byte) {
	d.inbound <- append([]byte(nil), frame...)
}

// Recv blocks until Inject is called, ctx is done, or the device closes.
func (d *FakeDevice) Recv(ctx context.Context) ([]byte, error) {
	select {
	case f := <-d.inbound:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, fmt.Errorf("tap: device closed")
	}
}

func (d *FakeDevice) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
		close(d.closed)
	}
	return nil
}
