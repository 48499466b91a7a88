// Package tap defines the narrow interface the data plane uses to read
// and write layer-2 Ethernet frames. The real platform
// driver is an external collaborator outside this module's scope; this
// package only declares the interface and a deterministic in-memory
// fake, which tests and cmd/meshvpnd use as the device.
package tap

import "context"

// Device is the tap device's entire surface as seen by the core: push an
// Ethernet frame out to the kernel/host, and read whatever the host
// writes back in.
type Device interface {
	// Send writes one Ethernet frame to the device.
	Send(frame []byte) error
	// Recv blocks until a frame is available or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}
