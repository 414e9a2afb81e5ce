// Package tun defines the interface an embedding's local TUN device must
// satisfy to plug into the overlay as a userspace VPN. The driver itself is
// an external collaborator and out of scope; only the contract lives here.
package tun

import "context"

// Device is a local virtual network interface: overlay UserData payloads
// read from it are sent into the mesh addressed by the destination encoded
// in the IP packet; payloads delivered by the mesh are written back to it.
type Device interface {
	// ReadPacket blocks until one IP packet is available, copying it into
	// buf and returning its length.
	ReadPacket(ctx context.Context, buf []byte) (int, error)
	// WritePacket delivers one IP packet received from the overlay to the
	// local network stack.
	WritePacket(ctx context.Context, packet []byte) error
	// Close releases the device.
	Close() error
}
