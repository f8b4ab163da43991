package device

import (
	"context"
)

// Transport opens connections to a USB-SPI bridge identified by bus number and device address.
type Transport interface {
	Open(bus, address int) (Handle, error)
}

// Handle is an open device connection. Implementations need not be safe for concurrent use;
// the acquisition worker never reads and writes at the same time.
type Handle interface {
	// Write sends p to the device.
	Write(ctx context.Context, p []byte) error
	// Read returns up to max bytes. An empty result with a nil error means no data was ready,
	// including when ctx reached its deadline first.
	// Read must return when ctx is done.
	Read(ctx context.Context, max int) ([]byte, error)
	// Close releases the device.
	Close() error
}
