package acq

import (
	"context"

	"github.com/norasector/spiacq/pkg/frame"
)

// PacketOutput handles packets emitted by a Session.
type PacketOutput interface {
	// Start receives a context and should run in a loop, terminating upon ctx closing or on any errors.
	Start(ctx context.Context) error
	// Receive returns a channel that receives packets. The Session never blocks on it.
	Receive() chan<- *frame.Packet
}
