package acq

// Consumer receives what the Worker produces. Both methods are called from the worker's goroutines
// and must not block for long; PacketReady is always called from a single goroutine, in stream order.
// A callback may call StopCollecting; the stop then completes after the callback returns.
type Consumer interface {
	// PacketReady receives one complete packet of exactly the configured packet size.
	// The slice is owned by the consumer.
	PacketReady(packet []byte)
	// ErrorOccurred receives a human readable description of a failure.
	ErrorOccurred(msg string)
}

// ConsumerFuncs adapts plain functions to a Consumer. Nil fields are ignored.
type ConsumerFuncs struct {
	OnPacket func(packet []byte)
	OnError  func(msg string)
}

func (c ConsumerFuncs) PacketReady(packet []byte) {
	if c.OnPacket != nil {
		c.OnPacket(packet)
	}
}

func (c ConsumerFuncs) ErrorOccurred(msg string) {
	if c.OnError != nil {
		c.OnError(msg)
	}
}
