package output

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/norasector/spiacq/pkg/frame"
)

const packetBufferLength int = 8

// RawOutput writes packet payloads back to back to dest, batching up to packetBufferLength packets per write.
// A partial batch is written after flushInterval without new packets and when ctx ends.
type RawOutput struct {
	dest          io.Writer
	recvChan      chan *frame.Packet
	flushInterval time.Duration
}

func NewRawOutput(dest io.Writer, flushInterval time.Duration) *RawOutput {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &RawOutput{
		dest:          dest,
		recvChan:      make(chan *frame.Packet, packetBufferLength*4),
		flushInterval: flushInterval,
	}
}

func (r *RawOutput) Receive() chan<- *frame.Packet {
	return r.recvChan
}

func (r *RawOutput) Start(ctx context.Context) error {
	var b bytes.Buffer
	bufNum := 0

	flush := func() error {
		if bufNum == 0 {
			return nil
		}
		bufNum = 0
		_, err := b.WriteTo(r.dest)
		b.Reset()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// drain what the session already handed over
			for {
				select {
				case pkt := <-r.recvChan:
					b.Write(pkt.Data)
					bufNum++
				default:
					if err := flush(); err != nil {
						return err
					}
					return ctx.Err()
				}
			}

		case <-time.After(r.flushInterval):
			if err := flush(); err != nil {
				return err
			}

		case pkt := <-r.recvChan:
			b.Write(pkt.Data)
			bufNum++
			if bufNum == packetBufferLength {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
}
