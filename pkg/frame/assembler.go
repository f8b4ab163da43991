package frame

import (
	"fmt"
	"time"
)

// MaxPacketSize bounds the configurable packet size.
const MaxPacketSize = 10000

// Packet is one complete frame tagged with its position in the session stream.
type Packet struct {
	Seq       uint64
	Timestamp time.Time
	Data      []byte
}

// Assembler takes raw bytes read from the device and cuts them into fixed-size packets.
// It is not safe for concurrent use; the acquisition worker owns it.
type Assembler struct {
	size int
	buf  []byte
}

func NewAssembler(packetSize int) (*Assembler, error) {
	if packetSize <= 0 || packetSize > MaxPacketSize {
		return nil, fmt.Errorf("packet size %d out of range 1-%d", packetSize, MaxPacketSize)
	}
	return &Assembler{
		size: packetSize,
		buf:  make([]byte, 0, 2*packetSize),
	}, nil
}

func (a *Assembler) PacketSize() int { return a.size }

// Len is the number of buffered bytes not yet drained as a packet.
func (a *Assembler) Len() int { return len(a.buf) }

// Append adds chunk to the tail of the buffer.
func (a *Assembler) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.buf = append(a.buf, chunk...)
}

// Drain removes every complete packet from the front of the buffer, in arrival order.
// Each returned packet is its own copy. Leftover bytes stay buffered.
func (a *Assembler) Drain() [][]byte {
	n := len(a.buf) / a.size
	if n == 0 {
		return nil
	}

	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		p := make([]byte, a.size)
		copy(p, a.buf[i*a.size:(i+1)*a.size])
		out[i] = p
	}

	rest := copy(a.buf, a.buf[n*a.size:])
	a.buf = a.buf[:rest]

	return out
}

// Clear drops any buffered partial packet.
func (a *Assembler) Clear() {
	a.buf = a.buf[:0]
}
