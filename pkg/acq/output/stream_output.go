package output

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/spiacq/pkg/acq/config"
	"github.com/norasector/spiacq/pkg/frame"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/encoding/protowire"
)

const receiveChannels = 64

// Field numbers of the packet message:
//
//	message Packet {
//	  uint64 seq = 1;
//	  int64 timestamp_unix_nano = 2;
//	  bytes payload = 3;
//	}
const (
	fieldSeq       protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldPayload   protowire.Number = 3
)

// MarshalPacket encodes p in protobuf wire format.
func MarshalPacket(p *frame.Packet) []byte {
	b := make([]byte, 0, len(p.Data)+24)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Seq)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Timestamp.UnixNano()))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Data)
	return b
}

// UnmarshalPacket decodes a packet produced by MarshalPacket. Unknown fields are skipped.
func UnmarshalPacket(b []byte) (*frame.Packet, error) {
	p := &frame.Packet{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Seq = v
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Timestamp = time.Unix(0, int64(v))
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			p.Data = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

// ReadDatagram splits a datagram written by PacketUDPOutput into its packet.
func ReadDatagram(d []byte) (*frame.Packet, error) {
	if len(d) < 2 {
		return nil, errors.New("datagram too short")
	}
	size := int(binary.LittleEndian.Uint16(d))
	if len(d)-2 != size {
		return nil, fmt.Errorf("datagram length %d does not match header %d", len(d)-2, size)
	}
	return UnmarshalPacket(d[2:])
}

// PacketUDPOutput sends every packet as one datagram to each destination:
// a little endian uint16 length followed by the encoded packet.
type PacketUDPOutput struct {
	dests    []config.OutputDestination
	recvChan chan *frame.Packet
	metrics  api.WriteAPI
}

func NewPacketUDPOutput(dests []config.OutputDestination, metrics api.WriteAPI) *PacketUDPOutput {
	return &PacketUDPOutput{
		dests:    dests,
		recvChan: make(chan *frame.Packet, receiveChannels),
		metrics:  metrics,
	}
}

func (s *PacketUDPOutput) Receive() chan<- *frame.Packet {
	return s.recvChan
}

func (s *PacketUDPOutput) Start(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	destAddrs := make([]*net.UDPAddr, 0, len(s.dests))
	for _, dest := range s.dests {

		ips, err := net.LookupIP(dest.Host)
		if err != nil {
			return err
		}
		if len(ips) == 0 {
			return fmt.Errorf("no IPs returned for %s", dest.Host)
		}

		destAddr := &net.UDPAddr{IP: ips[0], Port: dest.Port}
		destAddrs = append(destAddrs, destAddr)
		log.Info().IPAddr("dest_ip", destAddr.IP).Int("port", dest.Port).Msg("stream output starting")
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}

	eg.Go(func() error {
		<-ctx.Done()
		return conn.Close()
	})

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case pkt := <-s.recvChan:

				encoded := MarshalPacket(pkt)
				if len(encoded) > 0xffff {
					log.Warn().Int("encoded_length", len(encoded)).Msg("packet too large for datagram")
					continue
				}

				var msgBuf bytes.Buffer
				if err := binary.Write(&msgBuf, binary.LittleEndian, uint16(len(encoded))); err != nil {
					log.Warn().Err(err).Msg("error encoding header size")
					continue
				}
				msgBuf.Write(encoded)

				sent, dropped, bytesWritten := 0, 0, 0
				for _, destAddr := range destAddrs {
					n, err := conn.WriteToUDP(msgBuf.Bytes(), destAddr)
					if err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						log.Error().Err(err).Str("dest", destAddr.String()).Msg("error writing")
						dropped++
						continue
					}
					sent++
					bytesWritten += n
				}

				s.metrics.WritePoint(influxdb2.NewPoint("udp.sent_packet",
					map[string]string{
						"packet_size": strconv.Itoa(len(pkt.Data)),
					},
					map[string]interface{}{
						"seq":            int64(pkt.Seq),
						"bytes_written":  bytesWritten,
						"encoded_length": len(encoded),
						"sent":           sent,
						"dropped":        dropped,
					}, time.Now()))
			}
		}
	})

	return eg.Wait()
}
