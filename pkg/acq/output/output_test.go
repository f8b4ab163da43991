package output

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/norasector/spiacq/pkg/acq/config"
	"github.com/norasector/spiacq/pkg/frame"
	"github.com/norasector/spiacq/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func runOutput(t *testing.T, start func(ctx context.Context) error) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("output did not stop")
		return nil
	}
}

func TestRawOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewRawOutput(&buf, time.Hour)
	cancel, done := runOutput(t, out.Start)

	for i, payload := range []string{"ABCD", "EFGH", "IJKL"} {
		out.Receive() <- &frame.Packet{Seq: uint64(i + 1), Data: []byte(payload)}
	}
	cancel()

	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
	assert.Equal(t, "ABCDEFGHIJKL", buf.String())
}

func TestRawOutput_FlushesFullBatches(t *testing.T) {
	var buf bytes.Buffer
	out := NewRawOutput(&buf, time.Hour)
	cancel, done := runOutput(t, out.Start)

	for i := 0; i < packetBufferLength*2; i++ {
		out.Receive() <- &frame.Packet{Seq: uint64(i + 1), Data: []byte{byte(i)}}
	}
	cancel()
	waitDone(t, done)

	require.Equal(t, packetBufferLength*2, buf.Len())
	for i, b := range buf.Bytes() {
		assert.Equal(t, byte(i), b)
	}
}

func TestMarshalPacket(t *testing.T) {
	ts := time.Unix(1700000000, 123456789)
	in := &frame.Packet{Seq: 42, Timestamp: ts, Data: []byte{0xde, 0xad, 0xbe, 0xef}}

	out, err := UnmarshalPacket(MarshalPacket(in))
	require.NoError(t, err)
	assert.Equal(t, in.Seq, out.Seq)
	assert.True(t, ts.Equal(out.Timestamp))
	assert.Equal(t, in.Data, out.Data)
}

func TestUnmarshalPacket_SkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))
	b = append(b, MarshalPacket(&frame.Packet{Seq: 7, Data: []byte("x")})...)

	p, err := UnmarshalPacket(b)
	require.NoError(t, err)
	assert.EqualValues(t, 7, p.Seq)
	assert.Equal(t, []byte("x"), p.Data)

	_, err = UnmarshalPacket([]byte{0x0a, 0x05, 0x01})
	assert.Error(t, err, "truncated payload")
}

func TestReadDatagram_LengthMismatch(t *testing.T) {
	_, err := ReadDatagram([]byte{0x01})
	assert.Error(t, err)
	_, err = ReadDatagram([]byte{0x05, 0x00, 0x08})
	assert.Error(t, err)
}

func TestPacketUDPOutput(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	metrics := util.NewRecordingWriteAPI()
	out := NewPacketUDPOutput([]config.OutputDestination{
		{Host: "127.0.0.1", Port: listener.LocalAddr().(*net.UDPAddr).Port},
	}, metrics)
	cancel, done := runOutput(t, out.Start)

	out.Receive() <- &frame.Packet{Seq: 3, Timestamp: time.Now(), Data: []byte("ABCD")}

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(5*time.Second)))
	dgram := make([]byte, 65536)
	n, _, err := listener.ReadFromUDP(dgram)
	require.NoError(t, err)

	p, err := ReadDatagram(dgram[:n])
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Seq)
	assert.Equal(t, []byte("ABCD"), p.Data)

	require.Eventually(t, func() bool { return len(metrics.Points("udp.sent_packet")) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)
}

func TestSQLiteRecorder(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	defer db.Close()

	metrics := util.NewRecordingWriteAPI()
	rec := NewSQLiteRecorder(db, "bus 1 addr 7", 4, metrics)
	cancel, done := runOutput(t, rec.Start)

	now := time.Now()
	for i, payload := range []string{"ABCD", "EFGH", "IJKL"} {
		rec.Receive() <- &frame.Packet{Seq: uint64(i + 1), Timestamp: now, Data: []byte(payload)}
	}
	// give the recorder time to insert the session row before it is cancelled
	require.Eventually(t, func() bool {
		sessions, err := ListSessions(ctx, db)
		return err == nil && len(sessions) == 1
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, waitDone(t, done), context.Canceled)

	sessions, err := ListSessions(ctx, db)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "bus 1 addr 7", s.Source)
	assert.Equal(t, 4, s.PacketSize)
	assert.EqualValues(t, 3, s.PacketCount)
	assert.False(t, s.StoppedAt.IsZero())

	packets, err := SessionPackets(ctx, db, s.ID)
	require.NoError(t, err)
	require.Len(t, packets, 3)
	for i, want := range []string{"ABCD", "EFGH", "IJKL"} {
		assert.EqualValues(t, i+1, packets[i].Seq)
		assert.Equal(t, want, string(packets[i].Data))
		assert.Equal(t, now.UnixMilli(), packets[i].Timestamp.UnixMilli())
	}
	assert.NotEmpty(t, metrics.Points("sqlite.flush"))
}

func TestSQLiteRecorder_ReusedAcrossSessions(t *testing.T) {
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	defer db.Close()

	rec := NewSQLiteRecorder(db, "file", 4, util.NewRecordingWriteAPI())
	record := func(sessions int, payloads ...string) {
		cancel, done := runOutput(t, rec.Start)
		for i, payload := range payloads {
			rec.Receive() <- &frame.Packet{Seq: uint64(i + 1), Timestamp: time.Now(), Data: []byte(payload)}
		}
		require.Eventually(t, func() bool {
			list, err := ListSessions(ctx, db)
			return err == nil && len(list) == sessions
		}, 5*time.Second, 5*time.Millisecond)
		cancel()
		assert.ErrorIs(t, waitDone(t, done), context.Canceled)
	}

	record(1, "ABCD", "EFGH", "IJKL")
	record(2, "MNOP")

	sessions, err := ListSessions(ctx, db)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.EqualValues(t, 3, sessions[0].PacketCount)
	assert.EqualValues(t, 1, sessions[1].PacketCount)

	packets, err := SessionPackets(ctx, db, sessions[1].ID)
	require.NoError(t, err)
	require.Len(t, packets, 1)
	assert.Equal(t, "MNOP", string(packets[0].Data))
}
