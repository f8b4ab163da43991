package acq

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/norasector/spiacq/pkg/acq/device"
	"github.com/norasector/spiacq/pkg/sequence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	data []byte
	err  error
}

type fakeTransport struct {
	mu        sync.Mutex
	openErr   error
	failWrite []byte
	reads     []readResult
	readErr   error // returned once reads is exhausted
	block     bool  // block once reads is exhausted
	events    []string
	handles   []*fakeHandle
}

func (t *fakeTransport) Open(bus, address int) (device.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, "open")
	if t.openErr != nil {
		return nil, t.openErr
	}
	h := &fakeHandle{t: t}
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *fakeTransport) queue(chunks ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range chunks {
		t.reads = append(t.reads, readResult{data: []byte(c)})
	}
}

// closed reports how many times the i-th opened handle was closed, or -1 if it was never opened.
func (t *fakeTransport) closed(i int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.handles) {
		return -1
	}
	return t.handles[i].closed
}

func (t *fakeTransport) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type fakeHandle struct {
	t      *fakeTransport
	closed int
}

func (h *fakeHandle) Write(_ context.Context, p []byte) error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.t.events = append(h.t.events, "write "+hex.EncodeToString(p))
	if h.t.failWrite != nil && bytes.Equal(p, h.t.failWrite) {
		return errors.New("pipe error")
	}
	return nil
}

func (h *fakeHandle) Read(ctx context.Context, max int) ([]byte, error) {
	h.t.mu.Lock()
	if len(h.t.reads) > 0 {
		r := h.t.reads[0]
		h.t.reads = h.t.reads[1:]
		h.t.events = append(h.t.events, "read")
		h.t.mu.Unlock()
		return r.data, r.err
	}
	readErr, block := h.t.readErr, h.t.block
	h.t.mu.Unlock()

	if readErr != nil {
		return nil, readErr
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, nil
}

func (h *fakeHandle) Close() error {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	h.closed++
	h.t.events = append(h.t.events, "close")
	return nil
}

type recordingConsumer struct {
	mu      sync.Mutex
	packets [][]byte
	errs    []string
}

func (c *recordingConsumer) PacketReady(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
}

func (c *recordingConsumer) ErrorOccurred(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, msg)
}

func (c *recordingConsumer) Packets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.packets))
	for i, p := range c.packets {
		out[i] = string(p)
	}
	return out
}

func (c *recordingConsumer) Errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.errs...)
}

func countPrefix(msgs []string, prefix string) int {
	n := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func testOptions(packetSize int) Options {
	return Options{
		PacketSize:    packetSize,
		StartSequence: sequence.Sequence{sequence.Send([]byte{0x00}), sequence.Delay(time.Millisecond), sequence.Send([]byte{0x01})},
		StopSequence:  sequence.Sequence{sequence.Send([]byte{0x00})},
		PollInterval:  time.Millisecond,
		ReadTimeout:   20 * time.Millisecond,
	}
}

func newTestWorker(t *testing.T, tr *fakeTransport, opts Options) (*Worker, *recordingConsumer) {
	t.Helper()
	c := &recordingConsumer{}
	w, err := NewWorker(tr, c, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.StopCollecting(context.Background()) })
	return w, c
}

func TestNewWorker_Validation(t *testing.T) {
	tr := &fakeTransport{}
	c := &recordingConsumer{}

	_, err := NewWorker(nil, c, testOptions(4))
	assert.Error(t, err)
	_, err = NewWorker(tr, nil, testOptions(4))
	assert.Error(t, err)
	_, err = NewWorker(tr, c, testOptions(0))
	assert.Error(t, err)
	_, err = NewWorker(tr, c, testOptions(10001))
	assert.Error(t, err)

	opts := testOptions(4)
	opts.MaxConsecutiveReadFailures = -1
	_, err = NewWorker(tr, c, opts)
	assert.Error(t, err)

	w, err := NewWorker(tr, c, Options{PacketSize: 4})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, w.Options().PollInterval)
	assert.Equal(t, DefaultReadTimeout, w.Options().ReadTimeout)
	assert.Equal(t, StateIdle, w.State())
}

func TestWorker_PacketsInOrder(t *testing.T) {
	tr := &fakeTransport{}
	tr.queue("ABC", "DEFGH", "", "IJKL", "MN")
	w, c := newTestWorker(t, tr, testOptions(4))

	require.NoError(t, w.StartCollecting(context.Background()))
	assert.Equal(t, StateRunning, w.State())

	require.Eventually(t, func() bool {
		return len(c.Packets()) == 3 && w.Stats().BytesRead == 14
	}, time.Second, time.Millisecond)
	require.NoError(t, w.StopCollecting(context.Background()))

	assert.Equal(t, []string{"ABCD", "EFGH", "IJKL"}, c.Packets())
	assert.Empty(t, c.Errors())

	stats := w.Stats()
	assert.Equal(t, StateIdle, stats.State)
	assert.EqualValues(t, 3, stats.Packets)
	assert.EqualValues(t, 14, stats.BytesRead)
}

func TestWorker_LifecycleOrder(t *testing.T) {
	tr := &fakeTransport{}
	tr.queue("ABCD")
	w, c := newTestWorker(t, tr, testOptions(4))

	require.NoError(t, w.StartCollecting(context.Background()))
	require.Eventually(t, func() bool { return len(c.Packets()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.StopCollecting(context.Background()))

	ev := tr.Events()
	require.GreaterOrEqual(t, len(ev), 6)
	assert.Equal(t, []string{"open", "write 00", "write 01", "read"}, ev[:4])
	assert.Equal(t, []string{"write 00", "close"}, ev[len(ev)-2:])
}

func TestWorker_PartialPacketDiscardedOnStop(t *testing.T) {
	tr := &fakeTransport{}
	tr.queue("AB")
	w, c := newTestWorker(t, tr, testOptions(4))

	require.NoError(t, w.StartCollecting(context.Background()))
	require.Eventually(t, func() bool { return w.Stats().BytesRead == 2 }, time.Second, time.Millisecond)
	require.NoError(t, w.StopCollecting(context.Background()))
	assert.Empty(t, c.Packets())

	tr.queue("CDEF")
	require.NoError(t, w.StartCollecting(context.Background()))
	require.Eventually(t, func() bool { return len(c.Packets()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, w.StopCollecting(context.Background()))

	assert.Equal(t, []string{"CDEF"}, c.Packets())
}

func TestWorker_OpenFailure(t *testing.T) {
	tr := &fakeTransport{openErr: errors.New("no such device")}
	w, c := newTestWorker(t, tr, testOptions(4))

	err := w.StartCollecting(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, OpenFailure))
	assert.Equal(t, StateIdle, w.State())

	time.Sleep(5 * time.Millisecond)
	assert.Zero(t, w.Stats().Ticks)
	assert.Equal(t, []string{"open"}, tr.Events())

	errs := c.Errors()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "no such device")
}

func TestWorker_StartSequenceFailureReleasesDevice(t *testing.T) {
	tr := &fakeTransport{failWrite: []byte{0x01}}
	w, c := newTestWorker(t, tr, testOptions(4))

	err := w.StartCollecting(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, StartSequenceFailure))
	assert.Equal(t, StateIdle, w.State())

	require.Len(t, tr.handles, 1)
	assert.Equal(t, 1, tr.closed(0))
	assert.Equal(t, []string{"open", "write 00", "write 01", "close"}, tr.Events())
	assert.Equal(t, 1, countPrefix(c.Errors(), StartSequenceFailure.String()))
}

func TestWorker_StartWhileRunning(t *testing.T) {
	tr := &fakeTransport{}
	w, c := newTestWorker(t, tr, testOptions(4))

	require.NoError(t, w.StartCollecting(context.Background()))
	err := w.StartCollecting(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Empty(t, c.Errors())
	assert.Len(t, tr.handles, 1)
	assert.Equal(t, StateRunning, w.State())
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	w, _ := newTestWorker(t, tr, testOptions(4))

	require.NoError(t, w.StopCollecting(context.Background()))
	assert.Empty(t, tr.Events())

	require.NoError(t, w.StartCollecting(context.Background()))
	require.NoError(t, w.StopCollecting(context.Background()))
	events := len(tr.Events())

	require.NoError(t, w.StopCollecting(context.Background()))

	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 1, tr.closed(0))
	assert.Len(t, tr.Events(), events)
}

func TestWorker_StopFromPacketReady(t *testing.T) {
	tr := &fakeTransport{}
	tr.queue("ABCDEFGH")

	var w *Worker
	var once sync.Once
	var packets [][]byte
	stopped := make(chan error, 1)
	c := ConsumerFuncs{OnPacket: func(p []byte) {
		packets = append(packets, p)
		once.Do(func() {
			stopped <- w.StopCollecting(context.Background())
			// the worker is already running, so a restart is refused
			stopped <- w.StartCollecting(context.Background())
		})
	}}
	w, err := NewWorker(tr, c, testOptions(4))
	require.NoError(t, err)
	require.NoError(t, w.StartCollecting(context.Background()))

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("StopCollecting called from PacketReady did not return")
	}
	assert.ErrorIs(t, <-stopped, ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return w.State() == StateIdle && tr.closed(0) == 1
	}, time.Second, time.Millisecond)

	// the second packet of the chunk is dropped with the session
	assert.Equal(t, [][]byte{[]byte("ABCD")}, packets)
	assert.EqualValues(t, 1, w.Stats().Packets)

	ev := tr.Events()
	assert.Equal(t, []string{"write 00", "close"}, ev[len(ev)-2:])

	require.NoError(t, w.StartCollecting(context.Background()))
	require.NoError(t, w.StopCollecting(context.Background()))
	assert.Equal(t, 1, tr.closed(1))
}

func TestWorker_StopFromErrorOccurred(t *testing.T) {
	tr := &fakeTransport{readErr: errors.New("device gone")}

	var w *Worker
	stopped := make(chan struct{})
	var once sync.Once
	c := ConsumerFuncs{OnError: func(string) {
		once.Do(func() {
			_ = w.StopCollecting(context.Background())
			close(stopped)
		})
	}}
	w, err := NewWorker(tr, c, testOptions(4))
	require.NoError(t, err)
	require.NoError(t, w.StartCollecting(context.Background()))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopCollecting called from ErrorOccurred did not return")
	}
	require.Eventually(t, func() bool {
		return w.State() == StateIdle && tr.closed(0) == 1
	}, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, w.Stats().ReadFailures)
}

func TestWorker_StopFromStopSequenceError(t *testing.T) {
	tr := &fakeTransport{}
	opts := testOptions(4)
	opts.StopSequence = sequence.Sequence{sequence.Send([]byte{0xff})}

	var w *Worker
	c := ConsumerFuncs{OnError: func(string) {
		_ = w.StopCollecting(context.Background())
	}}
	w, err := NewWorker(tr, c, opts)
	require.NoError(t, err)
	require.NoError(t, w.StartCollecting(context.Background()))

	tr.mu.Lock()
	tr.failWrite = []byte{0xff}
	tr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = w.StopCollecting(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 1, tr.closed(0))
}

func TestWorker_StopSequenceFailureStillStops(t *testing.T) {
	tr := &fakeTransport{}
	opts := testOptions(4)
	opts.StopSequence = sequence.Sequence{sequence.Send([]byte{0xff}), sequence.Send([]byte{0x00})}
	w, c := newTestWorker(t, tr, opts)

	require.NoError(t, w.StartCollecting(context.Background()))
	tr.mu.Lock()
	tr.failWrite = []byte{0xff}
	tr.mu.Unlock()

	require.NoError(t, w.StopCollecting(context.Background()))
	assert.Equal(t, StateIdle, w.State())
	assert.Equal(t, 1, tr.closed(0))
	assert.Equal(t, 1, countPrefix(c.Errors(), StopSequenceFailure.String()))

	ev := tr.Events()
	assert.Equal(t, []string{"write ff", "close"}, ev[len(ev)-2:])
}

func TestWorker_ReadFailureIsNotFatal(t *testing.T) {
	tr := &fakeTransport{}
	tr.reads = []readResult{
		{data: []byte("AB")},
		{err: errors.New("timeout")},
		{data: []byte("CD")},
	}
	w, c := newTestWorker(t, tr, testOptions(4))

	require.NoError(t, w.StartCollecting(context.Background()))
	require.Eventually(t, func() bool { return len(c.Packets()) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, StateRunning, w.State())
	assert.Equal(t, []string{"ABCD"}, c.Packets())
	assert.Equal(t, 1, countPrefix(c.Errors(), PollReadFailure.String()))
	assert.EqualValues(t, 1, w.Stats().ReadFailures)
}

func TestWorker_ConsecutiveReadFailuresStopWorker(t *testing.T) {
	tr := &fakeTransport{readErr: errors.New("device gone")}
	opts := testOptions(4)
	opts.MaxConsecutiveReadFailures = 3
	w, c := newTestWorker(t, tr, opts)

	require.NoError(t, w.StartCollecting(context.Background()))
	require.Eventually(t, func() bool {
		return w.State() == StateIdle && tr.closed(0) == 1
	}, time.Second, time.Millisecond)

	errs := c.Errors()
	assert.Equal(t, 3, countPrefix(errs, PollReadFailure.String()))
	assert.Equal(t, 1, countPrefix(errs, ReadFailureEscalation.String()))

	ev := tr.Events()
	assert.Equal(t, []string{"write 00", "close"}, ev[len(ev)-2:])

	// the worker can be started again afterwards
	tr.mu.Lock()
	tr.readErr = nil
	tr.mu.Unlock()
	require.NoError(t, w.StartCollecting(context.Background()))
	assert.Equal(t, StateRunning, w.State())
}

func TestWorker_StopCancelsBlockedRead(t *testing.T) {
	tr := &fakeTransport{block: true}
	opts := testOptions(4)
	opts.ReadTimeout = time.Hour
	w, c := newTestWorker(t, tr, opts)

	require.NoError(t, w.StartCollecting(context.Background()))
	time.Sleep(5 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		_ = w.StopCollecting(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not interrupt the pending read")
	}
	assert.Equal(t, StateIdle, w.State())
	assert.Empty(t, c.Errors())
}

func TestWorker_TickHook(t *testing.T) {
	tr := &fakeTransport{}
	tr.queue("ABCDEFGH")

	var mu sync.Mutex
	var results []TickResult
	c := &recordingConsumer{}
	w, err := NewWorker(tr, c, testOptions(4), WithTickHook(func(r TickResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}))
	require.NoError(t, err)
	defer w.StopCollecting(context.Background())

	require.NoError(t, w.StartCollecting(context.Background()))
	require.Eventually(t, func() bool { return len(c.Packets()) == 2 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, results)
	assert.Equal(t, 8, results[0].Bytes)
	assert.Equal(t, 2, results[0].Packets)
	assert.NoError(t, results[0].Err)
}
