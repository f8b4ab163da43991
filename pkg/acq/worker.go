package acq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/norasector/spiacq/pkg/acq/device"
	"github.com/norasector/spiacq/pkg/frame"
	"github.com/norasector/spiacq/pkg/sequence"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker drives one acquisition session at a time: it opens the device, runs the start sequence,
// polls for data, cuts it into packets for its Consumer and undoes all of it on stop.
type Worker struct {
	transport device.Transport
	consumer  Consumer
	opts      Options
	logger    zerolog.Logger
	tickHook  func(TickResult)
	errorHook func(*Error)

	// mu serialises StartCollecting and StopCollecting.
	mu        sync.Mutex
	state     atomic.Uint32
	handle    device.Handle
	assembler *frame.Assembler
	cancel    context.CancelFunc
	done      chan struct{}

	// run is the session being polled, readable without mu.
	run atomic.Pointer[pollRun]
	// callbacks counts consumer calls in progress.
	callbacks atomic.Int32

	// owned by the poll goroutine
	consecutiveFailures int

	ticks        atomic.Uint64
	readFailures atomic.Uint64
	bytesRead    atomic.Uint64
	packets      atomic.Uint64
}

type pollRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stats is a snapshot of the worker counters. Counters accumulate across sessions.
type Stats struct {
	State        State
	Ticks        uint64
	ReadFailures uint64
	BytesRead    uint64
	Packets      uint64
}

func NewWorker(transport device.Transport, consumer Consumer, opts Options, wopts ...WorkerOption) (*Worker, error) {
	if transport == nil {
		return nil, errors.New("acq: transport required")
	}
	if consumer == nil {
		return nil, errors.New("acq: consumer required")
	}
	if opts.PollInterval < 0 || opts.ReadTimeout < 0 {
		return nil, errors.New("acq: poll interval and read timeout must be >= 0")
	}
	if opts.MaxConsecutiveReadFailures < 0 {
		return nil, errors.New("acq: max consecutive read failures must be >= 0")
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}

	assembler, err := frame.NewAssembler(opts.PacketSize)
	if err != nil {
		return nil, fmt.Errorf("acq: %w", err)
	}

	w := &Worker{
		transport: transport,
		consumer:  consumer,
		opts:      opts,
		assembler: assembler,
		logger:    log.Logger,
	}
	for _, opt := range wopts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	w.logger = w.logger.With().Int("bus", opts.Bus).Int("address", opts.Address).Logger()

	return w, nil
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) Stats() Stats {
	return Stats{
		State:        w.State(),
		Ticks:        w.ticks.Load(),
		ReadFailures: w.readFailures.Load(),
		BytesRead:    w.bytesRead.Load(),
		Packets:      w.packets.Load(),
	}
}

func (w *Worker) Options() Options {
	return w.opts
}

// StartCollecting opens the device, runs the start sequence and begins polling.
// It returns ErrAlreadyRunning unless the worker is idle. On any failure the device is released,
// the error is reported to the consumer and the worker stays idle.
func (w *Worker) StartCollecting(ctx context.Context) error {
	if w.callbacks.Load() > 0 {
		// a Consumer callback runs while a session is active or being set up
		return ErrAlreadyRunning
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.State() != StateIdle {
		return ErrAlreadyRunning
	}

	h, err := w.transport.Open(w.opts.Bus, w.opts.Address)
	if err != nil {
		return w.fail(OpenFailure, err)
	}

	if err := sequence.Run(ctx, w.opts.StartSequence, h); err != nil {
		if cerr := h.Close(); cerr != nil {
			w.logger.Warn().Err(cerr).Msg("error releasing device after failed start")
		}
		return w.fail(StartSequenceFailure, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	w.handle = h
	w.cancel = cancel
	w.done = make(chan struct{})
	w.consecutiveFailures = 0
	w.run.Store(&pollRun{cancel: cancel, done: w.done})
	w.state.Store(uint32(StateRunning))

	go w.poll(pollCtx, h, w.done)

	w.logger.Info().
		Int("packet_size", w.opts.PacketSize).
		Dur("poll_interval", w.opts.PollInterval).
		Msg("acquisition started")
	return nil
}

// StopCollecting halts polling, runs the stop sequence, drops any partial packet and releases the device.
// A failing stop sequence is reported to the consumer but does not prevent the stop.
// Calling it while idle does nothing.
//
// Called from inside a Consumer callback, it cancels polling and finishes the stop in the background,
// since the callback runs on the goroutine the stop would otherwise wait for.
func (w *Worker) StopCollecting(ctx context.Context) error {
	if w.callbacks.Load() > 0 {
		if r := w.run.Load(); r != nil {
			w.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopping))
			r.cancel()
			go w.stopSession(r.done)
		}
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked(ctx)
	return nil
}

func (w *Worker) stopLocked(ctx context.Context) {
	if w.handle == nil {
		return
	}

	w.state.Store(uint32(StateStopping))
	w.cancel()
	<-w.done

	if err := sequence.Run(ctx, w.opts.StopSequence, w.handle); err != nil {
		w.fail(StopSequenceFailure, err)
	}

	dropped := w.assembler.Len()
	w.assembler.Clear()

	if err := w.handle.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("error releasing device")
	}

	w.handle = nil
	w.cancel = nil
	w.done = nil
	w.run.Store(nil)
	w.state.Store(uint32(StateIdle))

	w.logger.Info().Int("dropped_bytes", dropped).Msg("acquisition stopped")
}

// stopSession stops the session owning done, unless it has already been stopped.
func (w *Worker) stopSession(done chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != done {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.stopLocked(ctx)
}

func (w *Worker) poll(ctx context.Context, h device.Handle, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// select picks randomly when both are ready
			if ctx.Err() != nil {
				return
			}
			if !w.tick(ctx, h) {
				go w.stopSession(done)
				return
			}
		}
	}
}

// tick reads one chunk and emits the packets it completes. It returns false when the session must end.
func (w *Worker) tick(ctx context.Context, h device.Handle) bool {
	start := time.Now()
	readCtx, cancel := context.WithTimeout(ctx, w.opts.ReadTimeout)
	chunk, err := h.Read(readCtx, w.opts.PacketSize)
	cancel()

	w.ticks.Add(1)
	res := TickResult{At: start, Latency: time.Since(start)}

	if err != nil {
		if ctx.Err() != nil {
			// stop cancelled the read
			return true
		}
		w.readFailures.Add(1)
		w.consecutiveFailures++
		res.Err = err
		w.observe(res)
		w.fail(PollReadFailure, err)

		limit := w.opts.MaxConsecutiveReadFailures
		if limit > 0 && w.consecutiveFailures >= limit {
			w.fail(ReadFailureEscalation, fmt.Errorf("%d consecutive read failures", w.consecutiveFailures))
			return false
		}
		return true
	}

	w.consecutiveFailures = 0
	w.bytesRead.Add(uint64(len(chunk)))
	w.assembler.Append(chunk)

	delivered := 0
	for _, p := range w.assembler.Drain() {
		if ctx.Err() != nil {
			// a consumer stopped the session; the rest is discarded with the partial packet
			break
		}
		w.callbacks.Add(1)
		w.consumer.PacketReady(p)
		w.callbacks.Add(-1)
		delivered++
	}
	w.packets.Add(uint64(delivered))

	res.Bytes = len(chunk)
	res.Packets = delivered
	w.observe(res)
	return true
}

func (w *Worker) observe(res TickResult) {
	if w.tickHook != nil {
		w.tickHook(res)
	}
}

// fail logs err, hands it to the consumer and returns it as an *Error.
func (w *Worker) fail(kind ErrorKind, err error) error {
	e := &Error{Kind: kind, Err: err}
	if kind.Fatal() {
		w.logger.Error().Err(err).Str("kind", kind.String()).Msg("acquisition error")
	} else {
		w.logger.Warn().Err(err).Str("kind", kind.String()).Msg("acquisition warning")
	}
	if w.errorHook != nil {
		w.errorHook(e)
	}
	w.callbacks.Add(1)
	w.consumer.ErrorOccurred(e.Error())
	w.callbacks.Add(-1)
	return e
}
