package acq

import (
	"time"

	"github.com/norasector/spiacq/pkg/sequence"
	"github.com/rs/zerolog"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultReadTimeout  = 100 * time.Millisecond
)

// Options are the construction parameters of a Worker. They are fixed for the worker's lifetime.
type Options struct {
	PacketSize    int
	StartSequence sequence.Sequence
	StopSequence  sequence.Sequence
	Bus           int
	Address       int

	// PollInterval is the tick period of the read loop. Zero means DefaultPollInterval.
	PollInterval time.Duration
	// ReadTimeout bounds each transport read so stop stays responsive. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
	// MaxConsecutiveReadFailures stops the session after that many failed ticks in a row. Zero disables it.
	MaxConsecutiveReadFailures int
}

// TickResult describes one poll tick.
type TickResult struct {
	At      time.Time
	Latency time.Duration
	Bytes   int
	Packets int
	Err     error
}

type WorkerOption func(w *Worker) error

func WithLogger(logger zerolog.Logger) WorkerOption {
	return func(w *Worker) error {
		w.logger = logger
		return nil
	}
}

// WithTickHook installs fn, called from the poll goroutine after every tick.
func WithTickHook(fn func(TickResult)) WorkerOption {
	return func(w *Worker) error {
		w.tickHook = fn
		return nil
	}
}

// WithErrorHook installs fn, called with every failure before it reaches the consumer.
func WithErrorHook(fn func(*Error)) WorkerOption {
	return func(w *Worker) error {
		w.errorHook = fn
		return nil
	}
}
