package acq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/norasector/spiacq/pkg/acq/device"
	"github.com/norasector/spiacq/pkg/frame"
	"github.com/norasector/spiacq/pkg/util"
	"github.com/norasector/spiacq/pkg/viz"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	vizBucket   = "acq"
	plotHistory = 500
	stopTimeout = 5 * time.Second
)

// Session runs a Worker for as long as its context lives and distributes what the worker produces:
// packets go to every PacketOutput, tick and error metrics go to InfluxDB and the viz server.
type Session struct {
	worker    *Worker
	outputs   []PacketOutput
	writeAPI  api.WriteAPI
	vizServer *viz.Server
	logger    zerolog.Logger
	source    string

	seq       atomic.Uint64
	skipped   atomic.Uint64
	errCount  atomic.Uint64
	lastError atomic.Value

	bytesPlot   *viz.TimeSeriesPlotter
	latencyPlot *viz.TimeSeriesPlotter
	latency     *viz.DurationStats

	mu     sync.Mutex
	cancel context.CancelFunc
	fatal  error
}

type SessionOption func(s *Session) error

func WithInfluxDB(writeAPI api.WriteAPI) SessionOption {
	return func(s *Session) error {
		s.writeAPI = writeAPI
		return nil
	}
}

func WithImageServer(vizServer *viz.Server) SessionOption {
	return func(s *Session) error {
		s.vizServer = vizServer
		return nil
	}
}

func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

func WithOutputs(outputs ...PacketOutput) SessionOption {
	return func(s *Session) error {
		for _, o := range outputs {
			if o == nil {
				return errors.New("acq: nil output")
			}
		}
		s.outputs = append(s.outputs, outputs...)
		return nil
	}
}

// WithSource names the data source in metrics and status.
func WithSource(source string) SessionOption {
	return func(s *Session) error {
		s.source = source
		return nil
	}
}

func NewSession(transport device.Transport, opts Options, sopts ...SessionOption) (*Session, error) {
	s := &Session{
		writeAPI:    &util.MockWriteAPI{}, // overwritten with option
		logger:      log.Logger,
		source:      fmt.Sprintf("bus %d address %d", opts.Bus, opts.Address),
		bytesPlot:   viz.NewTimeSeriesPlotter("bytes_per_tick", "bytes", plotHistory),
		latencyPlot: viz.NewTimeSeriesPlotter("read_latency", "ms", plotHistory),
		latency:     viz.NewDurationStats(plotHistory),
	}
	s.lastError.Store("")

	for _, opt := range sopts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	worker, err := NewWorker(transport, s, opts,
		WithLogger(s.logger),
		WithTickHook(s.observeTick),
		WithErrorHook(s.observeError))
	if err != nil {
		return nil, err
	}
	s.worker = worker

	if s.vizServer != nil {
		s.vizServer.Register(vizBucket, s.bytesPlot)
		s.vizServer.Register(vizBucket, s.latencyPlot)
		s.vizServer.SetStatusFunc(func() interface{} { return s.Status() })
	}

	return s, nil
}

func (s *Session) Worker() *Worker {
	return s.worker
}

// Start runs outputs and the viz server, starts collecting and blocks until ctx ends, Stop is called
// or a component fails. Collection is stopped before outputs are told to finish so they see every packet.
// A clean shutdown returns nil.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.fatal = nil
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	eg, ctx := errgroup.WithContext(ctx)
	outCtx, outCancel := context.WithCancel(context.Background())
	defer outCancel()

	for _, output := range s.outputs {
		thisOutput := output
		eg.Go(func() error {
			err := thisOutput.Start(outCtx)
			if outCtx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if s.vizServer != nil {
		eg.Go(func() error {
			return s.vizServer.Run(ctx)
		})
	}

	if err := s.worker.StartCollecting(ctx); err != nil {
		cancel()
		outCancel()
		_ = eg.Wait()
		return err
	}

	s.logger.Info().
		Str("source", s.source).
		Int("packet_size", s.worker.Options().PacketSize).
		Int("outputs", len(s.outputs)).
		Msg("Starting")

	eg.Go(func() error {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		defer stopCancel()
		err := s.worker.StopCollecting(stopCtx)
		outCancel()
		return err
	})

	err := eg.Wait()

	s.mu.Lock()
	fatal := s.fatal
	s.mu.Unlock()
	if fatal != nil {
		return fatal
	}
	return err
}

// Stop ends a running Start. It does nothing if the session is not running.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// PacketReady implements Consumer.
func (s *Session) PacketReady(packet []byte) {
	pkt := &frame.Packet{
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
		Data:      packet,
	}

	skippedOutputs := 0
	for _, output := range s.outputs {
		select {
		case output.Receive() <- pkt:
			// We will not wait on blocked channels.
		default:
			skippedOutputs++
		}
	}
	if skippedOutputs > 0 {
		s.skipped.Add(uint64(skippedOutputs))
	}

	s.writeAPI.WritePoint(influxdb2.NewPoint("acq.packets",
		map[string]string{
			"source":      s.source,
			"packet_size": strconv.Itoa(len(packet)),
		},
		map[string]interface{}{
			"seq":             int64(pkt.Seq),
			"bytes":           len(packet),
			"skipped_outputs": skippedOutputs,
		}, pkt.Timestamp))
}

// ErrorOccurred implements Consumer.
func (s *Session) ErrorOccurred(msg string) {
	s.errCount.Add(1)
	s.lastError.Store(msg)
}

func (s *Session) observeError(e *Error) {
	s.writeAPI.WritePoint(influxdb2.NewPoint("acq.errors",
		map[string]string{
			"source": s.source,
			"kind":   e.Kind.String(),
		},
		map[string]interface{}{
			"message": e.Error(),
			"fatal":   e.Kind.Fatal(),
		}, time.Now()))

	if e.Kind == ReadFailureEscalation {
		s.mu.Lock()
		s.fatal = e
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}
}

func (s *Session) observeTick(res TickResult) {
	if res.Err != nil {
		s.writeAPI.WritePoint(influxdb2.NewPoint("acq.tick",
			map[string]string{"source": s.source},
			map[string]interface{}{
				"failed":     1,
				"latency_us": res.Latency.Microseconds(),
			}, res.At))
		return
	}

	s.bytesPlot.Append(float64(res.Bytes))
	s.latencyPlot.Append(float64(res.Latency) / float64(time.Millisecond))
	s.latency.Add(res.Latency)

	if res.Bytes == 0 {
		return
	}
	s.writeAPI.WritePoint(influxdb2.NewPoint("acq.tick",
		map[string]string{"source": s.source},
		map[string]interface{}{
			"failed":     0,
			"bytes":      res.Bytes,
			"packets":    res.Packets,
			"latency_us": res.Latency.Microseconds(),
		}, res.At))
}

// Status is the document served by the viz server at /status.
type Status struct {
	State          string      `json:"state"`
	Source         string      `json:"source"`
	PacketSize     int         `json:"packet_size"`
	Ticks          uint64      `json:"ticks"`
	ReadFailures   uint64      `json:"read_failures"`
	BytesRead      uint64      `json:"bytes_read"`
	Packets        uint64      `json:"packets"`
	SkippedOutputs uint64      `json:"skipped_outputs"`
	Errors         uint64      `json:"errors"`
	LastError      string      `json:"last_error,omitempty"`
	ReadLatency    viz.Summary `json:"read_latency"`
}

func (s *Session) Status() Status {
	stats := s.worker.Stats()
	return Status{
		State:          stats.State.String(),
		Source:         s.source,
		PacketSize:     s.worker.Options().PacketSize,
		Ticks:          stats.Ticks,
		ReadFailures:   stats.ReadFailures,
		BytesRead:      stats.BytesRead,
		Packets:        stats.Packets,
		SkippedOutputs: s.skipped.Load(),
		Errors:         s.errCount.Load(),
		LastError:      s.lastError.Load().(string),
		ReadLatency:    s.latency.Summary(),
	}
}
