package sequence

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Kind tags a Step as either a device write or a settling delay.
type Kind uint8

const (
	KindSend Kind = iota + 1
	KindDelay
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "send"
	case KindDelay:
		return "delay"
	default:
		return "unknown"
	}
}

// Step is one entry of a start or stop sequence. The zero value is invalid; build steps with Send or Delay.
type Step struct {
	kind  Kind
	data  []byte
	delay time.Duration
}

// Send returns a step that writes b to the device. b is copied.
func Send(b []byte) Step {
	data := make([]byte, len(b))
	copy(data, b)
	return Step{kind: KindSend, data: data}
}

// Delay returns a step that blocks the caller for d.
func Delay(d time.Duration) Step {
	return Step{kind: KindDelay, delay: d}
}

// DelaySeconds is Delay with the duration given in (fractional) seconds.
func DelaySeconds(s float64) Step {
	return Delay(time.Duration(math.Round(s * float64(time.Second))))
}

func (s Step) Kind() Kind { return s.kind }

// Bytes returns a copy of the payload of a send step, nil for delays.
func (s Step) Bytes() []byte {
	if s.kind != KindSend {
		return nil
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s Step) Duration() time.Duration { return s.delay }

func (s Step) String() string {
	switch s.kind {
	case KindSend:
		return "send " + hex.EncodeToString(s.data)
	case KindDelay:
		return "delay " + s.delay.String()
	default:
		return "invalid step"
	}
}

// Sequence is an ordered list of steps replayed exactly as configured.
type Sequence []Step

// Writer is the part of a device handle the sequencer needs.
type Writer interface {
	Write(ctx context.Context, p []byte) error
}

// StepError reports which step of a sequence failed.
type StepError struct {
	Index int
	Step  Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Run executes seq against w in order. The first failing step aborts the run; later steps are not attempted.
func Run(ctx context.Context, seq Sequence, w Writer) error {
	for i, step := range seq {
		var err error
		switch step.kind {
		case KindSend:
			err = w.Write(ctx, step.Bytes())
		case KindDelay:
			err = sleep(ctx, step.delay)
		default:
			err = fmt.Errorf("invalid step kind %d", step.kind)
		}
		if err != nil {
			return &StepError{Index: i, Step: step, Err: err}
		}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
