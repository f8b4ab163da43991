package viz

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Summary describes a window of durations, in milliseconds.
type Summary struct {
	Count  int     `json:"count"`
	MeanMs float64 `json:"mean_ms"`
	StdMs  float64 `json:"std_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P99Ms  float64 `json:"p99_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// DurationStats keeps a rolling window of durations.
type DurationStats struct {
	mu     sync.Mutex
	window []float64
	next   int
	full   bool
}

func NewDurationStats(size int) *DurationStats {
	if size < 1 {
		size = 1
	}
	return &DurationStats{window: make([]float64, size)}
}

func (d *DurationStats) Add(v time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.window[d.next] = float64(v) / float64(time.Millisecond)
	d.next++
	if d.next == len(d.window) {
		d.next = 0
		d.full = true
	}
}

func (d *DurationStats) Summary() Summary {
	d.mu.Lock()
	n := d.next
	if d.full {
		n = len(d.window)
	}
	values := append([]float64(nil), d.window[:n]...)
	d.mu.Unlock()

	if len(values) == 0 {
		return Summary{}
	}

	sort.Float64s(values)
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) == 1 {
		std = 0
	}
	return Summary{
		Count:  len(values),
		MeanMs: mean,
		StdMs:  std,
		P50Ms:  stat.Quantile(0.5, stat.Empirical, values, nil),
		P99Ms:  stat.Quantile(0.99, stat.Empirical, values, nil),
		MaxMs:  values[len(values)-1],
	}
}
