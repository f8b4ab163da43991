package viz

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

type PlotType int

const (
	PlotTypeDefault PlotType = iota
	PlotTypeScatter
	PlotTypeLines
)

// TimeSeriesPlotter keeps the last size values appended to it and renders them as a PNG.
// Append and GetImage may be called from different goroutines.
type TimeSeriesPlotter struct {
	mu          sync.Mutex
	buf         []float64
	size        int
	name        string
	yLabel      string
	plotFunc    func(*plot.Plot, ...interface{}) error
	plotOptions []PlotOptions
}

func NewTimeSeriesPlotter(name, yLabel string, size int) *TimeSeriesPlotter {
	return &TimeSeriesPlotter{
		buf:      make([]float64, 0, size),
		size:     size,
		name:     name,
		yLabel:   yLabel,
		plotFunc: plotutil.AddLines,
	}
}

func (t *TimeSeriesPlotter) Name() string {
	return t.name
}

func (t *TimeSeriesPlotter) SetPlotType(tp PlotType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch tp {
	case PlotTypeScatter:
		t.plotFunc = plotutil.AddScatters
	default:
		t.plotFunc = plotutil.AddLines
	}
}

func (t *TimeSeriesPlotter) Append(values ...float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, values...)
	if len(t.buf) > t.size {
		t.buf = append(t.buf[:0], t.buf[len(t.buf)-t.size:]...)
	}
}

// Values returns a copy of the retained values, oldest first.
func (t *TimeSeriesPlotter) Values() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]float64(nil), t.buf...)
}

func (t *TimeSeriesPlotter) AddPlotOption(opt PlotOptions) {
	t.mu.Lock()
	t.plotOptions = append(t.plotOptions, opt)
	t.mu.Unlock()
}

// GetImage renders the retained values. It returns nil while there is nothing to draw.
func (t *TimeSeriesPlotter) GetImage() *ImageContainer {
	t.mu.Lock()
	values := append([]float64(nil), t.buf...)
	opts := append([]PlotOptions(nil), t.plotOptions...)
	plotFunc := t.plotFunc
	t.mu.Unlock()

	if len(values) < 2 {
		return nil
	}

	p := plotWithDefaults()
	p.Title.Text = t.name
	p.Y.Label.Text = t.yLabel
	p.X.Label.Text = "tick"

	for _, opt := range opts {
		opt(p)
	}

	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(values))
	for i, v := range values {
		xys[i] = plotter.XY{X: float64(i), Y: v}
	}
	if err := plotFunc(p, t.yLabel, xys); err != nil {
		log.Warn().Err(err).Str("plot", t.name).Msg("error adding plot data")
		return nil
	}

	w, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		log.Warn().Err(err).Str("plot", t.name).Msg("error rendering plot")
		return nil
	}
	var imageData bytes.Buffer
	if _, err := w.WriteTo(&imageData); err != nil {
		log.Warn().Err(err).Str("plot", t.name).Msg("error encoding plot")
		return nil
	}
	return &ImageContainer{name: t.name, data: imageData.Bytes()}
}
