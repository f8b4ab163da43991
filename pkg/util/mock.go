package util

import (
	"sync"

	"github.com/influxdata/influxdb-client-go/api/write"
)

// MockWriteAPI stands in for an InfluxDB WriteAPI when no server is configured.
// The zero value discards everything; NewRecordingWriteAPI keeps what is written for inspection.
type MockWriteAPI struct {
	mu     sync.Mutex
	record bool
	points []*write.Point
	lines  []string
}

func NewRecordingWriteAPI() *MockWriteAPI {
	return &MockWriteAPI{record: true}
}

func (m *MockWriteAPI) WriteRecord(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record {
		m.lines = append(m.lines, line)
	}
}

func (m *MockWriteAPI) WritePoint(point *write.Point) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record {
		m.points = append(m.points, point)
	}
}

func (m *MockWriteAPI) Flush() {}

func (m *MockWriteAPI) Close() {}

// Errors returns nil; a nil channel never delivers.
func (m *MockWriteAPI) Errors() <-chan error { return nil }

// Points returns the recorded points named name, or all of them if name is empty.
func (m *MockWriteAPI) Points(name string) []*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*write.Point
	for _, p := range m.points {
		if name == "" || p.Name() == name {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockWriteAPI) Records() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}
