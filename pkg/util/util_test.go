package util

import (
	"errors"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatHz(t *testing.T) {
	tests := []struct {
		hz   int
		want string
	}{
		{12000000, "12MHz"},
		{1500000, "1.5MHz"},
		{750000, "750kHz"},
		{93750, "93.75kHz"},
		{500, "500Hz"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatHz(tt.hz))
		})
	}
}

func TestMockWriteAPI(t *testing.T) {
	var discard MockWriteAPI
	discard.WritePoint(influxdb2.NewPoint("a", nil, map[string]interface{}{"v": 1}, time.Now()))
	assert.Empty(t, discard.Points(""))

	rec := NewRecordingWriteAPI()
	rec.WritePoint(influxdb2.NewPoint("a", nil, map[string]interface{}{"v": 1}, time.Now()))
	rec.WritePoint(influxdb2.NewPoint("b", nil, map[string]interface{}{"v": 2}, time.Now()))
	rec.WriteRecord("a v=1")

	assert.Len(t, rec.Points(""), 2)
	require.Len(t, rec.Points("b"), 1)
	assert.Equal(t, "b", rec.Points("b")[0].Name())
	assert.Equal(t, []string{"a v=1"}, rec.Records())
	assert.Nil(t, rec.Errors())
}

func TestTimeOperation(t *testing.T) {
	boom := errors.New("boom")
	d, err := TimeOperation(func() error {
		time.Sleep(2 * time.Millisecond)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.GreaterOrEqual(t, d, 2*time.Millisecond)
}
