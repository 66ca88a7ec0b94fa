package propagation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3suav/shadow-gcs/pkg/models"
)

type stubBackend struct {
	name      string
	available bool
	err       error
}

func (s stubBackend) Name() string    { return s.name }
func (s stubBackend) Available() bool { return s.available }
func (s stubBackend) Load(horizon int) (Forecaster, error) {
	if s.err != nil {
		return nil, s.err
	}
	return persistence(horizon), nil
}

func TestResolvePrefersFirstAvailableDevice(t *testing.T) {
	tests := []struct {
		name     string
		backends []Backend
		want     string
		wantErr  bool
	}{
		{
			name:     "gpu present",
			backends: []Backend{stubBackend{name: "cuda", available: true}, stubBackend{name: "cpu", available: true}},
			want:     "cuda",
		},
		{
			name:     "gpu missing falls back",
			backends: []Backend{stubBackend{name: "cuda"}, stubBackend{name: "cpu", available: true}},
			want:     "cpu",
		},
		{
			name:     "gpu load failure falls back",
			backends: []Backend{stubBackend{name: "cuda", available: true, err: errors.New("no model")}, stubBackend{name: "cpu", available: true}},
			want:     "cpu",
		},
		{
			name:     "nothing usable",
			backends: []Backend{stubBackend{name: "cuda"}},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewBackendRegistry()
			for _, b := range tt.backends {
				r.Register(b)
			}
			f, device, err := r.Resolve([]string{"cuda", "cpu"}, 4)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoBackend)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, f)
			assert.Equal(t, tt.want, device)
		})
	}
}

func TestRegistryListAndClear(t *testing.T) {
	r := NewBackendRegistry()
	r.Register(stubBackend{name: "cpu"})
	r.Register(stubBackend{name: "cuda"})
	assert.Equal(t, []string{"cpu", "cuda"}, r.List())

	_, err := r.Get("tpu")
	assert.Error(t, err)

	r.Clear()
	assert.Empty(t, r.List())
}

func TestBuiltinCPUBackendRegistered(t *testing.T) {
	assert.Contains(t, List(), DeviceCPU)
	f, device, err := Resolve([]string{"cuda", DeviceCPU}, 5)
	require.NoError(t, err)
	assert.Equal(t, DeviceCPU, device)
	assert.IsType(t, &AdvectionForecaster{}, f)
}

func blockFrame(rows, cols, r0, c0 int) []float32 {
	f := make([]float32, rows*cols)
	for r := r0; r < r0+2 && r < rows; r++ {
		for c := c0; c < c0+2 && c < cols; c++ {
			f[r*cols+c] = 1
		}
	}
	return f
}

func TestAdvectionForecasterFollowsMotion(t *testing.T) {
	const rows, cols = 10, 12
	w := Window{
		Rows:   rows,
		Cols:   cols,
		Frames: [][]float32{blockFrame(rows, cols, 4, 1), blockFrame(rows, cols, 4, 2)},
	}
	a := &AdvectionForecaster{Horizon: 3, MaxShift: DefaultMaxShift}
	out, err := a.Forecast(context.Background(), w)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, blockFrame(rows, cols, 4, 3), out[0])
	assert.Equal(t, blockFrame(rows, cols, 4, 5), out[2])
}

func TestAdvectionForecasterPersistsSingleFrame(t *testing.T) {
	frame := blockFrame(4, 4, 1, 1)
	a := &AdvectionForecaster{Horizon: 2, MaxShift: 1}
	out, err := a.Forecast(context.Background(), Window{Rows: 4, Cols: 4, Frames: [][]float32{frame}})
	require.NoError(t, err)
	assert.Equal(t, frame, out[0])
	assert.Equal(t, frame, out[1])

	_, err = a.Forecast(context.Background(), Window{Rows: 4, Cols: 4, Frames: [][]float32{{1}}})
	assert.ErrorIs(t, err, ErrBadForecast)
}

func TestTimeAvailableThresholding(t *testing.T) {
	forecast := [][]float32{
		{0.1, 0.5, 0.0, 0.39},
		{0.4, 0.9, 0.0, 0.39},
		{0.9, 0.9, 0.0, 0.39},
	}
	got, err := TimeAvailable(forecast, 2, 2, 0.4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []uint16{4, 2, models.TimeAvailableSentinel, models.TimeAvailableSentinel}, got)

	ta := &models.TimeAvailableFunction{Rows: 2, Cols: 2, TimeAvailable: got}
	_, known := ta.At(1, 0)
	assert.False(t, known)

	_, err = TimeAvailable([][]float32{{1}}, 2, 2, 0.4, time.Second)
	assert.ErrorIs(t, err, ErrBadForecast)
}

func TestLeadSecondsNeverCollidesWithSentinel(t *testing.T) {
	assert.Equal(t, models.TimeAvailableSentinel-1, leadSeconds(100000, time.Second))
	assert.Equal(t, uint16(1), leadSeconds(2, 500*time.Millisecond))
}

func TestHistoryWindow(t *testing.T) {
	h := newHistory(2)
	h.push("c1", 1, 1, []float32{1})
	h.push("c1", 1, 1, []float32{2})
	h.push("c1", 1, 1, []float32{3})
	require.True(t, h.full())
	assert.Equal(t, [][]float32{{2}, {3}}, h.window().Frames)

	// new geometry restarts the window
	h.push("c1", 1, 2, []float32{4, 5})
	assert.Equal(t, 1, h.len())
	assert.Equal(t, 2, h.window().Cols)

	// so does a frame from another drone
	h.push("c1", 1, 2, []float32{6, 7})
	require.True(t, h.full())
	h.push("c2", 1, 2, []float32{8, 9})
	assert.Equal(t, 1, h.len())
	assert.Equal(t, [][]float32{{8, 9}}, h.window().Frames)
}
