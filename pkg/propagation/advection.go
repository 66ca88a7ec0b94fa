package propagation

import (
	"context"
	"errors"
	"math"
)

// DeviceCPU is the device name of the built-in backend
const DeviceCPU = "cpu"

// DefaultMaxShift bounds the per-frame motion search in pixels
const DefaultMaxShift = 3

func init() {
	Register(cpuBackend{})
}

type cpuBackend struct{}

func (cpuBackend) Name() string    { return DeviceCPU }
func (cpuBackend) Available() bool { return true }

func (cpuBackend) Load(horizon int) (Forecaster, error) {
	if horizon <= 0 {
		return nil, errors.New("horizon must be positive")
	}
	return &AdvectionForecaster{Horizon: horizon, MaxShift: DefaultMaxShift}, nil
}

// AdvectionForecaster extrapolates the newest frame along the global motion
// measured between the two newest frames. With a single frame it degrades
// to persistence.
type AdvectionForecaster struct {
	Horizon  int
	MaxShift int
}

// Forecast implements Forecaster
func (a *AdvectionForecaster) Forecast(ctx context.Context, w Window) ([][]float32, error) {
	n := w.Rows * w.Cols
	if len(w.Frames) == 0 || n == 0 {
		return nil, ErrBadForecast
	}
	for _, f := range w.Frames {
		if len(f) != n {
			return nil, ErrBadForecast
		}
	}

	last := w.Frames[len(w.Frames)-1]
	var dr, dc int
	if len(w.Frames) > 1 {
		dr, dc = estimateShift(w.Frames[len(w.Frames)-2], last, w.Rows, w.Cols, a.MaxShift)
	}

	out := make([][]float32, a.Horizon)
	for step := 1; step <= a.Horizon; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[step-1] = shift(last, w.Rows, w.Cols, dr*step, dc*step)
	}
	return out, nil
}

// estimateShift finds the integer displacement minimising the mean absolute
// difference between prev moved by (dr, dc) and cur over their overlap
func estimateShift(prev, cur []float32, rows, cols, maxShift int) (int, int) {
	best := math.Inf(1)
	var bestR, bestC int
	for dr := -maxShift; dr <= maxShift; dr++ {
		for dc := -maxShift; dc <= maxShift; dc++ {
			var sum float64
			var count int
			for r := 0; r < rows; r++ {
				pr := r - dr
				if pr < 0 || pr >= rows {
					continue
				}
				for c := 0; c < cols; c++ {
					pc := c - dc
					if pc < 0 || pc >= cols {
						continue
					}
					sum += math.Abs(float64(cur[r*cols+c] - prev[pr*cols+pc]))
					count++
				}
			}
			if count == 0 {
				continue
			}
			cost := sum / float64(count)
			// prefer the smaller motion on ties so a static scene stays put
			if cost < best-1e-9 || (math.Abs(cost-best) <= 1e-9 && abs(dr)+abs(dc) < abs(bestR)+abs(bestC)) {
				best = cost
				bestR, bestC = dr, dc
			}
		}
	}
	return bestR, bestC
}

// shift moves a raster by (dr, dc); uncovered pixels are zero
func shift(src []float32, rows, cols, dr, dc int) []float32 {
	dst := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		sr := r - dr
		if sr < 0 || sr >= rows {
			continue
		}
		for c := 0; c < cols; c++ {
			sc := c - dc
			if sc < 0 || sc >= cols {
				continue
			}
			dst[r*cols+c] = src[sr*cols+sc]
		}
	}
	return dst
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
