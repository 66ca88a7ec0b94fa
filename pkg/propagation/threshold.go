package propagation

import (
	"fmt"
	"math"
	"time"

	"github.com/k3suav/shadow-gcs/pkg/models"
)

// TimeAvailable converts a multi-step forecast into a time available raster.
// A pixel gets the lead time of the first step whose probability reaches the
// threshold; step i (1-based) is i*step ahead of the newest input. Pixels
// never reaching the threshold get models.TimeAvailableSentinel.
func TimeAvailable(forecast [][]float32, rows, cols int, threshold float32, step time.Duration) ([]uint16, error) {
	n := rows * cols
	for i, f := range forecast {
		if len(f) != n {
			return nil, fmt.Errorf("%w: step %d has %d pixels, want %d", ErrBadForecast, i, len(f), n)
		}
	}

	out := make([]uint16, n)
	for px := 0; px < n; px++ {
		out[px] = models.TimeAvailableSentinel
		for i, f := range forecast {
			if f[px] >= threshold {
				out[px] = leadSeconds(i+1, step)
				break
			}
		}
	}
	return out, nil
}

// leadSeconds never returns the sentinel for a real obstruction
func leadSeconds(steps int, step time.Duration) uint16 {
	secs := math.Round(float64(steps) * step.Seconds())
	if secs >= float64(models.TimeAvailableSentinel) {
		return models.TimeAvailableSentinel - 1
	}
	if secs < 0 {
		return 0
	}
	return uint16(secs)
}
