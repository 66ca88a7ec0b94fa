package models

import (
	"math"
	"time"

	"github.com/k3suav/shadow-gcs/pkg/geo"
)

// TimeAvailableSentinel marks a pixel with no shadow forecast within the
// prediction horizon. Consumers must treat it as unknown/clear.
const TimeAvailableSentinel uint16 = math.MaxUint16

// Corners geo-registers a raster by the positions of its four corner pixels
type Corners struct {
	UL geo.LatLon `json:"ul"`
	UR geo.LatLon `json:"ur"`
	LL geo.LatLon `json:"ll"`
	LR geo.LatLon `json:"lr"`
}

// InstantaneousShadowMap is a single-channel shadow confidence raster.
// 255 means full confidence that the ground patch is in shadow.
type InstantaneousShadowMap struct {
	Rows      int
	Cols      int
	Shadow    []uint8 // row-major, len Rows*Cols
	Corners   Corners
	Timestamp time.Time
	Source    string // link connection the frame arrived on, empty if unknown
}

// NewInstantaneousShadowMap allocates a zeroed map
func NewInstantaneousShadowMap(rows, cols int, corners Corners, ts time.Time) *InstantaneousShadowMap {
	return &InstantaneousShadowMap{
		Rows:      rows,
		Cols:      cols,
		Shadow:    make([]uint8, rows*cols),
		Corners:   corners,
		Timestamp: ts,
	}
}

// Validate checks that the raster matches its declared size
func (m *InstantaneousShadowMap) Validate() error {
	if m.Rows < 0 || m.Cols < 0 || len(m.Shadow) != m.Rows*m.Cols {
		return ErrRasterSize
	}
	return nil
}

// At returns the shadow confidence at (row, col)
func (m *InstantaneousShadowMap) At(row, col int) uint8 {
	return m.Shadow[row*m.Cols+col]
}

// Set stores the shadow confidence at (row, col)
func (m *InstantaneousShadowMap) Set(row, col int, v uint8) {
	m.Shadow[row*m.Cols+col] = v
}

// Probabilities converts the raster to [0,1] shadow probabilities
func (m *InstantaneousShadowMap) Probabilities() []float32 {
	out := make([]float32, len(m.Shadow))
	for i, v := range m.Shadow {
		out[i] = float32(v) / 255.0
	}
	return out
}

// TimeAvailableFunction is the forecast of how many seconds each ground
// patch stays free of shadow. Instances are immutable once published.
type TimeAvailableFunction struct {
	Rows          int       `json:"rows"`
	Cols          int       `json:"cols"`
	TimeAvailable []uint16  `json:"-"` // row-major seconds, TimeAvailableSentinel = clear
	Corners       Corners   `json:"corners"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewTimeAvailableFunction allocates a forecast with every pixel set to the sentinel
func NewTimeAvailableFunction(rows, cols int, corners Corners, ts time.Time) *TimeAvailableFunction {
	ta := &TimeAvailableFunction{
		Rows:          rows,
		Cols:          cols,
		TimeAvailable: make([]uint16, rows*cols),
		Corners:       corners,
		Timestamp:     ts,
	}
	for i := range ta.TimeAvailable {
		ta.TimeAvailable[i] = TimeAvailableSentinel
	}
	return ta
}

// At returns the seconds available at (row, col). known is false for the
// sentinel, which must never be read as a literal duration.
func (t *TimeAvailableFunction) At(row, col int) (seconds uint16, known bool) {
	v := t.TimeAvailable[row*t.Cols+col]
	if v == TimeAvailableSentinel {
		return 0, false
	}
	return v, true
}

// Clone returns a deep copy
func (t *TimeAvailableFunction) Clone() *TimeAvailableFunction {
	c := *t
	c.TimeAvailable = append([]uint16(nil), t.TimeAvailable...)
	return &c
}

// Summary counts pixels with a forecast obstruction and reports the
// smallest time available among them
func (t *TimeAvailableFunction) Summary() (obstructed int, minSeconds uint16) {
	minSeconds = TimeAvailableSentinel
	for _, v := range t.TimeAvailable {
		if v == TimeAvailableSentinel {
			continue
		}
		obstructed++
		if v < minSeconds {
			minSeconds = v
		}
	}
	return obstructed, minSeconds
}
