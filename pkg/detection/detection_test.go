package detection

import (
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3suav/shadow-gcs/pkg/comms"
	"github.com/k3suav/shadow-gcs/pkg/geo"
	"github.com/k3suav/shadow-gcs/pkg/models"
	"github.com/k3suav/shadow-gcs/pkg/propagation"
)

var _ propagation.Source = (*Broadcaster)(nil)

var drone = &comms.Conn{ID: "c1"}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// halfDark is black on the left half and white on the right
func halfDark(rows, cols int) *comms.RGBImage {
	img := comms.NewRGBImage(rows, cols)
	for r := 0; r < rows; r++ {
		for c := cols / 2; c < cols; c++ {
			img.Set(r, c, 255, 255, 255)
		}
	}
	return img
}

func TestBroadcasterHandlesAndOrder(t *testing.T) {
	b := NewBroadcaster()
	var order []int
	h0 := b.RegisterCallback(func(*models.InstantaneousShadowMap) { order = append(order, 0) })
	h1 := b.RegisterCallback(func(*models.InstantaneousShadowMap) { order = append(order, 1) })
	assert.Equal(t, 0, h0)
	assert.Equal(t, 1, h1)

	b.UnregisterCallback(h0)
	h := b.RegisterCallback(func(*models.InstantaneousShadowMap) { order = append(order, 2) })
	assert.Equal(t, 0, h)
	assert.Equal(t, 2, b.Subscribers())

	assert.True(t, b.Publish(&models.InstantaneousShadowMap{}))
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, uint64(1), b.Published())
}

func TestBroadcasterPaused(t *testing.T) {
	b := NewBroadcaster()
	var n int
	b.RegisterCallback(func(*models.InstantaneousShadowMap) { n++ })

	b.SetRunning(false)
	assert.False(t, b.IsRunning())
	assert.False(t, b.Publish(&models.InstantaneousShadowMap{}))
	assert.Zero(t, n)

	b.SetRunning(true)
	assert.True(t, b.Publish(&models.InstantaneousShadowMap{}))
	assert.Equal(t, 1, n)
}

func TestBroadcasterCallbackMayUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	var handle, calls int
	handle = b.RegisterCallback(func(*models.InstantaneousShadowMap) {
		calls++
		b.UnregisterCallback(handle)
	})
	b.Publish(&models.InstantaneousShadowMap{})
	b.Publish(&models.InstantaneousShadowMap{})
	assert.Equal(t, 1, calls)
}

func newTestDetector(t *testing.T, out *Broadcaster) (*LuminanceDetector, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Rows, cfg.Cols = 8, 8
	d, err := NewLuminanceDetector(cfg, out, quietLogger())
	require.NoError(t, err)
	now := time.Date(2024, 7, 1, 15, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestDetectorNeedsTelemetry(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	_, err := d.ProcessFrame(drone.ID, halfDark(16, 16))
	assert.ErrorIs(t, err, ErrNoTelemetry)

	_, err = d.ProcessFrame(drone.ID, comms.NewRGBImage(0, 0))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDetectorShadowRaster(t *testing.T) {
	out := NewBroadcaster()
	var got []*models.InstantaneousShadowMap
	out.RegisterCallback(func(m *models.InstantaneousShadowMap) { got = append(got, m) })

	d, now := newTestDetector(t, out)
	d.HandleMessage(drone, &comms.CoreTelemetry{IsFlying: 1, Latitude: 45, Longitude: -120, HAG: 50})
	d.HandleMessage(drone, &comms.Image{TargetFPS: 1, Frame: halfDark(32, 32)})

	require.Len(t, got, 1)
	m := got[0]
	require.NoError(t, m.Validate())
	assert.Equal(t, *now, m.Timestamp)
	for r := 0; r < m.Rows; r++ {
		assert.Equal(t, uint8(255), m.At(r, 0), "row %d", r)
		assert.Equal(t, uint8(0), m.At(r, m.Cols-1), "row %d", r)
	}
	frames, skipped := d.Stats()
	assert.Equal(t, uint64(1), frames)
	assert.Zero(t, skipped)
}

func TestDetectorFootprint(t *testing.T) {
	d, _ := newTestDetector(t, nil)
	const hag = 40.0
	d.HandleMessage(drone, &comms.CoreTelemetry{Latitude: 30, Longitude: 10, HAG: hag})

	m, err := d.ProcessFrame(drone.ID, halfDark(16, 32))
	require.NoError(t, err)
	origin := geo.LatLon{Lat: geo.Rad(30), Lon: geo.Rad(10)}

	c := m.Corners
	assert.Greater(t, c.UL.Lat, origin.Lat)
	assert.Less(t, c.UL.Lon, origin.Lon)
	assert.Less(t, c.LR.Lat, origin.Lat)
	assert.Greater(t, c.LR.Lon, origin.Lon)

	wantWidth := 2 * hag * math.Tan(geo.Rad(41))
	assert.InEpsilon(t, wantWidth, geo.GroundDistance(c.UL, c.UR), 0.01)
	assert.InEpsilon(t, wantWidth/2, geo.GroundDistance(c.UL, c.LL), 0.01)

	// heading east puts the top of the frame on the east side
	d.HandleMessage(drone, &comms.CoreTelemetry{Latitude: 30, Longitude: 10, HAG: hag, Yaw: 90})
	m, err = d.ProcessFrame(drone.ID, halfDark(16, 32))
	require.NoError(t, err)
	assert.Greater(t, m.Corners.UL.Lat, origin.Lat)
	assert.Greater(t, m.Corners.UL.Lon, origin.Lon)
	assert.Less(t, m.Corners.LR.Lat, origin.Lat)
	assert.Less(t, m.Corners.LR.Lon, origin.Lon)
}

func TestDetectorRejectsStaleOrLowFix(t *testing.T) {
	d, now := newTestDetector(t, nil)
	d.HandleMessage(drone, &comms.CoreTelemetry{HAG: 0.5})
	_, err := d.ProcessFrame(drone.ID, halfDark(4, 4))
	assert.ErrorIs(t, err, ErrTooLow)

	d.HandleMessage(drone, &comms.CoreTelemetry{HAG: 20})
	*now = now.Add(10 * time.Second)
	_, err = d.ProcessFrame(drone.ID, halfDark(4, 4))
	assert.ErrorIs(t, err, ErrNoTelemetry)

	d.HandleMessage(drone, &comms.CompressedImage{Frame: halfDark(4, 4)})
	_, skipped := d.Stats()
	assert.Equal(t, uint64(1), skipped)
}

func TestDetectorRegistersFramesPerConnection(t *testing.T) {
	out := NewBroadcaster()
	var got []*models.InstantaneousShadowMap
	out.RegisterCallback(func(m *models.InstantaneousShadowMap) { got = append(got, m) })

	d, _ := newTestDetector(t, out)
	a := &comms.Conn{ID: "a"}
	b := &comms.Conn{ID: "b"}
	d.HandleMessage(a, &comms.CoreTelemetry{Latitude: 10, Longitude: 20, HAG: 30})
	d.HandleMessage(b, &comms.CoreTelemetry{Latitude: 45, Longitude: -120, HAG: 30})

	d.HandleMessage(a, &comms.Image{Frame: halfDark(16, 16)})
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Source)
	assert.InDelta(t, 10, geo.Deg(got[0].Corners.UL.Lat), 0.01)
	assert.InDelta(t, 20, geo.Deg(got[0].Corners.UL.Lon), 0.01)

	d.HandleMessage(b, &comms.CompressedImage{Frame: halfDark(16, 16)})
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Source)
	assert.InDelta(t, 45, geo.Deg(got[1].Corners.UL.Lat), 0.01)

	// a connection without telemetry never borrows another drone's fix
	_, err := d.ProcessFrame("c", halfDark(16, 16))
	assert.ErrorIs(t, err, ErrNoTelemetry)
}

func TestDetectorForgetsStaleConnections(t *testing.T) {
	d, now := newTestDetector(t, nil)
	d.HandleMessage(&comms.Conn{ID: "gone"}, &comms.CoreTelemetry{HAG: 20})
	*now = now.Add(time.Minute)
	d.HandleMessage(drone, &comms.CoreTelemetry{HAG: 20})

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Len(t, d.fixes, 1)
	assert.Contains(t, d.fixes, drone.ID)
}

func TestDetectorConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DarkLuma = 200
	_, err := NewLuminanceDetector(cfg, nil, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Rows = 0
	assert.Error(t, cfg.Validate())
}

func TestDetectorFeedsPropagationEngine(t *testing.T) {
	out := NewBroadcaster()
	cfg := propagation.DefaultConfig()
	cfg.HistoryLength = 2
	cfg.Horizon = 2
	cfg.PollInterval = 5 * time.Millisecond
	f, _, err := propagation.Resolve([]string{"cuda", propagation.DeviceCPU}, cfg.Horizon)
	require.NoError(t, err)

	engine, err := propagation.New(cfg, out, f, quietLogger())
	require.NoError(t, err)
	defer engine.Close()

	var mu sync.Mutex
	var results []*models.TimeAvailableFunction
	engine.RegisterCallback(func(ta *models.TimeAvailableFunction) {
		mu.Lock()
		results = append(results, ta)
		mu.Unlock()
	})
	engine.Start()
	require.Equal(t, 1, out.Subscribers())

	d, now := newTestDetector(t, out)
	for i := 0; i < 3; i++ {
		*now = now.Add(time.Second)
		d.HandleMessage(drone, &comms.CoreTelemetry{Latitude: 45, Longitude: -120, HAG: 30})
		d.HandleMessage(drone, &comms.Image{Frame: halfDark(16, 16)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 2
	}, 2*time.Second, 5*time.Millisecond)

	ta, ok := engine.MostRecent()
	require.True(t, ok)
	secs, known := ta.At(0, 0)
	assert.True(t, known)
	assert.Equal(t, uint16(1), secs)
	_, known = ta.At(0, ta.Cols-1)
	assert.False(t, known)
}
