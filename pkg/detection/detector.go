package detection

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"

	"github.com/k3suav/shadow-gcs/pkg/comms"
	"github.com/k3suav/shadow-gcs/pkg/geo"
	"github.com/k3suav/shadow-gcs/pkg/models"
)

var (
	// ErrNoTelemetry means no position is known yet to geo-register a frame
	ErrNoTelemetry = errors.New("no telemetry to geo-register frame")
	// ErrEmptyFrame is returned for a frame without pixels
	ErrEmptyFrame = errors.New("empty camera frame")
	// ErrTooLow is returned when the drone is too close to the ground for a footprint
	ErrTooLow = errors.New("height above ground too low for a footprint")
)

// Config controls the luminance detector
type Config struct {
	Rows            int           // output raster height
	Cols            int           // output raster width
	DarkLuma        float64       // luma at or below this is full shadow confidence
	BrightLuma      float64       // luma at or above this is zero confidence
	HorizontalFOV   float64       // camera horizontal field of view, degrees
	MinHAG          float64       // meters; frames below this are skipped
	TelemetryMaxAge time.Duration // older fixes do not geo-register frames
}

// DefaultConfig returns detector settings for a nadir camera with an 82
// degree horizontal field of view
func DefaultConfig() Config {
	return Config{
		Rows:            64,
		Cols:            64,
		DarkLuma:        60,
		BrightLuma:      140,
		HorizontalFOV:   82,
		MinHAG:          2,
		TelemetryMaxAge: 2 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Rows < 1 || c.Cols < 1 {
		return fmt.Errorf("detector raster must be at least 1x1, got %dx%d", c.Rows, c.Cols)
	}
	if c.DarkLuma < 0 || c.BrightLuma > 255 || c.DarkLuma >= c.BrightLuma {
		return fmt.Errorf("detector luma ramp [%v, %v] is invalid", c.DarkLuma, c.BrightLuma)
	}
	if c.HorizontalFOV <= 0 || c.HorizontalFOV >= 180 {
		return fmt.Errorf("horizontal field of view must be in (0, 180), got %v", c.HorizontalFOV)
	}
	return nil
}

type fix struct {
	telemetry comms.CoreTelemetry
	received  time.Time
}

// LuminanceDetector marks dark ground patches in nadir camera frames as
// shadow and geo-registers each map from the latest core telemetry received
// on the same link connection
type LuminanceDetector struct {
	cfg Config
	out *Broadcaster
	log logrus.FieldLogger
	now func() time.Time

	mu     sync.Mutex
	fixes  map[string]fix // by connection ID
	frames uint64
	skips  uint64
}

// NewLuminanceDetector creates a detector publishing into out
func NewLuminanceDetector(cfg Config, out *Broadcaster, log logrus.FieldLogger) (*LuminanceDetector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LuminanceDetector{
		cfg:   cfg,
		out:   out,
		log:   log,
		now:   time.Now,
		fixes: make(map[string]fix),
	}, nil
}

// HandleMessage consumes decoded drone messages. Core telemetry updates the
// position fix of its connection; image variants are turned into shadow maps.
func (d *LuminanceDetector) HandleMessage(c *comms.Conn, msg comms.Message) {
	var source string
	if c != nil {
		source = c.ID
	}

	var frame *comms.RGBImage
	switch m := msg.(type) {
	case *comms.CoreTelemetry:
		d.updateFix(source, *m)
		return
	case *comms.Image:
		frame = m.Frame
	case *comms.CompressedImage:
		frame = m.Frame
	default:
		return
	}

	if _, err := d.ProcessFrame(source, frame); err != nil {
		d.mu.Lock()
		d.skips++
		d.mu.Unlock()
		d.log.WithError(err).WithField("conn", source).Debug("Skipping camera frame")
	}
}

// updateFix stores the position of source and drops fixes too old to
// register any frame
func (d *LuminanceDetector) updateFix(source string, t comms.CoreTelemetry) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fixes[source] = fix{telemetry: t, received: now}
	if d.cfg.TelemetryMaxAge <= 0 {
		return
	}
	for id, f := range d.fixes {
		if now.Sub(f.received) > d.cfg.TelemetryMaxAge {
			delete(d.fixes, id)
		}
	}
}

// ProcessFrame builds a shadow map from a frame received on source and
// publishes it
func (d *LuminanceDetector) ProcessFrame(source string, frame *comms.RGBImage) (*models.InstantaneousShadowMap, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}

	d.mu.Lock()
	last, ok := d.fixes[source]
	d.mu.Unlock()
	now := d.now()
	if !ok {
		return nil, ErrNoTelemetry
	}
	if d.cfg.TelemetryMaxAge > 0 && now.Sub(last.received) > d.cfg.TelemetryMaxAge {
		return nil, fmt.Errorf("%w: last fix is %v old", ErrNoTelemetry, now.Sub(last.received).Round(time.Millisecond))
	}

	corners, err := d.footprint(&last.telemetry, frame.Rows, frame.Cols)
	if err != nil {
		return nil, err
	}

	m := models.NewInstantaneousShadowMap(d.cfg.Rows, d.cfg.Cols, corners, now)
	m.Source = source
	small := image.NewRGBA(image.Rect(0, 0, d.cfg.Cols, d.cfg.Rows))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), frame.ToRGBA(), image.Rect(0, 0, frame.Cols, frame.Rows), draw.Src, nil)

	for r := 0; r < d.cfg.Rows; r++ {
		for c := 0; c < d.cfg.Cols; c++ {
			px := small.RGBAAt(c, r)
			m.Set(r, c, d.confidence(luma(px.R, px.G, px.B)))
		}
	}

	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	if d.out != nil {
		d.out.Publish(m)
	}
	return m, nil
}

// Stats returns processed and skipped frame counts
func (d *LuminanceDetector) Stats() (frames, skipped uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames, d.skips
}

// confidence maps luma onto a linear ramp between the dark and bright points
func (d *LuminanceDetector) confidence(y float64) uint8 {
	switch {
	case y <= d.cfg.DarkLuma:
		return 255
	case y >= d.cfg.BrightLuma:
		return 0
	}
	frac := (d.cfg.BrightLuma - y) / (d.cfg.BrightLuma - d.cfg.DarkLuma)
	return uint8(math.Round(frac * 255))
}

// footprint projects the camera frame onto flat ground below the drone. The
// top of the frame points along the drone heading.
func (d *LuminanceDetector) footprint(t *comms.CoreTelemetry, rows, cols int) (models.Corners, error) {
	if t.HAG < d.cfg.MinHAG {
		return models.Corners{}, fmt.Errorf("%w: %.1f m", ErrTooLow, t.HAG)
	}

	halfWidth := t.HAG * math.Tan(geo.Rad(d.cfg.HorizontalFOV)/2)
	halfHeight := halfWidth * float64(rows) / float64(cols)
	origin := geo.LatLon{Lat: geo.Rad(t.Latitude), Lon: geo.Rad(t.Longitude)}
	yaw := geo.Rad(t.Yaw)
	sin, cos := math.Sin(yaw), math.Cos(yaw)

	corner := func(forward, right float64) geo.LatLon {
		north := forward*cos - right*sin
		east := forward*sin + right*cos
		return geo.Offset(origin, north, east)
	}
	return models.Corners{
		UL: corner(halfHeight, -halfWidth),
		UR: corner(halfHeight, halfWidth),
		LL: corner(-halfHeight, -halfWidth),
		LR: corner(-halfHeight, halfWidth),
	}, nil
}

// luma is the Rec. 601 weighted brightness
func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}
