package propagation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the propagation engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	images     prometheus.Counter
	invalid    prometheus.Counter
	forecasts  *prometheus.CounterVec // by result
	duration   prometheus.Histogram
	obstructed prometheus.Gauge
	pending    prometheus.Gauge
}

// NewMetrics creates and registers engine metrics. A nil registerer
// disables metrics and returns nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "propagation",
			Name:      "shadow_maps_total",
			Help:      "Total number of shadow maps taken into the history window",
		}),

		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "propagation",
			Name:      "invalid_shadow_maps_total",
			Help:      "Total number of shadow maps dropped for a malformed raster",
		}),

		forecasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "propagation",
			Name:      "forecasts_total",
			Help:      "Total number of forecast cycles",
		}, []string{"result"}), // result: ok, failed

		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shadow_gcs",
			Subsystem: "propagation",
			Name:      "forecast_duration_seconds",
			Help:      "Time spent in the forecaster and thresholding per cycle",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),

		obstructed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadow_gcs",
			Subsystem: "propagation",
			Name:      "obstructed_pixels",
			Help:      "Pixels with a forecast obstruction in the most recent result",
		}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadow_gcs",
			Subsystem: "propagation",
			Name:      "pending_shadow_maps",
			Help:      "Shadow maps buffered and waiting for the worker",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.images, m.invalid, m.forecasts, m.duration, m.obstructed, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordImage() {
	if m == nil {
		return
	}
	m.images.Inc()
}

func (m *Metrics) recordInvalid() {
	if m == nil {
		return
	}
	m.invalid.Inc()
}

func (m *Metrics) recordForecast(d time.Duration, obstructed int) {
	if m == nil {
		return
	}
	m.forecasts.WithLabelValues("ok").Inc()
	m.duration.Observe(d.Seconds())
	m.obstructed.Set(float64(obstructed))
}

func (m *Metrics) recordFailure() {
	if m == nil {
		return
	}
	m.forecasts.WithLabelValues("failed").Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
