package propagation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/k3suav/shadow-gcs/pkg/models"
)

// Defaults
const (
	DefaultHistoryLength   = 15
	DefaultHorizon         = 15
	DefaultStep            = time.Second
	DefaultOutputThreshold = 0.4
	DefaultPollInterval    = 250 * time.Millisecond
)

// Config tunes the engine
type Config struct {
	HistoryLength   int           // frames the forecaster needs
	Horizon         int           // forecast steps expected from the forecaster
	Step            time.Duration // lead time of one forecast step
	OutputThreshold float32       // shadow probability counted as obstruction
	PollInterval    time.Duration // worker wakes at least this often
}

// DefaultConfig returns the stock engine configuration
func DefaultConfig() Config {
	return Config{
		HistoryLength:   DefaultHistoryLength,
		Horizon:         DefaultHorizon,
		Step:            DefaultStep,
		OutputThreshold: DefaultOutputThreshold,
		PollInterval:    DefaultPollInterval,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.HistoryLength < 1 {
		return fmt.Errorf("history length must be at least 1, got %d", c.HistoryLength)
	}
	if c.Horizon < 1 {
		return fmt.Errorf("horizon must be at least 1, got %d", c.Horizon)
	}
	if c.Step <= 0 {
		return fmt.Errorf("step must be positive, got %v", c.Step)
	}
	if c.OutputThreshold <= 0 || c.OutputThreshold > 1 {
		return fmt.Errorf("output threshold must be in (0, 1], got %v", c.OutputThreshold)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	}
	return nil
}

// Source is the upstream shadow detection producer. Deliveries must not be
// assumed to tolerate blocking.
type Source interface {
	RegisterCallback(fn func(*models.InstantaneousShadowMap)) int
	UnregisterCallback(handle int)
	IsRunning() bool
}

// Callback receives every new forecast. The value is shared with other
// subscribers and must not be modified. Callbacks run on the engine worker
// and must not call Close, which waits for that worker to exit.
type Callback func(ta *models.TimeAvailableFunction)

// Stats are cumulative engine counters
type Stats struct {
	ImagesProcessed uint64        `json:"imagesProcessed"`
	Forecasts       uint64        `json:"forecasts"`
	Failures        uint64        `json:"failures"`
	ProcessingTime  time.Duration `json:"processingTime"`
}

type subscription struct {
	handle int
	fn     Callback
}

// Engine turns a stream of instantaneous shadow maps into time available
// forecasts. A single worker goroutine runs from New until Close. Start and
// Stop only attach and detach the upstream subscription.
//
// One mutex guards the input buffer, history, latest result, subscriptions
// and running flag. Callbacks are copied out under the lock and invoked
// without it, sequentially in registration order, from the worker only.
type Engine struct {
	cfg        Config
	source     Source
	forecaster Forecaster
	device     string
	id         string
	log        *logrus.Logger
	metrics    *Metrics
	limiter    *rate.Limiter

	lifecycle sync.Mutex // serializes Start, Stop and Close

	mu        sync.Mutex
	running   bool
	closed    bool
	upstream  int
	pending   []*models.InstantaneousShadowMap
	hist      *history
	latest    *models.TimeAvailableFunction
	callbacks []subscription
	stats     Stats

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithMetrics records engine metrics
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDevice names the compute device the forecaster runs on, for logs
func WithDevice(name string) Option {
	return func(e *Engine) { e.device = name }
}

// WithFailureLogLimit bounds how often forecast failures are logged at
// warning level. Suppressed failures are still counted.
func WithFailureLogLimit(every time.Duration, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

// New creates an engine and starts its worker. The engine begins stopped.
func New(cfg Config, source Source, forecaster Forecaster, log *logrus.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid propagation config: %w", err)
	}
	if source == nil {
		return nil, errors.New("propagation engine needs a shadow map source")
	}
	if forecaster == nil {
		return nil, errors.New("propagation engine needs a forecaster")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Engine{
		cfg:        cfg,
		source:     source,
		forecaster: forecaster,
		device:     "unknown",
		id:         uuid.NewString(),
		log:        log,
		limiter:    rate.NewLimiter(rate.Every(10*time.Second), 3),
		hist:       newHistory(cfg.HistoryLength),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go e.run(ctx)

	e.log.WithFields(logrus.Fields{
		"engine":    e.id,
		"device":    e.device,
		"history":   cfg.HistoryLength,
		"horizon":   cfg.Horizon,
		"threshold": cfg.OutputThreshold,
	}).Info("Shadow propagation engine created")
	return e, nil
}

// Start subscribes to the upstream source. Any buffered input and history
// is discarded, even when already running.
func (e *Engine) Start() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	e.mu.Lock()
	e.pending = nil
	e.hist.reset()
	e.metrics.setPending(0)
	if e.running || e.closed {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	handle := e.source.RegisterCallback(e.enqueue)

	e.mu.Lock()
	e.upstream = handle
	e.mu.Unlock()

	e.log.WithField("engine", e.id).Info("Shadow propagation started")
}

// Stop unsubscribes from the upstream source. The worker stays alive and
// finishes whatever it already drained.
func (e *Engine) Stop() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.stopLocked()
}

func (e *Engine) stopLocked() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	handle := e.upstream
	e.mu.Unlock()

	e.source.UnregisterCallback(handle)
	e.log.WithField("engine", e.id).Info("Shadow propagation stopped")
}

// IsRunning reports whether the engine is subscribed upstream
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Close stops the engine and waits for the worker to finish its current
// iteration. The engine cannot be restarted afterwards. Close must not be
// called from a Callback.
func (e *Engine) Close() {
	e.lifecycle.Lock()
	e.stopLocked()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.lifecycle.Unlock()

	// the worker may still be in a callback that calls Start or Stop
	e.cancel()
	e.wg.Wait()
}

// RegisterCallback subscribes fn to new forecasts and returns the smallest
// non-negative handle not in use. Results computed earlier are not replayed.
func (e *Engine) RegisterCallback(fn Callback) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	used := make(map[int]bool, len(e.callbacks))
	for _, s := range e.callbacks {
		used[s.handle] = true
	}
	handle := 0
	for used[handle] {
		handle++
	}
	e.callbacks = append(e.callbacks, subscription{handle: handle, fn: fn})
	return handle
}

// UnregisterCallback removes a subscription; unknown handles are ignored
func (e *Engine) UnregisterCallback(handle int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.callbacks {
		if s.handle == handle {
			e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
			return
		}
	}
}

// MostRecent returns a copy of the latest forecast, or false if none has
// been computed yet
func (e *Engine) MostRecent() (*models.TimeAvailableFunction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil || e.latest.Rows == 0 || e.latest.Cols == 0 {
		return nil, false
	}
	return e.latest.Clone(), true
}

// MostRecentTimestamp returns the timestamp of the latest forecast, or false
// if none has been computed yet
func (e *Engine) MostRecentTimestamp() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil || e.latest.Rows == 0 || e.latest.Cols == 0 {
		return time.Time{}, false
	}
	return e.latest.Timestamp, true
}

// Stats returns cumulative counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Device names the compute device of the forecaster
func (e *Engine) Device() string {
	return e.device
}

// enqueue is the upstream callback. It never blocks on processing.
func (e *Engine) enqueue(m *models.InstantaneousShadowMap) {
	if m == nil {
		return
	}
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.pending = append(e.pending, m)
	e.metrics.setPending(len(e.pending))
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
		e.drain(ctx)
	}
}

func (e *Engine) drain(ctx context.Context) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.metrics.setPending(0)
	e.mu.Unlock()

	for _, m := range batch {
		if ctx.Err() != nil {
			return
		}
		e.process(ctx, m)
	}
}

// process adds one map to the history and, once the window is full,
// forecasts and publishes
func (e *Engine) process(ctx context.Context, m *models.InstantaneousShadowMap) {
	if err := m.Validate(); err != nil {
		e.metrics.recordInvalid()
		e.log.WithFields(logrus.Fields{
			"engine": e.id,
			"rows":   m.Rows,
			"cols":   m.Cols,
			"pixels": len(m.Shadow),
		}).Warn("Dropping malformed shadow map")
		return
	}

	start := time.Now()
	probs := m.Probabilities()

	e.mu.Lock()
	e.hist.push(m.Source, m.Rows, m.Cols, probs)
	e.stats.ImagesProcessed++
	if !e.hist.full() {
		e.stats.ProcessingTime += time.Since(start)
		e.mu.Unlock()
		e.metrics.recordImage()
		return
	}
	w := e.hist.window()
	e.mu.Unlock()
	e.metrics.recordImage()

	ta, err := e.forecast(ctx, w, m)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.mu.Lock()
		e.stats.Failures++
		e.stats.ProcessingTime += elapsed
		failures := e.stats.Failures
		e.mu.Unlock()
		e.metrics.recordFailure()

		entry := e.log.WithFields(logrus.Fields{
			"engine":   e.id,
			"device":   e.device,
			"failures": failures,
		}).WithError(err)
		if e.limiter.Allow() {
			entry.Warn("Shadow forecast failed, skipping cycle")
		} else {
			entry.Debug("Shadow forecast failed, skipping cycle")
		}
		return
	}

	obstructed, _ := ta.Summary()

	e.mu.Lock()
	e.latest = ta
	e.stats.Forecasts++
	e.stats.ProcessingTime += elapsed
	subs := make([]Callback, len(e.callbacks))
	for i, s := range e.callbacks {
		subs[i] = s.fn
	}
	e.mu.Unlock()
	e.metrics.recordForecast(elapsed, obstructed)

	for _, fn := range subs {
		fn(ta)
	}
}

func (e *Engine) forecast(ctx context.Context, w Window, newest *models.InstantaneousShadowMap) (*models.TimeAvailableFunction, error) {
	out, err := e.forecaster.Forecast(ctx, w)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty forecast", ErrBadForecast)
	}
	if len(out) != e.cfg.Horizon {
		e.log.WithFields(logrus.Fields{
			"engine": e.id,
			"steps":  len(out),
			"want":   e.cfg.Horizon,
		}).Debug("Forecaster horizon differs from configuration")
	}

	raster, err := TimeAvailable(out, w.Rows, w.Cols, e.cfg.OutputThreshold, e.cfg.Step)
	if err != nil {
		return nil, err
	}
	return &models.TimeAvailableFunction{
		Rows:          w.Rows,
		Cols:          w.Cols,
		TimeAvailable: raster,
		Corners:       newest.Corners,
		Timestamp:     newest.Timestamp,
	}, nil
}
