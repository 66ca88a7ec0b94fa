package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/k3suav/shadow-gcs/pkg/api"
	"github.com/k3suav/shadow-gcs/pkg/collector"
	"github.com/k3suav/shadow-gcs/pkg/comms"
	"github.com/k3suav/shadow-gcs/pkg/config"
	"github.com/k3suav/shadow-gcs/pkg/detection"
	"github.com/k3suav/shadow-gcs/pkg/k8s"
	"github.com/k3suav/shadow-gcs/pkg/models"
	"github.com/k3suav/shadow-gcs/pkg/propagation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept drone links, forecast shadows and serve the operator API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogger(cfg.Agent.LogLevel, cfg.Agent.StructuredLogging)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(parent context.Context, cfg *config.Config) error {
	log.WithField("version", version).Info("Starting ground control station")
	log.WithFields(logrus.Fields{
		"station":     cfg.Agent.Name,
		"link":        cfg.Link.ListenAddr,
		"api":         cfg.API.ListenAddr,
		"propagation": cfg.Propagation.Enabled,
		"detection":   cfg.Detection.Enabled,
		"kubernetes":  cfg.Kubernetes.Enabled,
	}).Info("Configuration loaded")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	linkMetrics, err := comms.NewLinkMetrics(reg)
	if err != nil {
		return fmt.Errorf("register link metrics: %w", err)
	}

	drones := collector.NewCollector(cfg, log)
	shadows := detection.NewBroadcaster()
	handlers := []comms.ConnHandler{drones.HandleMessage}

	if cfg.Detection.Enabled {
		detector, err := detection.NewLuminanceDetector(detectionConfig(cfg.Detection), shadows, log)
		if err != nil {
			return fmt.Errorf("create shadow detector: %w", err)
		}
		handlers = append(handlers, detector.HandleMessage)
		log.Info("Shadow detector initialized")
	}

	link := comms.NewServer(comms.ServerConfig{
		ListenAddr:    cfg.Link.ListenAddr,
		MaxPacketSize: cfg.Link.MaxPacketSize,
		WriteTimeout:  cfg.Link.WriteTimeout,
	}, fanOut(handlers...), linkMetrics, log)

	// a nil *Engine must not become a non-nil interface
	var forecasts api.Forecasts
	if cfg.Propagation.Enabled {
		engine, err := newEngine(cfg, shadows, reg)
		if err != nil {
			return err
		}
		defer engine.Close()
		engine.Start()
		forecasts = engine
	}

	var kube *k8s.Client
	var fleet *k8s.Fleet
	var apiOpts []api.Option
	if cfg.Kubernetes.Enabled {
		kube, err = k8s.NewClient(cfg, log)
		if err != nil {
			return fmt.Errorf("create kubernetes client: %w", err)
		}
		fleet = k8s.NewFleet(kube)
		apiOpts = append(apiOpts, api.WithFleet(fleet))
		log.Info("Kubernetes client initialized")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return link.ListenAndServe(ctx)
	})
	g.Go(func() error {
		return api.NewServer(cfg, drones, forecasts, link, reg, log, apiOpts...).Start(ctx)
	})
	if fleet != nil {
		g.Go(func() error {
			return fleet.Run(ctx, 30*time.Second)
		})
	}
	g.Go(func() error {
		return runCollectionLoop(ctx, cfg, drones, kube)
	})

	err = g.Wait()
	log.Info("Shutting down gracefully...")

	if kube != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, st := range drones.Snapshot() {
			if st.Serial == "" {
				continue
			}
			if err := kube.UpdateStatus(shutdownCtx, st.Serial, k8s.PhaseInactive); err != nil {
				log.WithError(err).WithField("serial", st.Serial).Warn("Failed to update status on shutdown")
			}
		}
	}

	log.Info("Ground control station stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newEngine(cfg *config.Config, shadows *detection.Broadcaster, reg prometheus.Registerer) (*propagation.Engine, error) {
	forecaster, device, err := propagation.Resolve(cfg.Propagation.Devices, cfg.Propagation.Horizon)
	if err != nil {
		return nil, fmt.Errorf("resolve forecaster (available: %v): %w", propagation.List(), err)
	}
	metrics, err := propagation.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("register propagation metrics: %w", err)
	}

	engine, err := propagation.New(propagationConfig(cfg.Propagation), shadows, forecaster, log,
		propagation.WithMetrics(metrics),
		propagation.WithDevice(device),
	)
	if err != nil {
		return nil, fmt.Errorf("create propagation engine: %w", err)
	}

	engine.RegisterCallback(func(ta *models.TimeAvailableFunction) {
		obstructed, minSeconds := ta.Summary()
		entry := log.WithFields(logrus.Fields{
			"rows":       ta.Rows,
			"cols":       ta.Cols,
			"obstructed": obstructed,
			"timestamp":  ta.Timestamp.Format(time.RFC3339Nano),
		})
		if obstructed > 0 {
			entry = entry.WithField("min_seconds", minSeconds)
		}
		entry.Debug("Forecast updated")
	})

	log.WithField("device", device).Info("Propagation engine initialized")
	return engine, nil
}

// runCollectionLoop prunes silent drones and publishes the fleet status
// every collection interval
func runCollectionLoop(ctx context.Context, cfg *config.Config, drones *collector.Collector, kube *k8s.Client) error {
	ticker := time.NewTicker(cfg.Collection.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Collection loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := collectAndUpdate(ctx, cfg, drones, kube); err != nil {
				log.WithError(err).Error("Collection failed")
				// Continue despite errors - don't stop the loop
			}
		}
	}
}

func collectAndUpdate(ctx context.Context, cfg *config.Config, drones *collector.Collector, kube *k8s.Client) error {
	startTime := time.Now()

	var removed []string
	if cfg.Collection.ForgetAfter > 0 {
		removed = drones.Prune(cfg.Collection.ForgetAfter)
	}
	statuses := drones.Snapshot()

	for _, st := range statuses {
		if st.Health == nil {
			continue
		}
		fields := logrus.Fields{"serial": st.Serial, "health": st.Health.Status}
		for _, warning := range st.Health.Warnings {
			log.WithFields(fields).WithField("warning", warning).Warn("Health warning")
		}
		for _, errMsg := range st.Health.Errors {
			log.WithFields(fields).WithField("error", errMsg).Error("Health error")
		}
	}

	if kube == nil {
		log.WithFields(logrus.Fields{
			"drones":  len(statuses),
			"removed": len(removed),
		}).Debug("Fleet status collected")
		return nil
	}

	var errs []error
	if err := kube.Publish(ctx, statuses); err != nil {
		errs = append(errs, err)
	}
	for _, serial := range removed {
		if serial == "" {
			continue
		}
		if err := kube.DeleteDroneStatus(ctx, serial); err != nil && !errors.Is(err, models.ErrCRDNotFound) {
			errs = append(errs, err)
		}
	}

	log.WithFields(logrus.Fields{
		"drones":   len(statuses),
		"removed":  len(removed),
		"total_ms": time.Since(startTime).Milliseconds(),
	}).Info("Fleet status published")
	return errors.Join(errs...)
}

// fanOut delivers every message to each handler in order
func fanOut(handlers ...comms.ConnHandler) comms.ConnHandler {
	return func(c *comms.Conn, msg comms.Message) {
		for _, h := range handlers {
			h(c, msg)
		}
	}
}

func propagationConfig(c config.PropagationConfig) propagation.Config {
	return propagation.Config{
		HistoryLength:   c.HistoryLength,
		Horizon:         c.Horizon,
		Step:            c.Step,
		OutputThreshold: float32(c.OutputThreshold),
		PollInterval:    c.PollInterval,
	}
}

func detectionConfig(c config.DetectionConfig) detection.Config {
	return detection.Config{
		Rows:            c.Rows,
		Cols:            c.Cols,
		DarkLuma:        c.DarkLuma,
		BrightLuma:      c.BrightLuma,
		HorizontalFOV:   c.HorizontalFOV,
		MinHAG:          c.MinHAG,
		TelemetryMaxAge: c.TelemetryMaxAge,
	}
}
