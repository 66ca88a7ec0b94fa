package collector

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/k3suav/shadow-gcs/pkg/comms"
	"github.com/k3suav/shadow-gcs/pkg/config"
	"github.com/k3suav/shadow-gcs/pkg/models"
)

// droneState is what the collector knows about one link
type droneState struct {
	status   models.DroneStatus
	haveCore bool
	haveExt  bool
}

// Collector aggregates telemetry from every drone link into DroneStatus
// records. Drones are tracked per connection until they report a serial in
// extended telemetry; a serial seen on a new connection replaces the old one.
type Collector struct {
	config *config.Config
	log    *logrus.Logger
	now    func() time.Time

	mu     sync.RWMutex
	drones map[string]*droneState // by connection id
}

// NewCollector creates a new telemetry collector
func NewCollector(cfg *config.Config, log *logrus.Logger) *Collector {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Collector{
		config: cfg,
		log:    log,
		now:    time.Now,
		drones: make(map[string]*droneState),
	}
}

// HandleMessage ingests one decoded message. It matches comms.ConnHandler.
func (c *Collector) HandleMessage(conn *comms.Conn, msg comms.Message) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.drones[conn.ID]
	if !ok {
		st = &droneState{}
		c.drones[conn.ID] = st
	}
	st.status.Link = &models.LinkData{
		ConnectionID: conn.ID,
		RemoteAddr:   conn.RemoteAddr,
		LastSeen:     now,
	}

	switch m := msg.(type) {
	case *comms.CoreTelemetry:
		c.applyCore(st, m, now)
	case *comms.ExtendedTelemetry:
		c.applyExtended(conn.ID, st, m, now)
	case *comms.MessageString:
		c.applyMessage(st, m, now)
	case *comms.Acknowledgment:
		c.log.WithFields(logrus.Fields{
			"serial": st.status.Serial,
			"conn":   conn.ID,
		}).Info(m.String())
	}
}

func (c *Collector) applyCore(st *droneState, m *comms.CoreTelemetry, now time.Time) {
	st.haveCore = true
	gps := &st.status.GPS
	gps.Latitude = m.Latitude
	gps.Longitude = m.Longitude
	gps.Altitude = m.Altitude
	gps.HAG = m.HAG
	gps.LastUpdate = now

	if st.status.Flight == nil {
		st.status.Flight = &models.FlightData{Mode: models.FlightModeUnknown}
	}
	f := st.status.Flight
	f.IsFlying = m.IsFlying != 0
	f.VelocityNorth = float64(m.VN)
	f.VelocityEast = float64(m.VE)
	f.VelocityDown = float64(m.VD)
	f.Yaw = m.Yaw
	f.Pitch = m.Pitch
	f.Roll = m.Roll
}

func (c *Collector) applyExtended(connID string, st *droneState, m *comms.ExtendedTelemetry, now time.Time) {
	st.haveExt = true
	if m.DroneSerial != "" && m.DroneSerial != st.status.Serial {
		// the same drone on a fresh connection supersedes the old record
		for id, other := range c.drones {
			if id != connID && other.status.Serial == m.DroneSerial {
				delete(c.drones, id)
			}
		}
		st.status.Serial = m.DroneSerial
		c.log.WithFields(logrus.Fields{
			"serial": m.DroneSerial,
			"conn":   connID,
		}).Info("Drone identified")
	}

	st.status.GPS.Satellites = int(m.GNSSSatCount)
	st.status.GPS.SignalLevel = int(m.GNSSSignal)
	st.status.Battery = models.BatteryData{
		RemainingPercent: float64(m.BatLevel),
		WarningLevel:     int(m.BatWarning),
	}

	if st.status.Flight == nil {
		st.status.Flight = &models.FlightData{}
	}
	f := st.status.Flight
	f.Mode = models.FlightModeName(m.FlightMode)
	f.MissionID = int(m.MissionID)
	f.WindLevel = int(m.WindLevel)
	f.MaxHeight = int(m.MaxHeight)
	f.MaxDistance = int(m.MaxDist)

	camera := "none"
	if m.DJICam != 0 {
		camera = "DJI"
	}
	st.status.Metadata = &models.MetadataInfo{
		StationVersion: c.config.Agent.Version,
		CameraModel:    camera,
	}
}

func (c *Collector) applyMessage(st *droneState, m *comms.MessageString, now time.Time) {
	st.status.Messages = append(st.status.Messages, models.LogEntry{
		Severity: m.Type.String(),
		Message:  m.Message,
		Received: now,
	})
	if limit := c.config.Collection.MaxMessages; limit > 0 && len(st.status.Messages) > limit {
		st.status.Messages = append([]models.LogEntry(nil), st.status.Messages[len(st.status.Messages)-limit:]...)
	}

	entry := c.log.WithFields(logrus.Fields{
		"serial": st.status.Serial,
		"type":   m.Type.String(),
	})
	switch m.Type {
	case comms.MessageError:
		entry.Error(m.Message)
	case comms.MessageWarning:
		entry.Warn(m.Message)
	case comms.MessageDebug:
		entry.Debug(m.Message)
	default:
		entry.Info(m.Message)
	}
}

// Snapshot returns the status of every known drone, ordered by serial.
// Health is evaluated at call time.
func (c *Collector) Snapshot() []models.DroneStatus {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]models.DroneStatus, 0, len(c.drones))
	for _, st := range c.drones {
		out = append(out, c.status(st, now))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Serial != out[j].Serial {
			return out[i].Serial < out[j].Serial
		}
		return out[i].Link.ConnectionID < out[j].Link.ConnectionID
	})
	return out
}

// Get returns the status of the drone with the given serial
func (c *Collector) Get(serial string) (models.DroneStatus, error) {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, st := range c.drones {
		if st.status.Serial == serial {
			return c.status(st, now), nil
		}
	}
	return models.DroneStatus{}, fmt.Errorf("%w: %s", models.ErrUnknownDrone, serial)
}

// Forget drops every record of a connection
func (c *Collector) Forget(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.drones, connID)
}

// Prune removes drones silent for longer than maxAge and returns their serials
func (c *Collector) Prune(maxAge time.Duration) []string {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []string
	for id, st := range c.drones {
		if now.Sub(st.status.Link.LastSeen) > maxAge {
			delete(c.drones, id)
			removed = append(removed, st.status.Serial)
		}
	}
	sort.Strings(removed)
	return removed
}

// status copies a record and evaluates its health
func (c *Collector) status(st *droneState, now time.Time) models.DroneStatus {
	s := st.status
	if s.Flight != nil {
		f := *s.Flight
		s.Flight = &f
	}
	if s.Link != nil {
		l := *s.Link
		s.Link = &l
	}
	if s.Metadata != nil {
		m := *s.Metadata
		s.Metadata = &m
	}
	s.Messages = append([]models.LogEntry(nil), s.Messages...)

	if c.config.Collection.EnableHealthCheck {
		s.Health = c.performHealthCheck(st, now)
	}
	return s
}

// performHealthCheck evaluates overall health
func (c *Collector) performHealthCheck(st *droneState, now time.Time) *models.HealthData {
	health := &models.HealthData{
		Status:          models.HealthStatusHealthy,
		Errors:          []string{},
		Warnings:        []string{},
		LastHealthCheck: now,
	}

	if !st.haveExt {
		health.Status = models.HealthStatusUnknown
		health.Warnings = append(health.Warnings, "No extended telemetry received")
		return health
	}

	warn := func(msg string) {
		health.Warnings = append(health.Warnings, msg)
		if health.Status == models.HealthStatusHealthy {
			health.Status = models.HealthStatusWarning
		}
	}

	// Check battery
	battery := st.status.Battery
	if battery.IsCriticalBattery(c.config.Collection.BatteryCriticalThreshold) {
		health.Status = models.HealthStatusCritical
		health.Errors = append(health.Errors, fmt.Sprintf("Critical battery: %.1f%%", battery.RemainingPercent))
	} else if battery.IsLowBattery(c.config.Collection.BatteryLowThreshold) {
		warn(fmt.Sprintf("Low battery: %.1f%%", battery.RemainingPercent))
	}
	if battery.WarningLevel > 0 {
		warn(fmt.Sprintf("Drone battery warning level %d", battery.WarningLevel))
	}

	// Check GPS
	if st.status.GPS.Satellites < c.config.Collection.GPSMinSatellites {
		warn(fmt.Sprintf("Low GPS satellites: %d", st.status.GPS.Satellites))
	}
	if st.haveCore {
		if err := st.status.GPS.ValidateGPS(); err != nil {
			health.Status = models.HealthStatusCritical
			health.Errors = append(health.Errors, fmt.Sprintf("Invalid position: %v", err))
		}
	}

	// Check link
	if stale := c.config.Collection.StaleAfter; stale > 0 && st.status.Link != nil {
		if silent := now.Sub(st.status.Link.LastSeen); silent > stale {
			warn(fmt.Sprintf("No telemetry for %s", silent.Round(time.Second)))
		}
	}

	return health
}
