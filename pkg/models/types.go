package models

import (
	"time"
)

// DroneStatus is the aggregated state of one drone as seen by the ground station
type DroneStatus struct {
	Serial   string        `json:"serial"`
	GPS      GPSData       `json:"gps"`
	Battery  BatteryData   `json:"battery"`
	Flight   *FlightData   `json:"flight,omitempty"`
	Link     *LinkData     `json:"link,omitempty"`
	Health   *HealthData   `json:"health,omitempty"`
	Messages []LogEntry    `json:"messages,omitempty"`
	Metadata *MetadataInfo `json:"metadata,omitempty"`
}

// GPSData contains position information. Latitude and longitude are degrees
// so the status reads naturally in JSON and in the custom resource.
type GPSData struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    float64   `json:"altitude,omitempty"`
	HAG         float64   `json:"hag,omitempty"`
	Satellites  int       `json:"satellites,omitempty"`
	SignalLevel int       `json:"signalLevel,omitempty"`
	LastUpdate  time.Time `json:"lastUpdate"`
}

// BatteryData contains battery information
type BatteryData struct {
	RemainingPercent float64 `json:"remainingPercent"`
	WarningLevel     int     `json:"warningLevel,omitempty"`
}

// FlightData contains flight status information. Angles are degrees.
type FlightData struct {
	IsFlying      bool    `json:"isFlying"`
	Mode          string  `json:"mode"`
	VelocityNorth float64 `json:"velocityNorth"`
	VelocityEast  float64 `json:"velocityEast"`
	VelocityDown  float64 `json:"velocityDown"`
	Yaw           float64 `json:"yaw"`
	Pitch         float64 `json:"pitch"`
	Roll          float64 `json:"roll"`
	MissionID     int     `json:"missionId,omitempty"`
	WindLevel     int     `json:"windLevel,omitempty"`
	MaxHeight     int     `json:"maxHeight,omitempty"`
	MaxDistance   int     `json:"maxDistance,omitempty"`
}

// LinkData describes the ground link to the drone
type LinkData struct {
	ConnectionID string    `json:"connectionId,omitempty"`
	RemoteAddr   string    `json:"remoteAddr,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
}

// HealthData contains health status information
type HealthData struct {
	Status          string    `json:"status"`
	Errors          []string  `json:"errors,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

// LogEntry is a text message reported by the drone
type LogEntry struct {
	Severity string    `json:"severity"`
	Message  string    `json:"message"`
	Received time.Time `json:"received"`
}

// MetadataInfo contains drone metadata
type MetadataInfo struct {
	StationVersion string `json:"stationVersion,omitempty"`
	CameraModel    string `json:"cameraModel,omitempty"`
}

// HealthStatus constants
const (
	HealthStatusHealthy  = "Healthy"
	HealthStatusWarning  = "Warning"
	HealthStatusCritical = "Critical"
	HealthStatusUnknown  = "Unknown"
)

// FlightMode constants
const (
	FlightModeManual     = "MANUAL"
	FlightModeAttitude   = "ATTITUDE"
	FlightModeGPS        = "GPS"
	FlightModeWaypoint   = "WAYPOINT"
	FlightModeVirtualStk = "VIRTUAL_STICK"
	FlightModeGoHome     = "GO_HOME"
	FlightModeLanding    = "LANDING"
	FlightModeTakeoff    = "TAKEOFF"
	FlightModeUnknown    = "UNKNOWN"
)

// FlightModeName maps the numeric flight mode reported in extended
// telemetry to a readable name
func FlightModeName(code uint8) string {
	switch code {
	case 0:
		return FlightModeManual
	case 1:
		return FlightModeAttitude
	case 6:
		return FlightModeGPS
	case 14:
		return FlightModeWaypoint
	case 17:
		return FlightModeVirtualStk
	case 15:
		return FlightModeGoHome
	case 12:
		return FlightModeLanding
	case 10:
		return FlightModeTakeoff
	default:
		return FlightModeUnknown
	}
}

// ValidateGPS validates GPS data
func (g *GPSData) ValidateGPS() error {
	if g.Latitude < -90 || g.Latitude > 90 {
		return ErrInvalidLatitude
	}
	if g.Longitude < -180 || g.Longitude > 180 {
		return ErrInvalidLongitude
	}
	return nil
}

// ValidateBattery validates battery data
func (b *BatteryData) ValidateBattery() error {
	if b.RemainingPercent < 0 || b.RemainingPercent > 100 {
		return ErrInvalidBatteryPercent
	}
	return nil
}

// IsLowBattery checks if battery is below threshold
func (b *BatteryData) IsLowBattery(threshold float64) bool {
	return b.RemainingPercent < threshold
}

// IsCriticalBattery checks if battery is below the critical threshold
func (b *BatteryData) IsCriticalBattery(threshold float64) bool {
	return b.RemainingPercent < threshold
}
