package models

import (
	"fmt"
	"math"
	"strings"

	"github.com/k3suav/shadow-gcs/pkg/geo"
)

const (
	// MinWaypointSpeed replaces a zero waypoint speed on the wire. A speed of
	// exactly 0 makes the vehicle fall back to the mission-level speed.
	MinWaypointSpeed float32 = 0.1

	// MaxWaypointSpeed is the largest speed (m/s) accepted by the vehicle
	MaxWaypointSpeed float32 = 15.0
)

// Waypoint is one element of a WaypointMission. Altitude is relative to the
// home point because the vehicles do not know their absolute altitude well.
type Waypoint struct {
	Latitude     float64 `json:"latitude"`     // WGS84 radians
	Longitude    float64 `json:"longitude"`    // WGS84 radians
	RelAltitude  float64 `json:"relAltitude"`  // meters above home point
	CornerRadius float32 `json:"cornerRadius"` // meters, only used with curved trajectories
	Speed        float32 `json:"speed"`        // m/s towards the next waypoint, 0 < Speed <= 15

	// Optional actions. NaN means the action is omitted.
	LoiterTime  float32 `json:"loiterTime"`  // seconds to hover
	GimbalPitch float32 `json:"gimbalPitch"` // radians
}

// NewWaypoint returns a waypoint with the vehicle defaults and no actions
func NewWaypoint(lat, lon, relAlt float64) Waypoint {
	nan := float32(math.NaN())
	return Waypoint{
		Latitude:     lat,
		Longitude:    lon,
		RelAltitude:  relAlt,
		CornerRadius: 0.2,
		Speed:        1.0,
		LoiterTime:   nan,
		GimbalPitch:  nan,
	}
}

// HasLoiter reports whether the loiter action should be included
func (w Waypoint) HasLoiter() bool {
	return !isNaN32(w.LoiterTime) && w.LoiterTime != 0
}

// HasGimbalPitch reports whether the gimbal pitch action should be included
func (w Waypoint) HasGimbalPitch() bool {
	return !isNaN32(w.GimbalPitch)
}

// WireSpeed returns the speed to put on the wire, never exactly zero
func (w Waypoint) WireSpeed() float32 {
	if w.Speed == 0 {
		return MinWaypointSpeed
	}
	return w.Speed
}

// Relative tolerances of the angle fields. Angles travel as degrees, so a
// radian value can change in its last bits across the link.
const (
	positionTolerance = 1e-12
	gimbalTolerance   = 1e-6
)

// Equal compares two waypoints at the precision the link preserves. Angles
// match within their wire tolerance, speeds are compared as sent and two NaN
// sentinels compare equal.
func (w Waypoint) Equal(o Waypoint) bool {
	return angleEqual(w.Latitude, o.Latitude, positionTolerance) &&
		angleEqual(w.Longitude, o.Longitude, positionTolerance) &&
		w.RelAltitude == o.RelAltitude &&
		w.CornerRadius == o.CornerRadius &&
		w.WireSpeed() == o.WireSpeed() &&
		equalSentinel(w.LoiterTime, o.LoiterTime) &&
		gimbalEqual(w.GimbalPitch, o.GimbalPitch)
}

func (w Waypoint) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Latitude ----: %v degrees\n", geo.Deg(w.Latitude))
	fmt.Fprintf(&b, "Longitude ---: %v degrees\n", geo.Deg(w.Longitude))
	fmt.Fprintf(&b, "RelAltitude -: %v m\n", w.RelAltitude)
	fmt.Fprintf(&b, "CornerRadius : %v m\n", w.CornerRadius)
	fmt.Fprintf(&b, "Speed -------: %v m/s\n", w.Speed)
	fmt.Fprintf(&b, "LoiterTime --: %v s\n", w.LoiterTime)
	fmt.Fprintf(&b, "GimbalPitch -: %v degrees\n", geo.Deg(float64(w.GimbalPitch)))
	return b.String()
}

// Validate checks the ranges the vehicle accepts
func (w Waypoint) Validate() error {
	if w.Latitude < -math.Pi/2 || w.Latitude > math.Pi/2 {
		return ErrInvalidLatitude
	}
	if w.Longitude < -math.Pi || w.Longitude > math.Pi {
		return ErrInvalidLongitude
	}
	if w.Speed < 0 || w.Speed > MaxWaypointSpeed {
		return ErrInvalidWaypointSpeed
	}
	return nil
}

// DistBetweenWaypoints2D returns the horizontal distance (m) between two
// waypoints. Both are projected onto the reference ellipsoid since the true
// altitude is unknown; the approximation holds for nearby waypoints.
func DistBetweenWaypoints2D(a, b Waypoint) float64 {
	return geo.GroundDistance(
		geo.LatLon{Lat: a.Latitude, Lon: a.Longitude},
		geo.LatLon{Lat: b.Latitude, Lon: b.Longitude},
	)
}

// DistBetweenWaypoints3D adds the relative altitude difference to the 2D distance
func DistBetweenWaypoints3D(a, b Waypoint) float64 {
	d2 := DistBetweenWaypoints2D(a, b)
	dv := math.Abs(b.RelAltitude - a.RelAltitude)
	return math.Sqrt(d2*d2 + dv*dv)
}

// WaypointMission is an ordered list of waypoints for a single drone. The
// starting position of the vehicle is not part of the list.
type WaypointMission struct {
	Waypoints          []Waypoint `json:"waypoints"`
	LandAtLastWaypoint bool       `json:"landAtLastWaypoint"`
	CurvedTrajectory   bool       `json:"curvedTrajectory"`
}

// Empty reports whether the mission has no waypoints
func (m WaypointMission) Empty() bool {
	return len(m.Waypoints) == 0
}

// Equal compares flags and every waypoint in order
func (m WaypointMission) Equal(o WaypointMission) bool {
	if m.LandAtLastWaypoint != o.LandAtLastWaypoint || m.CurvedTrajectory != o.CurvedTrajectory {
		return false
	}
	if len(m.Waypoints) != len(o.Waypoints) {
		return false
	}
	for i := range m.Waypoints {
		if !m.Waypoints[i].Equal(o.Waypoints[i]) {
			return false
		}
	}
	return true
}

// TotalDistance2D returns the horizontal travel distance (m). If start is
// not nil, the leg from start to the first waypoint is included.
func (m WaypointMission) TotalDistance2D(start *Waypoint) float64 {
	return m.totalDistance(start, DistBetweenWaypoints2D)
}

// TotalDistance3D returns the 3D travel distance (m). If start is not nil,
// the leg from start to the first waypoint is included.
func (m WaypointMission) TotalDistance3D(start *Waypoint) float64 {
	return m.totalDistance(start, DistBetweenWaypoints3D)
}

func (m WaypointMission) totalDistance(start *Waypoint, dist func(a, b Waypoint) float64) float64 {
	if len(m.Waypoints) == 0 {
		return 0
	}
	total := 0.0
	if start != nil {
		total += dist(*start, m.Waypoints[0])
	}
	for i := 0; i+1 < len(m.Waypoints); i++ {
		total += dist(m.Waypoints[i], m.Waypoints[i+1])
	}
	return total
}

func (m WaypointMission) String() string {
	var b strings.Builder
	b.WriteString("*****   Waypoint Mission   *****\n")
	fmt.Fprintf(&b, "LandAtLastWaypoint: %t\n", m.LandAtLastWaypoint)
	fmt.Fprintf(&b, "CurvedTrajectory: %t\n", m.CurvedTrajectory)
	b.WriteString("Waypoints:\n")
	for _, wp := range m.Waypoints {
		b.WriteString(wp.String())
		b.WriteString("\n")
	}
	return b.String()
}

func isNaN32(v float32) bool {
	return v != v
}

func equalSentinel(a, b float32) bool {
	if isNaN32(a) || isNaN32(b) {
		return isNaN32(a) && isNaN32(b)
	}
	return a == b
}

func gimbalEqual(a, b float32) bool {
	if isNaN32(a) || isNaN32(b) {
		return isNaN32(a) && isNaN32(b)
	}
	return angleEqual(float64(a), float64(b), gimbalTolerance)
}

func angleEqual(a, b, tol float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return math.Abs(a-b) <= tol*scale
}

// Validate checks that the mission is non-empty and every waypoint is in range
func (m WaypointMission) Validate() error {
	if len(m.Waypoints) == 0 {
		return ErrEmptyMission
	}
	for i, wp := range m.Waypoints {
		if err := wp.Validate(); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	return nil
}
