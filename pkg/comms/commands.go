package comms

import (
	"fmt"
	"math"
	"strings"

	"github.com/k3suav/shadow-gcs/pkg/geo"
	"github.com/k3suav/shadow-gcs/pkg/models"
)

// Emergency actions
const (
	EmergencyStop    uint8 = 0 // stop and hover
	EmergencyGoHome  uint8 = 1 // return to home point and land
	EmergencyLandNow uint8 = 2 // land at the current position
)

// EmergencyCommand preempts whatever the drone is doing
type EmergencyCommand struct {
	Action uint8
}

func (m *EmergencyCommand) Tag() uint8 { return TagEmergencyCommand }

func (m *EmergencyCommand) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(MinPacketSize+1, TagEmergencyCommand)
	p.data = appendUint8(p.data, m.Action)
	p.AppendChecksum()
	return nil
}

func (m *EmergencyCommand) Deserialize(p *Packet) error {
	if err := p.validate(TagEmergencyCommand, MinPacketSize+1, true); err != nil {
		return err
	}
	m.Action = newPayloadDecoder(p).u8()
	return nil
}

func (m *EmergencyCommand) Equal(o *EmergencyCommand) bool { return *m == *o }

func (m *EmergencyCommand) String() string {
	return fmt.Sprintf("Action : %d", m.Action)
}

// Camera actions
const (
	CameraStopStream  uint8 = 0
	CameraStartStream uint8 = 1
)

// CameraControl starts or stops the live camera feed
type CameraControl struct {
	Action    uint8
	TargetFPS float32
}

func (m *CameraControl) Tag() uint8 { return TagCameraControl }

func (m *CameraControl) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(MinPacketSize+5, TagCameraControl)
	p.data = appendUint8(p.data, m.Action)
	p.data = appendFloat32(p.data, m.TargetFPS)
	p.AppendChecksum()
	return nil
}

func (m *CameraControl) Deserialize(p *Packet) error {
	if err := p.validate(TagCameraControl, MinPacketSize+5, true); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.Action = d.u8()
	m.TargetFPS = d.f32()
	return nil
}

func (m *CameraControl) Equal(o *CameraControl) bool { return *m == *o }

func (m *CameraControl) String() string {
	return fmt.Sprintf("Action ---: %d\nTargetFPS : %v frame/s", m.Action, m.TargetFPS)
}

const waypointWireSize = 40

// ExecuteWaypointMission uploads and starts a mission. Angles are radians in
// memory and degrees on the wire.
type ExecuteWaypointMission struct {
	Mission models.WaypointMission
}

func (m *ExecuteWaypointMission) Tag() uint8 { return TagExecuteWaypointMission }

func (m *ExecuteWaypointMission) Serialize(p *Packet) error {
	wps := m.Mission.Waypoints
	p.Clear()
	p.BuildHeader(uint32(MinPacketSize+2+waypointWireSize*len(wps)), TagExecuteWaypointMission)
	p.data = appendBool(p.data, m.Mission.LandAtLastWaypoint)
	p.data = appendBool(p.data, m.Mission.CurvedTrajectory)
	for _, wp := range wps {
		p.data = appendFloat64(p.data, geo.Deg(wp.Latitude))
		p.data = appendFloat64(p.data, geo.Deg(wp.Longitude))
		p.data = appendFloat64(p.data, wp.RelAltitude)
		p.data = appendFloat32(p.data, wp.CornerRadius)
		p.data = appendFloat32(p.data, wp.WireSpeed())
		p.data = appendFloat32(p.data, wp.LoiterTime)
		p.data = appendFloat32(p.data, float32(geo.Deg(float64(wp.GimbalPitch))))
	}
	p.AppendChecksum()
	return nil
}

// Deserialize accepts an empty waypoint list; any remainder that is not a
// whole number of waypoints is rejected.
func (m *ExecuteWaypointMission) Deserialize(p *Packet) error {
	if err := p.validate(TagExecuteWaypointMission, MinPacketSize+2, false); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.Mission.LandAtLastWaypoint = d.flag()
	m.Mission.CurvedTrajectory = d.flag()

	n := d.remaining()
	if n%waypointWireSize != 0 {
		return fmt.Errorf("%w: %d waypoint bytes", ErrPayloadSize, n)
	}
	m.Mission.Waypoints = make([]models.Waypoint, 0, n/waypointWireSize)
	for i := 0; i < n/waypointWireSize; i++ {
		var wp models.Waypoint
		wp.Latitude = geo.Rad(d.f64())
		wp.Longitude = geo.Rad(d.f64())
		wp.RelAltitude = d.f64()
		wp.CornerRadius = d.f32()
		wp.Speed = d.f32()
		wp.LoiterTime = d.f32()
		wp.GimbalPitch = float32(geo.Rad(float64(d.f32())))
		m.Mission.Waypoints = append(m.Mission.Waypoints, wp)
	}
	return nil
}

func (m *ExecuteWaypointMission) Equal(o *ExecuteWaypointMission) bool {
	return m.Mission.Equal(o.Mission)
}

func (m *ExecuteWaypointMission) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LandAtEnd ---: %t\n", m.Mission.LandAtLastWaypoint)
	fmt.Fprintf(&b, "CurvedFlight : %t\n", m.Mission.CurvedTrajectory)
	fmt.Fprintf(&b, "Waypoints ---: %d items\n", len(m.Mission.Waypoints))
	for _, wp := range m.Mission.Waypoints {
		b.WriteString(wp.String())
	}
	return b.String()
}

// VirtualStickMode selects how the velocity fields are interpreted. Both
// modes command yaw relative to north and height above the takeoff point.
type VirtualStickMode uint8

const (
	// VirtualStickModeA: V_x is north velocity and V_y is east velocity
	VirtualStickModeA VirtualStickMode = 0
	// VirtualStickModeB: V_x is forward velocity and V_y is rightward velocity in the body frame
	VirtualStickModeB VirtualStickMode = 1
)

const (
	DefaultVirtualStickHAG     float32 = 10.0
	DefaultVirtualStickTimeout float32 = 2.0
)

// VirtualStickCommand is a direct velocity command. If no new command
// arrives within Timeout seconds the drone hovers, so commands double as a
// heartbeat from the ground station.
type VirtualStickCommand struct {
	Mode    VirtualStickMode
	Yaw     float32 // radians, 0 is north, positive clockwise
	VX      float32 // m/s, -15 to 15
	VY      float32 // m/s, -15 to 15
	HAG     float32 // m
	Timeout float32 // s
}

// NewVirtualStickCommand returns a hover command with the default height and timeout
func NewVirtualStickCommand(mode VirtualStickMode) *VirtualStickCommand {
	return &VirtualStickCommand{
		Mode:    mode,
		HAG:     DefaultVirtualStickHAG,
		Timeout: DefaultVirtualStickTimeout,
	}
}

func (m *VirtualStickCommand) Tag() uint8 { return TagVirtualStickCommand }

// WrapYawDegrees maps an angle in radians to degrees in [-180, 180]
func WrapYawDegrees(yaw float64) float64 {
	deg := math.Mod(geo.Deg(yaw), 360.0)
	if deg < 0 {
		deg += 360.0
	}
	if deg > 180.0 {
		deg -= 360.0
	}
	return deg
}

func (m *VirtualStickCommand) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(MinPacketSize+21, TagVirtualStickCommand)
	p.data = appendUint8(p.data, uint8(m.Mode))
	p.data = appendFloat32(p.data, float32(WrapYawDegrees(float64(m.Yaw))))
	p.data = appendFloat32(p.data, m.VX)
	p.data = appendFloat32(p.data, m.VY)
	p.data = appendFloat32(p.data, m.HAG)
	p.data = appendFloat32(p.data, m.Timeout)
	p.AppendChecksum()
	return nil
}

func (m *VirtualStickCommand) Deserialize(p *Packet) error {
	if err := p.validate(TagVirtualStickCommand, MinPacketSize+21, true); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.Mode = VirtualStickMode(d.u8())
	m.Yaw = float32(geo.Rad(float64(d.f32())))
	m.VX = d.f32()
	m.VY = d.f32()
	m.HAG = d.f32()
	m.Timeout = d.f32()
	return nil
}

func (m *VirtualStickCommand) Equal(o *VirtualStickCommand) bool { return *m == *o }

func (m *VirtualStickCommand) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode ---: %d\n", m.Mode)
	fmt.Fprintf(&b, "Yaw ----: %v degrees\n", geo.Deg(float64(m.Yaw)))
	fmt.Fprintf(&b, "V_x ----: %v m/s\n", m.VX)
	fmt.Fprintf(&b, "V_y ----: %v m/s\n", m.VY)
	fmt.Fprintf(&b, "HAG ----: %v m\n", m.HAG)
	fmt.Fprintf(&b, "timeout : %v s\n", m.Timeout)
	return b.String()
}
