package comms

import (
	"fmt"
	"strings"
)

// Message tags
const (
	TagCoreTelemetry          uint8 = 0
	TagExtendedTelemetry      uint8 = 1
	TagImage                  uint8 = 2
	TagAcknowledgment         uint8 = 3
	TagMessageString          uint8 = 4
	TagCompressedImage        uint8 = 5
	TagEmergencyCommand       uint8 = 255
	TagCameraControl          uint8 = 254
	TagExecuteWaypointMission uint8 = 253
	TagVirtualStickCommand    uint8 = 252
)

// Message is one of the typed payloads carried by a Packet.
//
// Serialize clears p and writes a complete packet. Deserialize validates
// integrity, tag and size before decoding; on error the receiver may hold
// partial data and must be discarded.
type Message interface {
	Tag() uint8
	Serialize(p *Packet) error
	Deserialize(p *Packet) error
}

// TagName returns a readable name for a message tag
func TagName(tag uint8) string {
	switch tag {
	case TagCoreTelemetry:
		return "CoreTelemetry"
	case TagExtendedTelemetry:
		return "ExtendedTelemetry"
	case TagImage:
		return "Image"
	case TagAcknowledgment:
		return "Acknowledgment"
	case TagMessageString:
		return "MessageString"
	case TagCompressedImage:
		return "CompressedImage"
	case TagEmergencyCommand:
		return "EmergencyCommand"
	case TagCameraControl:
		return "CameraControl"
	case TagExecuteWaypointMission:
		return "ExecuteWaypointMission"
	case TagVirtualStickCommand:
		return "VirtualStickCommand"
	default:
		return fmt.Sprintf("Unknown(%d)", tag)
	}
}

const coreTelemetryPayload = 69

// CoreTelemetry is the high-rate flight state of a drone. Angles are degrees.
type CoreTelemetry struct {
	IsFlying  uint8
	Latitude  float64 // degrees
	Longitude float64 // degrees
	Altitude  float64 // m
	HAG       float64 // m, height above ground
	VN        float32 // m/s, north
	VE        float32 // m/s, east
	VD        float32 // m/s, down
	Yaw       float64
	Pitch     float64
	Roll      float64
}

func (m *CoreTelemetry) Tag() uint8 { return TagCoreTelemetry }

func (m *CoreTelemetry) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(MinPacketSize+coreTelemetryPayload, TagCoreTelemetry)
	p.data = appendUint8(p.data, m.IsFlying)
	p.data = appendFloat64(p.data, m.Latitude)
	p.data = appendFloat64(p.data, m.Longitude)
	p.data = appendFloat64(p.data, m.Altitude)
	p.data = appendFloat64(p.data, m.HAG)
	p.data = appendFloat32(p.data, m.VN)
	p.data = appendFloat32(p.data, m.VE)
	p.data = appendFloat32(p.data, m.VD)
	p.data = appendFloat64(p.data, m.Yaw)
	p.data = appendFloat64(p.data, m.Pitch)
	p.data = appendFloat64(p.data, m.Roll)
	p.AppendChecksum()
	return nil
}

func (m *CoreTelemetry) Deserialize(p *Packet) error {
	if err := p.validate(TagCoreTelemetry, MinPacketSize+coreTelemetryPayload, true); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.IsFlying = d.u8()
	m.Latitude = d.f64()
	m.Longitude = d.f64()
	m.Altitude = d.f64()
	m.HAG = d.f64()
	m.VN = d.f32()
	m.VE = d.f32()
	m.VD = d.f32()
	m.Yaw = d.f64()
	m.Pitch = d.f64()
	m.Roll = d.f64()
	return nil
}

func (m *CoreTelemetry) Equal(o *CoreTelemetry) bool {
	return *m == *o
}

func (m *CoreTelemetry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "IsFlying -: %d\n", m.IsFlying)
	fmt.Fprintf(&b, "Latitude -: %v degrees\n", m.Latitude)
	fmt.Fprintf(&b, "Longitude : %v degrees\n", m.Longitude)
	fmt.Fprintf(&b, "Altitude -: %v m\n", m.Altitude)
	fmt.Fprintf(&b, "HAG ------: %v m\n", m.HAG)
	fmt.Fprintf(&b, "V_N ------: %v m/s\n", m.VN)
	fmt.Fprintf(&b, "V_E ------: %v m/s\n", m.VE)
	fmt.Fprintf(&b, "V_D ------: %v m/s\n", m.VD)
	fmt.Fprintf(&b, "Yaw ------: %v degrees\n", m.Yaw)
	fmt.Fprintf(&b, "Pitch ----: %v degrees\n", m.Pitch)
	fmt.Fprintf(&b, "Roll -----: %v degrees\n", m.Roll)
	return b.String()
}

const extendedTelemetryFixed = 12

// ExtendedTelemetry is the low-rate status of a drone
type ExtendedTelemetry struct {
	GNSSSatCount uint16
	GNSSSignal   uint8 // 0 (none) to 5 (strong)
	MaxHeight    uint8 // 1 if the height limit is reached
	MaxDist      uint8 // 1 if the distance limit is reached
	BatLevel     uint8 // percent
	BatWarning   uint8 // 0 none, 1 low, 2 critical
	WindLevel    uint8 // 0 none, 1 strong, 2 severe
	DJICam       uint8 // 0 unavailable, 1 streaming, 2 stopped
	FlightMode   uint8
	MissionID    uint16
	DroneSerial  string
}

func (m *ExtendedTelemetry) Tag() uint8 { return TagExtendedTelemetry }

func (m *ExtendedTelemetry) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(uint32(MinPacketSize+extendedTelemetryFixed+4+len(m.DroneSerial)), TagExtendedTelemetry)
	p.data = appendUint16(p.data, m.GNSSSatCount)
	p.data = appendUint8(p.data, m.GNSSSignal)
	p.data = appendUint8(p.data, m.MaxHeight)
	p.data = appendUint8(p.data, m.MaxDist)
	p.data = appendUint8(p.data, m.BatLevel)
	p.data = appendUint8(p.data, m.BatWarning)
	p.data = appendUint8(p.data, m.WindLevel)
	p.data = appendUint8(p.data, m.DJICam)
	p.data = appendUint8(p.data, m.FlightMode)
	p.data = appendUint16(p.data, m.MissionID)
	p.data = appendString(p.data, m.DroneSerial)
	p.AppendChecksum()
	return nil
}

func (m *ExtendedTelemetry) Deserialize(p *Packet) error {
	if err := p.validate(TagExtendedTelemetry, MinPacketSize+extendedTelemetryFixed+4, false); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.GNSSSatCount = d.u16()
	m.GNSSSignal = d.u8()
	m.MaxHeight = d.u8()
	m.MaxDist = d.u8()
	m.BatLevel = d.u8()
	m.BatWarning = d.u8()
	m.WindLevel = d.u8()
	m.DJICam = d.u8()
	m.FlightMode = d.u8()
	m.MissionID = d.u16()

	budget := d.remaining()
	serial, err := d.str(&budget)
	if err != nil {
		return fmt.Errorf("drone serial: %w", err)
	}
	m.DroneSerial = serial
	return nil
}

func (m *ExtendedTelemetry) Equal(o *ExtendedTelemetry) bool {
	return *m == *o
}

func (m *ExtendedTelemetry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "GNSSSatCount : %d\n", m.GNSSSatCount)
	fmt.Fprintf(&b, "GNSSSignal --: %d\n", m.GNSSSignal)
	fmt.Fprintf(&b, "MaxHeight ---: %d\n", m.MaxHeight)
	fmt.Fprintf(&b, "MaxDist -----: %d\n", m.MaxDist)
	fmt.Fprintf(&b, "BatLevel ----: %d\n", m.BatLevel)
	fmt.Fprintf(&b, "BatWarning --: %d\n", m.BatWarning)
	fmt.Fprintf(&b, "WindLevel ---: %d\n", m.WindLevel)
	fmt.Fprintf(&b, "DJICam ------: %d\n", m.DJICam)
	fmt.Fprintf(&b, "FlightMode --: %d\n", m.FlightMode)
	fmt.Fprintf(&b, "MissionID ---: %d\n", m.MissionID)
	fmt.Fprintf(&b, "DroneSerial -: %s\n", m.DroneSerial)
	return b.String()
}

// Acknowledgment reports whether a command packet was accepted. Positive
// keeps the raw wire byte; any non-zero value is an acceptance.
type Acknowledgment struct {
	Positive  uint8
	SourceTag uint8 // tag of the acknowledged command
}

func (m *Acknowledgment) Tag() uint8 { return TagAcknowledgment }

// Accepted reports whether the command was acknowledged positively
func (m *Acknowledgment) Accepted() bool { return m.Positive != 0 }

func (m *Acknowledgment) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(MinPacketSize+2, TagAcknowledgment)
	p.data = appendUint8(p.data, m.Positive)
	p.data = appendUint8(p.data, m.SourceTag)
	p.AppendChecksum()
	return nil
}

func (m *Acknowledgment) Deserialize(p *Packet) error {
	if err := p.validate(TagAcknowledgment, MinPacketSize+2, true); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.Positive = d.u8()
	m.SourceTag = d.u8()
	return nil
}

func (m *Acknowledgment) Equal(o *Acknowledgment) bool {
	return *m == *o
}

func (m *Acknowledgment) String() string {
	kind := "Negative"
	if m.Accepted() {
		kind = "Positive"
	}
	var what string
	switch m.SourceTag {
	case TagEmergencyCommand:
		what = "Emergency Command"
	case TagCameraControl:
		what = "Camera Control"
	case TagExecuteWaypointMission:
		what = "Execute Waypoint Mission"
	case TagVirtualStickCommand:
		what = "Virtual Stick Command"
	default:
		what = fmt.Sprintf("Unrecognized (tag = %d)", m.SourceTag)
	}
	return fmt.Sprintf("%s acknowledgement of: %s packet", kind, what)
}

// MessageType is the severity of a MessageString
type MessageType uint8

const (
	MessageDebug   MessageType = 0
	MessageInfo    MessageType = 1
	MessageWarning MessageType = 2
	MessageError   MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case MessageDebug:
		return "Debug"
	case MessageInfo:
		return "Info"
	case MessageWarning:
		return "Warning"
	case MessageError:
		return "Error"
	default:
		return fmt.Sprintf("Unrecognized (Type = %d)", uint8(t))
	}
}

// MessageString is free text logged by the drone
type MessageString struct {
	Type    MessageType
	Message string
}

func (m *MessageString) Tag() uint8 { return TagMessageString }

func (m *MessageString) Serialize(p *Packet) error {
	p.Clear()
	p.BuildHeader(uint32(MinPacketSize+1+4+len(m.Message)), TagMessageString)
	p.data = appendUint8(p.data, uint8(m.Type))
	p.data = appendString(p.data, m.Message)
	p.AppendChecksum()
	return nil
}

func (m *MessageString) Deserialize(p *Packet) error {
	if err := p.validate(TagMessageString, MinPacketSize+5, false); err != nil {
		return err
	}
	d := newPayloadDecoder(p)
	m.Type = MessageType(d.u8())
	budget := d.remaining()
	msg, err := d.str(&budget)
	if err != nil {
		return fmt.Errorf("message text: %w", err)
	}
	m.Message = msg
	return nil
}

func (m *MessageString) Equal(o *MessageString) bool {
	return *m == *o
}

func (m *MessageString) String() string {
	return fmt.Sprintf("%s message received: %s", m.Type, m.Message)
}
