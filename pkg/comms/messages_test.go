package comms

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3suav/shadow-gcs/pkg/geo"
	"github.com/k3suav/shadow-gcs/pkg/models"
)

// roundTrip serializes msg, copies the wire bytes and decodes them by tag
func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	wire, err := Encode(msg)
	require.NoError(t, err)
	got, err := Decode(NewPacket(append([]byte(nil), wire...)))
	require.NoError(t, err)
	require.Equal(t, msg.Tag(), got.Tag())
	return got
}

func gradient(rows, cols int) *RGBImage {
	img := NewRGBImage(rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.Set(r, c, uint8(r*16), uint8(c*16), uint8((r+c)*8))
		}
	}
	return img
}

func TestRoundTripExactVariants(t *testing.T) {
	tests := []struct {
		name  string
		msg   Message
		equal func(a, b Message) bool
	}{
		{
			"core telemetry",
			sampleCoreTelemetry(),
			func(a, b Message) bool { return a.(*CoreTelemetry).Equal(b.(*CoreTelemetry)) },
		},
		{
			"extended telemetry",
			&ExtendedTelemetry{
				GNSSSatCount: 17, GNSSSignal: 5, MaxHeight: 1, MaxDist: 0, BatLevel: 87,
				BatWarning: 1, WindLevel: 2, DJICam: 1, FlightMode: 14, MissionID: 65535,
				DroneSerial: "1ZNBJ7R00C00RK",
			},
			func(a, b Message) bool { return a.(*ExtendedTelemetry).Equal(b.(*ExtendedTelemetry)) },
		},
		{
			"extended telemetry empty serial",
			&ExtendedTelemetry{GNSSSatCount: 3},
			func(a, b Message) bool { return a.(*ExtendedTelemetry).Equal(b.(*ExtendedTelemetry)) },
		},
		{
			"image",
			&Image{TargetFPS: 2.5, Frame: gradient(4, 6)},
			func(a, b Message) bool { return a.(*Image).Equal(b.(*Image)) },
		},
		{
			"image empty frame",
			&Image{TargetFPS: 1, Frame: NewRGBImage(0, 0)},
			func(a, b Message) bool { return a.(*Image).Equal(b.(*Image)) },
		},
		{
			"acknowledgment",
			&Acknowledgment{Positive: 1, SourceTag: TagExecuteWaypointMission},
			func(a, b Message) bool { return a.(*Acknowledgment).Equal(b.(*Acknowledgment)) },
		},
		{
			"message string",
			&MessageString{Type: MessageError, Message: "Gimbal fault"},
			func(a, b Message) bool { return a.(*MessageString).Equal(b.(*MessageString)) },
		},
		{
			"message string empty",
			&MessageString{Type: MessageDebug},
			func(a, b Message) bool { return a.(*MessageString).Equal(b.(*MessageString)) },
		},
		{
			"emergency command",
			&EmergencyCommand{Action: EmergencyLandNow},
			func(a, b Message) bool { return a.(*EmergencyCommand).Equal(b.(*EmergencyCommand)) },
		},
		{
			"camera control",
			&CameraControl{Action: CameraStartStream, TargetFPS: 0.5},
			func(a, b Message) bool { return a.(*CameraControl).Equal(b.(*CameraControl)) },
		},
		{
			"execute empty mission",
			&ExecuteWaypointMission{Mission: models.WaypointMission{LandAtLastWaypoint: true, Waypoints: []models.Waypoint{}}},
			func(a, b Message) bool { return a.(*ExecuteWaypointMission).Equal(b.(*ExecuteWaypointMission)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := roundTrip(t, tt.msg)
			assert.True(t, tt.equal(tt.msg, got), "got %+v", got)
		})
	}
}

func TestExecuteWaypointMissionRoundTrip(t *testing.T) {
	wp1 := models.NewWaypoint(geo.Rad(45.5), geo.Rad(-122.6), 30)
	wp2 := models.NewWaypoint(geo.Rad(45.501), geo.Rad(-122.601), 35)
	wp2.LoiterTime = 4
	wp2.GimbalPitch = float32(geo.Rad(-90))
	wp2.Speed = 6
	msg := &ExecuteWaypointMission{Mission: models.WaypointMission{
		Waypoints:        []models.Waypoint{wp1, wp2},
		CurvedTrajectory: true,
	}}

	var p Packet
	require.NoError(t, msg.Serialize(&p))
	assert.Equal(t, MinPacketSize+2+2*40, p.Len())

	got := roundTrip(t, msg).(*ExecuteWaypointMission)
	require.Len(t, got.Mission.Waypoints, 2)
	assert.True(t, got.Mission.CurvedTrajectory)
	assert.False(t, got.Mission.LandAtLastWaypoint)
	assert.True(t, msg.Equal(got), "got %s", got)
	// NaN sentinels survive the wire
	assert.False(t, got.Mission.Waypoints[0].HasLoiter())
	assert.False(t, got.Mission.Waypoints[0].HasGimbalPitch())
	assert.Equal(t, float32(4), got.Mission.Waypoints[1].LoiterTime)
	assert.InDelta(t, -math.Pi/2, float64(got.Mission.Waypoints[1].GimbalPitch), 1e-6)
}

func TestExecuteWaypointMissionRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }

	msg := &ExecuteWaypointMission{Mission: models.WaypointMission{LandAtLastWaypoint: true}}
	for i := 0; i < 2000; i++ {
		wp := models.NewWaypoint(uniform(-1.5, 1.5), uniform(-3, 3), uniform(0, 120))
		wp.Speed = float32(uniform(0, 15))
		wp.CornerRadius = float32(uniform(0.2, 5))
		if i%3 != 0 {
			wp.GimbalPitch = float32(uniform(-1.5, 0))
		}
		if i%4 == 0 {
			wp.LoiterTime = float32(uniform(0, 30))
		}
		msg.Mission.Waypoints = append(msg.Mission.Waypoints, wp)
	}

	got := roundTrip(t, msg).(*ExecuteWaypointMission)
	require.Len(t, got.Mission.Waypoints, len(msg.Mission.Waypoints))
	for i, want := range msg.Mission.Waypoints {
		assert.True(t, want.Equal(got.Mission.Waypoints[i]), "waypoint %d: %s", i, want)
	}
	assert.True(t, msg.Equal(got))
}

func TestWaypointZeroSpeedNeverSent(t *testing.T) {
	wp := models.NewWaypoint(0, 0, 10)
	wp.Speed = 0
	msg := &ExecuteWaypointMission{Mission: models.WaypointMission{Waypoints: []models.Waypoint{wp}}}
	got := roundTrip(t, msg).(*ExecuteWaypointMission)
	assert.Equal(t, models.MinWaypointSpeed, got.Mission.Waypoints[0].Speed)
}

func TestWaypointRemainderRejected(t *testing.T) {
	payload := make([]byte, 2+41)
	p := buildPacket(TagExecuteWaypointMission, payload)
	var msg ExecuteWaypointMission
	assert.ErrorIs(t, msg.Deserialize(p), ErrPayloadSize)
}

func TestVirtualStickYawWrapping(t *testing.T) {
	tests := []struct {
		yawDeg  float64
		wireDeg float64
	}{
		{0, 0},
		{90, 90},
		{270, -90},
		{-90, -90},
		{-270, 90},
		{720 + 10, 10},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.wireDeg, WrapYawDegrees(geo.Rad(tt.yawDeg)), 1e-9, "yaw %v", tt.yawDeg)
	}

	cmd := NewVirtualStickCommand(VirtualStickModeB)
	cmd.Yaw = float32(geo.Rad(270))
	cmd.VX = 3
	cmd.VY = -1.5
	var p Packet
	require.NoError(t, cmd.Serialize(&p))
	assert.Equal(t, MinPacketSize+21, p.Len())

	got := roundTrip(t, cmd).(*VirtualStickCommand)
	assert.Equal(t, VirtualStickModeB, got.Mode)
	assert.InDelta(t, -math.Pi/2, float64(got.Yaw), 1e-6)
	assert.Equal(t, float32(3), got.VX)
	assert.Equal(t, float32(-1.5), got.VY)
	assert.Equal(t, DefaultVirtualStickHAG, got.HAG)
	assert.Equal(t, DefaultVirtualStickTimeout, got.Timeout)
}

func TestCompressedImageRoundTrip(t *testing.T) {
	frame := NewRGBImage(16, 24)
	for r := 0; r < frame.Rows; r++ {
		for c := 0; c < frame.Cols; c++ {
			frame.Set(r, c, 200, 120, 40)
		}
	}
	msg := &CompressedImage{TargetFPS: 3, Frame: frame}

	var p Packet
	require.NoError(t, msg.Serialize(&p))
	size, ok := p.DeclaredSize()
	require.True(t, ok)
	assert.Equal(t, uint32(p.Len()), size)
	require.NoError(t, p.ValidateChecksumSizeAndTag(TagCompressedImage))

	got := roundTrip(t, msg).(*CompressedImage)
	assert.Equal(t, float32(3), got.TargetFPS)
	require.Equal(t, frame.Rows, got.Frame.Rows)
	require.Equal(t, frame.Cols, got.Frame.Cols)
	r, g, b := got.Frame.At(8, 12)
	assert.InDelta(t, 200, int(r), 8)
	assert.InDelta(t, 120, int(g), 8)
	assert.InDelta(t, 40, int(b), 8)
}

func TestCompressedImageRejectsEmptyFrame(t *testing.T) {
	var p Packet
	assert.ErrorIs(t, (&CompressedImage{}).Serialize(&p), ErrImageCodec)
}

func TestCompressedImageBadJPEG(t *testing.T) {
	p := buildPacket(TagCompressedImage, []byte{0, 0, 0, 0, 1, 2, 3})
	var msg CompressedImage
	assert.ErrorIs(t, msg.Deserialize(p), ErrImageCodec)
}

func TestExactSizeVariantsRejectExtraBytes(t *testing.T) {
	p := buildPacket(TagAcknowledgment, []byte{1, 2, 3})
	var ack Acknowledgment
	assert.ErrorIs(t, ack.Deserialize(p), ErrPayloadSize)

	p = buildPacket(TagCoreTelemetry, make([]byte, 68))
	var core CoreTelemetry
	assert.ErrorIs(t, core.Deserialize(p), ErrPayloadSize)
}

func TestShortStringFailsMessage(t *testing.T) {
	payload := []byte{byte(MessageInfo), 0, 0, 0, 50, 'h', 'i'}
	var msg MessageString
	err := msg.Deserialize(buildPacket(TagMessageString, payload))
	assert.ErrorIs(t, err, ErrShortField)
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode(buildPacket(77, nil))
	assert.ErrorIs(t, err, ErrUnknownTag)

	_, err = Decode(NewPacket([]byte{0xDA}))
	assert.ErrorIs(t, err, ErrPacketTooShort)
}

func TestDeserializeWrongTag(t *testing.T) {
	var p Packet
	require.NoError(t, (&EmergencyCommand{Action: EmergencyStop}).Serialize(&p))
	var cam CameraControl
	assert.ErrorIs(t, cam.Deserialize(&p), ErrTagMismatch)
}

func TestAcknowledgmentKeepsRawFlag(t *testing.T) {
	p := buildPacket(TagAcknowledgment, []byte{2, TagCameraControl})
	var ack Acknowledgment
	require.NoError(t, ack.Deserialize(p))
	assert.True(t, ack.Accepted())
	assert.Equal(t, uint8(2), ack.Positive)

	got := roundTrip(t, &ack).(*Acknowledgment)
	assert.True(t, ack.Equal(got))
	assert.Contains(t, got.String(), "Positive")
}

func TestMessageStrings(t *testing.T) {
	ack := &Acknowledgment{SourceTag: TagCameraControl}
	assert.Equal(t, "Negative acknowledgement of: Camera Control packet", ack.String())
	ack = &Acknowledgment{Positive: 1, SourceTag: 9}
	assert.Contains(t, ack.String(), "Unrecognized (tag = 9)")

	msg := &MessageString{Type: MessageWarning, Message: "wind"}
	assert.Equal(t, "Warning message received: wind", msg.String())
	assert.Equal(t, "Unrecognized (Type = 7)", MessageType(7).String())

	assert.True(t, strings.HasPrefix(sampleCoreTelemetry().String(), "IsFlying -: 1"))
	assert.Equal(t, "VirtualStickCommand", TagName(TagVirtualStickCommand))
}
