package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k3suav/shadow-gcs/pkg/comms"
	"github.com/k3suav/shadow-gcs/pkg/config"
	"github.com/k3suav/shadow-gcs/pkg/geo"
	"github.com/k3suav/shadow-gcs/pkg/k8s"
	"github.com/k3suav/shadow-gcs/pkg/models"
	"github.com/k3suav/shadow-gcs/pkg/propagation"
)

type fakeDrones struct {
	statuses []models.DroneStatus
}

func (f *fakeDrones) Snapshot() []models.DroneStatus { return f.statuses }

func (f *fakeDrones) Get(serial string) (models.DroneStatus, error) {
	for _, st := range f.statuses {
		if st.Serial == serial {
			return st, nil
		}
	}
	return models.DroneStatus{}, fmt.Errorf("%w: %s", models.ErrUnknownDrone, serial)
}

type fakeForecasts struct {
	latest *models.TimeAvailableFunction
}

func (f *fakeForecasts) MostRecent() (*models.TimeAvailableFunction, bool) {
	if f.latest == nil {
		return nil, false
	}
	return f.latest.Clone(), true
}
func (f *fakeForecasts) Stats() propagation.Stats { return propagation.Stats{ImagesProcessed: 3, Forecasts: 1} }
func (f *fakeForecasts) Device() string           { return propagation.DeviceCPU }
func (f *fakeForecasts) IsRunning() bool          { return true }

type fakeLink struct {
	connected map[string]bool
	sent      []comms.Message
}

func (f *fakeLink) Send(serial string, msg comms.Message) error {
	if !f.connected[serial] {
		return fmt.Errorf("%w: %s", comms.ErrNotConnected, serial)
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeLink) Connections() []comms.ConnInfo {
	return []comms.ConnInfo{{ID: "c1", Serial: "SN1", RemoteAddr: "10.0.0.2:5555"}}
}

type fakeFleet struct{ synced bool }

func (f *fakeFleet) Synced() bool { return f.synced }
func (f *fakeFleet) Snapshot() []k8s.FleetEntry {
	return []k8s.FleetEntry{{Name: "drone-sn9", Station: "north", Phase: k8s.PhaseActive, Status: models.DroneStatus{Serial: "SN9"}}}
}

type fixture struct {
	handler   http.Handler
	forecasts *fakeForecasts
	link      *fakeLink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Agent.Name = "gcs-test"
	log := logrus.New()
	log.SetOutput(io.Discard)

	reg := prometheus.NewRegistry()
	_, err := comms.NewLinkMetrics(reg)
	require.NoError(t, err)

	drones := &fakeDrones{statuses: []models.DroneStatus{
		{Serial: "SN1", Battery: models.BatteryData{RemainingPercent: 64}},
	}}
	f := &fixture{
		forecasts: &fakeForecasts{},
		link:      &fakeLink{connected: map[string]bool{"SN1": true}},
	}
	f.handler = NewServer(cfg, drones, f.forecasts, f.link, reg, log).Handler()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func sampleForecast() *models.TimeAvailableFunction {
	corners := models.Corners{
		UL: geo.LatLon{Lat: geo.Rad(45.001), Lon: geo.Rad(-122.001)},
		UR: geo.LatLon{Lat: geo.Rad(45.001), Lon: geo.Rad(-122.0)},
		LL: geo.LatLon{Lat: geo.Rad(45.0), Lon: geo.Rad(-122.001)},
		LR: geo.LatLon{Lat: geo.Rad(45.0), Lon: geo.Rad(-122.0)},
	}
	ta := models.NewTimeAvailableFunction(2, 3, corners, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ta.TimeAvailable[1] = 4
	ta.TimeAvailable[5] = 9
	return ta
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "gcs-test", body["station"])
	assert.Equal(t, true, body["propagation"])
}

func TestDrones(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/drones", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.DroneStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "SN1", list[0].Serial)

	rec = f.do(http.MethodGet, "/api/v1/drones/SN1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/api/v1/drones/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown drone")

	rec = f.do(http.MethodGet, "/api/v1/connections", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "10.0.0.2:5555")
}

func TestForecastBeforeAndAfterFirstResult(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/forecast", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp forecastResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Available)
	assert.Equal(t, propagation.DeviceCPU, resp.Device)
	assert.Equal(t, uint64(3), resp.Stats.ImagesProcessed)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/v1/forecast.png", "").Code)

	f.forecasts.latest = sampleForecast()
	rec = f.do(http.MethodGet, "/api/v1/forecast?values=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp = forecastResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Available)
	assert.Equal(t, 2, resp.Rows)
	assert.Equal(t, 3, resp.Cols)
	assert.Equal(t, 2, resp.Obstructed)
	require.NotNil(t, resp.MinSeconds)
	assert.Equal(t, uint16(4), *resp.MinSeconds)
	require.NotNil(t, resp.Corners)
	assert.InDelta(t, 45.001, resp.Corners.UL[0], 1e-9)
	assert.Len(t, resp.Values, 6)
}

func TestForecastImage(t *testing.T) {
	f := newFixture(t)
	f.forecasts.latest = sampleForecast()

	rec := f.do(http.MethodGet, "/api/v1/forecast.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	gray := ForecastImage(f.forecasts.latest)
	assert.Equal(t, uint16(4), gray.Gray16At(1, 0).Y)
	assert.Equal(t, models.TimeAvailableSentinel, gray.Gray16At(0, 0).Y)
}

func TestMissionCommand(t *testing.T) {
	f := newFixture(t)

	body := `{"waypoints":[{"latitude":45.0,"longitude":-122.0,"relAltitude":30,"speed":5,"gimbalPitch":-90}],"landAtLastWaypoint":true}`
	rec := f.do(http.MethodPost, "/api/v1/drones/SN1/mission", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"waypoints":1`)
	require.Len(t, f.link.sent, 1)

	cmd, ok := f.link.sent[0].(*comms.ExecuteWaypointMission)
	require.True(t, ok)
	require.Len(t, cmd.Mission.Waypoints, 1)
	wp := cmd.Mission.Waypoints[0]
	assert.InDelta(t, geo.Rad(45.0), wp.Latitude, 1e-12)
	assert.Equal(t, float32(5), wp.Speed)
	assert.InDelta(t, geo.Rad(-90), float64(wp.GimbalPitch), 1e-6)
	assert.False(t, wp.HasLoiter())
	assert.True(t, cmd.Mission.LandAtLastWaypoint)
}

func TestMissionRejected(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		serial string
		body   string
		code   int
	}{
		{"bad json", "SN1", `{"waypoints":`, http.StatusBadRequest},
		{"empty mission", "SN1", `{"waypoints":[]}`, http.StatusBadRequest},
		{"too fast", "SN1", `{"waypoints":[{"latitude":1,"longitude":1,"speed":40}]}`, http.StatusBadRequest},
		{"not connected", "SN2", `{"waypoints":[{"latitude":1,"longitude":1}]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(http.MethodPost, "/api/v1/drones/"+tt.serial+"/mission", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.link.sent)
}

func TestEmergencyAndCamera(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/v1/drones/SN1/emergency", `{"action":"land"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/v1/drones/SN1/emergency", `{"action":"dance"}`).Code)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/v1/drones/SN1/camera", `{"stream":true,"targetFps":2}`).Code)

	require.Len(t, f.link.sent, 2)
	assert.Equal(t, &comms.EmergencyCommand{Action: comms.EmergencyLandNow}, f.link.sent[0])
	assert.Equal(t, &comms.CameraControl{Action: comms.CameraStartStream, TargetFPS: 2}, f.link.sent[1])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shadow_gcs_")
}

func TestDisabledDependencies(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Name = "gcs"
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := NewServer(cfg, &fakeDrones{}, nil, nil, nil, log).Handler()

	for _, path := range []string{"/api/v1/forecast", "/api/v1/forecast.png", "/api/v1/connections", "/api/v1/fleet"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFleetEndpoint(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Name = "gcs"
	log := logrus.New()
	log.SetOutput(io.Discard)
	fleet := &fakeFleet{}
	h := NewServer(cfg, &fakeDrones{}, nil, nil, nil, log, WithFleet(fleet)).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/fleet", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	fleet.synced = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/fleet", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []k8s.FleetEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "north", entries[0].Station)
	assert.Equal(t, "SN9", entries[0].Status.Serial)
}
