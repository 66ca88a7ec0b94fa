// Package api serves the operator HTTP interface of the ground station:
// drone status, the latest shadow forecast and drone commands.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/k3suav/shadow-gcs/pkg/comms"
	"github.com/k3suav/shadow-gcs/pkg/config"
	"github.com/k3suav/shadow-gcs/pkg/geo"
	"github.com/k3suav/shadow-gcs/pkg/k8s"
	"github.com/k3suav/shadow-gcs/pkg/models"
	"github.com/k3suav/shadow-gcs/pkg/propagation"
)

// Drones is the read side of the telemetry collector
type Drones interface {
	Snapshot() []models.DroneStatus
	Get(serial string) (models.DroneStatus, error)
}

// Forecasts is the read side of the propagation engine
type Forecasts interface {
	MostRecent() (*models.TimeAvailableFunction, bool)
	Stats() propagation.Stats
	Device() string
	IsRunning() bool
}

// Link sends commands to connected drones
type Link interface {
	Send(serial string, msg comms.Message) error
	Connections() []comms.ConnInfo
}

// Fleet is the cluster-wide drone view shared between stations
type Fleet interface {
	Snapshot() []k8s.FleetEntry
	Synced() bool
}

// Option configures a Server
type Option func(*Server)

// WithFleet mounts the cluster-wide fleet endpoint
func WithFleet(f Fleet) Option {
	return func(s *Server) { s.fleet = f }
}

// Server is the HTTP API server
type Server struct {
	cfg       config.APIConfig
	station   string
	drones    Drones
	forecasts Forecasts
	link      Link
	fleet     Fleet
	gatherer  prometheus.Gatherer
	log       *logrus.Logger
	started   time.Time
}

// NewServer creates the HTTP API server. forecasts, link and gatherer may be
// nil; the matching endpoints then answer 503 or are not mounted.
func NewServer(cfg *config.Config, drones Drones, forecasts Forecasts, link Link, gatherer prometheus.Gatherer, log *logrus.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg.API,
		station:   cfg.Agent.Name,
		drones:    drones,
		forecasts: forecasts,
		link:      link,
		gatherer:  gatherer,
		log:       log,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the request router
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/drones", s.handleListDrones).Methods(http.MethodGet)
	v1.HandleFunc("/drones/{serial}", s.handleGetDrone).Methods(http.MethodGet)
	v1.HandleFunc("/drones/{serial}/mission", s.handleMission).Methods(http.MethodPost)
	v1.HandleFunc("/drones/{serial}/emergency", s.handleEmergency).Methods(http.MethodPost)
	v1.HandleFunc("/drones/{serial}/camera", s.handleCamera).Methods(http.MethodPost)
	v1.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)
	v1.HandleFunc("/fleet", s.handleFleet).Methods(http.MethodGet)
	v1.HandleFunc("/forecast", s.handleForecast).Methods(http.MethodGet)
	v1.HandleFunc("/forecast.png", s.handleForecastImage).Methods(http.MethodGet)

	if s.cfg.EnableMetrics && s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.log.WithField("addr", s.cfg.ListenAddr).Info("Starting HTTP API server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http api: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":  "healthy",
		"station": s.station,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	}
	if s.forecasts != nil {
		resp["propagation"] = s.forecasts.IsRunning()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListDrones(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.drones.Snapshot())
}

func (s *Server) handleGetDrone(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]
	st, err := s.drones.Get(serial)
	if errors.Is(err, models.ErrUnknownDrone) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.link == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("drone link disabled"))
		return
	}
	writeJSON(w, http.StatusOK, s.link.Connections())
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("kubernetes integration disabled"))
		return
	}
	if !s.fleet.Synced() {
		writeError(w, http.StatusServiceUnavailable, errors.New("fleet cache not synced yet"))
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.Snapshot())
}

// waypointRequest is the operator-facing waypoint: degrees, optional actions
type waypointRequest struct {
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	RelAltitude  float64  `json:"relAltitude"`
	Speed        *float32 `json:"speed,omitempty"`
	CornerRadius *float32 `json:"cornerRadius,omitempty"`
	LoiterTime   *float32 `json:"loiterTime,omitempty"`
	GimbalPitch  *float32 `json:"gimbalPitch,omitempty"` // degrees
}

type missionRequest struct {
	Waypoints          []waypointRequest `json:"waypoints"`
	LandAtLastWaypoint bool              `json:"landAtLastWaypoint"`
	CurvedTrajectory   bool              `json:"curvedTrajectory"`
}

func (req missionRequest) mission() models.WaypointMission {
	m := models.WaypointMission{
		LandAtLastWaypoint: req.LandAtLastWaypoint,
		CurvedTrajectory:   req.CurvedTrajectory,
	}
	for _, w := range req.Waypoints {
		wp := models.NewWaypoint(geo.Rad(w.Latitude), geo.Rad(w.Longitude), w.RelAltitude)
		if w.Speed != nil {
			wp.Speed = *w.Speed
		}
		if w.CornerRadius != nil {
			wp.CornerRadius = *w.CornerRadius
		}
		if w.LoiterTime != nil {
			wp.LoiterTime = *w.LoiterTime
		}
		if w.GimbalPitch != nil {
			wp.GimbalPitch = float32(geo.Rad(float64(*w.GimbalPitch)))
		}
		m.Waypoints = append(m.Waypoints, wp)
	}
	return m
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	var req missionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode mission: %w", err))
		return
	}
	mission := req.mission()
	if err := mission.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.send(w, mux.Vars(r)["serial"], &comms.ExecuteWaypointMission{Mission: mission}, map[string]interface{}{
		"waypoints": len(mission.Waypoints),
		"distanceM": mission.TotalDistance3D(nil),
	})
}

type emergencyRequest struct {
	Action string `json:"action"`
}

var emergencyActions = map[string]uint8{
	"stop":   comms.EmergencyStop,
	"home":   comms.EmergencyGoHome,
	"land":   comms.EmergencyLandNow,
	"hover":  comms.EmergencyStop,
	"gohome": comms.EmergencyGoHome,
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode emergency: %w", err))
		return
	}
	action, ok := emergencyActions[req.Action]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown emergency action %q", req.Action))
		return
	}
	s.send(w, mux.Vars(r)["serial"], &comms.EmergencyCommand{Action: action}, nil)
}

type cameraRequest struct {
	Stream    bool    `json:"stream"`
	TargetFPS float32 `json:"targetFps"`
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	var req cameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode camera: %w", err))
		return
	}
	msg := &comms.CameraControl{Action: comms.CameraStopStream}
	if req.Stream {
		msg.Action = comms.CameraStartStream
		msg.TargetFPS = req.TargetFPS
	}
	s.send(w, mux.Vars(r)["serial"], msg, nil)
}

// send delivers a command and maps link errors to status codes. extra is
// merged into the success response.
func (s *Server) send(w http.ResponseWriter, serial string, msg comms.Message, extra map[string]interface{}) {
	if s.link == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("drone link disabled"))
		return
	}
	logger := s.log.WithFields(logrus.Fields{
		"serial":  serial,
		"command": comms.TagName(msg.Tag()),
	})
	if err := s.link.Send(serial, msg); err != nil {
		logger.WithError(err).Warn("Command not delivered")
		switch {
		case errors.Is(err, comms.ErrNotConnected):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, comms.ErrServerClosed):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}
	logger.Info("Command sent")
	resp := map[string]interface{}{
		"serial":  serial,
		"command": comms.TagName(msg.Tag()),
	}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// forecastResponse describes the latest forecast without its raster
type forecastResponse struct {
	Device     string            `json:"device"`
	Running    bool              `json:"running"`
	Stats      propagation.Stats `json:"stats"`
	Available  bool              `json:"available"`
	Rows       int               `json:"rows,omitempty"`
	Cols       int               `json:"cols,omitempty"`
	Corners    *cornersDegrees   `json:"corners,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
	Obstructed int               `json:"obstructed"`
	MinSeconds *uint16           `json:"minSeconds,omitempty"`
	Values     []uint16          `json:"values,omitempty"`
}

type cornersDegrees struct {
	UL [2]float64 `json:"ul"`
	UR [2]float64 `json:"ur"`
	LL [2]float64 `json:"ll"`
	LR [2]float64 `json:"lr"`
}

func toDegrees(c models.Corners) *cornersDegrees {
	deg := func(p geo.LatLon) [2]float64 { return [2]float64{geo.Deg(p.Lat), geo.Deg(p.Lon)} }
	return &cornersDegrees{UL: deg(c.UL), UR: deg(c.UR), LL: deg(c.LL), LR: deg(c.LR)}
}

// handleForecast reports the latest forecast. ?values=true adds the raw
// row-major raster where 65535 means no shadow within the horizon.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	if s.forecasts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("propagation disabled"))
		return
	}
	resp := forecastResponse{
		Device:  s.forecasts.Device(),
		Running: s.forecasts.IsRunning(),
		Stats:   s.forecasts.Stats(),
	}
	if ta, ok := s.forecasts.MostRecent(); ok {
		resp.Available = true
		resp.Rows = ta.Rows
		resp.Cols = ta.Cols
		resp.Corners = toDegrees(ta.Corners)
		ts := ta.Timestamp
		resp.Timestamp = &ts
		obstructed, minSeconds := ta.Summary()
		resp.Obstructed = obstructed
		if obstructed > 0 {
			resp.MinSeconds = &minSeconds
		}
		if r.URL.Query().Get("values") == "true" {
			resp.Values = ta.TimeAvailable
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleForecastImage renders the latest forecast as a 16-bit grayscale PNG
// holding the seconds available per pixel
func (s *Server) handleForecastImage(w http.ResponseWriter, r *http.Request) {
	if s.forecasts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("propagation disabled"))
		return
	}
	ta, ok := s.forecasts.MostRecent()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no forecast available yet"))
		return
	}
	img := ForecastImage(ta)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Last-Modified", ta.Timestamp.UTC().Format(http.TimeFormat))
	if err := png.Encode(w, img); err != nil {
		s.log.WithError(err).Warn("Failed to encode forecast image")
	}
}

// ForecastImage converts a forecast to a Gray16 raster. The sentinel is
// already the maximum value, so clear pixels render white.
func ForecastImage(ta *models.TimeAvailableFunction) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, ta.Cols, ta.Rows))
	for row := 0; row < ta.Rows; row++ {
		for col := 0; col < ta.Cols; col++ {
			img.SetGray16(col, row, color.Gray16{Y: ta.TimeAvailable[row*ta.Cols+col]})
		}
	}
	return img
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
