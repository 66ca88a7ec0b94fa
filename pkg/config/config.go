package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the ground station
type Config struct {
	// Station configuration
	Agent AgentConfig `json:"agent" yaml:"agent"`

	// Drone link configuration
	Link LinkConfig `json:"link" yaml:"link"`

	// Shadow propagation configuration
	Propagation PropagationConfig `json:"propagation" yaml:"propagation"`

	// Shadow detection configuration
	Detection DetectionConfig `json:"detection" yaml:"detection"`

	// Telemetry collection configuration
	Collection CollectionConfig `json:"collection" yaml:"collection"`

	// Kubernetes configuration
	Kubernetes K8sConfig `json:"kubernetes" yaml:"kubernetes"`

	// HTTP API configuration
	API APIConfig `json:"api" yaml:"api"`
}

// AgentConfig contains station-wide settings
type AgentConfig struct {
	// Station name, used as the owner label on published resources
	Name string `json:"name" yaml:"name"`

	// Station version
	Version string `json:"version" yaml:"version"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"logLevel" yaml:"logLevel"`

	// Enable structured logging
	StructuredLogging bool `json:"structuredLogging" yaml:"structuredLogging"`
}

// LinkConfig contains drone link settings
type LinkConfig struct {
	// TCP listen address for drone connections
	ListenAddr string `json:"listenAddr" yaml:"listenAddr"`

	// Largest accepted packet in bytes
	MaxPacketSize uint32 `json:"maxPacketSize" yaml:"maxPacketSize"`

	// Write timeout for commands sent to drones
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
}

// PropagationConfig contains shadow propagation settings
type PropagationConfig struct {
	// Propagation enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Frames in the history window
	HistoryLength int `json:"historyLength" yaml:"historyLength"`

	// Forecast steps
	Horizon int `json:"horizon" yaml:"horizon"`

	// Lead time of one forecast step
	Step time.Duration `json:"step" yaml:"step"`

	// Shadow probability counted as an obstruction
	OutputThreshold float64 `json:"outputThreshold" yaml:"outputThreshold"`

	// Worker poll interval
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`

	// Forecaster devices in order of preference
	Devices []string `json:"devices" yaml:"devices"`
}

// DetectionConfig contains shadow detection settings
type DetectionConfig struct {
	// Detection enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Shadow map raster size
	Rows int `json:"rows" yaml:"rows"`
	Cols int `json:"cols" yaml:"cols"`

	// Luma ramp from full to zero shadow confidence
	DarkLuma   float64 `json:"darkLuma" yaml:"darkLuma"`
	BrightLuma float64 `json:"brightLuma" yaml:"brightLuma"`

	// Camera horizontal field of view in degrees
	HorizontalFOV float64 `json:"horizontalFOV" yaml:"horizontalFOV"`

	// Minimum height above ground for a usable frame
	MinHAG float64 `json:"minHAG" yaml:"minHAG"`

	// Oldest telemetry fix usable for geo-registration
	TelemetryMaxAge time.Duration `json:"telemetryMaxAge" yaml:"telemetryMaxAge"`
}

// CollectionConfig contains telemetry collection settings
type CollectionConfig struct {
	// Publish interval for drone status
	Interval time.Duration `json:"interval" yaml:"interval"`

	// Drones silent for longer are reported offline
	StaleAfter time.Duration `json:"staleAfter" yaml:"staleAfter"`

	// Drones silent for longer are forgotten; 0 keeps them forever
	ForgetAfter time.Duration `json:"forgetAfter" yaml:"forgetAfter"`

	// Health check enabled
	EnableHealthCheck bool `json:"enableHealthCheck" yaml:"enableHealthCheck"`

	// Battery low threshold
	BatteryLowThreshold float64 `json:"batteryLowThreshold" yaml:"batteryLowThreshold"`

	// Battery critical threshold
	BatteryCriticalThreshold float64 `json:"batteryCriticalThreshold" yaml:"batteryCriticalThreshold"`

	// GPS minimum satellites
	GPSMinSatellites int `json:"gpsMinSatellites" yaml:"gpsMinSatellites"`

	// Drone log messages kept per drone
	MaxMessages int `json:"maxMessages" yaml:"maxMessages"`
}

// K8sConfig contains Kubernetes client settings
type K8sConfig struct {
	// Publish drone status as custom resources
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Kubeconfig path (empty for in-cluster config)
	KubeconfigPath string `json:"kubeconfigPath" yaml:"kubeconfigPath"`

	// Namespace for drone resources
	Namespace string `json:"namespace" yaml:"namespace"`

	// CRD name
	CRDName string `json:"crdName" yaml:"crdName"`

	// CRD Group
	CRDGroup string `json:"crdGroup" yaml:"crdGroup"`

	// CRD Version
	CRDVersion string `json:"crdVersion" yaml:"crdVersion"`

	// CRD plural resource
	CRDResource string `json:"crdResource" yaml:"crdResource"`

	// Update retry attempts
	RetryAttempts int `json:"retryAttempts" yaml:"retryAttempts"`

	// Retry delay
	RetryDelay time.Duration `json:"retryDelay" yaml:"retryDelay"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	// HTTP listen address
	ListenAddr string `json:"listenAddr" yaml:"listenAddr"`

	// Server timeouts
	ReadTimeout  time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout" yaml:"writeTimeout"`

	// Expose Prometheus metrics on /metrics
	EnableMetrics bool `json:"enableMetrics" yaml:"enableMetrics"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:              getEnvOrDefault("STATION_NAME", hostname()),
			Version:           "v0.1.0",
			LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
			StructuredLogging: getEnvBoolOrDefault("STRUCTURED_LOGGING", false),
		},
		Link: LinkConfig{
			ListenAddr:    getEnvOrDefault("LINK_LISTEN_ADDR", ":5000"),
			MaxPacketSize: 32 << 20,
			WriteTimeout:  getEnvDurationOrDefault("LINK_WRITE_TIMEOUT", 5*time.Second),
		},
		Propagation: PropagationConfig{
			Enabled:         getEnvBoolOrDefault("ENABLE_PROPAGATION", true),
			HistoryLength:   getEnvIntOrDefault("PROPAGATION_HISTORY", 15),
			Horizon:         getEnvIntOrDefault("PROPAGATION_HORIZON", 15),
			Step:            getEnvDurationOrDefault("PROPAGATION_STEP", time.Second),
			OutputThreshold: 0.4,
			PollInterval:    250 * time.Millisecond,
			Devices:         getEnvListOrDefault("PROPAGATION_DEVICES", []string{"cuda", "cpu"}),
		},
		Detection: DetectionConfig{
			Enabled:         getEnvBoolOrDefault("ENABLE_DETECTION", true),
			Rows:            64,
			Cols:            64,
			DarkLuma:        60,
			BrightLuma:      140,
			HorizontalFOV:   getEnvFloatOrDefault("CAMERA_HFOV", 82),
			MinHAG:          2,
			TelemetryMaxAge: 2 * time.Second,
		},
		Collection: CollectionConfig{
			Interval:                 getEnvDurationOrDefault("COLLECTION_INTERVAL", 10*time.Second),
			StaleAfter:               getEnvDurationOrDefault("DRONE_STALE_AFTER", 30*time.Second),
			ForgetAfter:              getEnvDurationOrDefault("DRONE_FORGET_AFTER", 10*time.Minute),
			EnableHealthCheck:        getEnvBoolOrDefault("ENABLE_HEALTH_CHECK", true),
			BatteryLowThreshold:      30.0,
			BatteryCriticalThreshold: 20.0,
			GPSMinSatellites:         4,
			MaxMessages:              50,
		},
		Kubernetes: K8sConfig{
			Enabled:        getEnvBoolOrDefault("ENABLE_K8S", false),
			KubeconfigPath: getEnvOrDefault("KUBECONFIG", ""),
			Namespace:      getEnvOrDefault("NAMESPACE", "default"),
			CRDName:        "dronestatuses.shadow.gcs.io",
			CRDGroup:       "shadow.gcs.io",
			CRDVersion:     "v1alpha1",
			CRDResource:    "dronestatuses",
			RetryAttempts:  3,
			RetryDelay:     2 * time.Second,
		},
		API: APIConfig{
			ListenAddr:    getEnvOrDefault("API_LISTEN_ADDR", ":8080"),
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			EnableMetrics: getEnvBoolOrDefault("ENABLE_METRICS", true),
		},
	}
}

// Load returns the default configuration overlaid with the YAML file at
// path. Keys missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate agent config
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required (set STATION_NAME environment variable)")
	}

	// Validate link config
	if c.Link.ListenAddr == "" {
		return fmt.Errorf("link.listenAddr cannot be empty")
	}
	if c.Link.MaxPacketSize < 9 {
		return fmt.Errorf("link.maxPacketSize must be >= 9")
	}

	// Validate propagation config
	if c.Propagation.Enabled {
		if c.Propagation.HistoryLength < 1 {
			return fmt.Errorf("propagation.historyLength must be >= 1")
		}
		if c.Propagation.Horizon < 1 {
			return fmt.Errorf("propagation.horizon must be >= 1")
		}
		if c.Propagation.Step <= 0 {
			return fmt.Errorf("propagation.step must be > 0")
		}
		if c.Propagation.OutputThreshold <= 0 || c.Propagation.OutputThreshold > 1 {
			return fmt.Errorf("propagation.outputThreshold must be in (0, 1]")
		}
		if c.Propagation.PollInterval <= 0 {
			return fmt.Errorf("propagation.pollInterval must be > 0")
		}
		if len(c.Propagation.Devices) == 0 {
			return fmt.Errorf("propagation.devices cannot be empty")
		}
	}

	// Validate detection config
	if c.Detection.Enabled {
		if c.Detection.Rows < 1 || c.Detection.Cols < 1 {
			return fmt.Errorf("detection.rows and detection.cols must be >= 1")
		}
		if c.Detection.DarkLuma >= c.Detection.BrightLuma {
			return fmt.Errorf("detection.darkLuma must be below detection.brightLuma")
		}
	}

	// Validate collection config
	if c.Collection.Interval <= 0 {
		return fmt.Errorf("collection.interval must be > 0")
	}
	if c.Collection.BatteryLowThreshold < 0 || c.Collection.BatteryLowThreshold > 100 {
		return fmt.Errorf("collection.batteryLowThreshold must be between 0 and 100")
	}
	if c.Collection.BatteryCriticalThreshold < 0 || c.Collection.BatteryCriticalThreshold > 100 {
		return fmt.Errorf("collection.batteryCriticalThreshold must be between 0 and 100")
	}
	if c.Collection.BatteryCriticalThreshold > c.Collection.BatteryLowThreshold {
		return fmt.Errorf("collection.batteryCriticalThreshold must not exceed batteryLowThreshold")
	}
	if c.Collection.GPSMinSatellites < 0 {
		return fmt.Errorf("collection.gpsMinSatellites must be >= 0")
	}
	if c.Collection.ForgetAfter < 0 {
		return fmt.Errorf("collection.forgetAfter must be >= 0")
	}

	// Validate Kubernetes config
	if c.Kubernetes.Enabled {
		if c.Kubernetes.Namespace == "" {
			return fmt.Errorf("kubernetes.namespace cannot be empty")
		}
		if c.Kubernetes.CRDGroup == "" || c.Kubernetes.CRDVersion == "" || c.Kubernetes.CRDResource == "" {
			return fmt.Errorf("kubernetes.crdGroup, crdVersion and crdResource are required")
		}
		if c.Kubernetes.RetryAttempts < 0 {
			return fmt.Errorf("kubernetes.retryAttempts must be >= 0")
		}
	}

	// Validate API config
	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listenAddr cannot be empty")
	}

	return nil
}

// Helper functions

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
