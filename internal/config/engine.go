package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/signal.defaults.json"

// Red duration policies.
const (
	RedPolicyFixed   = "fixed"
	RedPolicyInverse = "inverse"
)

// EngineConfig is the root configuration for the signal control daemon.
// Every field is optional; the Get* methods supply the defaults, so partial
// files are safe.
type EngineConfig struct {
	// Density estimation
	SmoothingWindow *int `json:"smoothing_window,omitempty" yaml:"smoothing_window,omitempty"`
	DefaultLanes    *int `json:"default_lanes,omitempty" yaml:"default_lanes,omitempty"`

	// Phase timing (seconds)
	MinGreenSec    *int     `json:"min_green_sec,omitempty" yaml:"min_green_sec,omitempty"`
	MaxGreenSec    *int     `json:"max_green_sec,omitempty" yaml:"max_green_sec,omitempty"`
	BaseGreenSec   *int     `json:"base_green_sec,omitempty" yaml:"base_green_sec,omitempty"`
	YellowSec      *int     `json:"yellow_sec,omitempty" yaml:"yellow_sec,omitempty"`
	DefaultRedSec  *int     `json:"default_red_sec,omitempty" yaml:"default_red_sec,omitempty"`
	ScalingFactor  *float64 `json:"scaling_factor,omitempty" yaml:"scaling_factor,omitempty"`
	RedPolicy      *string  `json:"red_policy,omitempty" yaml:"red_policy,omitempty"`
	MaxOverrideSec *int     `json:"max_override_sec,omitempty" yaml:"max_override_sec,omitempty"`

	// Vehicles one lane holds before it counts as saturated; used by the
	// congestion level in traffic metrics.
	LaneCapacityVehicles *int `json:"lane_capacity_vehicles,omitempty" yaml:"lane_capacity_vehicles,omitempty"`

	// Dispatch and fan-out
	SubscriberBuffer      *int    `json:"subscriber_buffer,omitempty" yaml:"subscriber_buffer,omitempty"`
	ActuationQueue        *int    `json:"actuation_queue,omitempty" yaml:"actuation_queue,omitempty"`
	PersistQueue          *int    `json:"persist_queue,omitempty" yaml:"persist_queue,omitempty"`
	PersistMaxAttempts    *int    `json:"persist_max_attempts,omitempty" yaml:"persist_max_attempts,omitempty"`
	PersistAttemptTimeout *string `json:"persist_attempt_timeout,omitempty" yaml:"persist_attempt_timeout,omitempty"` // duration string like "2s"
	PersistBackoff        *string `json:"persist_backoff,omitempty" yaml:"persist_backoff,omitempty"`                 // duration string like "100ms"

	// Transport
	Transport       *string `json:"transport,omitempty" yaml:"transport,omitempty"` // mqtt, kafka or memory
	MQTTBroker      *string `json:"mqtt_broker,omitempty" yaml:"mqtt_broker,omitempty"`
	MQTTClientID    *string `json:"mqtt_client_id,omitempty" yaml:"mqtt_client_id,omitempty"`
	KafkaBrokers    *string `json:"kafka_brokers,omitempty" yaml:"kafka_brokers,omitempty"`
	KafkaGroupID    *string `json:"kafka_group_id,omitempty" yaml:"kafka_group_id,omitempty"`
	DetectionsTopic *string `json:"detections_topic,omitempty" yaml:"detections_topic,omitempty"`
	CommandsTopic   *string `json:"commands_topic,omitempty" yaml:"commands_topic,omitempty"`

	// Store
	Store         *string `json:"store,omitempty" yaml:"store,omitempty"` // sqlite, mongo or none
	SQLitePath    *string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	MongoURI      *string `json:"mongo_uri,omitempty" yaml:"mongo_uri,omitempty"`
	MongoDatabase *string `json:"mongo_database,omitempty" yaml:"mongo_database,omitempty"`

	// Serial signal cabinet, empty port disables it
	CabinetPort *string `json:"cabinet_port,omitempty" yaml:"cabinet_port,omitempty"`
	CabinetBaud *int    `json:"cabinet_baud,omitempty" yaml:"cabinet_baud,omitempty"`
}

func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }

// EmptyEngineConfig returns an EngineConfig with all fields set to nil.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// LoadEngineConfig loads an EngineConfig from a .json, .yaml or .yml file.
// YAML files are decoded strictly so misspelt keys fail loudly.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory or
// one of its parents. Panics if the file cannot be loaded, intended for test
// setup.
func MustLoadDefaultConfig() *EngineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadEngineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Environment variables consulted by ApplyEnv.
const (
	EnvTransport     = "SIGNAL_TRANSPORT"
	EnvMQTTBroker    = "SIGNAL_MQTT_BROKER"
	EnvKafkaBrokers  = "SIGNAL_KAFKA_BROKERS"
	EnvStore         = "SIGNAL_STORE"
	EnvSQLitePath    = "SIGNAL_SQLITE_PATH"
	EnvMongoURI      = "SIGNAL_MONGO_URI"
	EnvMongoDatabase = "SIGNAL_MONGO_DATABASE"
	EnvCabinetPort   = "SIGNAL_CABINET_PORT"
	EnvCabinetBaud   = "SIGNAL_CABINET_BAUD"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are not an error; variables already set in the
// environment win.
func LoadDotEnv(files ...string) error {
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overrides connection settings from SIGNAL_* environment variables.
// Tuning parameters are file-only.
func (c *EngineConfig) ApplyEnv() error {
	for key, dst := range map[string]**string{
		EnvTransport:     &c.Transport,
		EnvMQTTBroker:    &c.MQTTBroker,
		EnvKafkaBrokers:  &c.KafkaBrokers,
		EnvStore:         &c.Store,
		EnvSQLitePath:    &c.SQLitePath,
		EnvMongoURI:      &c.MongoURI,
		EnvMongoDatabase: &c.MongoDatabase,
		EnvCabinetPort:   &c.CabinetPort,
	} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = ptrString(v)
		}
	}
	if v := os.Getenv(EnvCabinetBaud); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvCabinetBaud, v, err)
		}
		c.CabinetBaud = ptrInt(n)
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	for name, v := range map[string]*int{
		"smoothing_window":       c.SmoothingWindow,
		"default_lanes":          c.DefaultLanes,
		"min_green_sec":          c.MinGreenSec,
		"max_green_sec":          c.MaxGreenSec,
		"base_green_sec":         c.BaseGreenSec,
		"yellow_sec":             c.YellowSec,
		"default_red_sec":        c.DefaultRedSec,
		"max_override_sec":       c.MaxOverrideSec,
		"lane_capacity_vehicles": c.LaneCapacityVehicles,
		"subscriber_buffer":      c.SubscriberBuffer,
		"actuation_queue":        c.ActuationQueue,
		"persist_queue":          c.PersistQueue,
		"persist_max_attempts":   c.PersistMaxAttempts,
	} {
		if v != nil && *v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", name, *v)
		}
	}

	if c.GetMinGreenSec() > c.GetMaxGreenSec() {
		return fmt.Errorf("min_green_sec (%d) must not exceed max_green_sec (%d)", c.GetMinGreenSec(), c.GetMaxGreenSec())
	}

	if c.ScalingFactor != nil && *c.ScalingFactor < 0 {
		return fmt.Errorf("scaling_factor must be non-negative, got %f", *c.ScalingFactor)
	}

	if c.RedPolicy != nil {
		switch *c.RedPolicy {
		case RedPolicyFixed, RedPolicyInverse:
		default:
			return fmt.Errorf("red_policy must be %q or %q, got %q", RedPolicyFixed, RedPolicyInverse, *c.RedPolicy)
		}
	}

	for name, v := range map[string]*string{
		"persist_attempt_timeout": c.PersistAttemptTimeout,
		"persist_backoff":         c.PersistBackoff,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.Transport != nil {
		switch *c.Transport {
		case "mqtt", "kafka", "memory":
		default:
			return fmt.Errorf("transport must be mqtt, kafka or memory, got %q", *c.Transport)
		}
	}

	if c.Store != nil {
		switch *c.Store {
		case "sqlite", "mongo", "none":
		default:
			return fmt.Errorf("store must be sqlite, mongo or none, got %q", *c.Store)
		}
	}

	return nil
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getString(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetSmoothingWindow returns the density window size or the default.
func (c *EngineConfig) GetSmoothingWindow() int { return getInt(c.SmoothingWindow, 10) }

// GetDefaultLanes returns the lane count assumed for unregistered intersections.
func (c *EngineConfig) GetDefaultLanes() int { return getInt(c.DefaultLanes, 4) }

// GetMinGreenSec returns the shortest adaptive green in seconds.
func (c *EngineConfig) GetMinGreenSec() int { return getInt(c.MinGreenSec, 15) }

// GetMaxGreenSec returns the longest adaptive green in seconds.
func (c *EngineConfig) GetMaxGreenSec() int { return getInt(c.MaxGreenSec, 90) }

// GetBaseGreenSec returns the green duration at zero density.
func (c *EngineConfig) GetBaseGreenSec() int { return getInt(c.BaseGreenSec, 30) }

// GetYellowSec returns the fixed yellow clearance in seconds.
func (c *EngineConfig) GetYellowSec() int { return getInt(c.YellowSec, 5) }

// GetDefaultRedSec returns the red duration used by the fixed policy and on
// registration.
func (c *EngineConfig) GetDefaultRedSec() int { return getInt(c.DefaultRedSec, 30) }

// GetScalingFactor returns the green scaling factor or the default.
func (c *EngineConfig) GetScalingFactor() float64 {
	if c.ScalingFactor == nil {
		return 2.5
	}
	return *c.ScalingFactor
}

// GetRedPolicy returns the red duration policy name.
func (c *EngineConfig) GetRedPolicy() string { return getString(c.RedPolicy, RedPolicyFixed) }

// GetMaxOverrideSec returns the upper bound for operator override durations.
func (c *EngineConfig) GetMaxOverrideSec() int { return getInt(c.MaxOverrideSec, 600) }

// GetLaneCapacityVehicles returns the per-lane saturation count.
func (c *EngineConfig) GetLaneCapacityVehicles() int { return getInt(c.LaneCapacityVehicles, 15) }

// GetSubscriberBuffer returns the per-subscriber live feed buffer.
func (c *EngineConfig) GetSubscriberBuffer() int { return getInt(c.SubscriberBuffer, 64) }

// GetActuationQueue returns the actuation queue capacity.
func (c *EngineConfig) GetActuationQueue() int { return getInt(c.ActuationQueue, 256) }

// GetPersistQueue returns the persistence queue capacity.
func (c *EngineConfig) GetPersistQueue() int { return getInt(c.PersistQueue, 1024) }

// GetPersistMaxAttempts returns how many times a write is tried before it is dropped.
func (c *EngineConfig) GetPersistMaxAttempts() int { return getInt(c.PersistMaxAttempts, 3) }

// GetPersistAttemptTimeout returns the deadline for one store write.
func (c *EngineConfig) GetPersistAttemptTimeout() time.Duration {
	return getDuration(c.PersistAttemptTimeout, 2*time.Second)
}

// GetPersistBackoff returns the delay before the first retry.
func (c *EngineConfig) GetPersistBackoff() time.Duration {
	return getDuration(c.PersistBackoff, 100*time.Millisecond)
}

func (c *EngineConfig) GetTransport() string  { return getString(c.Transport, "mqtt") }
func (c *EngineConfig) GetMQTTBroker() string { return getString(c.MQTTBroker, "tcp://localhost:1883") }
func (c *EngineConfig) GetMQTTClientID() string {
	return getString(c.MQTTClientID, "signal-controller")
}
func (c *EngineConfig) GetKafkaBrokers() string { return getString(c.KafkaBrokers, "localhost:9092") }
func (c *EngineConfig) GetKafkaGroupID() string {
	return getString(c.KafkaGroupID, "signal-controller")
}
func (c *EngineConfig) GetDetectionsTopic() string {
	return getString(c.DetectionsTopic, "neuroflow/detections")
}
func (c *EngineConfig) GetCommandsTopic() string {
	return getString(c.CommandsTopic, "neuroflow/commands")
}
func (c *EngineConfig) GetStore() string      { return getString(c.Store, "sqlite") }
func (c *EngineConfig) GetSQLitePath() string { return getString(c.SQLitePath, "signal.db") }
func (c *EngineConfig) GetMongoURI() string {
	return getString(c.MongoURI, "mongodb://localhost:27017")
}
func (c *EngineConfig) GetMongoDatabase() string { return getString(c.MongoDatabase, "signal_control") }
func (c *EngineConfig) GetCabinetPort() string   { return getString(c.CabinetPort, "") }
func (c *EngineConfig) GetCabinetBaud() int      { return getInt(c.CabinetBaud, 19200) }
