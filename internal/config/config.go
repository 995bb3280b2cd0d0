// Package config loads the poselandmarkerd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/asset"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/tracker"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("config: invalid")

// Config represents the complete daemon configuration
type Config struct {
	InstanceID       string         `yaml:"instance_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Models           ModelsConfig   `yaml:"models"`
	Runtime          RuntimeConfig  `yaml:"runtime"`
	Pipeline         PipelineConfig `yaml:"pipeline"`
	Source           SourceConfig   `yaml:"source"`
	MQTT             MQTTConfig     `yaml:"mqtt"`
	Recorder         RecorderConfig `yaml:"recorder"`
}

// ModelsConfig locates the model bundle
type ModelsConfig struct {
	Bundle   string `yaml:"bundle"`   // .task archive or directory
	Delegate string `yaml:"delegate"` // cpu, gpu
}

// RuntimeConfig starts the external inference runtime
type RuntimeConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	WriteTimeoutMs int      `yaml:"write_timeout_ms"`
	StopTimeoutMs  int      `yaml:"stop_timeout_ms"`
}

// PipelineConfig mirrors landmarker.Options.
//
// Confidences are pointers so an explicit 0 is distinguishable from unset.
type PipelineConfig struct {
	RunningMode                string   `yaml:"running_mode"` // VIDEO, LIVE_STREAM
	NumPoses                   int      `yaml:"num_poses"`
	MinDetectionConfidence     *float64 `yaml:"min_detection_confidence"`
	MinPresenceConfidence      *float64 `yaml:"min_presence_confidence"`
	MinTrackingConfidence      *float64 `yaml:"min_tracking_confidence"`
	OutputSegmentationMasks    bool     `yaml:"output_segmentation_masks"`
	SmoothSegmentation         bool     `yaml:"smooth_segmentation"`
	SegmentationSmoothingRatio float64  `yaml:"segmentation_smoothing_ratio"`
	TrackingLossTolerance      int      `yaml:"tracking_loss_tolerance"`
	TrackingComparison         string   `yaml:"tracking_comparison"` // less, less_or_equal
	Backpressure               string   `yaml:"backpressure"`        // drop_oldest, reject
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Type   string  `yaml:"type"` // dir, ffmpeg
	Path   string  `yaml:"path"` // directory (dir) or input URL/file (ffmpeg)
	FPS    float64 `yaml:"fps"`
	Width  int     `yaml:"width"`  // ffmpeg output size
	Height int     `yaml:"height"` // ffmpeg output size
	Loop   bool    `yaml:"loop"`   // dir: restart after the last file
}

// MQTTConfig contains MQTT broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
	QoS    byte   `yaml:"qos"`
}

// RecorderConfig enables the SQLite recorder. An empty path disables it.
type RecorderConfig struct {
	Path string `yaml:"path"`
}

// Environment overrides for deployment-specific values.
const (
	EnvMQTTBroker  = "POSE_MQTT_BROKER"
	EnvModelBundle = "POSE_MODEL_BUNDLE"
	EnvInstanceID  = "POSE_INSTANCE_ID"
)

// Load reads and parses a YAML configuration file, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	loadEnvVariables(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func loadEnvVariables(cfg *Config) {
	if envValue := os.Getenv(EnvMQTTBroker); envValue != "" {
		cfg.MQTT.Broker = envValue
	}
	if envValue := os.Getenv(EnvModelBundle); envValue != "" {
		cfg.Models.Bundle = envValue
	}
	if envValue := os.Getenv(EnvInstanceID); envValue != "" {
		cfg.InstanceID = envValue
	}
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Resolver returns the asset resolver for the configured bundle.
func (c *Config) Resolver(logger *slog.Logger) asset.Resolver {
	return asset.FileResolver{
		Path:     c.Models.Bundle,
		Delegate: asset.Delegate(c.Models.Delegate),
		Logger:   logger,
	}
}

// BackendFactory returns a factory starting one runtime process per model.
func (c *Config) BackendFactory(logger *slog.Logger) backend.Factory {
	return backend.SubprocessFactory(backend.SubprocessConfig{
		Command:      c.Runtime.Command,
		Args:         c.Runtime.Args,
		Logger:       logger,
		WriteTimeout: time.Duration(c.Runtime.WriteTimeoutMs) * time.Millisecond,
		StopTimeout:  time.Duration(c.Runtime.StopTimeoutMs) * time.Millisecond,
	})
}

// ToOptions maps the pipeline section onto landmarker.Options. cb is used in
// LIVE_STREAM mode only.
func (c *Config) ToOptions(cb landmarker.ResultCallback, logger *slog.Logger) (landmarker.Options, error) {
	p := c.Pipeline
	opts := landmarker.DefaultOptions()

	mode, err := landmarker.ParseRunningMode(p.RunningMode)
	if err != nil {
		return opts, err
	}
	comparison, err := tracker.ParseComparison(p.TrackingComparison)
	if err != nil {
		return opts, fmt.Errorf("%w: %w", landmarker.ErrInvalidConfiguration, err)
	}
	backpressure, err := landmarker.ParseBackpressurePolicy(p.Backpressure)
	if err != nil {
		return opts, err
	}

	opts.RunningMode = mode
	opts.NumPoses = p.NumPoses
	if p.MinDetectionConfidence != nil {
		opts.MinDetectionConfidence = *p.MinDetectionConfidence
	}
	if p.MinPresenceConfidence != nil {
		opts.MinPresenceConfidence = *p.MinPresenceConfidence
	}
	if p.MinTrackingConfidence != nil {
		opts.MinTrackingConfidence = *p.MinTrackingConfidence
	}
	opts.OutputSegmentationMasks = p.OutputSegmentationMasks
	opts.SmoothSegmentation = p.SmoothSegmentation
	opts.SegmentationSmoothingRatio = p.SegmentationSmoothingRatio
	opts.TrackingLossTolerance = p.TrackingLossTolerance
	opts.TrackingComparison = comparison
	opts.Backpressure = backpressure
	opts.Logger = logger
	if mode == landmarker.ModeLiveStream {
		opts.ResultCallback = cb
	}

	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}
