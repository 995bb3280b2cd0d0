package config

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/asset"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Source types.
const (
	SourceDir    = "dir"
	SourceFFmpeg = "ffmpeg"
)

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	// instance_id defaults to a random id
	if cfg.InstanceID == "" {
		cfg.InstanceID = "pose-" + uuid.NewString()[:8]
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("%w: instance_id must match pattern [a-z0-9-]+", ErrInvalid)
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Models
	if cfg.Models.Bundle == "" {
		return fmt.Errorf("%w: models.bundle is required", ErrInvalid)
	}
	if cfg.Models.Delegate == "" {
		cfg.Models.Delegate = string(asset.DelegateCPU)
	}
	if !asset.Delegate(cfg.Models.Delegate).Valid() {
		return fmt.Errorf("%w: models.delegate must be cpu or gpu, got %q", ErrInvalid, cfg.Models.Delegate)
	}

	// Runtime
	if cfg.Runtime.Command == "" {
		return fmt.Errorf("%w: runtime.command is required", ErrInvalid)
	}

	// Pipeline (the daemon serves streams: IMAGE is not offered)
	if cfg.Pipeline.RunningMode == "" {
		cfg.Pipeline.RunningMode = landmarker.ModeLiveStream.String()
	}
	mode, err := landmarker.ParseRunningMode(cfg.Pipeline.RunningMode)
	if err != nil {
		return fmt.Errorf("%w: pipeline.running_mode: %w", ErrInvalid, err)
	}
	if mode == landmarker.ModeImage {
		return fmt.Errorf("%w: pipeline.running_mode must be VIDEO or LIVE_STREAM", ErrInvalid)
	}
	if cfg.Pipeline.NumPoses <= 0 {
		cfg.Pipeline.NumPoses = 1
	}

	// Source
	switch cfg.Source.Type {
	case SourceDir, SourceFFmpeg:
	case "":
		return fmt.Errorf("%w: source.type is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown source.type %q (must be 'dir' or 'ffmpeg')", ErrInvalid, cfg.Source.Type)
	}
	if cfg.Source.Path == "" {
		return fmt.Errorf("%w: source.path is required", ErrInvalid)
	}
	if cfg.Source.FPS <= 0 {
		cfg.Source.FPS = 30
	}
	if cfg.Source.Type == SourceFFmpeg && (cfg.Source.Width <= 0 || cfg.Source.Height <= 0) {
		return fmt.Errorf("%w: source.width and source.height are required for ffmpeg", ErrInvalid)
	}

	// MQTT (optional)
	if cfg.MQTT.Broker != "" && cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "care/pose"
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
	}

	return nil
}
