package landmarker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/tracker"
)

var (
	ErrInvalidConfiguration  = errors.New("landmarker: invalid configuration")
	ErrNonMonotonicTimestamp = errors.New("landmarker: non-monotonic timestamp")
	ErrBackpressure          = errors.New("landmarker: backpressure")
	ErrClosed                = errors.New("landmarker: closed")
	ErrWrongRunningMode      = errors.New("landmarker: wrong running mode")
)

// RunningMode is the processing contract chosen at construction.
type RunningMode int

const (
	// ModeImage processes independent images; no tracking, synchronous results.
	ModeImage RunningMode = iota + 1
	// ModeVideo processes timestamped frames of one stream; tracking,
	// synchronous results.
	ModeVideo
	// ModeLiveStream processes timestamped frames asynchronously; tracking,
	// results delivered through ResultCallback.
	ModeLiveStream
)

// String returns a human-readable name of the running mode
func (m RunningMode) String() string {
	switch m {
	case ModeImage:
		return "IMAGE"
	case ModeVideo:
		return "VIDEO"
	case ModeLiveStream:
		return "LIVE_STREAM"
	default:
		return fmt.Sprintf("RunningMode(%d)", int(m))
	}
}

// ParseRunningMode accepts IMAGE, VIDEO and LIVE_STREAM.
func ParseRunningMode(s string) (RunningMode, error) {
	switch s {
	case "IMAGE", "image":
		return ModeImage, nil
	case "VIDEO", "video":
		return ModeVideo, nil
	case "LIVE_STREAM", "live_stream":
		return ModeLiveStream, nil
	default:
		return 0, fmt.Errorf("%w: unknown running mode %q", ErrInvalidConfiguration, s)
	}
}

// BackpressurePolicy decides what LIVE_STREAM does with a frame submitted
// while another is being processed.
type BackpressurePolicy int

const (
	// DropOldest keeps one pending frame: a newer submission replaces (and
	// releases) the pending one. Submission never fails for backpressure.
	DropOldest BackpressurePolicy = iota
	// Reject fails the submission with ErrBackpressure whenever a frame is in
	// flight or pending.
	Reject
)

// String returns a human-readable name of the policy
func (b BackpressurePolicy) String() string {
	switch b {
	case DropOldest:
		return "drop_oldest"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("BackpressurePolicy(%d)", int(b))
	}
}

// ParseBackpressurePolicy accepts "drop_oldest" (default) and "reject".
func ParseBackpressurePolicy(s string) (BackpressurePolicy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "reject":
		return Reject, nil
	default:
		return 0, fmt.Errorf("%w: unknown backpressure policy %q", ErrInvalidConfiguration, s)
	}
}

// ResultCallback receives LIVE_STREAM results on the pipeline worker
// goroutine, in submission order. result is nil when err is non-nil.
//
// The result (and its masks) is only valid during the call; Clone masks that
// must outlive it. The callback may call Pipeline.Close; no further callback
// runs after it returns.
type ResultCallback func(result *Result, timestampMs int64, err error)

// DefaultSmoothingRatio weights the previous mask when smoothing is enabled
// without an explicit ratio.
const DefaultSmoothingRatio = 0.7

// Options configure a Pipeline.
type Options struct {
	RunningMode RunningMode
	// NumPoses is the maximum number of poses tracked and reported (≥ 1).
	NumPoses int

	MinDetectionConfidence float64
	MinPresenceConfidence  float64
	MinTrackingConfidence  float64

	OutputSegmentationMasks bool
	// SmoothSegmentation blends each tracked pose's mask with its previous
	// mask (VIDEO/LIVE_STREAM only).
	SmoothSegmentation         bool
	SegmentationSmoothingRatio float64

	// ResultCallback is required in LIVE_STREAM and forbidden otherwise.
	ResultCallback ResultCallback

	// TrackingLossTolerance is the number of consecutive failing frames
	// tolerated before tracking resets (default 0: reset on first failure).
	TrackingLossTolerance int
	// TrackingComparison selects < (default) or ≤ against MinTrackingConfidence.
	TrackingComparison tracker.Comparison

	// Backpressure applies to LIVE_STREAM only (default DropOldest).
	Backpressure BackpressurePolicy

	Logger *slog.Logger
}

// DefaultOptions returns IMAGE mode, one pose and 0.5 thresholds.
func DefaultOptions() Options {
	return Options{
		RunningMode:            ModeImage,
		NumPoses:               1,
		MinDetectionConfidence: 0.5,
		MinPresenceConfidence:  0.5,
		MinTrackingConfidence:  0.5,
	}
}

// Validate checks o and fills defaults. Every error wraps
// ErrInvalidConfiguration.
func (o *Options) Validate() error {
	if _, ok := strategies[o.RunningMode]; !ok {
		return fmt.Errorf("%w: running mode %v", ErrInvalidConfiguration, o.RunningMode)
	}
	if o.NumPoses < 1 {
		return fmt.Errorf("%w: num_poses must be ≥ 1, got %d", ErrInvalidConfiguration, o.NumPoses)
	}

	for name, v := range map[string]float64{
		"min_detection_confidence": o.MinDetectionConfidence,
		"min_presence_confidence":  o.MinPresenceConfidence,
		"min_tracking_confidence":  o.MinTrackingConfidence,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return fmt.Errorf("%w: %s must be in [0,1], got %v", ErrInvalidConfiguration, name, v)
		}
	}

	switch {
	case o.RunningMode == ModeLiveStream && o.ResultCallback == nil:
		return fmt.Errorf("%w: result callback is required in %v mode", ErrInvalidConfiguration, o.RunningMode)
	case o.RunningMode != ModeLiveStream && o.ResultCallback != nil:
		return fmt.Errorf("%w: result callback is only allowed in %v mode", ErrInvalidConfiguration, ModeLiveStream)
	}

	if o.TrackingLossTolerance < 0 {
		return fmt.Errorf("%w: tracking loss tolerance must be ≥ 0, got %d", ErrInvalidConfiguration, o.TrackingLossTolerance)
	}
	if o.TrackingComparison != tracker.CompareLess && o.TrackingComparison != tracker.CompareLessOrEqual {
		return fmt.Errorf("%w: tracking comparison %v", ErrInvalidConfiguration, o.TrackingComparison)
	}
	if o.Backpressure != DropOldest && o.Backpressure != Reject {
		return fmt.Errorf("%w: backpressure policy %v", ErrInvalidConfiguration, o.Backpressure)
	}

	if o.SmoothSegmentation {
		if !o.OutputSegmentationMasks {
			return fmt.Errorf("%w: segmentation smoothing requires segmentation masks", ErrInvalidConfiguration)
		}
		if o.SegmentationSmoothingRatio == 0 {
			o.SegmentationSmoothingRatio = DefaultSmoothingRatio
		}
	}
	if r := o.SegmentationSmoothingRatio; math.IsNaN(r) || r < 0 || r >= 1 {
		return fmt.Errorf("%w: segmentation smoothing ratio must be in [0,1), got %v", ErrInvalidConfiguration, r)
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
