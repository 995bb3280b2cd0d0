package landmarker

import (
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/tracker"
)

// track is one tracked pose.
type track struct {
	// pose is the last accepted pose; its Segmentation is always nil.
	pose *tracker.Pose
	// failures counts consecutive frames whose score failed the threshold.
	failures int
	// prevMask is the smoothing history, owned by the state. Nil unless
	// smoothing is enabled.
	prevMask *frame.Mask
}

// trackingState is the cross-frame state. It is a value: step receives the
// current state and returns the next one, and the pipeline replaces its copy
// only after a successful step.
type trackingState struct {
	tracks []track
}

func (s trackingState) empty() bool { return len(s.tracks) == 0 }

// release frees every smoothing mask held by s. States never share masks:
// step clones the history it carries forward.
func (s trackingState) release() error {
	var errs []error
	for _, t := range s.tracks {
		if t.prevMask != nil {
			errs = append(errs, t.prevMask.Release())
		}
	}
	return errors.Join(errs...)
}

// TrackSnapshot is a read-only copy of one tracked pose.
type TrackSnapshot struct {
	ROI       geom.RegionOfInterest
	Failures  int
	Landmarks []Landmark
}

// TrackingSnapshot is a read-only copy of the tracking state.
type TrackingSnapshot struct {
	Tracks []TrackSnapshot
}

func (s trackingState) snapshot() TrackingSnapshot {
	var out TrackingSnapshot
	for _, t := range s.tracks {
		out.Tracks = append(out.Tracks, TrackSnapshot{
			ROI:       t.pose.ROI,
			Failures:  t.failures,
			Landmarks: append([]Landmark(nil), t.pose.Landmarks...),
		})
	}
	return out
}
