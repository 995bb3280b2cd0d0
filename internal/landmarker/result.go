package landmarker

import (
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/tracker"
)

// Landmark is one keypoint of a pose.
type Landmark = tracker.Landmark

// Result is the per-frame output. An empty Landmarks slice means no pose.
//
// Landmarks[i], WorldLandmarks[i] and (when enabled) SegmentationMasks[i]
// describe the same pose.
type Result struct {
	Landmarks         [][]Landmark
	WorldLandmarks    [][]Landmark
	SegmentationMasks []*frame.Mask
	TimestampMs       int64
}

// Empty reports whether no pose was found.
func (r *Result) Empty() bool {
	return r == nil || len(r.Landmarks) == 0
}

// Close releases the segmentation masks. Idempotent.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, m := range r.SegmentationMasks {
		if m != nil {
			errs = append(errs, m.Release())
		}
	}
	return errors.Join(errs...)
}

// addPose appends a copy of one pose, taking ownership of mask (may be nil).
func (r *Result) addPose(p *tracker.Pose, mask *frame.Mask) {
	r.Landmarks = append(r.Landmarks, append([]Landmark(nil), p.Landmarks...))
	r.WorldLandmarks = append(r.WorldLandmarks, append([]Landmark(nil), p.WorldLandmarks...))
	if mask != nil {
		r.SegmentationMasks = append(r.SegmentationMasks, mask)
	}
}

// dispatcher routes a processed frame to the caller.
type dispatcher interface {
	dispatch(res *Result, timestampMs int64, err error) (*Result, error)
}

// returnDispatcher hands the result back to the synchronous caller, who owns it.
type returnDispatcher struct{}

func (returnDispatcher) dispatch(res *Result, _ int64, err error) (*Result, error) {
	return res, err
}

// callbackDispatcher invokes the callback and releases the result afterwards.
// Called only from the worker goroutine, so invocations follow submission
// order.
type callbackDispatcher struct {
	callback ResultCallback
}

func (d callbackDispatcher) dispatch(res *Result, timestampMs int64, err error) (*Result, error) {
	defer res.Close()
	d.callback(res, timestampMs, err)
	return nil, nil
}
