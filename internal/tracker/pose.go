package tracker

import (
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

// NumLandmarks is the body landmark count of the full-body model.
const NumLandmarks = 33

// Body landmark indices. Order is fixed by the model and never changes.
const (
	Nose          = 0
	LeftShoulder  = 11
	RightShoulder = 12
	LeftHip       = 23
	RightHip      = 24
)

// Landmark is one keypoint.
//
// For image landmarks X/Y are normalized to the image and Z shares the scale
// of X (smaller is closer to the camera, hips at the origin). For world
// landmarks X/Y/Z are meters with the origin between the hips.
// Visibility and Presence are probabilities in [0,1].
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
	Presence   float64 `json:"presence"`
}

// Pose is one regressed pose.
type Pose struct {
	// Landmarks in normalized image coordinates, length NumLandmarks.
	Landmarks []Landmark
	// WorldLandmarks in meters, length NumLandmarks.
	WorldLandmarks []Landmark
	// Alignment holds the two auxiliary points (hip center, scale point) the
	// model predicts for the next frame's ROI, in image coordinates.
	// Nil when unavailable.
	Alignment []geom.Point
	// Score is the pose presence probability (the tracking score).
	Score float64
	// ROI the pose was regressed from.
	ROI geom.RegionOfInterest
	// Segmentation is the full-frame confidence mask, nil unless requested.
	// Owned by whoever holds the Pose; release with Release.
	Segmentation *frame.Mask
}

// Release frees the segmentation mask, if any.
func (p *Pose) Release() error {
	if p == nil || p.Segmentation == nil {
		return nil
	}
	err := p.Segmentation.Release()
	p.Segmentation = nil
	return err
}
