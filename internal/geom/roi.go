// Package geom holds the normalized geometry shared by the detector and the
// tracker: regions of interest, the alignment-point ROI heuristic and the
// affine transforms between model-input space and image space.
//
// Coordinates are normalized to the image: (0,0) is the top-left corner and
// (1,1) the bottom-right corner. Rotation is in radians, clockwise in image
// space (y grows downwards), normalized to [-π, π].
package geom

import (
	"fmt"
	"math"
)

// Point is a 2D point in normalized image coordinates.
type Point struct {
	X float64
	Y float64
}

// RegionOfInterest is a rotated rectangle in normalized image coordinates.
//
// Invariants (after Clamp), on the center and size only:
//   - XCenter, YCenter in [0,1]
//   - Width, Height > 0
//
// The extent is not clamped to [0,1]×[0,1] and may reach past the frame
// borders; the warp pads those pixels.
type RegionOfInterest struct {
	XCenter  float64
	YCenter  float64
	Width    float64
	Height   float64
	Rotation float64
}

// MinSize is the smallest normalized ROI side kept by Clamp.
const MinSize = 1e-3

// String implements fmt.Stringer for log output.
func (r RegionOfInterest) String() string {
	return fmt.Sprintf("roi(c=%.3f,%.3f s=%.3fx%.3f r=%.1f°)",
		r.XCenter, r.YCenter, r.Width, r.Height, r.Rotation*180/math.Pi)
}

// Clamp returns r with its center inside the unit square and positive size.
// NaN components collapse to the frame center / MinSize.
func (r RegionOfInterest) Clamp() RegionOfInterest {
	r.XCenter = clamp01(r.XCenter)
	r.YCenter = clamp01(r.YCenter)
	if !(r.Width >= MinSize) {
		r.Width = MinSize
	}
	if !(r.Height >= MinSize) {
		r.Height = MinSize
	}
	if math.IsNaN(r.Rotation) {
		r.Rotation = 0
	}
	r.Rotation = NormalizeRadians(r.Rotation)
	return r
}

// Valid reports whether r satisfies the Clamp invariants.
func (r RegionOfInterest) Valid() bool {
	return r.XCenter >= 0 && r.XCenter <= 1 &&
		r.YCenter >= 0 && r.YCenter <= 1 &&
		r.Width > 0 && r.Height > 0
}

// Bounds returns the axis-aligned box of r ignoring rotation.
func (r RegionOfInterest) Bounds() Rect {
	return Rect{
		XMin: r.XCenter - r.Width/2,
		YMin: r.YCenter - r.Height/2,
		XMax: r.XCenter + r.Width/2,
		YMax: r.YCenter + r.Height/2,
	}
}

// Corners returns the four rotated corners in normalized image coordinates,
// clockwise from top-left of the ROI frame.
func (r RegionOfInterest) Corners(imageWidth, imageHeight int) [4]Point {
	t := ROIToImage(r, imageWidth, imageHeight, 1, 1)
	local := [4]Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	var out [4]Point
	for i, p := range local {
		q := t.Apply(p)
		out[i] = Point{X: q.X / float64(imageWidth), Y: q.Y / float64(imageHeight)}
	}
	return out
}

// AlignmentOptions parameterize RectFromAlignment.
type AlignmentOptions struct {
	// TargetAngle is the rotation (radians) at which the subject is upright.
	TargetAngle float64
	// Scale enlarges the box on both axes after squaring.
	Scale float64
	// SquareLong squares the ROI on its longer side in pixel space.
	SquareLong bool
}

// PoseAlignment is the heuristic used for full-body pose: the scale point
// sits above the head, 90° from the hip center, and the box is enlarged
// by 25% around the square long side.
var PoseAlignment = AlignmentOptions{
	TargetAngle: math.Pi / 2,
	Scale:       1.25,
	SquareLong:  true,
}

// RectFromAlignment builds a ROI from two alignment points: center (hip
// midpoint) and scale (a point whose distance from center encodes size and
// whose direction encodes rotation).
//
// Algorithm:
//  1. Work in pixels so the aspect ratio does not skew distance or angle.
//  2. Box side = 2·|scale−center|.
//  3. Rotation = TargetAngle − atan2(−dy, dx), normalized to [−π, π].
//  4. Square on the long side (pixel space), enlarge by Scale.
//  5. Clamp.
//
// Detector-seeded and tracker-seeded ROIs both go through here, so the two
// paths are geometrically consistent.
func RectFromAlignment(center, scale Point, imageWidth, imageHeight int, opts AlignmentOptions) RegionOfInterest {
	w, h := float64(imageWidth), float64(imageHeight)

	cx, cy := center.X*w, center.Y*h
	sx, sy := scale.X*w, scale.Y*h
	dx, dy := sx-cx, sy-cy
	side := 2 * math.Hypot(dx, dy)

	roi := RegionOfInterest{
		XCenter:  center.X,
		YCenter:  center.Y,
		Width:    side / w,
		Height:   side / h,
		Rotation: NormalizeRadians(opts.TargetAngle - math.Atan2(-dy, dx)),
	}
	return Transformed(roi, imageWidth, imageHeight, opts.Scale, opts.SquareLong)
}

// Transformed enlarges roi by scale, optionally squaring it on the long side
// in pixel space first. The result is clamped.
func Transformed(roi RegionOfInterest, imageWidth, imageHeight int, scale float64, squareLong bool) RegionOfInterest {
	w, h := float64(imageWidth), float64(imageHeight)
	if squareLong {
		long := math.Max(roi.Width*w, roi.Height*h)
		roi.Width = long / w
		roi.Height = long / h
	}
	if scale > 0 {
		roi.Width *= scale
		roi.Height *= scale
	}
	return roi.Clamp()
}

// NormalizeRadians wraps angle into [-π, π].
func NormalizeRadians(angle float64) float64 {
	return angle - 2*math.Pi*math.Floor((angle+math.Pi)/(2*math.Pi))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0.5
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
