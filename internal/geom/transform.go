package geom

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/image/math/f64"
	"gonum.org/v1/gonum/mat"
)

// ErrSingularTransform is returned when an affine transform has no inverse.
var ErrSingularTransform = errors.New("geom: singular transform")

// Transform is a 2D affine transform stored as a 3×3 homogeneous matrix.
//
// The zero value is not usable; build with NewTransform or ROIToImage.
type Transform struct {
	m *mat.Dense
}

// NewTransform returns the affine map
//
//	x' = a·x + b·y + c
//	y' = d·x + e·y + f
func NewTransform(a, b, c, d, e, f float64) Transform {
	return Transform{m: mat.NewDense(3, 3, []float64{
		a, b, c,
		d, e, f,
		0, 0, 1,
	})}
}

// Identity returns the identity transform.
func Identity() Transform { return NewTransform(1, 0, 0, 0, 1, 0) }

// Apply maps p through t.
func (t Transform) Apply(p Point) Point {
	m := t.m
	return Point{
		X: m.At(0, 0)*p.X + m.At(0, 1)*p.Y + m.At(0, 2),
		Y: m.At(1, 0)*p.X + m.At(1, 1)*p.Y + m.At(1, 2),
	}
}

// Then returns the transform applying t first and u second.
func (t Transform) Then(u Transform) Transform {
	var out mat.Dense
	out.Mul(u.m, t.m)
	return Transform{m: &out}
}

// Inverse returns t⁻¹.
func (t Transform) Inverse() (Transform, error) {
	if math.Abs(mat.Det(t.m)) < 1e-12 {
		return Transform{}, ErrSingularTransform
	}
	var inv mat.Dense
	if err := inv.Inverse(t.m); err != nil {
		return Transform{}, fmt.Errorf("%w: %v", ErrSingularTransform, err)
	}
	return Transform{m: &inv}, nil
}

// Aff3 returns the matrix in the layout used by golang.org/x/image/draw.
func (t Transform) Aff3() f64.Aff3 {
	m := t.m
	return f64.Aff3{
		m.At(0, 0), m.At(0, 1), m.At(0, 2),
		m.At(1, 0), m.At(1, 1), m.At(1, 2),
	}
}

// ROIToImage maps pixel coordinates of an outWidth×outHeight model input
// (the warped crop) to pixel coordinates of the source image.
//
// The crop center lands on the ROI center; crop axes are rotated by
// roi.Rotation and scaled so the crop spans roi.Width×roi.Height of the image.
// Pixel coordinates are continuous: (0,0) is the top-left corner of the
// first pixel.
func ROIToImage(roi RegionOfInterest, imageWidth, imageHeight, outWidth, outHeight int) Transform {
	w, h := float64(imageWidth), float64(imageHeight)
	ow, oh := float64(outWidth), float64(outHeight)

	sx := roi.Width * w / ow
	sy := roi.Height * h / oh
	cos, sin := math.Cos(roi.Rotation), math.Sin(roi.Rotation)
	cx, cy := roi.XCenter*w, roi.YCenter*h

	return NewTransform(
		cos*sx, -sin*sy, cx-cos*sx*ow/2+sin*sy*oh/2,
		sin*sx, cos*sy, cy-sin*sx*ow/2-cos*sy*oh/2,
	)
}

// ProjectToImage maps a point normalized to the ROI crop ([0,1]², crop
// orientation) into normalized image coordinates.
func ProjectToImage(roi RegionOfInterest, imageWidth, imageHeight int, p Point) Point {
	q := ROIToImage(roi, imageWidth, imageHeight, 1, 1).Apply(p)
	return Point{X: q.X / float64(imageWidth), Y: q.Y / float64(imageHeight)}
}

// LetterboxROI returns the unrotated square ROI centered on the image that
// fits the whole frame. Warping through it reproduces aspect-preserving
// letterboxing, and projecting through it removes the letterbox.
func LetterboxROI(imageWidth, imageHeight int) RegionOfInterest {
	long := math.Max(float64(imageWidth), float64(imageHeight))
	return RegionOfInterest{
		XCenter: 0.5,
		YCenter: 0.5,
		Width:   long / float64(imageWidth),
		Height:  long / float64(imageHeight),
	}
}
