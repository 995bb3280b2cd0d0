package geom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-9

// TestRectFromAlignmentUpright verifies that a scale point straight above the
// center yields zero rotation and a square, enlarged box.
func TestRectFromAlignmentUpright(t *testing.T) {
	center := Point{X: 0.5, Y: 0.6}
	scale := Point{X: 0.5, Y: 0.4} // 0.2·480 = 96px above

	roi := RectFromAlignment(center, scale, 640, 480, PoseAlignment)

	assert.InDelta(t, 0, roi.Rotation, eps)
	assert.InDelta(t, 0.5, roi.XCenter, eps)
	assert.InDelta(t, 0.6, roi.YCenter, eps)
	// side = 2·96 = 192px, ×1.25 = 240px
	assert.InDelta(t, 240.0/640, roi.Width, eps)
	assert.InDelta(t, 240.0/480, roi.Height, eps)
	assert.InDelta(t, roi.Width*640, roi.Height*480, eps, "ROI must be square in pixels")
}

func TestRectFromAlignmentRotation(t *testing.T) {
	tests := []struct {
		name  string
		scale Point
		want  float64
	}{
		{"head right", Point{X: 0.7, Y: 0.5}, math.Pi / 2},
		{"head left", Point{X: 0.3, Y: 0.5}, -math.Pi / 2},
		{"head down", Point{X: 0.5, Y: 0.7}, -math.Pi},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roi := RectFromAlignment(Point{X: 0.5, Y: 0.5}, tt.scale, 100, 100, PoseAlignment)
			assert.InDelta(t, math.Abs(tt.want), math.Abs(roi.Rotation), 1e-9)
		})
	}
}

// TestClampInvariant verifies center ∈ [0,1]² and positive size whatever
// the input.
func TestClampInvariant(t *testing.T) {
	inputs := []RegionOfInterest{
		{XCenter: -0.5, YCenter: 1.7, Width: 0, Height: -1},
		{XCenter: math.NaN(), YCenter: 0.5, Width: math.NaN(), Height: 0.2, Rotation: 7},
		{XCenter: 0.2, YCenter: 0.3, Width: 3, Height: 3},
	}
	for _, in := range inputs {
		out := in.Clamp()
		assert.True(t, out.Valid(), "clamped %v must be valid", out)
		assert.LessOrEqual(t, math.Abs(out.Rotation), math.Pi)
	}
}

// TestClampKeepsExtent verifies Clamp bounds the center only: a ROI near
// the border keeps its size and reaches past the frame.
func TestClampKeepsExtent(t *testing.T) {
	in := RegionOfInterest{XCenter: 1.2, YCenter: 0.9, Width: 0.6, Height: 0.5}
	out := in.Clamp()

	assert.Equal(t, 1.0, out.XCenter)
	assert.Equal(t, 0.9, out.YCenter)
	assert.Equal(t, 0.6, out.Width)
	assert.Equal(t, 0.5, out.Height)
	assert.Greater(t, out.Bounds().XMax, 1.0)
	assert.True(t, out.Valid())
}

func TestNormalizeRadians(t *testing.T) {
	assert.InDelta(t, 0, NormalizeRadians(2*math.Pi), eps)
	assert.InDelta(t, -math.Pi/2, NormalizeRadians(3*math.Pi/2), eps)
	assert.InDelta(t, math.Pi/4, NormalizeRadians(math.Pi/4-4*math.Pi), eps)
}

// TestROIToImageRoundTrip verifies crop→image→crop is the identity.
func TestROIToImageRoundTrip(t *testing.T) {
	roi := RegionOfInterest{XCenter: 0.4, YCenter: 0.55, Width: 0.3, Height: 0.4, Rotation: 0.6}
	fwd := ROIToImage(roi, 640, 480, 256, 256)
	inv, err := fwd.Inverse()
	require.NoError(t, err)

	for _, p := range []Point{{0, 0}, {128, 128}, {255.5, 3}, {17, 200}} {
		q := inv.Apply(fwd.Apply(p))
		assert.InDelta(t, p.X, q.X, 1e-6)
		assert.InDelta(t, p.Y, q.Y, 1e-6)
	}

	center := fwd.Apply(Point{X: 128, Y: 128})
	assert.InDelta(t, 0.4*640, center.X, 1e-9)
	assert.InDelta(t, 0.55*480, center.Y, 1e-9)
}

func TestProjectToImageRotated(t *testing.T) {
	// 90° clockwise: crop "up" points to image right.
	roi := RegionOfInterest{XCenter: 0.5, YCenter: 0.5, Width: 0.5, Height: 0.5, Rotation: math.Pi / 2}
	top := ProjectToImage(roi, 100, 100, Point{X: 0.5, Y: 0})
	assert.InDelta(t, 0.75, top.X, 1e-9)
	assert.InDelta(t, 0.5, top.Y, 1e-9)
}

func TestLetterboxROI(t *testing.T) {
	roi := LetterboxROI(640, 320)
	assert.InDelta(t, 1, roi.Width, eps)
	assert.InDelta(t, 2, roi.Height, eps)

	// Tensor row 0 lies above the image; the image top edge maps to 1/4 of the tensor.
	p := ProjectToImage(roi, 640, 320, Point{X: 0.5, Y: 0.25})
	assert.InDelta(t, 0, p.Y, eps)
}

func TestSingularInverse(t *testing.T) {
	_, err := NewTransform(1, 2, 0, 2, 4, 0).Inverse()
	assert.ErrorIs(t, err, ErrSingularTransform)
}

func TestIoU(t *testing.T) {
	a := Rect{XMin: 0, YMin: 0, XMax: 1, YMax: 1}
	b := Rect{XMin: 0.5, YMin: 0, XMax: 1.5, YMax: 1}
	assert.InDelta(t, 1.0/3, a.IoU(b), eps)
	assert.InDelta(t, 1, a.IoU(a), eps)
	assert.Zero(t, a.IoU(Rect{XMin: 2, YMin: 2, XMax: 3, YMax: 3}))

	r := RegionOfInterest{XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1}
	assert.InDelta(t, 1, IoU(r, r), eps)
}
