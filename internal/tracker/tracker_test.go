package tracker

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

type fakeBackend struct {
	outputs []backend.Tensor
	calls   int
}

func (f *fakeBackend) Invoke(_ context.Context, _ []backend.Tensor) ([]backend.Tensor, error) {
	f.calls++
	return f.outputs, nil
}

func (f *fakeBackend) Close() error { return nil }

// landmarkOutputs places every landmark at crop pixel (x, y) and the two
// alignment points at the given crop pixels.
func landmarkOutputs(x, y float32, center, scale [2]float32, presenceLogit, segLogit float32) []backend.Tensor {
	raw := make([]float32, numModelLandmarks*5)
	for i := 0; i < numModelLandmarks; i++ {
		raw[i*5], raw[i*5+1], raw[i*5+3], raw[i*5+4] = x, y, 4, 4
	}
	raw[alignmentCenter*5], raw[alignmentCenter*5+1] = center[0], center[1]
	raw[alignmentScale*5], raw[alignmentScale*5+1] = scale[0], scale[1]

	world := make([]float32, numModelLandmarks*3)
	world[0] = 1 // nose 1m along +x

	seg := make([]float32, InputSize*InputSize)
	for i := range seg {
		seg[i] = segLogit
	}

	return []backend.Tensor{
		{Name: LandmarksTensor, Data: raw},
		{Name: PresenceTensor, Data: []float32{presenceLogit}},
		{Name: WorldLandmarksTensor, Data: world},
		{Name: SegmentationTensor, Data: seg},
	}
}

func opaqueImage(t *testing.T, w, h int) *frame.Image {
	t.Helper()
	pix := make([]uint8, w*h*4)
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 255
	}
	img, err := frame.NewImageFromRGBA8(pix, w, h)
	require.NoError(t, err)
	t.Cleanup(func() { img.Release() })
	return img
}

// TestRegressProjectsToImage verifies crop pixels map back through the ROI.
func TestRegressProjectsToImage(t *testing.T) {
	fb := &fakeBackend{outputs: landmarkOutputs(128, 128, [2]float32{128, 128}, [2]float32{128, 0}, 2, 0)}
	s, err := New(fb, Options{})
	require.NoError(t, err)

	roi := geom.RegionOfInterest{XCenter: 0.5, YCenter: 0.5, Width: 0.5, Height: 0.5}
	pose, score, err := s.Regress(context.Background(), opaqueImage(t, 100, 100), roi)
	require.NoError(t, err)

	assert.InDelta(t, 1/(1+math.Exp(-2)), score, 1e-9)
	require.Len(t, pose.Landmarks, NumLandmarks)
	require.Len(t, pose.WorldLandmarks, NumLandmarks)
	assert.InDelta(t, 0.5, pose.Landmarks[Nose].X, 1e-9)
	assert.InDelta(t, 0.5, pose.Landmarks[Nose].Y, 1e-9)
	assert.InDelta(t, 1/(1+math.Exp(-4)), pose.Landmarks[Nose].Visibility, 1e-9)

	require.Len(t, pose.Alignment, 2)
	assert.InDelta(t, 0.25, pose.Alignment[1].Y, 1e-9, "crop row 0 is the ROI top edge")
	assert.Nil(t, pose.Segmentation)
	assert.Equal(t, roi, pose.ROI)
}

func TestRegressRotatesWorldLandmarks(t *testing.T) {
	fb := &fakeBackend{outputs: landmarkOutputs(128, 128, [2]float32{128, 128}, [2]float32{128, 0}, 2, 0)}
	s, err := New(fb, Options{})
	require.NoError(t, err)

	roi := geom.RegionOfInterest{XCenter: 0.5, YCenter: 0.5, Width: 0.5, Height: 0.5, Rotation: math.Pi / 2}
	pose, _, err := s.Regress(context.Background(), opaqueImage(t, 64, 64), roi)
	require.NoError(t, err)

	assert.InDelta(t, 0, pose.WorldLandmarks[Nose].X, 1e-9)
	assert.InDelta(t, 1, pose.WorldLandmarks[Nose].Y, 1e-9)
}

// TestRegressSegmentation verifies the mask covers the full frame, is ~1
// inside the ROI and 0 outside.
func TestRegressSegmentation(t *testing.T) {
	fb := &fakeBackend{outputs: landmarkOutputs(128, 128, [2]float32{128, 128}, [2]float32{128, 0}, 2, 20)}
	s, err := New(fb, Options{OutputSegmentation: true})
	require.NoError(t, err)

	roi := geom.RegionOfInterest{XCenter: 0.5, YCenter: 0.5, Width: 0.5, Height: 0.5}
	pose, _, err := s.Regress(context.Background(), opaqueImage(t, 80, 60), roi)
	require.NoError(t, err)
	require.NotNil(t, pose.Segmentation)
	defer pose.Release()

	m := pose.Segmentation
	assert.Equal(t, 80, m.Width())
	assert.Equal(t, 60, m.Height())
	assert.Equal(t, frame.Confidence, m.ValueKind())

	inside, err := m.At(40, 30)
	require.NoError(t, err)
	assert.InDelta(t, 1, inside, 1e-3)

	outside, err := m.At(2, 2)
	require.NoError(t, err)
	assert.Zero(t, outside)
}

func TestRegressMissingOutputs(t *testing.T) {
	s, err := New(&fakeBackend{}, Options{})
	require.NoError(t, err)

	_, _, err = s.Regress(context.Background(), opaqueImage(t, 8, 8), geom.RegionOfInterest{XCenter: 0.5, YCenter: 0.5, Width: 1, Height: 1})
	assert.ErrorIs(t, err, backend.ErrMissingOutput)
}

// TestRoiFromLandmarksUsesAlignment verifies the tracker ROI matches the
// detector heuristic for the same alignment points.
func TestRoiFromLandmarksUsesAlignment(t *testing.T) {
	s, err := New(&fakeBackend{}, Options{})
	require.NoError(t, err)

	prev := &Pose{Alignment: []geom.Point{{X: 0.5, Y: 0.6}, {X: 0.5, Y: 0.3}}}
	roi, err := s.RoiFromLandmarks(prev, 640, 480)
	require.NoError(t, err)

	want := geom.RectFromAlignment(geom.Point{X: 0.5, Y: 0.6}, geom.Point{X: 0.5, Y: 0.3}, 640, 480, geom.PoseAlignment)
	assert.Equal(t, want, roi)
}

func TestRoiFromLandmarksFallback(t *testing.T) {
	lms := make([]Landmark, NumLandmarks)
	for i := range lms {
		lms[i] = Landmark{X: 0.5, Y: 0.5, Visibility: 0.9}
	}
	lms[LeftHip] = Landmark{X: 0.45, Y: 0.6, Visibility: 0.9}
	lms[RightHip] = Landmark{X: 0.55, Y: 0.6, Visibility: 0.9}
	lms[LeftShoulder] = Landmark{X: 0.45, Y: 0.4, Visibility: 0.9}
	lms[RightShoulder] = Landmark{X: 0.55, Y: 0.4, Visibility: 0.9}
	lms[Nose] = Landmark{X: 0.5, Y: 0.3, Visibility: 0.9}

	roi, err := roiFromLandmarks(&Pose{Landmarks: lms}, 100, 100)
	require.NoError(t, err)

	assert.InDelta(t, 0, roi.Rotation, 1e-9, "upright torso")
	assert.InDelta(t, 0.5, roi.XCenter, 1e-9)
	assert.InDelta(t, 0.6, roi.YCenter, 1e-9)
	// farthest visible landmark is the nose, 0.3 from the hip center
	assert.InDelta(t, 2*0.3*1.25, roi.Width, 1e-9)

	_, err = roiFromLandmarks(&Pose{Landmarks: lms[:5]}, 100, 100)
	assert.Error(t, err)
	_, err = roiFromLandmarks(nil, 100, 100)
	assert.Error(t, err)
}

func TestPolicy(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		scores    []float64
		wantReset []bool
	}{
		{
			name:      "strict less, no tolerance",
			policy:    Policy{Threshold: 0.5},
			scores:    []float64{0.9, 0.5, 0.4},
			wantReset: []bool{false, false, true},
		},
		{
			name:      "less or equal",
			policy:    Policy{Threshold: 0.5, Comparison: CompareLessOrEqual},
			scores:    []float64{0.5},
			wantReset: []bool{true},
		},
		{
			name:      "tolerance two",
			policy:    Policy{Threshold: 0.5, Tolerance: 2},
			scores:    []float64{0.1, 0.1, 0.9, 0.1, 0.1, 0.1},
			wantReset: []bool{false, false, false, false, false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failures := 0
			for i, score := range tt.scores {
				var reset bool
				failures, reset = tt.policy.Next(failures, score)
				assert.Equal(t, tt.wantReset[i], reset, "frame %d", i)
			}
		})
	}
}

func TestParseComparison(t *testing.T) {
	c, err := ParseComparison("<=")
	require.NoError(t, err)
	assert.Equal(t, CompareLessOrEqual, c)
	c, err = ParseComparison("")
	require.NoError(t, err)
	assert.Equal(t, CompareLess, c)
	_, err = ParseComparison(">")
	assert.Error(t, err)
}
