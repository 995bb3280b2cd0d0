package detector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

type fakeBackend struct {
	outputs []backend.Tensor
	inputs  [][]backend.Tensor
}

func (f *fakeBackend) Invoke(_ context.Context, inputs []backend.Tensor) ([]backend.Tensor, error) {
	f.inputs = append(f.inputs, inputs)
	return f.outputs, nil
}

func (f *fakeBackend) Close() error { return nil }

// candidate places one detection, in tensor-normalized coordinates, on anchor idx.
type candidate struct {
	idx       int
	logit     float32
	box       geom.Rect
	keypoints [NumKeypoints]geom.Point
}

func detectorOutputs(cands ...candidate) []backend.Tensor {
	anchors := generateAnchors(poseAnchorOptions)
	raw := make([]float32, NumAnchors*numCoords)
	scores := make([]float32, NumAnchors)
	for i := range scores {
		scores[i] = -20
	}
	for _, c := range cands {
		a := anchors[c.idx]
		r := raw[c.idx*numCoords:]
		center := c.box.Center()
		r[0] = float32((center.X - a.xCenter) * InputSize)
		r[1] = float32((center.Y - a.yCenter) * InputSize)
		r[2] = float32(c.box.Width() * InputSize)
		r[3] = float32(c.box.Height() * InputSize)
		for k, p := range c.keypoints {
			r[4+2*k] = float32((p.X - a.xCenter) * InputSize)
			r[4+2*k+1] = float32((p.Y - a.yCenter) * InputSize)
		}
		scores[c.idx] = c.logit
	}
	return []backend.Tensor{
		{Name: RegressorsTensor, Shape: []int{1, NumAnchors, numCoords}, Data: raw},
		{Name: ScoresTensor, Shape: []int{1, NumAnchors, 1}, Data: scores},
	}
}

func grayImage(t *testing.T, w, h int) *frame.Image {
	t.Helper()
	pix := make([]uint8, w*h*4)
	for i := range pix {
		pix[i] = 128
		if i%4 == 3 {
			pix[i] = 255
		}
	}
	img, err := frame.NewImageFromRGBA8(pix, w, h)
	require.NoError(t, err)
	t.Cleanup(func() { img.Release() })
	return img
}

func TestGenerateAnchors(t *testing.T) {
	anchors := generateAnchors(poseAnchorOptions)
	require.Len(t, anchors, NumAnchors)

	assert.InDelta(t, 0.5/28, anchors[0].xCenter, 1e-12)
	assert.Equal(t, anchors[0], anchors[1], "two priors per cell on stride-8 layer")
	// First stride-32 prior follows 28²·2 + 14²·2 stride-8/16 priors.
	first32 := 28*28*2 + 14*14*2
	assert.InDelta(t, 0.5/7, anchors[first32].xCenter, 1e-12)
	assert.Equal(t, anchors[first32], anchors[first32+5], "six priors per cell on merged stride-32 layers")
}

// TestDetectSquareFrame verifies decoding, thresholding and ROI derivation.
func TestDetectSquareFrame(t *testing.T) {
	fb := &fakeBackend{outputs: detectorOutputs(candidate{
		idx:   500,
		logit: 5,
		box:   geom.Rect{XMin: 0.3, YMin: 0.2, XMax: 0.7, YMax: 0.9},
		keypoints: [NumKeypoints]geom.Point{
			{X: 0.5, Y: 0.6}, {X: 0.5, Y: 0.3}, {X: 0.5, Y: 0.2}, {X: 0.5, Y: 0.1},
		},
	})}
	s, err := New(fb, Options{MinDetectionConfidence: 0.5})
	require.NoError(t, err)

	img := grayImage(t, InputSize, InputSize)
	roi, err := s.Detect(context.Background(), img)
	require.NoError(t, err)
	require.NotNil(t, roi)

	want := geom.RectFromAlignment(geom.Point{X: 0.5, Y: 0.6}, geom.Point{X: 0.5, Y: 0.3}, InputSize, InputSize, geom.PoseAlignment)
	assert.InDelta(t, want.XCenter, roi.XCenter, 1e-5)
	assert.InDelta(t, want.YCenter, roi.YCenter, 1e-5)
	assert.InDelta(t, want.Width, roi.Width, 1e-5)
	assert.InDelta(t, 0, roi.Rotation, 1e-5)

	require.Len(t, fb.inputs, 1, "one backend call per Detect")
	in := fb.inputs[0][0]
	assert.Equal(t, []int{1, InputSize, InputSize, 3}, in.Shape)
	assert.InDelta(t, -1+2*128.0/255, in.Data[0], 1e-5, "values mapped to [-1,1]")
}

func TestDetectBelowThreshold(t *testing.T) {
	fb := &fakeBackend{outputs: detectorOutputs(candidate{
		idx:   10,
		logit: -1, // sigmoid ≈ 0.27
		box:   geom.Rect{XMin: 0.1, YMin: 0.1, XMax: 0.2, YMax: 0.2},
	})}
	s, err := New(fb, Options{MinDetectionConfidence: 0.5})
	require.NoError(t, err)

	roi, err := s.Detect(context.Background(), grayImage(t, 64, 64))
	require.NoError(t, err)
	assert.Nil(t, roi)
}

// TestDetectAllWeightedNMS verifies overlapping candidates merge and disjoint
// ones survive, ordered by score.
func TestDetectAllWeightedNMS(t *testing.T) {
	kp := [NumKeypoints]geom.Point{{X: 0.3, Y: 0.5}, {X: 0.3, Y: 0.3}}
	fb := &fakeBackend{outputs: detectorOutputs(
		candidate{idx: 100, logit: 3, box: geom.Rect{XMin: 0.2, YMin: 0.2, XMax: 0.4, YMax: 0.8}, keypoints: kp},
		candidate{idx: 101, logit: 2, box: geom.Rect{XMin: 0.21, YMin: 0.2, XMax: 0.41, YMax: 0.8}, keypoints: kp},
		candidate{idx: 900, logit: 4, box: geom.Rect{XMin: 0.6, YMin: 0.2, XMax: 0.8, YMax: 0.8},
			keypoints: [NumKeypoints]geom.Point{{X: 0.7, Y: 0.5}, {X: 0.7, Y: 0.3}}},
	)}
	s, err := New(fb, Options{MinDetectionConfidence: 0.5})
	require.NoError(t, err)

	dets, err := s.DetectAll(context.Background(), grayImage(t, InputSize, InputSize), 0)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	assert.InDelta(t, 0.7, dets[0].Keypoints[0].X, 1e-5)
	assert.Greater(t, dets[0].Score, dets[1].Score)
	// merged box lies between the two overlapping inputs
	assert.Greater(t, dets[1].Box.XMin, 0.2)
	assert.Less(t, dets[1].Box.XMin, 0.21)

	limited, err := s.DetectAll(context.Background(), grayImage(t, InputSize, InputSize), 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

// TestDetectRemovesLetterbox verifies tensor coordinates are projected back
// to image coordinates on a non-square frame.
func TestDetectRemovesLetterbox(t *testing.T) {
	// 448×224: the image occupies tensor rows 0.25..0.75.
	fb := &fakeBackend{outputs: detectorOutputs(candidate{
		idx:       700,
		logit:     5,
		box:       geom.Rect{XMin: 0.4, YMin: 0.25, XMax: 0.6, YMax: 0.75},
		keypoints: [NumKeypoints]geom.Point{{X: 0.5, Y: 0.5}, {X: 0.5, Y: 0.375}},
	})}
	s, err := New(fb, Options{MinDetectionConfidence: 0.5})
	require.NoError(t, err)

	dets, err := s.DetectAll(context.Background(), grayImage(t, 448, 224), 0)
	require.NoError(t, err)
	require.Len(t, dets, 1)

	assert.InDelta(t, 0, dets[0].Box.YMin, 1e-5)
	assert.InDelta(t, 1, dets[0].Box.YMax, 1e-5)
	assert.InDelta(t, 0.25, dets[0].Keypoints[1].Y, 1e-5)
	assert.True(t, dets[0].ROI.Valid())
}

func TestDetectMissingOutput(t *testing.T) {
	s, err := New(&fakeBackend{}, Options{MinDetectionConfidence: 0.5})
	require.NoError(t, err)

	_, err = s.Detect(context.Background(), grayImage(t, 8, 8))
	assert.ErrorIs(t, err, backend.ErrMissingOutput)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{})
	assert.Error(t, err)
	_, err = New(&fakeBackend{}, Options{MinDetectionConfidence: 1.5})
	assert.Error(t, err)
}
