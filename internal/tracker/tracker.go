// Package tracker implements the landmark stage: ROI derivation from a
// previous pose and landmark regression on a ROI.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

const (
	// InputSize is the square side of the landmark model input.
	InputSize = 256

	// numModelLandmarks = 33 body + 2 alignment + 4 extra the model emits.
	numModelLandmarks = 39
	alignmentCenter   = 33
	alignmentScale    = 34

	InputTensor          = "input"
	LandmarksTensor      = "landmarks"
	PresenceTensor       = "presence"
	SegmentationTensor   = "segmentation"
	WorldLandmarksTensor = "world_landmarks"

	// fallbackVisibility gates which landmarks size the fallback ROI.
	fallbackVisibility = 0.5
)

// Options configure the stage.
type Options struct {
	OutputSegmentation bool
	Logger             *slog.Logger
}

// Stage is the TrackerStage. Not safe for concurrent use.
type Stage struct {
	backend backend.InferenceBackend
	opts    Options
	logger  *slog.Logger
}

// New builds a tracker stage over b.
func New(b backend.InferenceBackend, opts Options) (*Stage, error) {
	if b == nil {
		return nil, errors.New("tracker: backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{backend: b, opts: opts, logger: logger.With("component", "tracker")}, nil
}

// RoiFromLandmarks derives the next frame's ROI from a previous pose.
func (s *Stage) RoiFromLandmarks(p *Pose, imageWidth, imageHeight int) (geom.RegionOfInterest, error) {
	return roiFromLandmarks(p, imageWidth, imageHeight)
}

// roiFromLandmarks implements RoiFromLandmarks.
//
// With alignment points the same heuristic as the detector is used
// (geom.RectFromAlignment), so detector- and tracker-seeded ROIs agree.
// Otherwise the hip midpoint is the center, the torso axis gives rotation and
// the farthest visible landmark gives size.
func roiFromLandmarks(p *Pose, imageWidth, imageHeight int) (geom.RegionOfInterest, error) {
	if p == nil {
		return geom.RegionOfInterest{}, errors.New("tracker: no previous pose")
	}
	if len(p.Alignment) == 2 {
		return geom.RectFromAlignment(p.Alignment[0], p.Alignment[1], imageWidth, imageHeight, geom.PoseAlignment), nil
	}
	if len(p.Landmarks) != NumLandmarks {
		return geom.RegionOfInterest{}, fmt.Errorf("tracker: pose has %d landmarks, want %d", len(p.Landmarks), NumLandmarks)
	}

	w, h := float64(imageWidth), float64(imageHeight)
	px := func(l Landmark) (float64, float64) { return l.X * w, l.Y * h }

	lhx, lhy := px(p.Landmarks[LeftHip])
	rhx, rhy := px(p.Landmarks[RightHip])
	lsx, lsy := px(p.Landmarks[LeftShoulder])
	rsx, rsy := px(p.Landmarks[RightShoulder])
	cx, cy := (lhx+rhx)/2, (lhy+rhy)/2
	ux, uy := (lsx+rsx)/2-cx, (lsy+rsy)/2-cy
	norm := math.Hypot(ux, uy)
	if norm == 0 {
		ux, uy, norm = 0, -1, 1
	}
	ux, uy = ux/norm, uy/norm

	var radius float64
	for _, l := range p.Landmarks {
		if l.Visibility < fallbackVisibility {
			continue
		}
		x, y := px(l)
		radius = math.Max(radius, math.Hypot(x-cx, y-cy))
	}
	if radius == 0 {
		radius = norm
	}

	center := geom.Point{X: cx / w, Y: cy / h}
	scale := geom.Point{X: (cx + ux*radius) / w, Y: (cy + uy*radius) / h}
	return geom.RectFromAlignment(center, scale, imageWidth, imageHeight, geom.PoseAlignment), nil
}

// Regress runs the landmark model on roi and projects its outputs back to
// image space. The returned score is the pose presence probability.
func (s *Stage) Regress(ctx context.Context, img *frame.Image, roi geom.RegionOfInterest) (*Pose, float64, error) {
	input, cropToImage, err := backend.ImageToTensor(img, roi, InputSize, InputSize, backend.RangeUnit, InputTensor)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: %w", err)
	}

	outputs, err := s.backend.Invoke(ctx, []backend.Tensor{input})
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: invoke: %w", err)
	}

	raw, err := backend.Output(outputs, LandmarksTensor, numModelLandmarks*5)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: %w", err)
	}
	presence, err := backend.Output(outputs, PresenceTensor, 1)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: %w", err)
	}
	world, err := backend.Output(outputs, WorldLandmarksTensor, numModelLandmarks*3)
	if err != nil {
		return nil, 0, fmt.Errorf("tracker: %w", err)
	}

	pose := &Pose{
		Score: sigmoid(float64(presence.Data[0])),
		ROI:   roi,
	}
	pose.Landmarks, pose.Alignment = projectLandmarks(raw.Data, roi, cropToImage, img.Width(), img.Height())
	pose.WorldLandmarks = rotateWorld(world.Data, raw.Data, roi.Rotation)

	if s.opts.OutputSegmentation {
		seg, err := backend.Output(outputs, SegmentationTensor, InputSize*InputSize)
		if err != nil {
			return nil, 0, fmt.Errorf("tracker: %w", err)
		}
		mask, err := projectSegmentation(seg.Data, cropToImage, img.Width(), img.Height())
		if err != nil {
			return nil, 0, fmt.Errorf("tracker: %w", err)
		}
		pose.Segmentation = mask
	}

	s.logger.Debug("landmarks regressed",
		"roi", roi.String(),
		"score", pose.Score,
	)
	return pose, pose.Score, nil
}

// projectLandmarks maps model landmarks (pixels of the 256×256 crop) to image
// coordinates. Z is scaled like X: by the ROI width.
func projectLandmarks(raw []float32, roi geom.RegionOfInterest, cropToImage geom.Transform, width, height int) ([]Landmark, []geom.Point) {
	project := func(i int) Landmark {
		r := raw[i*5 : i*5+5]
		p := cropToImage.Apply(geom.Point{X: float64(r[0]), Y: float64(r[1])})
		return Landmark{
			X:          p.X / float64(width),
			Y:          p.Y / float64(height),
			Z:          float64(r[2]) / InputSize * roi.Width,
			Visibility: sigmoid(float64(r[3])),
			Presence:   sigmoid(float64(r[4])),
		}
	}

	landmarks := make([]Landmark, NumLandmarks)
	for i := range landmarks {
		landmarks[i] = project(i)
	}
	c, sc := project(alignmentCenter), project(alignmentScale)
	alignment := []geom.Point{{X: c.X, Y: c.Y}, {X: sc.X, Y: sc.Y}}
	return landmarks, alignment
}

// rotateWorld rotates world landmarks around Z by the ROI rotation so they
// share the image's orientation. Visibility/presence come from the image
// landmarks.
func rotateWorld(world, raw []float32, rotation float64) []Landmark {
	cos, sin := math.Cos(rotation), math.Sin(rotation)
	out := make([]Landmark, NumLandmarks)
	for i := range out {
		x, y, z := float64(world[i*3]), float64(world[i*3+1]), float64(world[i*3+2])
		out[i] = Landmark{
			X:          cos*x - sin*y,
			Y:          sin*x + cos*y,
			Z:          z,
			Visibility: sigmoid(float64(raw[i*5+3])),
			Presence:   sigmoid(float64(raw[i*5+4])),
		}
	}
	return out
}

// projectSegmentation turns crop-space logits into a full-frame confidence
// mask. Pixels outside the ROI are 0.
func projectSegmentation(logits []float32, cropToImage geom.Transform, width, height int) (*frame.Mask, error) {
	crop := image.NewGray16(image.Rect(0, 0, InputSize, InputSize))
	for i, v := range logits {
		p := uint16(math.Round(sigmoid(float64(v)) * 0xffff))
		crop.Pix[2*i] = uint8(p >> 8)
		crop.Pix[2*i+1] = uint8(p)
	}

	full := image.NewGray16(image.Rect(0, 0, width, height))
	draw.BiLinear.Transform(full, cropToImage.Aff3(), crop, crop.Bounds(), draw.Src, nil)

	data := make([]float32, width*height)
	for i := range data {
		v := uint16(full.Pix[2*i])<<8 | uint16(full.Pix[2*i+1])
		data[i] = float32(v) / 0xffff
	}
	return frame.NewMask(frame.Float32{Data: data}, width, height, frame.Confidence)
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
