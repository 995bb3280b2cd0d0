// Package detector implements the full-frame pose detector stage.
//
// Per call:
//  1. Letterbox the frame into a 224×224 tensor with values in [-1,1].
//  2. Invoke the detector graph once.
//  3. Decode SSD regressors against the anchor priors, apply sigmoid to
//     clipped score logits, keep scores ≥ MinDetectionConfidence.
//  4. Weighted non-maximum suppression (IoU 0.3).
//  5. Project boxes and keypoints out of the letterbox into image space and
//     derive one ROI per detection from keypoints 0 (hip center) and 1
//     (scale/rotation point).
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

const (
	// InputSize is the square side of the detector input tensor.
	InputSize = 224
	// NumAnchors is the number of SSD priors.
	NumAnchors = 2254
	// NumKeypoints per detection.
	NumKeypoints = 4

	numCoords         = 4 + 2*NumKeypoints
	scoreClipping     = 100.0
	defaultNMSOverlap = 0.3

	InputTensor      = "input"
	RegressorsTensor = "regressors"
	ScoresTensor     = "classificators"
)

// Detection is one decoded pose candidate in normalized image coordinates.
type Detection struct {
	Score     float64
	Box       geom.Rect
	Keypoints [NumKeypoints]geom.Point
	ROI       geom.RegionOfInterest
}

// Options configure the stage.
type Options struct {
	// MinDetectionConfidence is the score threshold in [0,1].
	MinDetectionConfidence float64
	// NMSOverlap is the IoU above which candidates are merged (default 0.3).
	NMSOverlap float64
	Logger     *slog.Logger
}

// Stage is the DetectorStage. Not safe for concurrent use (one inference in
// flight per pipeline).
type Stage struct {
	backend backend.InferenceBackend
	anchors []anchor
	opts    Options
	logger  *slog.Logger
}

// New builds a detector stage over b.
func New(b backend.InferenceBackend, opts Options) (*Stage, error) {
	if b == nil {
		return nil, errors.New("detector: backend is required")
	}
	if opts.MinDetectionConfidence < 0 || opts.MinDetectionConfidence > 1 {
		return nil, fmt.Errorf("detector: min detection confidence %v outside [0,1]", opts.MinDetectionConfidence)
	}
	if opts.NMSOverlap <= 0 {
		opts.NMSOverlap = defaultNMSOverlap
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	anchors := generateAnchors(poseAnchorOptions)
	if len(anchors) != NumAnchors {
		return nil, fmt.Errorf("detector: generated %d anchors, want %d", len(anchors), NumAnchors)
	}

	return &Stage{
		backend: b,
		anchors: anchors,
		opts:    opts,
		logger:  logger.With("component", "detector"),
	}, nil
}

// Detect returns the ROI of the highest-confidence detection, or nil when
// nothing clears MinDetectionConfidence.
func (s *Stage) Detect(ctx context.Context, img *frame.Image) (*geom.RegionOfInterest, error) {
	dets, err := s.DetectAll(ctx, img, 1)
	if err != nil || len(dets) == 0 {
		return nil, err
	}
	roi := dets[0].ROI
	return &roi, nil
}

// DetectAll returns up to limit detections ordered by descending score
// (limit ≤ 0 means unbounded).
func (s *Stage) DetectAll(ctx context.Context, img *frame.Image, limit int) ([]Detection, error) {
	letterbox := geom.LetterboxROI(img.Width(), img.Height())
	input, _, err := backend.ImageToTensor(img, letterbox, InputSize, InputSize, backend.RangeSigned, InputTensor)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	outputs, err := s.backend.Invoke(ctx, []backend.Tensor{input})
	if err != nil {
		return nil, fmt.Errorf("detector: invoke: %w", err)
	}
	regressors, err := backend.Output(outputs, RegressorsTensor, NumAnchors*numCoords)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	scores, err := backend.Output(outputs, ScoresTensor, NumAnchors)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	candidates := s.decode(regressors.Data, scores.Data)
	dets := weightedNMS(candidates, s.opts.NMSOverlap)
	if limit > 0 && len(dets) > limit {
		dets = dets[:limit]
	}

	for i := range dets {
		dets[i] = unletterbox(dets[i], letterbox, img.Width(), img.Height())
	}

	s.logger.Debug("detection complete",
		"candidates", len(candidates),
		"detections", len(dets),
	)
	return dets, nil
}

// decode turns raw regressors into tensor-normalized candidates above the
// score threshold.
func (s *Stage) decode(raw, logits []float32) []Detection {
	var out []Detection
	for i, a := range s.anchors {
		score := sigmoid(clip(float64(logits[i]), scoreClipping))
		if score < s.opts.MinDetectionConfidence {
			continue
		}

		r := raw[i*numCoords : (i+1)*numCoords]
		cx := float64(r[0])/InputSize*a.width + a.xCenter
		cy := float64(r[1])/InputSize*a.height + a.yCenter
		w := float64(r[2]) / InputSize * a.width
		h := float64(r[3]) / InputSize * a.height
		if !(w > 0) || !(h > 0) {
			continue
		}

		d := Detection{
			Score: score,
			Box:   geom.Rect{XMin: cx - w/2, YMin: cy - h/2, XMax: cx + w/2, YMax: cy + h/2},
		}
		for k := 0; k < NumKeypoints; k++ {
			d.Keypoints[k] = geom.Point{
				X: float64(r[4+2*k])/InputSize*a.width + a.xCenter,
				Y: float64(r[4+2*k+1])/InputSize*a.height + a.yCenter,
			}
		}
		out = append(out, d)
	}
	return out
}

// weightedNMS clusters candidates overlapping the best remaining one by more
// than overlap and replaces each cluster with its score-weighted average.
// The cluster keeps the best score.
func weightedNMS(candidates []Detection, overlap float64) []Detection {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	var out []Detection
	remaining := candidates
	for len(remaining) > 0 {
		best := remaining[0]

		var cluster, rest []Detection
		for _, c := range remaining {
			if best.Box.IoU(c.Box) > overlap {
				cluster = append(cluster, c)
			} else {
				rest = append(rest, c)
			}
		}
		// best always overlaps itself unless degenerate.
		if len(cluster) == 0 {
			cluster, rest = remaining[:1], remaining[1:]
		}

		var total float64
		merged := Detection{Score: best.Score}
		for _, c := range cluster {
			total += c.Score
			merged.Box.XMin += c.Box.XMin * c.Score
			merged.Box.YMin += c.Box.YMin * c.Score
			merged.Box.XMax += c.Box.XMax * c.Score
			merged.Box.YMax += c.Box.YMax * c.Score
			for k := range merged.Keypoints {
				merged.Keypoints[k].X += c.Keypoints[k].X * c.Score
				merged.Keypoints[k].Y += c.Keypoints[k].Y * c.Score
			}
		}
		merged.Box.XMin /= total
		merged.Box.YMin /= total
		merged.Box.XMax /= total
		merged.Box.YMax /= total
		for k := range merged.Keypoints {
			merged.Keypoints[k].X /= total
			merged.Keypoints[k].Y /= total
		}

		out = append(out, merged)
		remaining = rest
	}
	return out
}

// unletterbox projects a tensor-space detection into image space and derives
// its ROI.
func unletterbox(d Detection, letterbox geom.RegionOfInterest, width, height int) Detection {
	tl := geom.ProjectToImage(letterbox, width, height, geom.Point{X: d.Box.XMin, Y: d.Box.YMin})
	br := geom.ProjectToImage(letterbox, width, height, geom.Point{X: d.Box.XMax, Y: d.Box.YMax})
	d.Box = geom.Rect{XMin: tl.X, YMin: tl.Y, XMax: br.X, YMax: br.Y}
	for k := range d.Keypoints {
		d.Keypoints[k] = geom.ProjectToImage(letterbox, width, height, d.Keypoints[k])
	}
	d.ROI = geom.RectFromAlignment(d.Keypoints[0], d.Keypoints[1], width, height, geom.PoseAlignment)
	return d
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func clip(x, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, x))
}
