package landmarker

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

// duplicateIoU is the overlap above which two candidate ROIs are considered
// the same person.
const duplicateIoU = 0.5

// candidate is an ROI to regress this frame, either carried from a track or
// freshly detected.
type candidate struct {
	roi  geom.RegionOfInterest
	from *track
}

// step runs the per-frame algorithm on img.
//
// Algorithm:
//  1. stateful: derive one candidate ROI per tracked pose from its landmarks;
//     a track whose ROI overlaps an earlier one (IoU > duplicateIoU) is
//     dropped.
//  2. Fewer candidates than NumPoses: run the detector and add detections that
//     do not overlap an existing candidate (IoU > duplicateIoU).
//  3. No candidate: empty result and empty state (there was nothing tracked).
//  4. Regress each candidate. Tracked candidates go through the tracking
//     policy (keep, keep previous pose while tolerating, or drop); detections
//     start a track only when their score passes the policy. Poses whose
//     score reaches MinPresenceConfidence are emitted.
//
// Contract:
//   - st is never modified. The returned state shares no mask with st; the
//     caller releases st's masks once it adopts the new state.
//   - On error the returned state is st, the result is nil and every mask
//     created during the step is released.
func (p *Pipeline) step(ctx context.Context, st trackingState, img *frame.Image, timestampMs int64, stateful bool) (trackingState, *Result, error) {
	w, h := img.Width(), img.Height()
	res := &Result{TimestampMs: timestampMs}
	var next trackingState

	fail := func(err error) (trackingState, *Result, error) {
		_ = res.Close()
		_ = next.release()
		return st, nil, err
	}

	var cands []candidate
	if stateful {
		for i := range st.tracks {
			t := &st.tracks[i]
			roi, err := p.tracker.RoiFromLandmarks(t.pose, w, h)
			if err != nil {
				return fail(fmt.Errorf("landmarker: roi from landmarks: %w", err))
			}
			if overlapsAny(roi, cands) {
				// Converged on an earlier track; the slot goes back to the detector.
				p.logger.Debug("duplicate track dropped", "roi", roi.String())
				continue
			}
			cands = append(cands, candidate{roi: roi, from: t})
		}
	}

	if len(cands) < p.opts.NumPoses {
		dets, err := p.detector.DetectAll(ctx, img, p.opts.NumPoses)
		p.stats.detectorRuns.Add(1)
		if err != nil {
			return fail(fmt.Errorf("landmarker: detect: %w", err))
		}
		for _, d := range dets {
			if len(cands) >= p.opts.NumPoses {
				break
			}
			if overlapsAny(d.ROI, cands) {
				continue
			}
			cands = append(cands, candidate{roi: d.ROI})
		}
	}

	if len(cands) == 0 {
		return next, res, nil
	}

	smoothing := stateful && p.opts.SmoothSegmentation
	for _, c := range cands {
		pose, score, err := p.tracker.Regress(ctx, img, c.roi)
		p.stats.trackerRuns.Add(1)
		if err != nil {
			return fail(fmt.Errorf("landmarker: regress: %w", err))
		}

		mask := pose.Segmentation
		pose.Segmentation = nil
		if smoothing && mask != nil && c.from != nil && c.from.prevMask != nil {
			smoothed, err := smoothMask(mask, c.from.prevMask, p.opts.SegmentationSmoothingRatio)
			_ = mask.Release()
			if err != nil {
				return fail(err)
			}
			mask = smoothed
		}

		if stateful {
			if kept, ok := p.nextTrack(c, pose, score); ok {
				if smoothing && mask != nil {
					history, err := mask.Clone()
					if err != nil {
						_ = mask.Release()
						return fail(fmt.Errorf("landmarker: keep segmentation: %w", err))
					}
					kept.prevMask = history
				}
				next.tracks = append(next.tracks, kept)
			}
		}

		if score >= p.opts.MinPresenceConfidence {
			res.addPose(pose, mask)
		} else if mask != nil {
			_ = mask.Release()
		}
	}

	return next, res, nil
}

// nextTrack applies the tracking policy to a regressed candidate. ok is false
// when the candidate does not continue (or start) a track.
func (p *Pipeline) nextTrack(c candidate, pose *Pose, score float64) (track, bool) {
	if c.from == nil {
		if p.policy.Fails(score) {
			return track{}, false
		}
		return track{pose: pose}, true
	}

	failures, reset := p.policy.Next(c.from.failures, score)
	if reset {
		p.logger.Debug("tracking lost",
			"score", score,
			"failures", failures,
		)
		return track{}, false
	}
	if failures > 0 {
		// Tolerated failure: keep the last good pose so the next ROI is the same.
		return track{pose: c.from.pose, failures: failures}, true
	}
	return track{pose: pose}, true
}

func overlapsAny(roi geom.RegionOfInterest, cands []candidate) bool {
	for _, c := range cands {
		if geom.IoU(roi, c.roi) > duplicateIoU {
			return true
		}
	}
	return false
}
