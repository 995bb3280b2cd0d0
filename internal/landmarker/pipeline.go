// Package landmarker implements the pose landmarker pipeline: running-mode
// dispatch, cross-frame tracking, and result delivery.
//
// One Pipeline serves one stream. Stages run one frame at a time; a Pipeline
// is safe for concurrent calls, which are serialized.
package landmarker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/asset"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/detector"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/tracker"
)

// Pose is one regressed pose.
type Pose = tracker.Pose

// Detector finds pose candidates in a full frame.
type Detector interface {
	DetectAll(ctx context.Context, img *frame.Image, limit int) ([]detector.Detection, error)
}

// Tracker regresses landmarks inside an ROI and derives the next ROI from
// them.
type Tracker interface {
	RoiFromLandmarks(p *tracker.Pose, imageWidth, imageHeight int) (geom.RegionOfInterest, error)
	Regress(ctx context.Context, img *frame.Image, roi geom.RegionOfInterest) (*tracker.Pose, float64, error)
}

// Pipeline is the pose landmarker.
//
// Lifecycle:
//   - New resolves models, starts both backends and, in LIVE_STREAM, the
//     worker goroutine.
//   - Close stops intake, waits for the in-flight frame, releases the pending
//     frame and the tracking state, and closes the backends.
//
// Thread-safety: mu serializes stage calls and guards the tracking state; the
// LIVE_STREAM intake has its own lock (mailbox).
type Pipeline struct {
	opts       Options
	strategy   modeStrategy
	policy     tracker.Policy
	detector   Detector
	tracker    Tracker
	dispatcher dispatcher
	closers    []io.Closer
	logger     *slog.Logger
	stats      counters

	mu     sync.Mutex
	state  trackingState
	gate   timestampGate
	closed bool

	// LIVE_STREAM only.
	mailbox    *mailbox
	ctx        context.Context
	cancel     context.CancelFunc
	workerDone chan struct{}
	// inCallback is set while the worker runs ResultCallback. The worker
	// touches no shared state after the callback returns.
	inCallback atomic.Bool
	closing    atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// New validates opts, resolves the model bundle and starts one backend per
// model through factory.
//
// Errors: ErrInvalidConfiguration for bad options, asset.ErrAssetResolution
// when the bundle cannot be resolved, or the factory's error.
func New(ctx context.Context, opts Options, resolver asset.Resolver, factory backend.Factory) (*Pipeline, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if resolver == nil || factory == nil {
		return nil, fmt.Errorf("%w: asset resolver and backend factory are required", ErrInvalidConfiguration)
	}

	bundle, err := resolver.Resolve(ctx)
	if err != nil {
		if errors.Is(err, asset.ErrAssetResolution) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", asset.ErrAssetResolution, err)
	}

	detBackend, err := factory(ctx, "detector", bundle.DetectorModel, bundle.Delegate)
	if err != nil {
		return nil, fmt.Errorf("landmarker: start detector backend: %w", err)
	}
	trkBackend, err := factory(ctx, "landmarker", bundle.LandmarkerModel, bundle.Delegate)
	if err != nil {
		_ = detBackend.Close()
		return nil, fmt.Errorf("landmarker: start landmarker backend: %w", err)
	}
	closeAll := func() {
		_ = trkBackend.Close()
		_ = detBackend.Close()
	}

	det, err := detector.New(detBackend, detector.Options{
		MinDetectionConfidence: opts.MinDetectionConfidence,
		Logger:                 opts.Logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	trk, err := tracker.New(trkBackend, tracker.Options{
		OutputSegmentation: opts.OutputSegmentationMasks,
		Logger:             opts.Logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	p := newPipeline(opts, det, trk, []io.Closer{trkBackend, detBackend})
	p.logger.Info("pose landmarker started",
		"running_mode", opts.RunningMode.String(),
		"num_poses", opts.NumPoses,
		"delegate", string(bundle.Delegate),
		"models", bundle.Source,
	)
	return p, nil
}

// newPipeline assembles a Pipeline from ready stages. opts must be validated.
func newPipeline(opts Options, det Detector, trk Tracker, closers []io.Closer) *Pipeline {
	strategy := strategies[opts.RunningMode]
	p := &Pipeline{
		opts:     opts,
		strategy: strategy,
		policy: tracker.Policy{
			Threshold:  opts.MinTrackingConfidence,
			Tolerance:  opts.TrackingLossTolerance,
			Comparison: opts.TrackingComparison,
		},
		detector:   det,
		tracker:    trk,
		dispatcher: returnDispatcher{},
		closers:    closers,
		logger:     opts.Logger.With("component", "landmarker", "running_mode", opts.RunningMode.String()),
	}

	if strategy.async {
		p.dispatcher = callbackDispatcher{callback: opts.ResultCallback}
		p.mailbox = newMailbox(opts.Backpressure)
		p.ctx, p.cancel = context.WithCancel(context.Background())
		p.workerDone = make(chan struct{})
		go p.run()
	}
	return p
}

// Detect processes one independent image (IMAGE mode). The caller keeps
// ownership of img and owns the returned Result.
func (p *Pipeline) Detect(ctx context.Context, img *frame.Image) (*Result, error) {
	if err := p.strategy.allow(p.opts.RunningMode, "Detect"); err != nil {
		return nil, err
	}
	return p.process(ctx, img, 0)
}

// DetectForVideo processes one video frame (VIDEO mode). timestampMs must be
// strictly greater than the previous call's. The caller keeps ownership of img
// and owns the returned Result.
func (p *Pipeline) DetectForVideo(ctx context.Context, img *frame.Image, timestampMs int64) (*Result, error) {
	if err := p.strategy.allow(p.opts.RunningMode, "DetectForVideo"); err != nil {
		return nil, err
	}
	return p.process(ctx, img, timestampMs)
}

// DetectAsync submits one live frame (LIVE_STREAM mode) and returns without
// waiting for the result, which is delivered to the ResultCallback.
//
// On success the pipeline owns img and releases it after processing or
// dropping it. On error the caller keeps ownership.
//
// Errors: ErrNonMonotonicTimestamp, ErrBackpressure (Reject policy),
// ErrClosed.
func (p *Pipeline) DetectAsync(img *frame.Image, timestampMs int64) error {
	if err := p.strategy.allow(p.opts.RunningMode, "DetectAsync"); err != nil {
		return err
	}
	if err := checkImage(img); err != nil {
		return err
	}

	dropped, err := p.mailbox.submit(&liveTask{img: img, timestampMs: timestampMs})
	if err != nil {
		if errors.Is(err, ErrBackpressure) {
			p.stats.rejected.Add(1)
		}
		return err
	}
	p.stats.submitted.Add(1)

	if dropped != nil {
		p.drop(dropped, "superseded")
	}
	return nil
}

// Tracking returns a copy of the current tracking state.
func (p *Pipeline) Tracking() TrackingSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.snapshot()
}

// Stats returns an operational snapshot.
func (p *Pipeline) Stats() Stats {
	return p.stats.snapshot()
}

// RunningMode returns the mode chosen at construction.
func (p *Pipeline) RunningMode() RunningMode {
	return p.opts.RunningMode
}

// Close shuts the pipeline down. Idempotent; later calls return the first
// call's error, and every other method fails with ErrClosed.
//
// Close may be called from ResultCallback. It then returns without waiting
// for the worker, which exits once the callback returns; if another Close is
// already tearing down, the nested call returns nil immediately.
func (p *Pipeline) Close() error {
	if p.closing.Swap(true) && p.inCallback.Load() {
		return nil
	}
	p.closeOnce.Do(func() {
		if p.mailbox != nil {
			if pending := p.mailbox.close(); pending != nil {
				p.drop(pending, "closed")
			}
			if !p.inCallback.Load() {
				<-p.workerDone
			}
			p.cancel()
		}

		p.mu.Lock()
		p.closed = true
		errs := []error{p.state.release()}
		p.state = trackingState{}
		p.stats.trackedPoses.Store(0)
		p.mu.Unlock()

		for _, c := range p.closers {
			errs = append(errs, c.Close())
		}
		p.closeErr = errors.Join(errs...)

		stats := p.stats.snapshot()
		p.logger.Info("pose landmarker stopped",
			"processed", stats.Processed,
			"dropped", stats.Dropped,
			"rejected", stats.Rejected,
		)
	})
	return p.closeErr
}

// process runs one synchronous frame under mu.
func (p *Pipeline) process(ctx context.Context, img *frame.Image, timestampMs int64) (*Result, error) {
	if err := checkImage(img); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.strategy.timestamps {
		if err := p.gate.check(timestampMs); err != nil {
			return nil, err
		}
		p.gate.accept(timestampMs)
	}
	p.stats.submitted.Add(1)

	res, err := p.stepLocked(ctx, img, timestampMs)
	return p.dispatcher.dispatch(res, timestampMs, err)
}

// stepLocked runs step against the current state and adopts the next state
// on success. Caller holds mu.
func (p *Pipeline) stepLocked(ctx context.Context, img *frame.Image, timestampMs int64) (*Result, error) {
	start := time.Now()

	var current trackingState
	if p.strategy.stateful {
		current = p.state
	}
	next, res, err := p.step(ctx, current, img, timestampMs, p.strategy.stateful)
	p.stats.observe(start, err)
	if err != nil {
		p.logger.Debug("frame failed",
			"timestamp_ms", timestampMs,
			"error", err,
		)
		return nil, err
	}

	if p.strategy.stateful {
		_ = current.release()
		p.state = next
	}
	p.stats.trackedPoses.Store(int64(len(p.state.tracks)))

	p.logger.Debug("frame processed",
		"timestamp_ms", timestampMs,
		"poses", len(res.Landmarks),
		"tracked", len(p.state.tracks),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// run is the LIVE_STREAM worker: frames are processed and dispatched one at a
// time in submission order.
func (p *Pipeline) run() {
	defer close(p.workerDone)

	for {
		task := p.mailbox.take()
		if task == nil {
			return
		}

		p.mu.Lock()
		res, err := p.stepLocked(p.ctx, task.img, task.timestampMs)
		p.mu.Unlock()

		_ = task.img.Release()
		p.inCallback.Store(true)
		_, _ = p.dispatcher.dispatch(res, task.timestampMs, err)
		p.inCallback.Store(false)
		p.mailbox.done()
	}
}

// drop releases a LIVE_STREAM frame that will never be processed. No callback
// is invoked for it.
func (p *Pipeline) drop(t *liveTask, reason string) {
	_ = t.img.Release()
	p.stats.dropped.Add(1)
	p.logger.Debug("frame dropped",
		"timestamp_ms", t.timestampMs,
		"reason", reason,
	)
}

func checkImage(img *frame.Image) error {
	if img == nil {
		return fmt.Errorf("landmarker: %w: nil image", frame.ErrInvalidDimensions)
	}
	if img.Released() {
		return fmt.Errorf("landmarker: %w", frame.ErrUseAfterRelease)
	}
	return nil
}
