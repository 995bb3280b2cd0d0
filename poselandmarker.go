// Package poselandmarker detects and tracks human poses in images and video.
//
// Philosophy: "Detect once, track while confident."
//
// A Pipeline runs a pose detector on a full frame only when it has nothing to
// track, then regresses landmarks inside a region of interest derived from the
// previous frame's landmarks. Three running modes are supported:
//
//   - ModeImage: independent images, synchronous results, no tracking.
//   - ModeVideo: timestamped frames of one stream, synchronous results.
//   - ModeLiveStream: timestamped frames submitted without blocking; results
//     arrive on Options.ResultCallback in submission order.
//
// Usage:
//
//	opts := poselandmarker.DefaultOptions()
//	opts.RunningMode = poselandmarker.ModeVideo
//	p, err := poselandmarker.New(ctx, opts, resolver, factory)
//	if err != nil { ... }
//	defer p.Close()
//
//	res, err := p.DetectForVideo(ctx, img, timestampMs)
//	if err != nil { ... }
//	defer res.Close()
//
// Ownership: images stay owned by the caller; synchronous results (and their
// segmentation masks) are owned by the caller and must be closed.
//
// Implementation is in internal/landmarker (hidden from clients).
package poselandmarker

import (
	"context"
	"image"
	"log/slog"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/asset"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/backend"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/tracker"
)

// Re-exported from internal packages so clients import a single path.
type (
	Pipeline           = landmarker.Pipeline
	Options            = landmarker.Options
	Result             = landmarker.Result
	ResultCallback     = landmarker.ResultCallback
	Landmark           = landmarker.Landmark
	Stats              = landmarker.Stats
	TrackingSnapshot   = landmarker.TrackingSnapshot
	TrackSnapshot      = landmarker.TrackSnapshot
	RunningMode        = landmarker.RunningMode
	BackpressurePolicy = landmarker.BackpressurePolicy
	Comparison         = tracker.Comparison

	Image           = frame.Image
	Mask            = frame.Mask
	GraphicsContext = frame.GraphicsContext
	SoftwareContext = frame.SoftwareContext
	TextureHandle   = frame.TextureHandle
	TextureFormat   = frame.TextureFormat
	Kind            = frame.Kind
	ValueKind       = frame.ValueKind

	// Pixel representations accepted by NewImage and NewMask.
	Representation = frame.Representation
	RGBA8          = frame.RGBA8
	Float32        = frame.Float32
	Uint8          = frame.Uint8
	Bitmap         = frame.Bitmap
	Texture        = frame.Texture

	Resolver       = asset.Resolver
	StaticResolver = asset.StaticResolver
	FileResolver   = asset.FileResolver
	Bundle         = asset.Bundle
	Delegate       = asset.Delegate

	// Inference backends: bring your own, or spawn a runtime process with
	// SubprocessFactory.
	BackendFactory   = backend.Factory
	InferenceBackend = backend.InferenceBackend
	Tensor           = backend.Tensor
	SubprocessConfig = backend.SubprocessConfig
)

const (
	ModeImage      = landmarker.ModeImage
	ModeVideo      = landmarker.ModeVideo
	ModeLiveStream = landmarker.ModeLiveStream

	DropOldest = landmarker.DropOldest
	Reject     = landmarker.Reject

	CompareLess        = tracker.CompareLess
	CompareLessOrEqual = tracker.CompareLessOrEqual

	DelegateCPU = asset.DelegateCPU
	DelegateGPU = asset.DelegateGPU

	KindRGBA8   = frame.KindRGBA8
	KindFloat32 = frame.KindFloat32
	KindUint8   = frame.KindUint8
	KindBitmap  = frame.KindBitmap
	KindTexture = frame.KindTexture

	Confidence = frame.Confidence
	Category   = frame.Category

	TextureRGBA8 = frame.TextureRGBA8
	TextureR8    = frame.TextureR8
	TextureR32F  = frame.TextureR32F
)

// Errors. Match with errors.Is.
var (
	ErrInvalidConfiguration  = landmarker.ErrInvalidConfiguration
	ErrNonMonotonicTimestamp = landmarker.ErrNonMonotonicTimestamp
	ErrBackpressure          = landmarker.ErrBackpressure
	ErrClosed                = landmarker.ErrClosed
	ErrWrongRunningMode      = landmarker.ErrWrongRunningMode
	ErrAssetResolution       = asset.ErrAssetResolution
	ErrRuntime               = backend.ErrRuntime
	ErrBackendClosed         = backend.ErrBackendClosed
	ErrMissingOutput         = backend.ErrMissingOutput

	ErrInvalidDimensions     = frame.ErrInvalidDimensions
	ErrUnsupportedFormat     = frame.ErrUnsupportedFormat
	ErrConversionUnsupported = frame.ErrConversionUnsupported
	ErrUseAfterRelease       = frame.ErrUseAfterRelease
	ErrContextMismatch       = frame.ErrContextMismatch
	ErrMaskValueOutOfRange   = frame.ErrMaskValueOutOfRange
)

// DefaultOptions returns IMAGE mode, one pose and 0.5 thresholds.
func DefaultOptions() Options {
	return landmarker.DefaultOptions()
}

// New resolves the model bundle, starts one inference backend per model and
// returns a ready Pipeline. Close it when done.
func New(ctx context.Context, opts Options, resolver Resolver, factory BackendFactory) (*Pipeline, error) {
	return landmarker.New(ctx, opts, resolver, factory)
}

// NewFromConfigFile builds a Pipeline from a YAML configuration file: the
// models, runtime and pipeline sections are used. cb is required when the file
// selects LIVE_STREAM.
func NewFromConfigFile(ctx context.Context, path string, cb ResultCallback, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.ToOptions(cb, logger)
	if err != nil {
		return nil, err
	}
	return landmarker.New(ctx, opts, cfg.Resolver(logger), cfg.BackendFactory(logger))
}

// NewImage wraps rep as the canonical representation of a width×height image.
// The Image takes ownership of rep's buffers.
func NewImage(rep Representation, width, height int) (*Image, error) {
	return frame.NewImage(rep, width, height)
}

// NewImageFromBitmap wraps a Go image; its bounds give the dimensions.
func NewImageFromBitmap(img image.Image) (*Image, error) {
	return frame.NewImageFromBitmap(img)
}

// NewMask wraps rep as a width×height mask holding values of the given kind.
func NewMask(rep Representation, width, height int, values ValueKind) (*Mask, error) {
	return frame.NewMask(rep, width, height, values)
}

// SubprocessFactory returns a BackendFactory that spawns one runtime process
// per model.
func SubprocessFactory(cfg SubprocessConfig) BackendFactory {
	return backend.SubprocessFactory(cfg)
}

// NewImageFromRGBA8 wraps packed RGBA pixels (row-major, 4 bytes per pixel).
// The Image takes ownership of pix.
func NewImageFromRGBA8(pix []uint8, width, height int) (*Image, error) {
	return frame.NewImageFromRGBA8(pix, width, height)
}

// NewSoftwareContext returns an in-memory GraphicsContext for texture
// representations.
func NewSoftwareContext() *SoftwareContext {
	return frame.NewSoftwareContext()
}
