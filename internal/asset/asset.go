// Package asset resolves the compiled model bundle the pipeline runs.
//
// A bundle is either a ".task" archive (zip) or a directory, holding:
//
//	pose_detector.tflite            full-frame pose detector
//	pose_landmarks_detector.tflite  ROI landmark regressor
//
// The pipeline treats model bytes as opaque; only the inference backend
// interprets them.
package asset

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrAssetResolution is returned when no valid bundle can be produced.
var ErrAssetResolution = errors.New("asset: resolution failed")

const (
	DetectorModelName   = "pose_detector.tflite"
	LandmarkerModelName = "pose_landmarks_detector.tflite"
)

// Delegate selects the execution device requested from the backend.
type Delegate string

const (
	DelegateCPU Delegate = "cpu"
	DelegateGPU Delegate = "gpu"
)

// Valid reports whether d is a known delegate.
func (d Delegate) Valid() bool {
	return d == DelegateCPU || d == DelegateGPU
}

// Bundle is a resolved model asset.
type Bundle struct {
	DetectorModel   []byte
	LandmarkerModel []byte
	Delegate        Delegate
	// Source describes where the bundle came from (for logs).
	Source string
}

// Validate checks that both models are present and the delegate is known.
func (b *Bundle) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil bundle", ErrAssetResolution)
	}
	if len(b.DetectorModel) == 0 {
		return fmt.Errorf("%w: %s missing or empty", ErrAssetResolution, DetectorModelName)
	}
	if len(b.LandmarkerModel) == 0 {
		return fmt.Errorf("%w: %s missing or empty", ErrAssetResolution, LandmarkerModelName)
	}
	if !b.Delegate.Valid() {
		return fmt.Errorf("%w: unknown delegate %q", ErrAssetResolution, b.Delegate)
	}
	return nil
}

// Resolver supplies a model bundle.
type Resolver interface {
	Resolve(ctx context.Context) (*Bundle, error)
}

// StaticResolver returns a fixed, in-memory bundle.
type StaticResolver struct {
	Bundle Bundle
}

// Resolve implements Resolver.
func (s StaticResolver) Resolve(ctx context.Context) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetResolution, err)
	}
	b := s.Bundle
	if b.Source == "" {
		b.Source = "static"
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// FileResolver loads a bundle from a ".task" archive or a directory.
type FileResolver struct {
	Path     string
	Delegate Delegate
	Logger   *slog.Logger
}

// Resolve implements Resolver. Every failure wraps ErrAssetResolution.
func (f FileResolver) Resolve(ctx context.Context) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetResolution, err)
	}
	if f.Path == "" {
		return nil, fmt.Errorf("%w: empty bundle path", ErrAssetResolution)
	}

	delegate := f.Delegate
	if delegate == "" {
		delegate = DelegateCPU
	}

	info, err := os.Stat(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetResolution, err)
	}

	var b *Bundle
	if info.IsDir() {
		b, err = readDir(f.Path)
	} else {
		b, err = readArchive(f.Path)
	}
	if err != nil {
		return nil, err
	}
	b.Delegate = delegate
	b.Source = f.Path
	if err := b.Validate(); err != nil {
		return nil, err
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("model bundle resolved",
		"path", f.Path,
		"delegate", delegate,
		"detector_bytes", len(b.DetectorModel),
		"landmarker_bytes", len(b.LandmarkerModel),
	)
	return b, nil
}

func readDir(dir string) (*Bundle, error) {
	det, err := os.ReadFile(filepath.Join(dir, DetectorModelName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetResolution, err)
	}
	lm, err := os.ReadFile(filepath.Join(dir, LandmarkerModelName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetResolution, err)
	}
	return &Bundle{DetectorModel: det, LandmarkerModel: lm}, nil
}

func readArchive(path string) (*Bundle, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrAssetResolution, path, err)
	}
	defer zr.Close()
	return readZip(&zr.Reader)
}

// ReadArchive parses a ".task" bundle from memory.
func ReadArchive(data []byte, delegate Delegate) (*Bundle, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetResolution, err)
	}
	b, err := readZip(zr)
	if err != nil {
		return nil, err
	}
	b.Delegate = delegate
	b.Source = "memory"
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// readZip matches entries by base name so bundles packed with a leading
// directory still resolve.
func readZip(zr *zip.Reader) (*Bundle, error) {
	b := &Bundle{}
	for _, f := range zr.File {
		var dst *[]byte
		switch strings.ToLower(filepath.Base(f.Name)) {
		case DetectorModelName:
			dst = &b.DetectorModel
		case LandmarkerModelName:
			dst = &b.LandmarkerModel
		default:
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrAssetResolution, f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrAssetResolution, f.Name, err)
		}
		*dst = data
	}
	return b, nil
}
