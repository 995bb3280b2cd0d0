// Package source provides frame sources for the daemon: a directory of
// images and an ffmpeg rawvideo pipe.
//
// Sources assign timestamps from a nominal frame rate, so timestamps are
// strictly increasing regardless of decode speed.
package source

import (
	"context"
	"errors"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
)

var (
	// ErrNoFrames is returned by constructors when the input has no frames.
	ErrNoFrames = errors.New("source: no frames")
	// ErrClosed is returned by Next after Close.
	ErrClosed = errors.New("source: closed")
)

// Source yields frames in order. Next returns io.EOF after the last frame.
//
// The caller owns each returned Image.
type Source interface {
	Next(ctx context.Context) (img *frame.Image, timestampMs int64, err error)
	Close() error
}

// clock turns frame indices into millisecond timestamps at a fixed rate.
// Rates above 1000 fps are bumped to stay strictly increasing.
type clock struct {
	fps  float64
	idx  int64
	last int64
}

func (c *clock) next() int64 {
	ts := int64(float64(c.idx) * 1000 / c.fps)
	if c.idx > 0 && ts <= c.last {
		ts = c.last + 1
	}
	c.idx++
	c.last = ts
	return ts
}
