package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
)

// FFmpegConfig configures an ffmpeg rawvideo pipe.
type FFmpegConfig struct {
	// Binary defaults to "ffmpeg".
	Binary string
	// Input is anything ffmpeg accepts with -i (file, rtsp:// URL, device).
	Input string
	// Width and Height are the output size; ffmpeg scales to it.
	Width, Height int
	// FPS resamples the stream and drives timestamps.
	FPS float64
	// WarmupFrames is the number of frames measured for RateStats (default 30).
	WarmupFrames int
	Logger       *slog.Logger
}

// FFmpeg decodes a video through an ffmpeg child process writing RGBA frames
// to stdout.
//
// Lifecycle: NewFFmpeg starts the process; Close kills it and waits.
type FFmpeg struct {
	width, height int
	reader        io.Reader
	closer        io.Closer
	cmd           *exec.Cmd
	logger        *slog.Logger
	clock         clock

	warmup *rateMeter

	closeOnce sync.Once
	closed    bool
}

// NewFFmpeg starts ffmpeg. The process is bound to ctx.
func NewFFmpeg(ctx context.Context, cfg FFmpegConfig) (*FFmpeg, error) {
	if cfg.Input == "" {
		return nil, errors.New("source: ffmpeg input is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("source: invalid ffmpeg output size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("source: fps must be > 0, got %v", cfg.FPS)
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "source", "input", cfg.Input)

	fps := strconv.FormatFloat(cfg.FPS, 'f', -1, 64)
	cmd := exec.CommandContext(ctx, cfg.Binary,
		"-hide_banner", "-loglevel", "error",
		"-i", cfg.Input,
		"-vf", fmt.Sprintf("fps=%s,scale=%d:%d", fps, cfg.Width, cfg.Height),
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("source: ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("source: ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("source: start ffmpeg: %w", err)
	}

	logger.Info("ffmpeg started",
		"pid", cmd.Process.Pid,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)
	go logStderr(stderr, logger)

	s := newRawVideo(stdout, cfg.Width, cfg.Height, cfg.FPS, cfg.WarmupFrames, logger)
	s.cmd = cmd
	return s, nil
}

// newRawVideo reads packed RGBA frames from r. Test hook for NewFFmpeg.
func newRawVideo(r io.ReadCloser, width, height int, fps float64, warmupFrames int, logger *slog.Logger) *FFmpeg {
	if warmupFrames <= 0 {
		warmupFrames = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{
		width:  width,
		height: height,
		reader: bufio.NewReaderSize(r, width*height*4),
		closer: r,
		logger: logger,
		clock:  clock{fps: fps},
		warmup: newRateMeter(warmupFrames),
	}
}

// Next reads one frame. Returns io.EOF when ffmpeg ends the stream.
func (s *FFmpeg) Next(ctx context.Context) (*frame.Image, int64, error) {
	if s.closed {
		return nil, 0, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	pix := make([]uint8, s.width*s.height*4)
	if _, err := io.ReadFull(s.reader, pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, io.EOF
		}
		return nil, 0, err
	}

	if stats, done := s.warmup.observe(time.Now()); done {
		s.logger.Info("source warm-up complete",
			"frames", stats.Frames,
			"fps_mean", stats.FPSMean,
			"fps_stddev", stats.FPSStdDev,
			"jitter_mean_s", stats.JitterMean,
			"stable", stats.Stable,
		)
	}

	img, err := frame.NewImageFromRGBA8(pix, s.width, s.height)
	if err != nil {
		return nil, 0, err
	}
	return img, s.clock.next(), nil
}

// Warmup returns the rate measured over the first frames, or nil until the
// warm-up window is complete.
func (s *FFmpeg) Warmup() *RateStats {
	return s.warmup.result()
}

// Close stops ffmpeg. Idempotent.
func (s *FFmpeg) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed = true
		err = s.closer.Close()
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			_ = s.cmd.Wait()
			s.logger.Info("ffmpeg stopped")
		}
	})
	return err
}

func logStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Warn("ffmpeg", "output", scanner.Text())
	}
}
