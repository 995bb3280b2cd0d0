package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/config"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/emitter"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/landmarker"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/recorder"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/resultbus"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/source"
)

const (
	defaultConfigPath = "config/poselandmarker.yaml"
	sinkBuffer        = 64
	statsInterval     = 10 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFormat := flag.String("log-format", "json", "Log format: json or console")
	flag.Parse()

	logger := newLogger(*logFormat, *debug)
	slog.SetDefault(logger)

	slog.Info("starting pose landmarker service",
		"config", *configPath,
		"debug", *debug,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("service error", "error", err)
		os.Exit(1)
	}
	slog.Info("pose landmarker service stopped successfully")
}

func newLogger(format string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if format == "console" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// service holds everything run starts, in start order.
type service struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *resultbus.Bus
	pipeline *landmarker.Pipeline
	src      source.Source
	emitter  *emitter.MQTT
	recorder *recorder.SQLite

	sinkChans []chan resultbus.Event
	sequence  atomic.Uint64
}

// run wires source → pipeline → result bus → sinks and blocks until the
// source is exhausted or ctx is cancelled, then shuts down within the
// configured timeout.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger = logger.With("instance_id", cfg.InstanceID)
	s := &service{cfg: cfg, logger: logger, bus: resultbus.New()}

	opts, err := cfg.ToOptions(s.publish, logger)
	if err != nil {
		return err
	}

	// Sinks outlive ctx: they drain what the pipeline flushes on Close.
	sinkCtx, cancelSinks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSinks()
	sinks, sinkCtx := errgroup.WithContext(sinkCtx)

	if err := s.startSinks(ctx, sinkCtx, sinks, opts.RunningMode); err != nil {
		s.closeSinks()
		return err
	}

	s.pipeline, err = landmarker.New(ctx, opts, cfg.Resolver(logger), cfg.BackendFactory(logger))
	if err != nil {
		s.closeSinks()
		return err
	}

	s.src, err = s.openSource(ctx)
	if err != nil {
		_ = s.pipeline.Close()
		s.closeSinks()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed(gctx) })
	g.Go(func() error { return s.reportStats(gctx) })
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, io.EOF) {
		runErr = nil
	}

	timeout := cfg.ShutdownTimeout()
	logger.Info("shutting down gracefully", "timeout", timeout)

	shutdownErr := s.shutdown(sinks, cancelSinks, timeout)
	return errors.Join(runErr, shutdownErr)
}

func (s *service) startSinks(ctx, sinkCtx context.Context, g *errgroup.Group, mode landmarker.RunningMode) error {
	if s.cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTT(emitter.Config{
			Broker:     s.cfg.MQTT.Broker,
			Topic:      s.cfg.MQTT.Topic,
			QoS:        s.cfg.MQTT.QoS,
			InstanceID: s.cfg.InstanceID,
			Logger:     s.logger,
		})
		if err := s.emitter.Connect(ctx); err != nil {
			return err
		}
		if err := s.addSink(sinkCtx, g, "mqtt", s.emitter.Publish); err != nil {
			return err
		}
	}

	if s.cfg.Recorder.Path != "" {
		rec, err := recorder.Open(ctx, s.cfg.Recorder.Path, s.cfg.InstanceID, mode.String())
		if err != nil {
			return err
		}
		s.recorder = rec
		s.logger.Info("recording results", "path", s.cfg.Recorder.Path, "run_id", rec.RunID())
		record := func(ev resultbus.Event) error { return rec.Record(sinkCtx, ev) }
		if err := s.addSink(sinkCtx, g, "recorder", record); err != nil {
			return err
		}
	}

	latest, err := s.bus.SubscribeDropOld("monitor")
	if err != nil {
		return err
	}
	g.Go(func() error {
		for {
			ev, ok := latest.Receive()
			if !ok {
				return nil
			}
			s.logger.Debug("latest result",
				"sequence", ev.Sequence,
				"timestamp_ms", ev.TimestampMs,
				"poses", len(ev.Landmarks),
				"failed", ev.Err != nil,
			)
		}
	})
	return nil
}

func (s *service) addSink(ctx context.Context, g *errgroup.Group, name string, sink resultbus.Sink) error {
	ch := make(chan resultbus.Event, sinkBuffer)
	if err := s.bus.Subscribe(name, ch); err != nil {
		return err
	}
	s.sinkChans = append(s.sinkChans, ch)
	g.Go(func() error { return resultbus.Drain(ctx, name, ch, sink, s.logger) })
	return nil
}

func (s *service) openSource(ctx context.Context) (source.Source, error) {
	sc := s.cfg.Source
	switch sc.Type {
	case config.SourceDir:
		return source.NewDir(sc.Path, sc.FPS, sc.Loop)
	case config.SourceFFmpeg:
		return source.NewFFmpeg(ctx, source.FFmpegConfig{
			Input:  sc.Path,
			Width:  sc.Width,
			Height: sc.Height,
			FPS:    sc.FPS,
			Logger: s.logger,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// publish is the LIVE_STREAM result callback; VIDEO results go through it
// too.
func (s *service) publish(res *landmarker.Result, timestampMs int64, err error) {
	s.bus.Publish(resultbus.NewEvent(s.sequence.Add(1), res, timestampMs, err))
}

// feed pulls frames until the source ends. A directory source is paced at its
// nominal rate in LIVE_STREAM mode; ffmpeg paces itself.
func (s *service) feed(ctx context.Context) error {
	var pace <-chan time.Time
	live := s.pipeline.RunningMode() == landmarker.ModeLiveStream
	if live && s.cfg.Source.Type == config.SourceDir {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.Source.FPS))
		defer ticker.Stop()
		pace = ticker.C
	}

	for {
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace:
			}
		}

		img, ts, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("source exhausted")
			}
			return err
		}

		if live {
			if err := s.pipeline.DetectAsync(img, ts); err != nil {
				_ = img.Release()
				if errors.Is(err, landmarker.ErrBackpressure) {
					s.logger.Debug("frame rejected", "timestamp_ms", ts)
					continue
				}
				return err
			}
			continue
		}

		res, err := s.pipeline.DetectForVideo(ctx, img, ts)
		_ = img.Release()
		if errors.Is(err, landmarker.ErrClosed) || errors.Is(err, context.Canceled) {
			return err
		}
		s.publish(res, ts, err)
		if res != nil {
			_ = res.Close()
		}
	}
}

func (s *service) reportStats(ctx context.Context) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *service) logStats() {
	ps := s.pipeline.Stats()
	bs := s.bus.Stats()
	attrs := []any{
		"submitted", ps.Submitted,
		"processed", ps.Processed,
		"failed", ps.Failed,
		"dropped", ps.Dropped,
		"rejected", ps.Rejected,
		"detector_runs", ps.DetectorRuns,
		"tracker_runs", ps.TrackerRuns,
		"tracked_poses", ps.TrackedPoses,
		"last_latency_ms", ps.LastLatency.Milliseconds(),
		"bus_published", bs.TotalPublished,
		"bus_drop_rate", resultbus.DropRate(bs),
	}
	if s.emitter != nil {
		es := s.emitter.Stats()
		attrs = append(attrs, "mqtt_connected", es.Connected, "mqtt_published", es.Published, "mqtt_errors", es.Errors)
	}
	if ff, ok := s.src.(*source.FFmpeg); ok {
		if w := ff.Warmup(); w != nil {
			attrs = append(attrs, "source_fps", w.FPSMean, "source_stable", w.Stable)
		}
	}
	s.logger.Info("pipeline stats", attrs...)
}

// shutdown order: source, pipeline (flushes the in-flight live frame into the
// bus), bus, sinks, emitter and recorder.
func (s *service) shutdown(sinks *errgroup.Group, cancelSinks context.CancelFunc, timeout time.Duration) error {
	var errs []error
	if err := s.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close source: %w", err))
	}
	if err := s.pipeline.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pipeline: %w", err))
	}
	s.logStats()

	s.bus.Close()
	for _, ch := range s.sinkChans {
		close(ch)
	}

	done := make(chan error, 1)
	go func() { done <- sinks.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			errs = append(errs, err)
		}
	case <-time.After(timeout):
		s.logger.Warn("sinks did not drain in time", "timeout", timeout)
		cancelSinks()
		<-done
	}

	s.closeSinks()
	return errors.Join(errs...)
}

func (s *service) closeSinks() {
	s.bus.Close()
	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("recorder close failed", "error", err)
		}
	}
}
