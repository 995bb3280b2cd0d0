package backend

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/asset"
)

/*
SUBPROCESS BACKEND - WIRE PROTOCOL

  ┌──────────────┐  stdin: [len u32 BE][msgpack request]   ┌──────────────────┐
  │ Go pipeline  │ ──────────────────────────────────────> │ runtime process  │
  │ (this file)  │ <────────────────────────────────────── │ (tflite / onnx)  │
  └──────────────┘  stdout: [len u32 BE][msgpack response] └──────────────────┘
                    stderr: "[LEVEL] message" lines → slog

Requests:
  {id, op:"load",   name, model, delegate}   once, at start
  {id, op:"invoke", inputs:[{name,shape,data}]}

Responses:
  {id, outputs:[{name,shape,data}], error}

One request in flight at a time. A response whose id does not match the
pending request (left over from a cancelled call) is discarded.
*/

const (
	defaultWriteTimeout = 2 * time.Second
	defaultStopTimeout  = 2 * time.Second
	// maxMessageSize bounds a single response (segmentation logits are the
	// largest payload at 256×256 floats).
	maxMessageSize = 64 << 20
)

type request struct {
	ID       uint64   `msgpack:"id"`
	Op       string   `msgpack:"op"`
	Name     string   `msgpack:"name,omitempty"`
	Model    []byte   `msgpack:"model,omitempty"`
	Delegate string   `msgpack:"delegate,omitempty"`
	Inputs   []Tensor `msgpack:"inputs,omitempty"`
}

type response struct {
	ID      uint64   `msgpack:"id"`
	Outputs []Tensor `msgpack:"outputs"`
	Error   string   `msgpack:"error"`
}

// SubprocessConfig describes the runtime process to spawn.
type SubprocessConfig struct {
	// Command and Args start the runtime (e.g. a wrapper script that
	// activates a venv). The model is sent over the pipe, not as a path.
	Command string
	Args    []string
	// Name labels logs ("detector", "landmarker").
	Name   string
	Logger *slog.Logger
	// WriteTimeout bounds each stdin write (default 2s).
	WriteTimeout time.Duration
	// StopTimeout bounds graceful exit before the process is killed (default 2s).
	StopTimeout time.Duration
}

// Subprocess is an InferenceBackend backed by an external runtime process
// speaking length-prefixed msgpack over stdin/stdout.
//
// Thread-safety: Invoke calls are serialized internally.
type Subprocess struct {
	name         string
	logger       *slog.Logger
	writeTimeout time.Duration
	stopTimeout  time.Duration

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	mu        sync.Mutex // serializes calls
	nextID    uint64
	responses chan response
	readDone  chan struct{}
	readErr   error // valid after readDone is closed
	exited    chan struct{}
	stop      chan struct{}

	broken  atomic.Bool
	closed  atomic.Bool
	invokes atomic.Uint64
}

// StartSubprocess spawns the runtime, loads model into it and returns a
// ready backend.
func StartSubprocess(ctx context.Context, cfg SubprocessConfig, model []byte, delegate asset.Delegate) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("backend: runtime command is required")
	}
	if len(model) == 0 {
		return nil, fmt.Errorf("backend: %s model is empty", cfg.Name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runtime process: %w", err)
	}

	s := newSubprocess(cfg, stdin, stdout)
	s.cmd = cmd

	go s.logStderr(stderr)
	go s.waitProcess()

	s.logger.Info("runtime process spawned",
		"pid", cmd.Process.Pid,
		"command", cfg.Command,
	)

	if _, err := s.call(ctx, request{
		Op:       "load",
		Name:     cfg.Name,
		Model:    model,
		Delegate: string(delegate),
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("backend: load %s model: %w", cfg.Name, err)
	}

	s.logger.Info("model loaded", "delegate", delegate, "model_bytes", len(model))
	return s, nil
}

// SubprocessFactory returns a Factory spawning one runtime process per model.
func SubprocessFactory(cfg SubprocessConfig) Factory {
	return func(ctx context.Context, name string, model []byte, delegate asset.Delegate) (InferenceBackend, error) {
		c := cfg
		c.Name = name
		return StartSubprocess(ctx, c, model, delegate)
	}
}

// newSubprocess wires the protocol over arbitrary pipes. The reader goroutine
// starts immediately.
func newSubprocess(cfg SubprocessConfig, stdin io.WriteCloser, stdout io.Reader) *Subprocess {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	s := &Subprocess{
		name:         cfg.Name,
		logger:       logger.With("component", "backend", "graph", cfg.Name),
		writeTimeout: cfg.WriteTimeout,
		stopTimeout:  cfg.StopTimeout,
		stdin:        stdin,
		stdout:       stdout,
		responses:    make(chan response, 1),
		readDone:     make(chan struct{}),
		exited:       make(chan struct{}),
		stop:         make(chan struct{}),
	}
	go s.readResponses()
	return s
}

// Invoke implements InferenceBackend.
func (s *Subprocess) Invoke(ctx context.Context, inputs []Tensor) ([]Tensor, error) {
	resp, err := s.call(ctx, request{Op: "invoke", Inputs: inputs})
	if err != nil {
		return nil, err
	}
	s.invokes.Add(1)
	return resp.Outputs, nil
}

// Invokes returns the number of successful Invoke calls.
func (s *Subprocess) Invokes() uint64 { return s.invokes.Load() }

func (s *Subprocess) call(ctx context.Context, req request) (response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return response{}, ErrBackendClosed
	}
	if s.broken.Load() {
		return response{}, fmt.Errorf("%w: connection broken by earlier write failure", ErrBackendClosed)
	}

	s.nextID++
	req.ID = s.nextID

	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return response{}, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}
	if err := s.writeFrame(ctx, payload); err != nil {
		return response{}, err
	}

	for {
		select {
		case resp := <-s.responses:
			if resp.ID != req.ID {
				s.logger.Debug("discarding stale runtime response",
					"response_id", resp.ID,
					"pending_id", req.ID,
				)
				continue
			}
			if resp.Error != "" {
				return response{}, fmt.Errorf("%w: %s", ErrRuntime, resp.Error)
			}
			return resp, nil
		case <-s.readDone:
			return response{}, fmt.Errorf("%w: %v", ErrBackendClosed, s.readErr)
		case <-ctx.Done():
			return response{}, ctx.Err()
		}
	}
}

// writeFrame writes [len][payload] with a timeout. A timed-out write leaves
// the stream in an unknown state, so the connection is marked broken.
func (s *Subprocess) writeFrame(ctx context.Context, payload []byte) error {
	writeErr := make(chan error, 1)
	go func() {
		prefix := make([]byte, 4)
		binary.BigEndian.PutUint32(prefix, uint32(len(payload)))
		if _, err := s.stdin.Write(prefix); err != nil {
			writeErr <- fmt.Errorf("failed to write length prefix: %w", err)
			return
		}
		if _, err := s.stdin.Write(payload); err != nil {
			writeErr <- fmt.Errorf("failed to write msgpack data: %w", err)
			return
		}
		writeErr <- nil
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			s.broken.Store(true)
			return fmt.Errorf("%w: %v", ErrBackendClosed, err)
		}
		return nil
	case <-time.After(s.writeTimeout):
		s.broken.Store(true)
		return fmt.Errorf("backend: stdin write timeout (runtime may be hung)")
	case <-ctx.Done():
		s.broken.Store(true)
		return ctx.Err()
	}
}

// readResponses decodes frames from stdout until EOF or a protocol error.
func (s *Subprocess) readResponses() {
	defer close(s.readDone)

	lengthBuf := make([]byte, 4)
	for {
		if _, err := io.ReadFull(s.stdout, lengthBuf); err != nil {
			if errors.Is(err, io.EOF) {
				s.readErr = io.EOF
				s.logger.Debug("runtime stdout closed (EOF)")
			} else {
				s.readErr = fmt.Errorf("failed to read length prefix: %w", err)
			}
			return
		}

		n := binary.BigEndian.Uint32(lengthBuf)
		if n > maxMessageSize {
			s.readErr = fmt.Errorf("runtime message of %d bytes exceeds limit", n)
			s.logger.Error("runtime protocol violation", "length", n)
			return
		}

		data := make([]byte, n)
		if _, err := io.ReadFull(s.stdout, data); err != nil {
			s.readErr = fmt.Errorf("failed to read msgpack data: %w", err)
			return
		}

		var resp response
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			s.logger.Error("failed to unmarshal msgpack response",
				"error", err,
				"data_length", len(data),
				"action", "check runtime logs in stderr",
			)
			continue
		}
		select {
		case s.responses <- resp:
		case <-s.stop:
			return
		}
	}
}

// logStderr maps runtime log levels to slog levels.
func (s *Subprocess) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			s.logger.Error("runtime error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]"):
			s.logger.Warn("runtime warning", "log", line)
		default:
			s.logger.Debug("runtime log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil && !s.closed.Load() {
		s.logger.Error("error reading stderr", "error", err)
	}
}

func (s *Subprocess) waitProcess() {
	defer close(s.exited)
	err := s.cmd.Wait()
	switch {
	case s.closed.Load():
		s.logger.Debug("runtime process exited (shutdown)", "pid", s.cmd.Process.Pid)
	case err != nil:
		s.logger.Error("runtime process exited unexpectedly", "pid", s.cmd.Process.Pid, "error", err)
	default:
		s.logger.Info("runtime process exited cleanly", "pid", s.cmd.Process.Pid)
	}
}

// Close implements InferenceBackend. Closing stdin asks the runtime to exit;
// it is killed if it does not within StopTimeout.
func (s *Subprocess) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.stop)

	var err error
	if s.stdin != nil {
		err = s.stdin.Close()
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return err
	}

	select {
	case <-s.exited:
	case <-time.After(s.stopTimeout):
		s.logger.Warn("runtime stop timeout, force killing process", "pid", s.cmd.Process.Pid)
		if kerr := s.cmd.Process.Kill(); kerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to kill runtime process: %w", kerr))
		}
		<-s.exited
	}

	s.logger.Info("runtime process stopped", "invokes", s.invokes.Load())
	return err
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
