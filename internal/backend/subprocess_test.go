package backend

import (
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

// fakeRuntime speaks the wire protocol on the far side of two pipes.
// handle returns the response for each decoded request.
type fakeRuntime struct {
	reqR  *io.PipeReader
	respW *io.PipeWriter
}

func startFakeRuntime(t *testing.T, handle func(req request) (response, bool)) *Subprocess {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	rt := &fakeRuntime{reqR: reqR, respW: respW}

	go func() {
		defer respW.Close()
		lengthBuf := make([]byte, 4)
		for {
			if _, err := io.ReadFull(rt.reqR, lengthBuf); err != nil {
				return
			}
			data := make([]byte, binary.BigEndian.Uint32(lengthBuf))
			if _, err := io.ReadFull(rt.reqR, data); err != nil {
				return
			}
			var req request
			if err := msgpack.Unmarshal(data, &req); err != nil {
				return
			}
			resp, ok := handle(req)
			if !ok {
				continue
			}
			payload, _ := msgpack.Marshal(&resp)
			binary.BigEndian.PutUint32(lengthBuf, uint32(len(payload)))
			if _, err := rt.respW.Write(lengthBuf); err != nil {
				return
			}
			if _, err := rt.respW.Write(payload); err != nil {
				return
			}
		}
	}()

	s := newSubprocess(SubprocessConfig{Name: "test", WriteTimeout: time.Second}, reqW, respR)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSubprocessInvoke verifies request framing and tensor round trip.
func TestSubprocessInvoke(t *testing.T) {
	s := startFakeRuntime(t, func(req request) (response, bool) {
		out := make([]float32, len(req.Inputs[0].Data))
		for i, v := range req.Inputs[0].Data {
			out[i] = v * 2
		}
		return response{ID: req.ID, Outputs: []Tensor{{Name: "doubled", Shape: []int{1, len(out)}, Data: out}}}, true
	})

	outputs, err := s.Invoke(context.Background(), []Tensor{{Name: "x", Shape: []int{1, 3}, Data: []float32{1, 2, 3}}})
	require.NoError(t, err)

	doubled, err := Output(outputs, "doubled", 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 4, 6}, doubled.Data)
	assert.Equal(t, 3, doubled.Size())
	assert.Equal(t, uint64(1), s.Invokes())
}

func TestSubprocessRuntimeError(t *testing.T) {
	s := startFakeRuntime(t, func(req request) (response, bool) {
		return response{ID: req.ID, Error: "tensor shape mismatch"}, true
	})

	_, err := s.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRuntime)
	assert.Contains(t, err.Error(), "tensor shape mismatch")
}

// TestSubprocessDiscardsStaleResponse verifies a response to a cancelled
// call is not delivered to the next call.
func TestSubprocessDiscardsStaleResponse(t *testing.T) {
	release := make(chan struct{})
	s := startFakeRuntime(t, func(req request) (response, bool) {
		if req.ID == 1 {
			<-release
		}
		return response{ID: req.ID, Outputs: []Tensor{{Name: "id", Data: []float32{float32(req.ID)}}}}, true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Invoke(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	outputs, err := s.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, outputs[0].Data)
}

func TestSubprocessClosed(t *testing.T) {
	s := startFakeRuntime(t, func(req request) (response, bool) {
		return response{ID: req.ID}, true
	})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrBackendClosed)
}

func TestOutputMissing(t *testing.T) {
	outputs := []Tensor{{Name: "a", Data: []float32{1}}}
	_, err := Output(outputs, "b", 0)
	assert.ErrorIs(t, err, ErrMissingOutput)
	_, err = Output(outputs, "a", 2)
	assert.ErrorIs(t, err, ErrMissingOutput)
}

func TestStartSubprocessValidation(t *testing.T) {
	_, err := StartSubprocess(context.Background(), SubprocessConfig{}, []byte("m"), "cpu")
	assert.Error(t, err)
	_, err = StartSubprocess(context.Background(), SubprocessConfig{Command: "true"}, nil, "cpu")
	assert.Error(t, err)
}
