// Package backend is the boundary to the neural-network execution engine.
//
// The pipeline never interprets models itself: it hands named float tensors
// to an InferenceBackend and reads named float tensors back. Any runtime that
// can honor that contract (an external process, an in-process engine, a test
// fake) can drive the pipeline.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/asset"
)

var (
	// ErrBackendClosed is returned by Invoke after Close.
	ErrBackendClosed = errors.New("backend: closed")
	// ErrMissingOutput is returned when an expected output tensor is absent
	// or has the wrong size.
	ErrMissingOutput = errors.New("backend: missing output")
	// ErrRuntime wraps errors reported by the execution engine.
	ErrRuntime = errors.New("backend: runtime error")
)

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Name  string    `msgpack:"name"`
	Shape []int     `msgpack:"shape"`
	Data  []float32 `msgpack:"data"`
}

// Size returns the element count implied by Shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// InferenceBackend runs one compiled graph.
//
// Contract:
//   - Invoke is synchronous and never called concurrently on one instance.
//   - Output slices are owned by the caller after Invoke returns.
//   - Close is idempotent; Invoke after Close returns ErrBackendClosed.
type InferenceBackend interface {
	Invoke(ctx context.Context, inputs []Tensor) ([]Tensor, error)
	Close() error
}

// Factory builds a backend for one model of a bundle.
// name identifies the graph ("detector" or "landmarker") in logs.
type Factory func(ctx context.Context, name string, model []byte, delegate asset.Delegate) (InferenceBackend, error)

// Output finds the tensor called name and checks it holds want elements
// (want ≤ 0 skips the size check).
func Output(outputs []Tensor, name string, want int) (Tensor, error) {
	for _, t := range outputs {
		if t.Name != name {
			continue
		}
		if want > 0 && len(t.Data) != want {
			return Tensor{}, fmt.Errorf("%w: %q has %d values, want %d",
				ErrMissingOutput, name, len(t.Data), want)
		}
		return t, nil
	}
	return Tensor{}, fmt.Errorf("%w: %q", ErrMissingOutput, name)
}
