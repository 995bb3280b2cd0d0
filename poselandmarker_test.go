package poselandmarker_test

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker"
)

type unavailableBackend struct{}

func (unavailableBackend) Invoke(context.Context, []poselandmarker.Tensor) ([]poselandmarker.Tensor, error) {
	return nil, poselandmarker.ErrRuntime
}

func (unavailableBackend) Close() error { return nil }

func unavailableFactory(context.Context, string, []byte, poselandmarker.Delegate) (poselandmarker.InferenceBackend, error) {
	return unavailableBackend{}, nil
}

var bundle = poselandmarker.StaticResolver{Bundle: poselandmarker.Bundle{
	DetectorModel:   []byte("detector"),
	LandmarkerModel: []byte("landmarker"),
	Delegate:        poselandmarker.DelegateCPU,
}}

// Scenario: the public API enforces running modes and image ownership before
// touching the backends.
func TestPublicAPI(t *testing.T) {
	ctx := context.Background()
	p, err := poselandmarker.New(ctx, poselandmarker.DefaultOptions(), bundle, unavailableFactory)
	require.NoError(t, err)
	defer p.Close()

	img, err := poselandmarker.NewImageFromRGBA8(make([]uint8, 4*3*4), 4, 3)
	require.NoError(t, err)

	_, err = p.DetectForVideo(ctx, img, 0)
	assert.ErrorIs(t, err, poselandmarker.ErrWrongRunningMode)
	assert.ErrorIs(t, p.DetectAsync(img, 0), poselandmarker.ErrWrongRunningMode)

	_, err = p.Detect(ctx, img)
	assert.Error(t, err, "backend failure surfaces as an error")
	assert.False(t, img.Released(), "the caller keeps ownership of the image")

	require.NoError(t, img.Release())
	_, err = p.Detect(ctx, img)
	assert.ErrorIs(t, err, poselandmarker.ErrUseAfterRelease)

	require.NoError(t, p.Close())
	_, err = p.Detect(ctx, img)
	assert.Error(t, err)
}

func TestNewFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pose.yaml")
	cfg := `
models:
  bundle: ` + filepath.Join(dir, "missing.task") + `
runtime:
  command: serve-models
pipeline:
  running_mode: VIDEO
source:
  type: dir
  path: ` + dir + `
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	_, err := poselandmarker.NewFromConfigFile(context.Background(), path, nil, nil)
	assert.ErrorIs(t, err, poselandmarker.ErrAssetResolution)

	_, err = poselandmarker.NewFromConfigFile(context.Background(), filepath.Join(dir, "absent.yaml"), nil, nil)
	assert.Error(t, err)
}

func TestLiveStreamRequiresCallback(t *testing.T) {
	opts := poselandmarker.DefaultOptions()
	opts.RunningMode = poselandmarker.ModeLiveStream
	_, err := poselandmarker.New(context.Background(), opts, bundle, unavailableFactory)
	assert.ErrorIs(t, err, poselandmarker.ErrInvalidConfiguration)
}

// Scenario: clients build every image and mask representation through the
// root package alone.
func TestPublicFrameConstructors(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 2, 1))
	gray.SetGray(1, 0, color.Gray{Y: 200})
	img, err := poselandmarker.NewImageFromBitmap(gray)
	require.NoError(t, err)
	defer img.Release()
	assert.Equal(t, poselandmarker.KindBitmap, img.Canonical())
	pix, err := img.RGBA8()
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 0, 0, 255, 200, 200, 200, 255}, pix)

	gc := poselandmarker.NewSoftwareContext()
	h, err := gc.Upload(poselandmarker.TextureRGBA8, 2, 1, pix)
	require.NoError(t, err)
	tex, err := poselandmarker.NewImage(poselandmarker.Texture{
		Context: gc,
		Handle:  h,
		Format:  poselandmarker.TextureRGBA8,
	}, 2, 1)
	require.NoError(t, err)
	defer tex.Release()
	assert.Equal(t, poselandmarker.KindTexture, tex.Canonical())

	_, err = poselandmarker.NewImage(poselandmarker.Float32{Data: make([]float32, 3)}, 2, 1)
	assert.ErrorIs(t, err, poselandmarker.ErrInvalidDimensions)

	mask, err := poselandmarker.NewMask(poselandmarker.Uint8{Data: []uint8{0, 3}}, 2, 1, poselandmarker.Category)
	require.NoError(t, err)
	defer mask.Release()
	assert.Equal(t, poselandmarker.Category, mask.ValueKind())
	v, err := mask.At(1, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(3), v)

	_, err = poselandmarker.NewMask(poselandmarker.Float32{Data: []float32{0, 2}}, 2, 1, poselandmarker.Confidence)
	assert.ErrorIs(t, err, poselandmarker.ErrMaskValueOutOfRange)
}

func TestSubprocessFactoryRequiresCommand(t *testing.T) {
	factory := poselandmarker.SubprocessFactory(poselandmarker.SubprocessConfig{Name: "detector"})
	_, err := poselandmarker.New(context.Background(), poselandmarker.DefaultOptions(), bundle, factory)
	assert.Error(t, err)
}
