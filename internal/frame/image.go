package frame

import (
	"fmt"
	"image"
)

// Image is an ImageFrame: 4-channel pixels held in one canonical
// representation plus lazily materialized ones.
//
// Supported representations: RGBA8 (hub), Float32 (4 channels, [0,1]),
// Bitmap (*image.NRGBA), Texture (TextureRGBA8).
//
// Conversion paths (all through the RGBA8 hub, no resampling):
//
//	Float32 ──quantize──▶ RGBA8 ──÷255──▶ Float32
//	Bitmap  ──NRGBA────▶ RGBA8 ──copy──▶ Bitmap
//	Texture ──download─▶ RGBA8 ──upload─▶ Texture
//
// RGBA8→Float32→RGBA8 is lossless. Float32→RGBA8 quantizes to 1/255 steps
// (error ≤ 1/510 per channel). A canonical *image.RGBA with alpha < 255 is
// un-premultiplied on conversion.
//
// Lifecycle: creator owns the Image until Release(). After Release every
// representation accessor fails with ErrUseAfterRelease.
//
// Thread-safety: safe for concurrent readers.
type Image struct {
	s store
}

// NewImage adopts rep as the canonical representation of a width×height image.
//
// Errors:
//   - ErrInvalidDimensions: width/height ≤ 0, or buffer size does not match
//   - ErrUnsupportedFormat: nil/unknown representation, Uint8, texture
//     without context or with a non-RGBA8 format
func NewImage(rep Representation, width, height int) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if rep == nil {
		return nil, fmt.Errorf("%w: nil representation", ErrUnsupportedFormat)
	}

	switch r := rep.(type) {
	case RGBA8:
		if len(r.Pix) != width*height*4 {
			return nil, fmt.Errorf("%w: rgba8 buffer has %d bytes, want %d",
				ErrInvalidDimensions, len(r.Pix), width*height*4)
		}
	case Float32:
		if len(r.Data) != width*height*4 {
			return nil, fmt.Errorf("%w: float32 buffer has %d values, want %d",
				ErrInvalidDimensions, len(r.Data), width*height*4)
		}
	case Bitmap:
		if r.Image == nil {
			return nil, fmt.Errorf("%w: nil bitmap", ErrUnsupportedFormat)
		}
		if !boundsMatch(r.Image, width, height) {
			return nil, fmt.Errorf("%w: bitmap bounds %v, want %dx%d",
				ErrInvalidDimensions, r.Image.Bounds(), width, height)
		}
	case Texture:
		if r.Context == nil {
			return nil, fmt.Errorf("%w: texture without graphics context", ErrUnsupportedFormat)
		}
		if r.Format != TextureRGBA8 {
			return nil, fmt.Errorf("%w: image texture format %v", ErrUnsupportedFormat, r.Format)
		}
	default:
		return nil, fmt.Errorf("%w: %v is not an image representation", ErrUnsupportedFormat, rep.Kind())
	}

	return &Image{s: newStore(rep, width, height)}, nil
}

// NewImageFromRGBA8 is shorthand for NewImage(RGBA8{Pix: pix}, width, height).
func NewImageFromRGBA8(pix []uint8, width, height int) (*Image, error) {
	return NewImage(RGBA8{Pix: pix}, width, height)
}

// NewImageFromBitmap adopts img with its own bounds as dimensions.
func NewImageFromBitmap(img image.Image) (*Image, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil bitmap", ErrUnsupportedFormat)
	}
	b := img.Bounds()
	return NewImage(Bitmap{Image: img}, b.Dx(), b.Dy())
}

// Width in pixels.
func (im *Image) Width() int { return im.s.width }

// Height in pixels.
func (im *Image) Height() int { return im.s.height }

// Canonical returns the kind the image was constructed with.
func (im *Image) Canonical() Kind { return im.s.canonical }

// Released reports whether Release has been called.
func (im *Image) Released() bool { return im.s.isReleased() }

// Has reports whether kind is already materialized (no conversion needed).
func (im *Image) Has(kind Kind) bool { return im.s.has(kind) }

// Get returns the image in the requested representation, converting from
// the canonical one and caching the result on first access.
//
// KindTexture is only returned when already materialized; use Texture(ctx)
// to upload into a specific GraphicsContext.
func (im *Image) Get(kind Kind) (Representation, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, kind)
	}

	im.s.mu.Lock()
	defer im.s.mu.Unlock()
	if err := im.s.checkLocked(); err != nil {
		return nil, err
	}

	switch kind {
	case KindRGBA8:
		pix, err := im.rgba8Locked()
		if err != nil {
			return nil, err
		}
		return RGBA8{Pix: pix}, nil
	case KindFloat32:
		data, err := im.float32Locked()
		if err != nil {
			return nil, err
		}
		return Float32{Data: data}, nil
	case KindBitmap:
		img, err := im.bitmapLocked()
		if err != nil {
			return nil, err
		}
		return Bitmap{Image: img}, nil
	case KindTexture:
		if rep, ok := im.s.cache[KindTexture]; ok {
			return rep, nil
		}
		return nil, fmt.Errorf("%w: texture requires a graphics context", ErrConversionUnsupported)
	default:
		return nil, fmt.Errorf("%w: image to %v", ErrConversionUnsupported, kind)
	}
}

// RGBA8 returns tightly packed RGBA bytes (read-only).
func (im *Image) RGBA8() ([]uint8, error) {
	im.s.mu.Lock()
	defer im.s.mu.Unlock()
	if err := im.s.checkLocked(); err != nil {
		return nil, err
	}
	return im.rgba8Locked()
}

// Float32 returns 4-channel normalized floats (read-only).
func (im *Image) Float32() ([]float32, error) {
	im.s.mu.Lock()
	defer im.s.mu.Unlock()
	if err := im.s.checkLocked(); err != nil {
		return nil, err
	}
	return im.float32Locked()
}

// Bitmap returns the image as a Go image.Image (read-only).
func (im *Image) Bitmap() (image.Image, error) {
	im.s.mu.Lock()
	defer im.s.mu.Unlock()
	if err := im.s.checkLocked(); err != nil {
		return nil, err
	}
	return im.bitmapLocked()
}

// Texture returns a TextureRGBA8 handle in gc, uploading on first access.
//
// A frame holds at most one texture. Requesting it from a context other than
// the one that created it fails with ErrContextMismatch.
func (im *Image) Texture(gc GraphicsContext) (TextureHandle, error) {
	im.s.mu.Lock()
	defer im.s.mu.Unlock()
	if err := im.s.checkLocked(); err != nil {
		return 0, err
	}

	h, ok, err := im.s.cachedTextureLocked(gc)
	if err != nil || ok {
		return h, err
	}

	pix, err := im.rgba8Locked()
	if err != nil {
		return 0, err
	}
	h, err = gc.Upload(TextureRGBA8, im.s.width, im.s.height, pix)
	if err != nil {
		return 0, fmt.Errorf("frame: upload texture: %w", err)
	}
	im.s.cache[KindTexture] = Texture{Context: gc, Handle: h, Format: TextureRGBA8}
	return h, nil
}

// Release frees all cached representations, deleting textures through their
// context. Idempotent.
func (im *Image) Release() error {
	return im.s.release()
}

// Clone deep-copies the canonical representation into a new, independently
// owned Image. Textures are copied within their own context.
func (im *Image) Clone() (*Image, error) {
	im.s.mu.Lock()
	defer im.s.mu.Unlock()
	if err := im.s.checkLocked(); err != nil {
		return nil, err
	}

	w, h := im.s.width, im.s.height
	switch c := im.s.cache[im.s.canonical].(type) {
	case RGBA8:
		return NewImage(RGBA8{Pix: append([]uint8(nil), c.Pix...)}, w, h)
	case Float32:
		return NewImage(Float32{Data: append([]float32(nil), c.Data...)}, w, h)
	case Bitmap:
		return NewImage(Bitmap{Image: newNRGBA(nrgbaBytes(c.Image, w, h), w, h)}, w, h)
	case Texture:
		format, data, err := c.Context.Download(c.Handle)
		if err != nil {
			return nil, fmt.Errorf("frame: clone texture: %w", err)
		}
		handle, err := c.Context.Upload(format, w, h, data)
		if err != nil {
			return nil, fmt.Errorf("frame: clone texture: %w", err)
		}
		return NewImage(Texture{Context: c.Context, Handle: handle, Format: format}, w, h)
	default:
		return nil, fmt.Errorf("%w: clone of %v", ErrConversionUnsupported, im.s.canonical)
	}
}

// rgba8Locked materializes the RGBA8 hub. Caller holds s.mu.
func (im *Image) rgba8Locked() ([]uint8, error) {
	if rep, ok := im.s.cache[KindRGBA8]; ok {
		return rep.(RGBA8).Pix, nil
	}

	w, h := im.s.width, im.s.height
	var pix []uint8
	switch c := im.s.cache[im.s.canonical].(type) {
	case Float32:
		pix = quantizeAll(c.Data)
	case Bitmap:
		pix = nrgbaBytes(c.Image, w, h)
	case Texture:
		format, data, err := c.Context.Download(c.Handle)
		if err != nil {
			return nil, fmt.Errorf("frame: download texture: %w", err)
		}
		if format != TextureRGBA8 || len(data) != w*h*4 {
			return nil, fmt.Errorf("%w: texture %v with %d bytes for %dx%d image",
				ErrConversionUnsupported, format, len(data), w, h)
		}
		pix = data
	default:
		return nil, fmt.Errorf("%w: %v to rgba8", ErrConversionUnsupported, im.s.canonical)
	}

	im.s.cache[KindRGBA8] = RGBA8{Pix: pix}
	return pix, nil
}

func (im *Image) float32Locked() ([]float32, error) {
	if rep, ok := im.s.cache[KindFloat32]; ok {
		return rep.(Float32).Data, nil
	}
	pix, err := im.rgba8Locked()
	if err != nil {
		return nil, err
	}
	data := normalizeAll(pix)
	im.s.cache[KindFloat32] = Float32{Data: data}
	return data, nil
}

func (im *Image) bitmapLocked() (image.Image, error) {
	if rep, ok := im.s.cache[KindBitmap]; ok {
		return rep.(Bitmap).Image, nil
	}
	pix, err := im.rgba8Locked()
	if err != nil {
		return nil, err
	}
	img := newNRGBA(pix, im.s.width, im.s.height)
	im.s.cache[KindBitmap] = Bitmap{Image: img}
	return img, nil
}
