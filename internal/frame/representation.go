// Package frame implements the multi-representation pixel containers used by
// the pose pipeline: Image (ImageFrame) and Mask (MaskFrame).
//
// A frame is constructed from exactly one canonical representation and
// materializes other representations lazily, caching them inside the frame.
// Cached representations are owned by the frame, never by callers.
//
// Zero-copy contract:
//   - The slice/image/texture passed to NewImage/NewMask is adopted, not copied.
//     Creator MUST NOT modify it afterwards.
//   - Buffers returned by accessors are shared with the cache.
//     Callers MUST NOT modify them (read-only access).
//
// Enforcement is documentation-based, as for framesupplier.Frame.Data.
package frame

import (
	"errors"
	"fmt"
	"image"
)

var (
	ErrInvalidDimensions     = errors.New("frame: invalid dimensions")
	ErrUnsupportedFormat     = errors.New("frame: unsupported format")
	ErrConversionUnsupported = errors.New("frame: conversion unsupported")
	ErrUseAfterRelease       = errors.New("frame: use after release")
	ErrContextMismatch       = errors.New("frame: graphics context mismatch")
	ErrMaskValueOutOfRange   = errors.New("frame: mask value out of range")
)

// Kind tags a physical representation of pixel data.
type Kind int

const (
	// KindRGBA8 is a row-major []uint8 with 4 channels per pixel (images only).
	KindRGBA8 Kind = iota + 1
	// KindFloat32 is a row-major []float32. Images: 4 channels in [0,1]. Masks: 1 channel.
	KindFloat32
	// KindUint8 is a row-major []uint8 with 1 channel per pixel (masks only).
	KindUint8
	// KindBitmap is a Go-native image.Image (*image.NRGBA for images, *image.Gray for masks).
	KindBitmap
	// KindTexture is a texture handle owned by a GraphicsContext.
	KindTexture
)

// String returns a human-readable name of the kind
func (k Kind) String() string {
	switch k {
	case KindRGBA8:
		return "rgba8"
	case KindFloat32:
		return "float32"
	case KindUint8:
		return "uint8"
	case KindBitmap:
		return "bitmap"
	case KindTexture:
		return "texture"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) valid() bool {
	return k >= KindRGBA8 && k <= KindTexture
}

// Representation is one physical form of a frame's pixels.
//
// The set is closed: RGBA8, Float32, Uint8, Bitmap and Texture are the only
// implementations.
type Representation interface {
	Kind() Kind
	isRepresentation()
}

// RGBA8 holds 8-bit RGBA pixels.
type RGBA8 struct {
	Pix []uint8
}

// Float32 holds float pixels (4 channels for images, 1 for masks).
type Float32 struct {
	Data []float32
}

// Uint8 holds single-channel 8-bit pixels (masks).
type Uint8 struct {
	Data []uint8
}

// Bitmap wraps a Go image.Image.
type Bitmap struct {
	Image image.Image
}

// Texture references GPU-resident pixels inside a GraphicsContext.
type Texture struct {
	Context GraphicsContext
	Handle  TextureHandle
	Format  TextureFormat
}

func (RGBA8) Kind() Kind   { return KindRGBA8 }
func (Float32) Kind() Kind { return KindFloat32 }
func (Uint8) Kind() Kind   { return KindUint8 }
func (Bitmap) Kind() Kind  { return KindBitmap }
func (Texture) Kind() Kind { return KindTexture }

func (RGBA8) isRepresentation()   {}
func (Float32) isRepresentation() {}
func (Uint8) isRepresentation()   {}
func (Bitmap) isRepresentation()  {}
func (Texture) isRepresentation() {}
