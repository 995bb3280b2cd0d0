package frame

import (
	"fmt"
	"image"
	"math"
)

// ValueKind describes what mask values mean.
type ValueKind int

const (
	// Confidence masks hold per-pixel probabilities in [0,1].
	// Uint8 storage maps 0..255 to [0,1].
	Confidence ValueKind = iota + 1
	// Category masks hold per-pixel class indices in 0..255.
	Category
)

// String returns a human-readable name of the value kind
func (v ValueKind) String() string {
	switch v {
	case Confidence:
		return "confidence"
	case Category:
		return "category"
	default:
		return fmt.Sprintf("values(%d)", int(v))
	}
}

// Mask is a MaskFrame: single-channel values with the same multi-representation
// cache as Image.
//
// Supported representations: Uint8, Float32 (1 channel), Bitmap (*image.Gray),
// Texture (TextureR8 or TextureR32F).
//
// Conversions between Uint8 and Float32 depend on ValueKind:
//   - Confidence: Float32 = Uint8/255, Uint8 = round(Float32·255).
//   - Category:   values are copied as integers in both directions.
//
// Bitmap and R8 textures derive from Uint8; R32F textures derive from Float32.
//
// Lifecycle and thread-safety: same as Image.
type Mask struct {
	s      store
	values ValueKind
	// gray is the *image.Gray view of a canonical bitmap of another type;
	// cache[KindBitmap] keeps the adopted image.
	gray *image.Gray
}

// NewMask adopts rep as the canonical representation of a width×height mask.
//
// Errors:
//   - ErrInvalidDimensions: width/height ≤ 0, or buffer size does not match
//   - ErrUnsupportedFormat: RGBA8, nil representation, unknown ValueKind,
//     texture without context or with a non-single-channel format
//   - ErrMaskValueOutOfRange: Float32 confidence outside [0,1] (or NaN),
//     Float32 category value that is not an integer in 0..255
func NewMask(rep Representation, width, height int, values ValueKind) (*Mask, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	if values != Confidence && values != Category {
		return nil, fmt.Errorf("%w: mask %v", ErrUnsupportedFormat, values)
	}
	if rep == nil {
		return nil, fmt.Errorf("%w: nil representation", ErrUnsupportedFormat)
	}

	switch r := rep.(type) {
	case Uint8:
		if len(r.Data) != width*height {
			return nil, fmt.Errorf("%w: uint8 mask has %d values, want %d",
				ErrInvalidDimensions, len(r.Data), width*height)
		}
	case Float32:
		if len(r.Data) != width*height {
			return nil, fmt.Errorf("%w: float32 mask has %d values, want %d",
				ErrInvalidDimensions, len(r.Data), width*height)
		}
		if err := checkMaskValues(r.Data, values); err != nil {
			return nil, err
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
		if r.Format != TextureR8 && r.Format != TextureR32F {
			return nil, fmt.Errorf("%w: mask texture format %v", ErrUnsupportedFormat, r.Format)
		}
	default:
		return nil, fmt.Errorf("%w: %v is not a mask representation", ErrUnsupportedFormat, rep.Kind())
	}

	return &Mask{s: newStore(rep, width, height), values: values}, nil
}

func checkMaskValues(data []float32, values ValueKind) error {
	for i, v := range data {
		switch values {
		case Confidence:
			if !(v >= 0 && v <= 1) {
				return fmt.Errorf("%w: confidence %v at index %d", ErrMaskValueOutOfRange, v, i)
			}
		case Category:
			if !(v >= 0 && v <= 255) || v != float32(math.Trunc(float64(v))) {
				return fmt.Errorf("%w: category %v at index %d", ErrMaskValueOutOfRange, v, i)
			}
		}
	}
	return nil
}

// Width in pixels.
func (m *Mask) Width() int { return m.s.width }

// Height in pixels.
func (m *Mask) Height() int { return m.s.height }

// Channels is always 1.
func (m *Mask) Channels() int { return 1 }

// ValueKind reports how values are interpreted.
func (m *Mask) ValueKind() ValueKind { return m.values }

// Canonical returns the kind the mask was constructed with.
func (m *Mask) Canonical() Kind { return m.s.canonical }

// Released reports whether Release has been called.
func (m *Mask) Released() bool { return m.s.isReleased() }

// Has reports whether kind is already materialized.
func (m *Mask) Has(kind Kind) bool { return m.s.has(kind) }

// Get returns the mask in the requested representation, converting and
// caching on first access. KindTexture follows the same rule as Image.Get.
func (m *Mask) Get(kind Kind) (Representation, error) {
	if !kind.valid() {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, kind)
	}

	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.checkLocked(); err != nil {
		return nil, err
	}

	switch kind {
	case KindUint8:
		data, err := m.uint8Locked()
		if err != nil {
			return nil, err
		}
		return Uint8{Data: data}, nil
	case KindFloat32:
		data, err := m.float32Locked()
		if err != nil {
			return nil, err
		}
		return Float32{Data: data}, nil
	case KindBitmap:
		if rep, ok := m.s.cache[KindBitmap]; ok {
			return rep, nil
		}
		img, err := m.bitmapLocked()
		if err != nil {
			return nil, err
		}
		return Bitmap{Image: img}, nil
	case KindTexture:
		if rep, ok := m.s.cache[KindTexture]; ok {
			return rep, nil
		}
		return nil, fmt.Errorf("%w: texture requires a graphics context", ErrConversionUnsupported)
	default:
		return nil, fmt.Errorf("%w: mask to %v", ErrConversionUnsupported, kind)
	}
}

// Uint8 returns one byte per pixel (read-only).
func (m *Mask) Uint8() ([]uint8, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.checkLocked(); err != nil {
		return nil, err
	}
	return m.uint8Locked()
}

// Float32 returns one float per pixel (read-only).
func (m *Mask) Float32() ([]float32, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.checkLocked(); err != nil {
		return nil, err
	}
	return m.float32Locked()
}

// Bitmap returns the mask as *image.Gray (read-only). A canonical bitmap of
// another type is converted once; Get(KindBitmap) still returns the original.
func (m *Mask) Bitmap() (*image.Gray, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.checkLocked(); err != nil {
		return nil, err
	}
	return m.bitmapLocked()
}

// At returns the float value at (x, y). Out-of-bounds coordinates return 0.
func (m *Mask) At(x, y int) (float32, error) {
	data, err := m.Float32()
	if err != nil {
		return 0, err
	}
	if x < 0 || y < 0 || x >= m.s.width || y >= m.s.height {
		return 0, nil
	}
	return data[y*m.s.width+x], nil
}

// Texture returns a single-channel texture in gc, uploading on first access.
// Float-canonical masks upload R32F, all others R8.
func (m *Mask) Texture(gc GraphicsContext) (TextureHandle, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.checkLocked(); err != nil {
		return 0, err
	}

	h, ok, err := m.s.cachedTextureLocked(gc)
	if err != nil || ok {
		return h, err
	}

	var (
		format TextureFormat
		data   []byte
	)
	if m.s.canonical == KindFloat32 {
		f, err := m.float32Locked()
		if err != nil {
			return 0, err
		}
		format, data = TextureR32F, float32Bytes(f)
	} else {
		u, err := m.uint8Locked()
		if err != nil {
			return 0, err
		}
		format, data = TextureR8, u
	}

	h, err = gc.Upload(format, m.s.width, m.s.height, data)
	if err != nil {
		return 0, fmt.Errorf("frame: upload texture: %w", err)
	}
	m.s.cache[KindTexture] = Texture{Context: gc, Handle: h, Format: format}
	return h, nil
}

// Release frees all cached representations. Idempotent.
func (m *Mask) Release() error {
	err := m.s.release()
	m.s.mu.Lock()
	m.gray = nil
	m.s.mu.Unlock()
	return err
}

// Clone deep-copies the mask into a new, independently owned Mask backed by
// a host representation.
func (m *Mask) Clone() (*Mask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.checkLocked(); err != nil {
		return nil, err
	}

	w, h := m.s.width, m.s.height
	if m.s.canonical == KindFloat32 || m.textureFormatLocked() == TextureR32F {
		f, err := m.float32Locked()
		if err != nil {
			return nil, err
		}
		return NewMask(Float32{Data: append([]float32(nil), f...)}, w, h, m.values)
	}
	u, err := m.uint8Locked()
	if err != nil {
		return nil, err
	}
	return NewMask(Uint8{Data: append([]uint8(nil), u...)}, w, h, m.values)
}

func (m *Mask) textureFormatLocked() TextureFormat {
	if tex, ok := m.s.cache[m.s.canonical].(Texture); ok {
		return tex.Format
	}
	return 0
}

// baseLocked ensures Uint8 or Float32 is cached, downloading or converting
// the canonical representation as needed. Caller holds s.mu.
func (m *Mask) baseLocked() error {
	if _, ok := m.s.cache[KindUint8]; ok {
		return nil
	}
	if _, ok := m.s.cache[KindFloat32]; ok {
		return nil
	}

	w, h := m.s.width, m.s.height
	switch c := m.s.cache[m.s.canonical].(type) {
	case Bitmap:
		m.s.cache[KindUint8] = Uint8{Data: grayBytes(c.Image, w, h)}
	case Texture:
		format, data, err := c.Context.Download(c.Handle)
		if err != nil {
			return fmt.Errorf("frame: download texture: %w", err)
		}
		switch {
		case format == TextureR8 && len(data) == w*h:
			m.s.cache[KindUint8] = Uint8{Data: data}
		case format == TextureR32F && len(data) == w*h*4:
			f := bytesFloat32(data)
			if err := checkMaskValues(f, m.values); err != nil {
				return err
			}
			m.s.cache[KindFloat32] = Float32{Data: f}
		default:
			return fmt.Errorf("%w: texture %v with %d bytes for %dx%d mask",
				ErrConversionUnsupported, format, len(data), w, h)
		}
	default:
		return fmt.Errorf("%w: %v to mask values", ErrConversionUnsupported, m.s.canonical)
	}
	return nil
}

func (m *Mask) uint8Locked() ([]uint8, error) {
	if err := m.baseLocked(); err != nil {
		return nil, err
	}
	if rep, ok := m.s.cache[KindUint8]; ok {
		return rep.(Uint8).Data, nil
	}

	f := m.s.cache[KindFloat32].(Float32).Data
	out := make([]uint8, len(f))
	for i, v := range f {
		if m.values == Category {
			out[i] = uint8(v)
		} else {
			out[i] = quantize(v)
		}
	}
	m.s.cache[KindUint8] = Uint8{Data: out}
	return out, nil
}

func (m *Mask) float32Locked() ([]float32, error) {
	if err := m.baseLocked(); err != nil {
		return nil, err
	}
	if rep, ok := m.s.cache[KindFloat32]; ok {
		return rep.(Float32).Data, nil
	}

	u := m.s.cache[KindUint8].(Uint8).Data
	var out []float32
	if m.values == Category {
		out = make([]float32, len(u))
		for i, v := range u {
			out[i] = float32(v)
		}
	} else {
		out = normalizeAll(u)
	}
	m.s.cache[KindFloat32] = Float32{Data: out}
	return out, nil
}

func (m *Mask) bitmapLocked() (*image.Gray, error) {
	if m.gray != nil {
		return m.gray, nil
	}
	if rep, ok := m.s.cache[KindBitmap]; ok {
		if g, ok := rep.(Bitmap).Image.(*image.Gray); ok {
			return g, nil
		}
	}
	u, err := m.uint8Locked()
	if err != nil {
		return nil, err
	}
	g := newGray(u, m.s.width, m.s.height)
	if m.s.canonical == KindBitmap {
		m.gray = g
	} else {
		m.s.cache[KindBitmap] = Bitmap{Image: g}
	}
	return g, nil
}
