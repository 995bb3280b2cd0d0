package frame

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TextureFormat is the pixel layout of a texture.
type TextureFormat int

const (
	// TextureRGBA8 stores 4 bytes per pixel.
	TextureRGBA8 TextureFormat = iota + 1
	// TextureR8 stores 1 byte per pixel.
	TextureR8
	// TextureR32F stores one little-endian float32 per pixel.
	TextureR32F
)

// String returns a human-readable name of the format
func (f TextureFormat) String() string {
	switch f {
	case TextureRGBA8:
		return "rgba8"
	case TextureR8:
		return "r8"
	case TextureR32F:
		return "r32f"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// BytesPerPixel returns the storage size of one pixel.
func (f TextureFormat) BytesPerPixel() int {
	switch f {
	case TextureRGBA8, TextureR32F:
		return 4
	case TextureR8:
		return 1
	default:
		return 0
	}
}

// TextureHandle identifies a texture inside its GraphicsContext.
type TextureHandle uint32

// GraphicsContext owns GPU-resident textures.
//
// A texture handle is only meaningful inside the context that created it.
// Frames record the context of every texture they cache and refuse access
// through any other context (ErrContextMismatch).
type GraphicsContext interface {
	// ID uniquely identifies the context.
	ID() string
	// Upload copies data into a new texture and returns its handle.
	Upload(format TextureFormat, width, height int, data []byte) (TextureHandle, error)
	// Download copies a texture back to host memory.
	Download(h TextureHandle) (TextureFormat, []byte, error)
	// Delete frees a texture. Deleting an unknown handle is an error.
	Delete(h TextureHandle) error
}

type softwareTexture struct {
	format TextureFormat
	width  int
	height int
	data   []byte
}

// SoftwareContext is a GraphicsContext backed by host memory.
//
// Used by the CPU delegate and by tests. It tracks live textures so leaks are
// observable through Live().
//
// Thread-safety: all methods safe for concurrent use.
type SoftwareContext struct {
	id       string
	mu       sync.Mutex
	next     TextureHandle
	textures map[TextureHandle]softwareTexture
}

// NewSoftwareContext creates an empty context with a random ID.
func NewSoftwareContext() *SoftwareContext {
	return &SoftwareContext{
		id:       uuid.NewString(),
		textures: make(map[TextureHandle]softwareTexture),
	}
}

// ID implements GraphicsContext.
func (c *SoftwareContext) ID() string { return c.id }

// Upload implements GraphicsContext.
func (c *SoftwareContext) Upload(format TextureFormat, width, height int, data []byte) (TextureHandle, error) {
	bpp := format.BytesPerPixel()
	if bpp == 0 {
		return 0, fmt.Errorf("%w: texture format %v", ErrUnsupportedFormat, format)
	}
	if width <= 0 || height <= 0 || len(data) != width*height*bpp {
		return 0, fmt.Errorf("%w: texture %dx%d %v with %d bytes",
			ErrInvalidDimensions, width, height, format, len(data))
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.textures[c.next] = softwareTexture{format: format, width: width, height: height, data: buf}
	return c.next, nil
}

// Download implements GraphicsContext.
func (c *SoftwareContext) Download(h TextureHandle) (TextureFormat, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tex, ok := c.textures[h]
	if !ok {
		return 0, nil, fmt.Errorf("frame: unknown texture %d in context %s", h, c.id)
	}
	out := make([]byte, len(tex.data))
	copy(out, tex.data)
	return tex.format, out, nil
}

// Delete implements GraphicsContext.
func (c *SoftwareContext) Delete(h TextureHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.textures[h]; !ok {
		return fmt.Errorf("frame: unknown texture %d in context %s", h, c.id)
	}
	delete(c.textures, h)
	return nil
}

// Live returns the number of textures not yet deleted.
func (c *SoftwareContext) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.textures)
}
