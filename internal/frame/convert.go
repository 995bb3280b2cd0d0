package frame

import (
	"encoding/binary"
	"image"
	"image/color"
	"math"
)

// quantize maps a [0,1] float to 0..255 (round half away from zero, clamped).
func quantize(v float32) uint8 {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(math.Round(float64(v) * 255))
}

func quantizeAll(src []float32) []uint8 {
	out := make([]uint8, len(src))
	for i, v := range src {
		out[i] = quantize(v)
	}
	return out
}

func normalizeAll(src []uint8) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v) / 255
	}
	return out
}

// nrgbaBytes returns tightly packed non-premultiplied RGBA bytes of img.
// Fast path for *image.NRGBA with zero origin and packed stride.
func nrgbaBytes(img image.Image, width, height int) []uint8 {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) && n.Stride == 4*width {
		out := make([]uint8, width*height*4)
		copy(out, n.Pix)
		return out
	}

	b := img.Bounds()
	out := make([]uint8, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := (y*width + x) * 4
			out[i], out[i+1], out[i+2], out[i+3] = c.R, c.G, c.B, c.A
		}
	}
	return out
}

// grayBytes returns one luma byte per pixel of img.
func grayBytes(img image.Image, width, height int) []uint8 {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) && g.Stride == width {
		out := make([]uint8, width*height)
		copy(out, g.Pix)
		return out
	}

	b := img.Bounds()
	out := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
		}
	}
	return out
}

func newNRGBA(pix []uint8, width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	copy(img.Pix, pix)
	return img
}

func newGray(pix []uint8, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	copy(img.Pix, pix)
	return img
}

func float32Bytes(src []float32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesFloat32(src []byte) []float32 {
	out := make([]float32, len(src)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out
}

func boundsMatch(img image.Image, width, height int) bool {
	b := img.Bounds()
	return b.Dx() == width && b.Dy() == height
}
