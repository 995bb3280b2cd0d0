package backend

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/geom"
)

// ValueRange is the float range RGB bytes are mapped to.
type ValueRange struct {
	Min float32
	Max float32
}

var (
	// RangeSigned maps 0..255 to [-1,1].
	RangeSigned = ValueRange{Min: -1, Max: 1}
	// RangeUnit maps 0..255 to [0,1].
	RangeUnit = ValueRange{Min: 0, Max: 1}
)

// ImageToTensor warps roi of img into a [1,height,width,3] tensor using
// bilinear sampling. Pixels that fall outside the image are black (Min).
//
// The returned transform maps tensor pixel coordinates back to image pixel
// coordinates, for projecting model outputs.
func ImageToTensor(img *frame.Image, roi geom.RegionOfInterest, width, height int, vr ValueRange, name string) (Tensor, geom.Transform, error) {
	src, err := img.Bitmap()
	if err != nil {
		return Tensor{}, geom.Transform{}, fmt.Errorf("backend: image to tensor: %w", err)
	}

	dstToSrc := geom.ROIToImage(roi, img.Width(), img.Height(), width, height)
	srcToDst, err := dstToSrc.Inverse()
	if err != nil {
		return Tensor{}, geom.Transform{}, fmt.Errorf("backend: image to tensor %v: %w", roi, err)
	}

	// Bitmaps may carry a non-zero origin; frame coordinates start at 0.
	b := src.Bounds()
	if b.Min != (image.Point{}) {
		srcToDst = geom.NewTransform(1, 0, -float64(b.Min.X), 0, 1, -float64(b.Min.Y)).Then(srcToDst)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Transform(dst, srcToDst.Aff3(), src, b, draw.Src, nil)

	scale := (vr.Max - vr.Min) / 255
	data := make([]float32, width*height*3)
	for i, j := 0, 0; i < len(dst.Pix); i, j = i+4, j+3 {
		data[j] = vr.Min + float32(dst.Pix[i])*scale
		data[j+1] = vr.Min + float32(dst.Pix[i+1])*scale
		data[j+2] = vr.Min + float32(dst.Pix[i+2])*scale
	}

	return Tensor{Name: name, Shape: []int{1, height, width, 3}, Data: data}, dstToSrc, nil
}
