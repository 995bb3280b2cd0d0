package landmarker

import (
	"fmt"

	"github.com/e7canasta/orion-care-sensor/modules/poselandmarker/internal/frame"
)

// smoothMask blends cur with prev, weighting prev by ratio scaled by how
// uncertain each current pixel is. Confident pixels (near 0 or 1) follow cur;
// uncertain pixels (near 0.5) lean on prev.
//
// The output is a convex combination of two [0,1] values, so it stays a
// valid confidence mask. cur and prev are left untouched.
func smoothMask(cur, prev *frame.Mask, ratio float64) (*frame.Mask, error) {
	if cur.Width() != prev.Width() || cur.Height() != prev.Height() {
		return cur.Clone()
	}

	c, err := cur.Float32()
	if err != nil {
		return nil, fmt.Errorf("landmarker: smooth segmentation: %w", err)
	}
	p, err := prev.Float32()
	if err != nil {
		return nil, fmt.Errorf("landmarker: smooth segmentation: %w", err)
	}

	out := make([]float32, len(c))
	r := float32(ratio)
	for i, v := range c {
		mixed := v + (p[i]-v)*uncertainty(v)*r
		switch {
		case mixed < 0:
			mixed = 0
		case mixed > 1:
			mixed = 1
		}
		out[i] = mixed
	}
	return frame.NewMask(frame.Float32{Data: out}, cur.Width(), cur.Height(), frame.Confidence)
}

// uncertainty approximates 1 - |binary entropy| shape with a polynomial in
// (v-0.5)²: 1 at v=0.5, 0 at v∈{0,1}.
func uncertainty(v float32) float32 {
	const (
		c1 = 5.68842
		c2 = -0.748699
		c3 = -57.8051
		c4 = 291.309
		c5 = -624.717
	)
	t := v - 0.5
	x := t * t
	u := 1 - min(1, x*(c1+x*(c2+x*(c3+x*(c4+x*c5)))))
	return max(0, u)
}
