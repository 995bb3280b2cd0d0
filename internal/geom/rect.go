package geom

import "math"

// Rect is an axis-aligned box in normalized coordinates.
type Rect struct {
	XMin float64
	YMin float64
	XMax float64
	YMax float64
}

// Width of the box (0 if inverted).
func (r Rect) Width() float64 { return math.Max(0, r.XMax-r.XMin) }

// Height of the box (0 if inverted).
func (r Rect) Height() float64 { return math.Max(0, r.YMax-r.YMin) }

// Area of the box.
func (r Rect) Area() float64 { return r.Width() * r.Height() }

// Center of the box.
func (r Rect) Center() Point {
	return Point{X: (r.XMin + r.XMax) / 2, Y: (r.YMin + r.YMax) / 2}
}

// Intersect returns the overlap of r and o (possibly empty).
func (r Rect) Intersect(o Rect) Rect {
	return Rect{
		XMin: math.Max(r.XMin, o.XMin),
		YMin: math.Max(r.YMin, o.YMin),
		XMax: math.Min(r.XMax, o.XMax),
		YMax: math.Min(r.YMax, o.YMax),
	}
}

// IoU is intersection over union. Two empty boxes have IoU 0.
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoU of the unrotated bounds of two ROIs.
func IoU(a, b RegionOfInterest) float64 {
	return a.Bounds().IoU(b.Bounds())
}
