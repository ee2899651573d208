/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

package postproc

import "math"

// Box is an axis aligned rectangle given by its origin and size.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"width"`
	H float64 `json:"height"`
}

// Corners builds a box from its top-left and bottom-right corners.
func Corners(x1, y1, x2, y2 float64) Box {
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

func (b Box) MaxX() float64 { return b.X + b.W }
func (b Box) MaxY() float64 { return b.Y + b.H }

// Center returns the box centre.
func (b Box) Center() (float64, float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

func (b Box) Area() float64 {
	return b.W * b.H
}

// Valid reports whether the box has finite coordinates and a positive size.
func (b Box) Valid() bool {
	for _, v := range []float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.W > 0 && b.H > 0
}

// extent is the area computed from the corners, so that a box compared with
// itself yields exactly the same intersection.
func (b Box) extent() float64 {
	return (b.MaxX() - b.X) * (b.MaxY() - b.Y)
}

// IoU is the intersection over union of two boxes, in [0, 1]. Boxes that do
// not overlap, or only touch, have an IoU of 0.
func IoU(a, b Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.MaxX(), b.MaxX())
	y2 := math.Min(a.MaxY(), b.MaxY())
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	inter := (x2 - x1) * (y2 - y1)
	union := a.extent() + b.extent() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
