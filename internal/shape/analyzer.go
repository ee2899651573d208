/* ---------------------------------------------------------------------------
** This software is in the public domain, furnished "as is", without technical
** support, and with no warranty, express or implied, as to its usefulness for
** any purpose.
** -------------------------------------------------------------------------*/

// Package shape measures the outline of a segmentation mask.
package shape

import (
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// Threshold is the probability above which a mask pixel is foreground.
const Threshold = 0.5

// Metrics describes how regular a segmented region is. A compact convex
// region has a circularity near 1 and a lobulation of 0.
type Metrics struct {
	Circularity float64 `json:"circularity"`
	Convexity   float64 `json:"convexity"`
	Lobulation  float64 `json:"lobulation"`
}

// Analyze thresholds a row-major width×height probability mask and computes
// its metrics. An empty mask yields zero metrics.
func Analyze(mask []float32, width, height int) Metrics {
	if width <= 0 || height <= 0 || len(mask) < width*height {
		return Metrics{}
	}

	var points []image.Point
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] > Threshold {
				points = append(points, image.Pt(x, y))
			}
		}
	}
	area := float64(len(points))
	if area == 0 {
		return Metrics{}
	}

	perimeter := 0.0
	for _, p := range points {
		if Boundary(mask, width, height, p) {
			perimeter++
		}
	}

	hullPerimeter := closedLength(ConvexHull(points))

	var m Metrics
	if perimeter > 0 {
		m.Circularity = 4 * math.Pi * area / (perimeter * perimeter)
		m.Convexity = hullPerimeter / perimeter
	}
	m.Lobulation = math.Max(0, (1-m.Convexity)*100)
	return m
}

// Boundary reports whether a foreground pixel touches the background or the
// mask edge through one of its four neighbours.
func Boundary(mask []float32, width, height int, p image.Point) bool {
	for _, d := range [...]image.Point{{0, 1}, {0, -1}, {1, 0}, {-1, 0}} {
		n := p.Add(d)
		if n.X < 0 || n.X >= width || n.Y < 0 || n.Y >= height {
			return true
		}
		if mask[n.Y*width+n.X] <= Threshold {
			return true
		}
	}
	return false
}

func cross(o, a, b image.Point) int {
	return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
}

// chain walks points and keeps only strict turns of one orientation.
func chain(points []image.Point) []image.Point {
	var c []image.Point
	for _, p := range points {
		for len(c) >= 2 && cross(c[len(c)-2], c[len(c)-1], p) <= 0 {
			c = c[:len(c)-1]
		}
		c = append(c, p)
	}
	return c
}

// ConvexHull returns the hull vertices using the monotone chain algorithm.
// Collinear points are dropped. Two points or fewer are returned as is.
func ConvexHull(points []image.Point) []image.Point {
	if len(points) <= 2 {
		return points
	}

	sorted := make([]image.Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X == sorted[j].X {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	upper := chain(sorted)
	reversed := make([]image.Point, len(sorted))
	for i, p := range sorted {
		reversed[len(sorted)-1-i] = p
	}
	lower := chain(reversed)

	hull := append([]image.Point{}, upper...)
	if len(lower) > 2 {
		hull = append(hull, lower[1:len(lower)-1]...)
	}
	return hull
}

// closedLength is the perimeter of the polygon through points.
func closedLength(points []image.Point) float64 {
	if len(points) < 2 {
		return 0
	}
	length := 0.0
	for i, p := range points {
		q := points[(i+1)%len(points)]
		length += r2.Norm(r2.Sub(vec(p), vec(q)))
	}
	return length
}

func vec(p image.Point) r2.Vec {
	return r2.Vec{X: float64(p.X), Y: float64(p.Y)}
}
