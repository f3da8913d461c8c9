package geometry

import (
	"fmt"
	"math"
)

// Point is a 2D vector. In pixel space X/Y are image columns/rows; in
// actuator space X is RA and Y is DEC.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p + q.
func (p Point) Add(q Point) Point {
	return Point{X: p.X + q.X, Y: p.Y + q.Y}
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Scale returns s * p.
func (p Point) Scale(s float64) Point {
	return Point{X: s * p.X, Y: s * p.Y}
}

// Mul multiplies component by component.
func (p Point) Mul(q Point) Point {
	return Point{X: p.X * q.X, Y: p.Y * q.Y}
}

// Abs returns the magnitude of p.
func (p Point) Abs() float64 {
	return math.Hypot(p.X, p.Y)
}

// IsFinite reports whether neither component is NaN or infinite.
func (p Point) IsFinite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

func (p Point) String() string {
	return fmt.Sprintf("(%.3f,%.3f)", p.X, p.Y)
}
