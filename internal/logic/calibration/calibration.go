// Package calibration learns how actuator commands move the guide star.
//
// A calibration is the affine map
//
//	star = | a0 a1 | * offset + t * | a2 |
//	       | a3 a4 |                | a5 |
//
// where offset is the actuator displacement (X = RA, Y = DEC), t the elapsed
// time in seconds and (a2, a5) the uncorrected drift in pixels per second.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
)

var (
	// ErrDegenerate means the actuator does not move the star along two
	// independent directions.
	ErrDegenerate = errors.New("degenerate calibration")
	// ErrTooFewPoints means the linear system is underdetermined.
	ErrTooFewPoints = errors.New("not enough calibration points")
)

// Point is one calibration sample.
type Point struct {
	T      float64        `json:"t"`      // seconds since the start of the direction run
	Offset geometry.Point `json:"offset"` // actuator displacement applied so far in the run
	Star   geometry.Point `json:"star"`   // star displacement since the start of the run
}

// Calibration is the result of a calibration run. It must not be modified
// once Complete is set.
type Calibration struct {
	ID             string            `json:"id"`
	Guider         string            `json:"guider"` // descriptor key of the guider that produced it
	Timestamp      time.Time         `json:"timestamp"`
	Type           motion.DeviceType `json:"type"`
	A              [6]float64        `json:"a"`
	Quality        float64           `json:"quality"`
	Det            float64           `json:"det"`
	Residual       float64           `json:"residual"` // RMS fit error in pixels
	FocalLength    float64           `json:"focallength"`
	ArcsecPerPixel float64           `json:"arcsec_per_pixel"`
	GuideRate      float64           `json:"guiderate"`
	Interval       float64           `json:"interval"` // actuator units per calibration step
	Complete       bool              `json:"complete"`
	Points         []Point           `json:"points"`
}

// Clone returns a deep copy.
func (c *Calibration) Clone() Calibration {
	out := *c
	out.Points = slices.Clone(c.Points)
	return out
}

// Drift returns the drift column in pixels per second.
func (c *Calibration) Drift() geometry.Point {
	return geometry.Point{X: c.A[2], Y: c.A[5]}
}

// Determinant returns the determinant of the linear block.
func (c *Calibration) Determinant() float64 {
	return c.A[0]*c.A[4] - c.A[1]*c.A[3]
}

// Orthogonality is 1 - cos^2 of the angle between the star motion produced
// by RA and by DEC: 1 when the axes are perpendicular, 0 when parallel.
func (c *Calibration) Orthogonality() float64 {
	ra := geometry.Point{X: c.A[0], Y: c.A[3]}
	dec := geometry.Point{X: c.A[1], Y: c.A[4]}
	cos := (ra.X*dec.X + ra.Y*dec.Y) / (ra.Abs() * dec.Abs())
	q := 1 - cos*cos
	if math.IsNaN(q) {
		return 0
	}
	return q
}

// Correction returns the actuator displacement that brings a star seen at
// offset back to the reference and cancels the drift expected over the next
// deltat seconds: -A^-1 * (offset + deltat*drift).
func (c *Calibration) Correction(offset geometry.Point, deltat float64) geometry.Point {
	det := c.Determinant()
	dx := -(offset.X + deltat*c.A[2])
	dy := -(offset.Y + deltat*c.A[5])
	return geometry.Point{
		X: (dx*c.A[4] - dy*c.A[1]) / det,
		Y: (c.A[0]*dy - c.A[3]*dx) / det,
	}
}

func (c *Calibration) String() string {
	return fmt.Sprintf("[%.4f,%.4f,%.4f;%.4f,%.4f,%.4f]", c.A[0], c.A[1], c.A[2], c.A[3], c.A[4], c.A[5])
}
