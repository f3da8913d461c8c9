// Package backlash measures the dead zone of a guide port axis: the motion a
// reversing drive loses before the mount actually starts to move.
package backlash

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// ErrTooFewPoints is returned when fewer than MinPoints samples are analyzed.
var ErrTooFewPoints = errors.New("not enough backlash points")

// MinPoints is the number of samples the analysis needs: two full cycles.
const MinPoints = 8

// Axis is the guide port axis under test.
type Axis int

const (
	RA Axis = iota
	DEC
)

func (a Axis) String() string {
	if a == DEC {
		return "DEC"
	}
	return "RA"
}

// Unit is the actuator direction of a forward pulse on the axis.
func (a Axis) Unit() geometry.Point {
	if a == DEC {
		return geometry.Point{Y: 1}
	}
	return geometry.Point{X: 1}
}

// ParseAxis accepts "ra" or "dec" in any case.
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ra":
		return RA, nil
	case "dec":
		return DEC, nil
	}
	return 0, fmt.Errorf("unknown axis %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Axis) UnmarshalText(b []byte) error {
	v, err := ParseAxis(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Point is one sample of a backlash cycle: the star position after a pulse,
// relative to the position before the first pulse.
type Point struct {
	ID      int     `json:"id"`
	Time    float64 `json:"time"` // seconds since the first pulse
	XOffset float64 `json:"xoffset"`
	YOffset float64 `json:"yoffset"`
}

// Phase returns the position of the sample within its cycle. Phases 0 and 1
// follow forward pulses, 2 and 3 backward pulses; phases 0 and 2 are the
// first pulses after a reversal.
func Phase(i int) int {
	return i % 4
}

// Forward reports whether the pulse before sample i goes forward.
func Forward(i int) bool {
	return Phase(i) < 2
}

// Result is the fitted backlash model of one axis. The star position along
// the principal direction (X, Y) after a sample with step counts K is
//
//	F*K0 + Forward*K1 - B*K2 - Backward*K3 + Offset + Drift*time
//
// where Kj counts the phase j pulses up to and including the sample.
type Result struct {
	Axis       Axis    `json:"axis"`
	Interval   float64 `json:"interval"` // pulse length in seconds
	LastPoints int     `json:"lastpoints"`
	Points     int     `json:"points"` // samples that went into the fit

	X float64 `json:"x"` // principal direction of motion in the image
	Y float64 `json:"y"`

	F        float64 `json:"f"`        // px moved by the first forward pulse after a reversal
	Forward  float64 `json:"forward"`  // px moved by a forward pulse in the same direction
	B        float64 `json:"b"`        // px moved by the first backward pulse after a reversal
	Backward float64 `json:"backward"` // px moved by a backward pulse in the same direction
	Offset   float64 `json:"offset"`
	Drift    float64 `json:"drift"` // px/s along the principal direction

	Longitudinal float64 `json:"longitudinal"` // residual spread along the direction, px
	Lateral      float64 `json:"lateral"`      // spread across the direction, px
}

// Predict evaluates the model.
func (r Result) Predict(k [4]int, t float64) float64 {
	return r.F*float64(k[0]) + r.Forward*float64(k[1]) -
		r.B*float64(k[2]) - r.Backward*float64(k[3]) +
		r.Offset + r.Drift*t
}

// ForwardBacklash is the motion lost by the first forward pulse, in px.
func (r Result) ForwardBacklash() float64 {
	return r.Forward - r.F
}

// BackwardBacklash is the motion lost by the first backward pulse, in px.
func (r Result) BackwardBacklash() float64 {
	return r.Backward - r.B
}

// ForwardSeconds converts the forward backlash into pulse time.
func (r Result) ForwardSeconds() float64 {
	if r.Forward == 0 {
		return 0
	}
	return r.Interval * r.ForwardBacklash() / r.Forward
}

// BackwardSeconds converts the backward backlash into pulse time.
func (r Result) BackwardSeconds() float64 {
	if r.Backward == 0 {
		return 0
	}
	return r.Interval * r.BackwardBacklash() / r.Backward
}

func (r Result) String() string {
	return fmt.Sprintf("%s dir=(%.3f,%.3f) f=%.3f forward=%.3f b=%.3f backward=%.3f offset=%.3f drift=%.4f long=%.3f lat=%.3f",
		r.Axis, r.X, r.Y, r.F, r.Forward, r.B, r.Backward, r.Offset, r.Drift, r.Longitudinal, r.Lateral)
}
