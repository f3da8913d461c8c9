// Package tracker measures where the guide star is in a guide image.
package tracker

import (
	"errors"

	"github.com/cjeanneret/StarGuide/internal/imaging"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// ErrStarLost is returned when an image yields no usable star position.
var ErrStarLost = errors.New("star lost")

// Tracker returns the offset of the guide star from the tracker's reference
// position. Measure works on an image already in memory; it never blocks and
// either returns a finite point or an error wrapping ErrStarLost.
type Tracker interface {
	Measure(im *imaging.Image) (geometry.Point, error)
}

// Func adapts a plain function to the Tracker interface.
type Func func(im *imaging.Image) (geometry.Point, error)

// Measure implements Tracker.
func (f Func) Measure(im *imaging.Image) (geometry.Point, error) {
	return f(im)
}

// Null always reports a zero offset. Useful for devices without optical
// feedback and for exercising actuation paths in isolation.
type Null struct{}

// Measure implements Tracker.
func (Null) Measure(*imaging.Image) (geometry.Point, error) {
	return geometry.Point{}, nil
}

// New builds a tracker by configuration name: "cg" or "null".
func New(kind string, radius int) (Tracker, error) {
	switch kind {
	case "cg", "":
		return NewCG(radius), nil
	case "null":
		return Null{}, nil
	}
	return nil, errors.New("unknown tracker type " + kind)
}
