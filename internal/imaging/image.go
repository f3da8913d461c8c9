// Package imaging holds the in-memory image representation the trackers work
// on. Images arrive fully decoded from the camera layer.
package imaging

import (
	"fmt"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Image is a real-valued single-channel image stored row by row.
type Image struct {
	Width  int
	Height int
	Pix    []float64
}

// New allocates a zeroed image.
func New(width, height int) *Image {
	return &Image{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// Validate checks that the pixel buffer matches the declared size.
func (im *Image) Validate() error {
	if im == nil {
		return fmt.Errorf("nil image")
	}
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", im.Width, im.Height)
	}
	if len(im.Pix) != im.Width*im.Height {
		return fmt.Errorf("image buffer has %d pixels, want %d", len(im.Pix), im.Width*im.Height)
	}
	return nil
}

// At returns the value at column x, row y.
func (im *Image) At(x, y int) float64 {
	return im.Pix[y*im.Width+x]
}

// Set stores v at column x, row y.
func (im *Image) Set(x, y int, v float64) {
	im.Pix[y*im.Width+x] = v
}

// Center returns the geometric center of the pixel grid.
func (im *Image) Center() geometry.Point {
	return geometry.Point{X: float64(im.Width-1) / 2, Y: float64(im.Height-1) / 2}
}

// Values is read access to a real-valued pixel grid. Adapters such as the
// border feather implement it on top of an Image without copying.
type Values interface {
	Size() (width, height int)
	Value(x, y int) float64
}

// Size implements Values.
func (im *Image) Size() (int, int) {
	return im.Width, im.Height
}

// Value implements Values.
func (im *Image) Value(x, y int) float64 {
	return im.At(x, y)
}
