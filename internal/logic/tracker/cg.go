package tracker

import (
	"fmt"
	"math"

	"github.com/cjeanneret/StarGuide/internal/imaging"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// CG is a center of gravity tracker. It feathers the image border, then takes
// the intensity weighted centroid of all finite pixels in a single pass and
// reports it relative to the image center. It assumes a single star in the
// frame.
type CG struct {
	radius int
}

// NewCG creates a center of gravity tracker with the given border feathering
// radius in pixels.
func NewCG(radius int) *CG {
	return &CG{radius: radius}
}

// Measure implements Tracker.
func (t *CG) Measure(im *imaging.Image) (geometry.Point, error) {
	if err := im.Validate(); err != nil {
		return geometry.Point{}, fmt.Errorf("%w: %v", ErrStarLost, err)
	}
	src := imaging.NewBorderFeather(im, t.radius)
	w, h := src.Size()

	var sx, sy, total float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := src.Value(x, y)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sx += float64(x) * v
			sy += float64(y) * v
			total += v
		}
	}
	if total == 0 {
		return geometry.Point{}, fmt.Errorf("%w: no light in image", ErrStarLost)
	}
	p := geometry.Point{X: sx / total, Y: sy / total}.Sub(im.Center())
	if !p.IsFinite() {
		return geometry.Point{}, fmt.Errorf("%w: centroid %v", ErrStarLost, p)
	}
	return p, nil
}
