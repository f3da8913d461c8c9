// Package dither draws the random target shifts applied between main camera
// exposures.
package dither

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Calculator draws dither offsets uniformly in angle and radius. The result
// is bounded and not uniform over the disk: small shifts are more likely.
type Calculator struct {
	scale *geometry.PixelScale // nil when only pixel radii are used

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a calculator seeded from the system entropy source. scale may
// be nil, in which case Arcsec fails.
func New(scale *geometry.PixelScale) *Calculator {
	return &Calculator{scale: scale, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded creates a calculator with a reproducible sequence.
func NewSeeded(scale *geometry.PixelScale, seed uint64) *Calculator {
	return &Calculator{scale: scale, rng: rand.New(rand.NewPCG(seed, seed^0x5bd1e995))}
}

// Pixels returns an offset of at most radius pixels.
func (c *Calculator) Pixels(radius float64) (geometry.Point, error) {
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius < 0 {
		return geometry.Point{}, fmt.Errorf("dither radius must be finite and nonnegative, got %v", radius)
	}
	c.mu.Lock()
	phi := 2 * math.Pi * c.rng.Float64()
	r := radius * c.rng.Float64()
	c.mu.Unlock()
	return geometry.Point{X: r * math.Cos(phi), Y: r * math.Sin(phi)}, nil
}

// Arcsec returns an offset of at most radius arc seconds, in pixels.
func (c *Calculator) Arcsec(radius float64) (geometry.Point, error) {
	if c.scale == nil {
		return geometry.Point{}, fmt.Errorf("dither in arcsec needs the pixel scale")
	}
	return c.Pixels(c.scale.ArcsecToPixels(radius))
}
