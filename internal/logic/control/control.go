// Package control turns measured star offsets into corrections.
package control

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Algorithm maps a measured offset to a correction. Implementations hold no
// per-call state; parameters may be changed between calls from the outside.
type Algorithm interface {
	Correct(offset geometry.Point) geometry.Point
}

// Identity passes the offset through unchanged.
type Identity struct{}

// Correct implements Algorithm.
func (Identity) Correct(offset geometry.Point) geometry.Point {
	return offset
}

// Gain scales each axis by its own gain. Gains below 1 damp the loop and
// avoid over-correction oscillation.
type Gain struct {
	mu   sync.RWMutex
	gain geometry.Point // X = RA, Y = DEC
}

// NewGain creates a gain controller.
func NewGain(ra, dec float64) *Gain {
	return &Gain{gain: geometry.Point{X: ra, Y: dec}}
}

// Correct implements Algorithm.
func (g *Gain) Correct(offset geometry.Point) geometry.Point {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return offset.Mul(g.gain)
}

// SetGains replaces both gains.
func (g *Gain) SetGains(ra, dec float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gain = geometry.Point{X: ra, Y: dec}
}

// Gains returns the current gains.
func (g *Gain) Gains() (ra, dec float64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gain.X, g.gain.Y
}

// New builds an algorithm by configuration name: "none" or "gain".
func New(method string, ra, dec float64) (Algorithm, error) {
	switch method {
	case "none":
		return Identity{}, nil
	case "gain", "":
		return NewGain(ra, dec), nil
	}
	return nil, fmt.Errorf("unknown control method %q", method)
}
