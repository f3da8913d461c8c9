package geometry

import (
	"fmt"

	"github.com/cjeanneret/StarGuide/internal/config"
)

// SiderealRate is the apparent sky motion in arc seconds per second.
const SiderealRate = 15.0

// Calibration grid bounds, in seconds of guide pulse.
const (
	MinGridConstant = 5.0
	MaxGridConstant = 15.0
	maxSaneGrid     = 60.0
)

// Minimum displacement a calibration step should produce.
const (
	pixelGridSize    = 30.0 // pixels
	angleGridSize    = 60.0 // arc seconds
	defaultGuideRate = 0.5
)

// RateCalculator converts guide pulse durations to pixel motion.
type RateCalculator struct {
	scale     *PixelScale
	guideRate float64
}

// NewRateCalculator creates a rate calculator from the optics configuration.
func NewRateCalculator(cfg *config.Config) (*RateCalculator, error) {
	scale, err := NewPixelScale(cfg)
	if err != nil {
		return nil, err
	}
	rate := cfg.Optics.GuideRate
	if rate <= 0 {
		rate = defaultGuideRate
	}
	return &RateCalculator{scale: scale, guideRate: rate}, nil
}

// Scale returns the underlying pixel scale.
func (r *RateCalculator) Scale() *PixelScale {
	return r.scale
}

// GuideRate returns the guide rate as a fraction of sidereal.
func (r *RateCalculator) GuideRate() float64 {
	return r.guideRate
}

// PixelsPerSecond returns how fast a guide pulse moves the star.
// Formula: px/s = 15"/s / arcsec_per_pixel × guide_rate
func (r *RateCalculator) PixelsPerSecond() float64 {
	return SiderealRate / r.scale.ArcsecPerPixel() * r.guideRate
}

// GridConstant returns the pulse duration of one calibration step. The step
// must move the star by at least 30 pixels and by at least 60 arc seconds.
// Results below 5 s are raised to 5 s and results above 15 s are capped at
// 15 s. Anything above 60 s means the optics configuration is wrong.
func (r *RateCalculator) GridConstant() (float64, error) {
	speed := r.PixelsPerSecond()
	pixelGrid := pixelGridSize / speed
	angleGrid := r.scale.ArcsecToPixels(angleGridSize) / speed
	grid := pixelGrid
	if angleGrid > grid {
		grid = angleGrid
	}
	if grid > maxSaneGrid {
		return 0, fmt.Errorf("grid constant %.1fs is excessive", grid)
	}
	if grid < MinGridConstant {
		grid = MinGridConstant
	}
	if grid > MaxGridConstant {
		grid = MaxGridConstant
	}
	return grid, nil
}
