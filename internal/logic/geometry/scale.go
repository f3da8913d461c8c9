package geometry

import (
	"fmt"

	"github.com/cjeanneret/StarGuide/internal/config"
)

// ArcsecPerRadian is the number of arc seconds in one radian (180*3600/pi).
const ArcsecPerRadian = 206264.806

// PixelScale converts between pixels on the guide camera and angles on the sky.
type PixelScale struct {
	focalLengthMm float64
	pixelSizeUm   float64
}

// NewPixelScale creates a pixel scale from the optics configuration.
// Returns an error if focal length or pixel size is missing.
func NewPixelScale(cfg *config.Config) (*PixelScale, error) {
	if cfg.Optics.FocalLengthMm <= 0 {
		return nil, fmt.Errorf("optics.focal_length_mm is required for pixel scale")
	}
	if cfg.Optics.PixelSizeUm <= 0 {
		return nil, fmt.Errorf("optics.pixel_size_um is required for pixel scale")
	}
	return &PixelScale{focalLengthMm: cfg.Optics.FocalLengthMm, pixelSizeUm: cfg.Optics.PixelSizeUm}, nil
}

// FocalLength returns the focal length in meters.
func (s *PixelScale) FocalLength() float64 {
	return s.focalLengthMm / 1000.0
}

// ArcsecPerPixel returns the angle covered by one pixel.
// Formula: arcsec/px = 206265 × pixel_size / focal_length
func (s *PixelScale) ArcsecPerPixel() float64 {
	return ArcsecPerRadian * (s.pixelSizeUm * 1e-6) / (s.focalLengthMm * 1e-3)
}

// ArcsecToPixels converts an angle to a pixel distance.
func (s *PixelScale) ArcsecToPixels(arcsec float64) float64 {
	return arcsec / s.ArcsecPerPixel()
}

// PixelsToArcsec converts a pixel distance to an angle.
func (s *PixelScale) PixelsToArcsec(px float64) float64 {
	return px * s.ArcsecPerPixel()
}
