package camera

import (
	"context"
	"time"

	"github.com/cjeanneret/StarGuide/internal/imaging"
)

// Exposure describes one guide camera exposure.
type Exposure struct {
	Duration time.Duration
	Width    int // 0 = full frame
	Height   int // 0 = full frame
}

// Imager is the guide camera. Exposure blocks until the image has been read
// out and returns it fully decoded.
type Imager interface {
	Exposure(ctx context.Context, e Exposure) (*imaging.Image, error)
}

// Shutter is the main imaging camera as seen from the guider: something that
// takes a long exposure while the guider keeps the star in place.
type Shutter interface {
	Expose(ctx context.Context, d time.Duration) error
}

// Timer is a Shutter without hardware: it only waits for the exposure time.
// It stands in for the imaging camera when the guider runs on a simulator.
type Timer struct{}

// Expose waits for d or until ctx is done.
func (Timer) Expose(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}
