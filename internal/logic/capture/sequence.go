package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Ditherer moves the guiding target by a random offset of at most radius
// pixels. *guider.Guider implements it.
type Ditherer interface {
	DitherPixels(radius float64) (geometry.Point, error)
}

// Sequence takes a series of long exposures with the imaging camera while
// the guider keeps the star in place, dithering between frames.
type Sequence struct {
	shutter camera.Shutter
	guider  Ditherer
}

// NewSequence binds a shutter to a guider. guider may be nil, dithering is
// then skipped.
func NewSequence(s camera.Shutter, g Ditherer) *Sequence {
	return &Sequence{
		shutter: s,
		guider:  g,
	}
}

// Params defines one imaging sequence.
type Params struct {
	Frames       int
	Exposure     time.Duration
	DitherEvery  int           // dither after every N frames, 0 = never
	DitherRadius float64       // pixels
	Settle       time.Duration // wait after a dither before the next frame
	Delay        time.Duration // pause between frames
}

// Report summarizes a finished or interrupted sequence.
type Report struct {
	Frames  int
	Dithers int
	Failed  int // dithers refused by the guider
}

// Run exposes p.Frames frames. A refused dither is logged and the sequence
// goes on; a shutter error stops it.
func (s *Sequence) Run(ctx context.Context, p Params) (Report, error) {
	var r Report
	if p.Frames <= 0 {
		return r, fmt.Errorf("frames must be > 0, got %d", p.Frames)
	}
	if p.Exposure <= 0 {
		return r, fmt.Errorf("exposure must be > 0, got %v", p.Exposure)
	}
	debug.Section("Imaging Sequence")
	debug.Info("%d frames of %v, dither every %d frame(s), radius %.1f px", p.Frames, p.Exposure, p.DitherEvery, p.DitherRadius)

	for i := 1; i <= p.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		debug.Frame(i, p.Frames, p.Exposure)
		if err := s.shutter.Expose(ctx, p.Exposure); err != nil {
			return r, fmt.Errorf("frame %d: %w", i, err)
		}
		r.Frames++
		if i == p.Frames {
			break
		}

		if s.guider != nil && p.DitherEvery > 0 && i%p.DitherEvery == 0 {
			offset, err := s.guider.DitherPixels(p.DitherRadius)
			if err != nil {
				r.Failed++
				debug.Errorf("dither after frame %d: %v", i, err)
			} else {
				r.Dithers++
				debug.Live("Dithered by (%.2f, %.2f) px", offset.X, offset.Y)
				if err := sleep(ctx, p.Settle); err != nil {
					return r, err
				}
			}
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return r, err
		}
	}
	debug.Info("Sequence done: %d frames, %d dithers", r.Frames, r.Dithers)
	return r, nil
}

// Interrupted reports whether err comes from a canceled sequence rather than
// a device failure.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
