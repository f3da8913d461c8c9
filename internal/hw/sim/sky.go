// Package sim simulates a mount, an adaptive optics unit and a guide camera
// that all look at the same star. It lets the guider run end to end without
// hardware.
package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/ao"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/hw/guideport"
	"github.com/cjeanneret/StarGuide/internal/imaging"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Config parametrizes the simulated sky.
type Config struct {
	Width, Height int
	Flux          float64        // peak star value
	Sigma         float64        // star size in pixels
	Noise         float64        // uniform background noise amplitude
	Seed          uint64         // noise seed
	Drift         geometry.Point // px/s of uncorrected tracking error
	PixelSpeed    float64        // px per second of guide pulse
	AxisAngleDeg  float64        // angle of the RA axis against the image x axis
	RAScale       float64        // RA motion shrinks with cos(declination)
	BacklashSec   float64        // DEC pulse time lost after each reversal
	AOGain        float64        // px per unit of AO travel
	Now           func() time.Time
}

// Sky is the shared state behind the simulated devices.
type Sky struct {
	mu    sync.Mutex
	cfg   Config
	now   func() time.Time
	start time.Time
	rng   *rand.Rand

	raAxis, decAxis geometry.Point
	mount           geometry.Point // accumulated guide port motion in pixels
	aoPos           geometry.Point
	ra, dec         float64 // signed pulse time still to execute
	last            time.Time
	decDir          float64
	backlashLeft    float64
}

// New creates a sky with the star in the middle of the frame.
func New(cfg Config) *Sky {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RAScale == 0 {
		cfg.RAScale = math.Sqrt(0.5)
	}
	a := cfg.AxisAngleDeg * math.Pi / 180
	s := &Sky{
		cfg:     cfg,
		now:     cfg.Now,
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		raAxis:  geometry.Point{X: math.Cos(a), Y: math.Sin(a)}.Scale(cfg.RAScale),
		decAxis: geometry.Point{X: -math.Sin(a), Y: math.Cos(a)},
	}
	s.start = s.now()
	s.last = s.start
	debug.Verbose("Sim: RA axis %v, DEC axis %v, %.2f px/s", s.raAxis, s.decAxis, cfg.PixelSpeed)
	return s
}

func signedPart(pending, dt float64) float64 {
	if math.Abs(pending) <= dt {
		return pending
	}
	return math.Copysign(dt, pending)
}

// update executes the part of the pending pulses that fits into the time
// elapsed since the last call.
func (s *Sky) update() {
	now := s.now()
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 {
		return
	}

	raChange := signedPart(s.ra, dt)
	s.ra -= raChange
	s.mount = s.mount.Add(s.raAxis.Scale(raChange * s.cfg.PixelSpeed))

	decChange := signedPart(s.dec, dt)
	s.dec -= decChange
	if decChange != 0 {
		dir := math.Copysign(1, decChange)
		if s.decDir != 0 && dir != s.decDir {
			s.backlashLeft = s.cfg.BacklashSec
		}
		s.decDir = dir
		lost := math.Min(math.Abs(decChange), s.backlashLeft)
		s.backlashLeft -= lost
		decChange -= math.Copysign(lost, decChange)
	}
	s.mount = s.mount.Add(s.decAxis.Scale(decChange * s.cfg.PixelSpeed))
}

// Offset returns the current star displacement from the frame center.
func (s *Sky) Offset() geometry.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update()
	return s.offset()
}

func (s *Sky) offset() geometry.Point {
	t := s.last.Sub(s.start).Seconds()
	return s.cfg.Drift.Scale(t).Add(s.mount).Add(s.aoPos.Scale(s.cfg.AOGain))
}

// GuidePort returns the simulated guide port.
func (s *Sky) GuidePort() guideport.GuidePort {
	return (*simGuidePort)(s)
}

// AO returns the simulated adaptive optics unit.
func (s *Sky) AO() ao.AdaptiveOptics {
	return (*simAO)(s)
}

// Imager returns the simulated guide camera.
func (s *Sky) Imager() camera.Imager {
	return (*simImager)(s)
}

type simGuidePort Sky

func (g *simGuidePort) Activate(raPlus, raMinus, decPlus, decMinus float64) error {
	if err := guideport.CheckDurations(raPlus, raMinus, decPlus, decMinus); err != nil {
		return err
	}
	s := (*Sky)(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update()
	s.ra = raPlus - raMinus
	s.dec = decPlus - decMinus
	debug.Pulse(raPlus, raMinus, decPlus, decMinus)
	return nil
}

func (g *simGuidePort) Active() (guideport.Activity, error) {
	s := (*Sky)(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update()
	var a guideport.Activity
	switch {
	case s.ra > 0:
		a |= guideport.RAPlus
	case s.ra < 0:
		a |= guideport.RAMinus
	}
	switch {
	case s.dec > 0:
		a |= guideport.DecPlus
	case s.dec < 0:
		a |= guideport.DecMinus
	}
	return a, nil
}

type simAO Sky

func (a *simAO) Set(p geometry.Point) error {
	if err := ao.CheckPosition(p); err != nil {
		return err
	}
	s := (*Sky)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update()
	s.aoPos = p
	return nil
}

func (a *simAO) Position() (geometry.Point, error) {
	s := (*Sky)(a)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aoPos, nil
}

type simImager Sky

// Exposure waits for the exposure time and renders the star where it is at
// the end of the exposure.
func (c *simImager) Exposure(ctx context.Context, e camera.Exposure) (*imaging.Image, error) {
	if e.Duration > 0 {
		t := time.NewTimer(e.Duration)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	s := (*Sky)(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update()

	w, h := s.cfg.Width, s.cfg.Height
	if e.Width > 0 && e.Width < w {
		w = e.Width
	}
	if e.Height > 0 && e.Height < h {
		h = e.Height
	}
	im := imaging.New(w, h)
	star := im.Center().Add(s.offset())
	twoSigma2 := 2 * s.cfg.Sigma * s.cfg.Sigma
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-star.X, float64(y)-star.Y
			v := s.cfg.Flux * math.Exp(-(dx*dx+dy*dy)/twoSigma2)
			if s.cfg.Noise > 0 {
				v += s.cfg.Noise * s.rng.Float64()
			}
			im.Set(x, y, v)
		}
	}
	return im, nil
}
