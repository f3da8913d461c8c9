package backlash

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
)

// WorkConfig holds the parameters of a backlash measurement.
type WorkConfig struct {
	Axis       Axis
	Points     int           // samples to take, at least MinPoints
	Interval   time.Duration // length of every pulse
	Settle     time.Duration // extra wait after each pulse before exposing
	LastPoints int
	Exposure   camera.Exposure
}

// Callbacks receive samples and intermediate results while a measurement
// runs. Either may be nil.
type Callbacks struct {
	Point  func(Point)
	Result func(Result)
}

// Work drives the pulse cycle forward, forward, backward, backward on one
// guide port axis and records the star position after every pulse.
type Work struct {
	ctrl    *motion.Controller
	imager  camera.Imager
	tracker tracker.Tracker
	cfg     WorkConfig
	cb      Callbacks
	now     func() time.Time
}

// NewWork creates a backlash measurement. The controller must drive a guide
// port.
func NewWork(ctrl *motion.Controller, imager camera.Imager, tr tracker.Tracker, cfg WorkConfig, cb Callbacks) (*Work, error) {
	if ctrl.Type() != motion.GuidePort {
		return nil, fmt.Errorf("backlash can only be measured on a guide port, not %s", ctrl.Type())
	}
	if cfg.Points < MinPoints {
		return nil, fmt.Errorf("%w: %d requested, need %d", ErrTooFewPoints, cfg.Points, MinPoints)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("backlash interval must be positive, got %v", cfg.Interval)
	}
	return &Work{ctrl: ctrl, imager: imager, tracker: tr, cfg: cfg, cb: cb, now: time.Now}, nil
}

// Run takes all samples and returns the final analysis. An intermediate
// result is reported after every complete cycle once enough samples exist,
// except after the last sample, whose analysis is the returned result.
// On cancellation the samples taken so far are returned with the context
// error.
func (w *Work) Run(ctx context.Context) (Result, []Point, error) {
	an := Analyzer{Axis: w.cfg.Axis, Interval: w.cfg.Interval.Seconds(), LastPoints: w.cfg.LastPoints}
	debug.Section(fmt.Sprintf("Backlash %s: %d points of %v", w.cfg.Axis, w.cfg.Points, w.cfg.Interval))

	ref, err := w.measure(ctx)
	if err != nil {
		return Result{}, nil, fmt.Errorf("backlash reference: %w", err)
	}
	start := w.now()
	step := w.cfg.Axis.Unit().Scale(w.cfg.Interval.Seconds())

	points := make([]Point, 0, w.cfg.Points)
	for i := 0; i < w.cfg.Points; i++ {
		if err := ctx.Err(); err != nil {
			return Result{}, points, err
		}
		delta := step
		if !Forward(i) {
			delta = step.Scale(-1)
		}
		if err := w.ctrl.Move(ctx, delta); err != nil {
			return Result{}, points, fmt.Errorf("backlash pulse %d: %w", i, err)
		}
		if err := sleep(ctx, w.cfg.Settle); err != nil {
			return Result{}, points, err
		}
		pos, err := w.measure(ctx)
		if err != nil {
			return Result{}, points, fmt.Errorf("backlash point %d: %w", i, err)
		}
		off := pos.Sub(ref)
		p := Point{ID: i, Time: w.now().Sub(start).Seconds(), XOffset: off.X, YOffset: off.Y}
		points = append(points, p)
		debug.Live("Backlash point %d: t=%.1fs offset=(%.3f,%.3f)", p.ID, p.Time, p.XOffset, p.YOffset)
		if w.cb.Point != nil {
			w.cb.Point(p)
		}

		last := i == w.cfg.Points-1
		if !last && len(points)%4 == 0 && len(points) >= MinPoints && w.cb.Result != nil {
			if r, err := an.Analyze(points); err == nil {
				w.cb.Result(r)
			} else {
				debug.Verbose("Intermediate backlash analysis: %v", err)
			}
		}
	}

	r, err := an.Analyze(points)
	if err != nil {
		return Result{}, points, err
	}
	debug.Info("Backlash %s: forward %.3f px (%.3f s), backward %.3f px (%.3f s)",
		r.Axis, r.ForwardBacklash(), r.ForwardSeconds(), r.BackwardBacklash(), r.BackwardSeconds())
	return r, points, nil
}

func (w *Work) measure(ctx context.Context) (geometry.Point, error) {
	im, err := w.imager.Exposure(ctx, w.cfg.Exposure)
	if err != nil {
		if ctx.Err() != nil {
			return geometry.Point{}, ctx.Err()
		}
		return geometry.Point{}, fmt.Errorf("exposure: %w", err)
	}
	return w.tracker.Measure(im)
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
