package calibration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
)

// Directions are the four calibration runs, in order.
var Directions = []struct {
	Name string
	Unit geometry.Point
}{
	{"RA+", geometry.Point{X: 1}},
	{"RA-", geometry.Point{X: -1}},
	{"DEC+", geometry.Point{Y: 1}},
	{"DEC-", geometry.Point{Y: -1}},
}

// Config holds the parameters of one calibration run.
type Config struct {
	Steps          int     // pulses per direction
	Grid           float64 // actuator units per pulse
	MinDeterminant float64 // |det| below this fails the run
	Exposure       camera.Exposure

	// Recorded with the result.
	FocalLength    float64
	ArcsecPerPixel float64
	GuideRate      float64
}

// PointFunc receives every calibration point as it is measured together
// with the run's progress in [0,1].
type PointFunc func(p Point, progress float64)

// Process runs the calibration protocol against one device. The protocol is
// the same for guide ports and adaptive optics; only the controller differs.
type Process struct {
	ctrl    *motion.Controller
	imager  camera.Imager
	tracker tracker.Tracker
	cfg     Config
	onPoint PointFunc
	now     func() time.Time
}

// NewProcess creates a calibration process. onPoint may be nil.
func NewProcess(ctrl *motion.Controller, imager camera.Imager, tr tracker.Tracker, cfg Config, onPoint PointFunc) *Process {
	return &Process{
		ctrl:    ctrl,
		imager:  imager,
		tracker: tr,
		cfg:     cfg,
		onPoint: onPoint,
		now:     time.Now,
	}
}

// Run performs the four direction runs and solves for the calibration.
// The returned calibration is non-nil even on failure; it then carries the
// points measured so far and Complete is false. Errors wrap
// tracker.ErrStarLost, ErrDegenerate, action.ErrActuation, motion.ErrTravel
// or the context error.
func (p *Process) Run(ctx context.Context) (*Calibration, error) {
	cal := &Calibration{
		ID:             uuid.NewString(),
		Timestamp:      p.now(),
		Type:           p.ctrl.Type(),
		FocalLength:    p.cfg.FocalLength,
		ArcsecPerPixel: p.cfg.ArcsecPerPixel,
		GuideRate:      p.cfg.GuideRate,
		Interval:       p.cfg.Grid,
	}
	if p.cfg.Steps <= 0 || p.cfg.Grid <= 0 {
		return cal, fmt.Errorf("calibration needs steps > 0 and grid > 0, got %d and %v", p.cfg.Steps, p.cfg.Grid)
	}
	if err := motion.CheckTravel(p.ctrl.Device(), p.cfg.Steps, p.cfg.Grid); err != nil {
		return cal, err
	}

	debug.Section(fmt.Sprintf("Calibrating %s (%d steps of %.3f)", cal.Type, p.cfg.Steps, p.cfg.Grid))
	if c, ok := p.ctrl.Device().(interface{ Center() error }); ok {
		if err := c.Center(); err != nil {
			return cal, fmt.Errorf("center device: %w", err)
		}
	}

	total := float64(len(Directions) * p.cfg.Steps)
	for _, dir := range Directions {
		ref, err := p.measure(ctx)
		if err != nil {
			return cal, fmt.Errorf("%s reference: %w", dir.Name, err)
		}
		runStart := p.now()
		step := dir.Unit.Scale(p.cfg.Grid)

		for i := 1; i <= p.cfg.Steps; i++ {
			if err := ctx.Err(); err != nil {
				return cal, err
			}
			if err := p.ctrl.Move(ctx, step); err != nil {
				return cal, fmt.Errorf("%s step %d: %w", dir.Name, i, err)
			}
			pos, err := p.measure(ctx)
			if err != nil {
				return cal, fmt.Errorf("%s step %d: %w", dir.Name, i, err)
			}
			pt := Point{
				T:      p.now().Sub(runStart).Seconds(),
				Offset: step.Scale(float64(i)),
				Star:   pos.Sub(ref),
			}
			cal.Points = append(cal.Points, pt)
			debug.Live("Calibration %s %d/%d: t=%.1fs offset=%v star=%v", dir.Name, i, p.cfg.Steps, pt.T, pt.Offset, pt.Star)
			if p.onPoint != nil {
				p.onPoint(pt, float64(len(cal.Points))/total)
			}
		}
	}

	fit, err := Solve(cal.Points)
	if err != nil {
		return cal, err
	}
	cal.A = fit.A
	cal.Det = cal.Determinant()
	cal.Residual = fit.Residual
	cal.Quality = cal.Orthogonality() * fit.RSquared
	debug.Calibration(cal.ID, cal.String(), cal.Det, cal.Quality)

	if math.Abs(cal.Det) < p.cfg.MinDeterminant {
		return cal, fmt.Errorf("%w: |det| %.5f below %.5f", ErrDegenerate, math.Abs(cal.Det), p.cfg.MinDeterminant)
	}
	cal.Complete = true
	return cal, nil
}

// measure takes one exposure and returns the tracker's star position.
func (p *Process) measure(ctx context.Context) (geometry.Point, error) {
	im, err := p.imager.Exposure(ctx, p.cfg.Exposure)
	if err != nil {
		if ctx.Err() != nil {
			return geometry.Point{}, ctx.Err()
		}
		return geometry.Point{}, fmt.Errorf("exposure: %w", err)
	}
	pos, err := p.tracker.Measure(im)
	if err != nil {
		return geometry.Point{}, err
	}
	if !pos.IsFinite() {
		return geometry.Point{}, fmt.Errorf("%w: tracker returned %v", tracker.ErrStarLost, pos)
	}
	return pos, nil
}

// IsFailure reports whether err ended a run abnormally, as opposed to a
// requested cancellation.
func IsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}
