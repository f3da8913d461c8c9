// Package guider orchestrates calibration, guiding and backlash measurement
// for one guide camera and its actuators.
//
// A Guider owns at most one worker goroutine at a time. Operations that start
// a worker return as soon as it runs; StopGuiding and CancelCalibrating block
// until it has exited. Errors inside a worker never escape it: they end the
// run and are reported as an Outcome.
package guider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/logic/backlash"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/control"
	"github.com/cjeanneret/StarGuide/internal/logic/dither"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/summary"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
)

// Defaults applied by New to zero options.
const (
	DefaultSteps                = 3
	DefaultGuidePortGrid        = 5.0 // seconds per calibration pulse
	DefaultAOGrid               = 0.1 // AO travel per calibration step
	DefaultMinDeterminant       = 0.01
	DefaultInterval             = 5 * time.Second
	DefaultMaxStarLost          = 5
	DefaultMaxActuationFailures = 5
)

// BacklashOptions parametrize MeasureBacklash.
type BacklashOptions struct {
	Points     int
	Interval   time.Duration
	Settle     time.Duration
	LastPoints int
}

// Options configure a Guider. Imager and Tracker are required.
type Options struct {
	Imager   camera.Imager
	Tracker  tracker.Tracker
	Control  control.Algorithm // nil = identity
	Exposure camera.Exposure

	Steps          int     // default calibration steps per direction
	GuidePortGrid  float64 // guide port calibration pulse, seconds
	AOGrid         float64 // AO calibration step, travel units
	MinDeterminant float64
	Rate           *geometry.RateCalculator // optics; optional, recorded with calibrations

	Interval             time.Duration // guiding cadence
	MaxPulse             time.Duration // longest guide port correction, 0 = Interval
	Alpha                float64       // tracking summary smoothing
	MaxStarLost          int
	MaxActuationFailures int

	Backlash BacklashOptions
	Dither   *dither.Calculator

	Calibrations CalibrationStore // optional
	Tracks       TrackingStore    // optional
	Sink         Sink             // optional

	Now func() time.Time
}

type worker struct {
	kind    string
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
	err     error
}

// Guider is the top-level orchestrator of one guiding setup.
type Guider struct {
	opts Options
	sm   StateMachine

	mu          sync.Mutex
	desc        Descriptor
	controllers map[motion.DeviceType]*motion.Controller
	cal         *calibration.Calibration
	summary     *summary.Tracking
	target      geometry.Point
	worker      *worker
	lastCal     *worker
	lastOutcome Outcome
	lastErr     error
}

// New creates an unconfigured guider.
func New(opts Options) *Guider {
	if opts.Control == nil {
		opts.Control = control.Identity{}
	}
	if opts.Steps <= 0 {
		opts.Steps = DefaultSteps
	}
	if opts.GuidePortGrid <= 0 {
		opts.GuidePortGrid = DefaultGuidePortGrid
	}
	if opts.AOGrid <= 0 {
		opts.AOGrid = DefaultAOGrid
	}
	if opts.MinDeterminant <= 0 {
		opts.MinDeterminant = DefaultMinDeterminant
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxPulse <= 0 {
		opts.MaxPulse = opts.Interval
	}
	if opts.MaxStarLost <= 0 {
		opts.MaxStarLost = DefaultMaxStarLost
	}
	if opts.MaxActuationFailures <= 0 {
		opts.MaxActuationFailures = DefaultMaxActuationFailures
	}
	if opts.Dither == nil {
		var scale *geometry.PixelScale
		if opts.Rate != nil {
			scale = opts.Rate.Scale()
		}
		opts.Dither = dither.New(scale)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guider{opts: opts, controllers: map[motion.DeviceType]*motion.Controller{}}
}

// Descriptor returns the devices the guider is bound to.
func (g *Guider) Descriptor() Descriptor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.desc
}

// Configure binds the guider to its devices, at most one per device type.
func (g *Guider) Configure(desc Descriptor, devices ...motion.Device) error {
	ctrls := make(map[motion.DeviceType]*motion.Controller, len(devices))
	for _, d := range devices {
		if _, dup := ctrls[d.Type()]; dup {
			return fmt.Errorf("configure: two devices of type %s", d.Type())
		}
		ctrls[d.Type()] = motion.NewController(d)
	}
	if len(ctrls) == 0 {
		return fmt.Errorf("configure: %w: at least one device is needed", ErrNoDevice)
	}

	g.mu.Lock()
	if g.worker != nil {
		g.mu.Unlock()
		return ErrBusy
	}
	ch, err := g.sm.Configure()
	if err != nil {
		g.mu.Unlock()
		return err
	}
	g.desc = desc
	g.controllers = ctrls
	g.mu.Unlock()

	debug.Info("Guider %s configured with %d device(s)", desc, len(ctrls))
	g.publishChange(ch)
	return nil
}

// CurrentState returns the state.
func (g *Guider) CurrentState() State {
	return g.sm.State()
}

// CurrentCalibration returns a copy of the current calibration.
func (g *Guider) CurrentCalibration() (calibration.Calibration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cal == nil {
		return calibration.Calibration{}, false
	}
	return g.cal.Clone(), true
}

// CurrentSummary returns the statistics of the current or last guiding run.
func (g *Guider) CurrentSummary() summary.Summary {
	g.mu.Lock()
	s := g.summary
	g.mu.Unlock()
	if s == nil {
		return summary.Summary{}
	}
	return s.Snapshot()
}

// LastOutcome returns how the last worker ended.
func (g *Guider) LastOutcome() (Outcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastOutcome, g.lastErr
}

// spawnLocked registers a new worker. g.mu must be held.
func (g *Guider) spawnLocked(kind string, cancel context.CancelFunc) *worker {
	w := &worker{kind: kind, cancel: cancel, done: make(chan struct{})}
	g.worker = w
	return w
}

// finishLocked records the end of w. g.mu must be held; the caller closes
// w.done after releasing it.
func (g *Guider) finishLocked(w *worker, err error) {
	w.outcome = Classify(err)
	w.err = err
	g.lastOutcome, g.lastErr = w.outcome, err
	if g.worker == w {
		g.worker = nil
	}
}

func (g *Guider) reportOutcome(w *worker) {
	info := &OutcomeInfo{Worker: w.kind, Outcome: w.outcome}
	if w.err != nil {
		info.Error = w.err.Error()
	}
	switch w.outcome {
	case Completed, Canceled:
		debug.Info("%s ended: %s", w.kind, w.outcome)
	default:
		debug.Errorf("%s ended: %s: %v", w.kind, w.outcome, w.err)
	}
	g.publish(Event{Kind: EventOutcome, Outcome: info})
}

// StartCalibrating starts a calibration run of the device of type t with
// steps pulses per direction (0 = configured default). The run replaces the
// current calibration only if it succeeds. A run that would drive the device
// past its travel is refused with motion.ErrTravel before the state changes.
func (g *Guider) StartCalibrating(t motion.DeviceType, steps int) error {
	if steps <= 0 {
		steps = g.opts.Steps
	}
	g.mu.Lock()
	if err := g.sm.Check("startCalibrating", canStartCalibrating); err != nil {
		g.mu.Unlock()
		return err
	}
	if g.worker != nil {
		g.mu.Unlock()
		return ErrBusy
	}
	ctrl := g.controllers[t]
	if ctrl == nil {
		g.mu.Unlock()
		return fmt.Errorf("startCalibrating: %w: %s", ErrNoDevice, t)
	}
	grid := g.opts.GuidePortGrid
	if t == motion.AdaptiveOptics {
		grid = g.opts.AOGrid
	}
	if err := motion.CheckTravel(ctrl.Device(), steps, grid); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("startCalibrating: %w", err)
	}
	ch, err := g.sm.StartCalibrating()
	if err != nil {
		g.mu.Unlock()
		return err
	}
	desc := g.desc
	ctx, cancel := context.WithCancel(context.Background())
	w := g.spawnLocked("calibration", cancel)
	g.lastCal = w
	g.mu.Unlock()
	g.publishChange(ch)

	cfg := calibration.Config{
		Steps:          steps,
		Grid:           grid,
		MinDeterminant: g.opts.MinDeterminant,
		Exposure:       g.opts.Exposure,
	}
	if r := g.opts.Rate; r != nil {
		cfg.FocalLength = r.Scale().FocalLength()
		cfg.ArcsecPerPixel = r.Scale().ArcsecPerPixel()
		cfg.GuideRate = r.GuideRate()
	}
	proc := calibration.NewProcess(ctrl, g.opts.Imager, g.opts.Tracker, cfg, func(p calibration.Point, progress float64) {
		g.publish(Event{Kind: EventCalibrationPoint, CalibrationPoint: &p})
		g.publish(Event{Kind: EventProgress, Progress: &progress})
	})

	go func() {
		cal, err := proc.Run(ctx)
		cancel()
		if err == nil {
			cal.Guider = desc.Key()
			g.saveCalibration(cal)
		}

		g.mu.Lock()
		var ch Change
		if err == nil {
			g.cal = cal
			ch, _ = g.sm.AddCalibration()
		} else {
			ch, _ = g.sm.FailCalibration(g.cal != nil)
		}
		g.finishLocked(w, err)
		g.mu.Unlock()

		g.publishChange(ch)
		if err == nil {
			c := cal.Clone()
			g.publish(Event{Kind: EventCalibration, Calibration: &c})
		}
		g.reportOutcome(w)
		close(w.done)
	}()
	return nil
}

func (g *Guider) saveCalibration(cal *calibration.Calibration) {
	if g.opts.Calibrations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.opts.Calibrations.SaveCalibration(ctx, cal); err != nil {
		debug.Errorf("save calibration %s: %v", cal.ID, err)
	}
}

// CancelCalibrating stops the running calibration and waits for the worker
// to exit. The guider keeps its previous calibration, if any.
func (g *Guider) CancelCalibrating() error {
	g.mu.Lock()
	if err := g.sm.Check("cancelCalibrating", isCalibrating); err != nil {
		g.mu.Unlock()
		return err
	}
	w := g.worker
	g.mu.Unlock()
	if w == nil {
		return nil
	}
	w.cancel()
	<-w.done
	return nil
}

// WaitCalibration blocks until the last calibration run has ended and
// returns its outcome and error. It returns immediately when no calibration
// was ever started.
func (g *Guider) WaitCalibration(ctx context.Context) (Outcome, error) {
	g.mu.Lock()
	w := g.lastCal
	g.mu.Unlock()
	if w == nil {
		return Failed, errors.New("no calibration was started")
	}
	select {
	case <-ctx.Done():
		return Canceled, ctx.Err()
	case <-w.done:
	}
	return w.outcome, w.err
}

// UseCalibration installs a stored calibration as the current one. A device
// of the calibration's type must be configured.
func (g *Guider) UseCalibration(cal *calibration.Calibration) error {
	if cal == nil || !cal.Complete {
		return fmt.Errorf("useCalibration: calibration is not complete")
	}
	g.mu.Lock()
	if err := g.sm.Check("useCalibration", canUseCalibration); err != nil {
		g.mu.Unlock()
		return err
	}
	if g.worker != nil {
		g.mu.Unlock()
		return ErrBusy
	}
	if g.controllers[cal.Type] == nil {
		g.mu.Unlock()
		return fmt.Errorf("useCalibration: %w: %s", ErrNoDevice, cal.Type)
	}
	ch, err := g.sm.UseCalibration()
	if err != nil {
		g.mu.Unlock()
		return err
	}
	c := cal.Clone()
	g.cal = &c
	g.mu.Unlock()

	debug.Info("Using calibration %s %s", c.ID, c.String())
	g.publishChange(ch)
	return nil
}

// Uncalibrate forgets the current calibration.
func (g *Guider) Uncalibrate() error {
	g.mu.Lock()
	ch, err := g.sm.Uncalibrate()
	if err == nil {
		g.cal = nil
	}
	g.mu.Unlock()
	if err != nil {
		return err
	}
	g.publishChange(ch)
	return nil
}

// MeasureBacklash runs a backlash measurement on the guide port and returns
// the fitted model. It runs in the calling goroutine but holds the worker
// slot, so no calibration or guiding can start meanwhile.
func (g *Guider) MeasureBacklash(ctx context.Context, axis backlash.Axis) (backlash.Result, error) {
	g.mu.Lock()
	if err := g.sm.Check("measureBacklash", canUseCalibration); err != nil {
		g.mu.Unlock()
		return backlash.Result{}, err
	}
	if g.worker != nil {
		g.mu.Unlock()
		return backlash.Result{}, ErrBusy
	}
	ctrl := g.controllers[motion.GuidePort]
	if ctrl == nil {
		g.mu.Unlock()
		return backlash.Result{}, fmt.Errorf("measureBacklash: %w: %s", ErrNoDevice, motion.GuidePort)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := g.spawnLocked("backlash", cancel)
	g.mu.Unlock()

	bo := g.opts.Backlash
	work, err := backlash.NewWork(ctrl, g.opts.Imager, g.opts.Tracker, backlash.WorkConfig{
		Axis:       axis,
		Points:     bo.Points,
		Interval:   bo.Interval,
		Settle:     bo.Settle,
		LastPoints: bo.LastPoints,
		Exposure:   g.opts.Exposure,
	}, backlash.Callbacks{
		Point:  func(p backlash.Point) { g.publish(Event{Kind: EventBacklashPoint, BacklashPoint: &p}) },
		Result: func(r backlash.Result) { g.publish(Event{Kind: EventBacklashResult, BacklashResult: &r}) },
	})
	var r backlash.Result
	if err == nil {
		r, _, err = work.Run(ctx)
	}
	if err == nil {
		g.publish(Event{Kind: EventBacklashResult, BacklashResult: &r})
	}

	g.mu.Lock()
	g.finishLocked(w, err)
	g.mu.Unlock()
	g.reportOutcome(w)
	close(w.done)
	return r, err
}

// Dither moves the guiding target by offset pixels. Tracking offsets are
// measured relative to the target, so the loop walks the star there.
func (g *Guider) Dither(offset geometry.Point) error {
	if !offset.IsFinite() {
		return fmt.Errorf("dither offset %v is not finite", offset)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.sm.Check("dither", isGuiding); err != nil {
		return err
	}
	g.target = offset
	debug.Info("Dither target %v", offset)
	return nil
}

// DitherPixels dithers by a random offset of at most radius pixels and
// returns the new target.
func (g *Guider) DitherPixels(radius float64) (geometry.Point, error) {
	p, err := g.opts.Dither.Pixels(radius)
	if err != nil {
		return geometry.Point{}, err
	}
	return p, g.Dither(p)
}

// DitherArcsec dithers by a random offset of at most radius arc seconds and
// returns the new target in pixels.
func (g *Guider) DitherArcsec(radius float64) (geometry.Point, error) {
	p, err := g.opts.Dither.Arcsec(radius)
	if err != nil {
		return geometry.Point{}, err
	}
	return p, g.Dither(p)
}

func (g *Guider) publish(e Event) {
	if g.opts.Sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = g.opts.Now()
	}
	e.Guider = g.Descriptor().String()
	g.opts.Sink.Publish(e)
}

func (g *Guider) publishChange(c Change) {
	if c.From == c.To {
		return
	}
	debug.State(c.From, c.To)
	g.publish(Event{Kind: EventState, State: &c})
}

// newTrackID returns the identifier of a guiding run.
func newTrackID() string {
	return uuid.NewString()
}
