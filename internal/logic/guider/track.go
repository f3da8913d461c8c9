package guider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/logic/action"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/summary"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
)

// StartGuiding starts the guiding loop with the current calibration.
func (g *Guider) StartGuiding() error {
	g.mu.Lock()
	if err := g.sm.Check("startGuiding", canStartGuiding); err != nil {
		g.mu.Unlock()
		return err
	}
	if g.worker != nil {
		g.mu.Unlock()
		return ErrBusy
	}
	cal := g.cal.Clone()
	ctrl := g.controllers[cal.Type]
	if ctrl == nil {
		g.mu.Unlock()
		return fmt.Errorf("startGuiding: %w: %s", ErrNoDevice, cal.Type)
	}
	ch, err := g.sm.StartGuiding()
	if err != nil {
		g.mu.Unlock()
		return err
	}
	now := g.opts.Now()
	track := Track{ID: newTrackID(), Guider: g.desc.Key(), CalibrationID: cal.ID, Type: cal.Type, Start: now}
	stats := summary.New(track.ID, g.opts.Alpha, now)
	g.summary = stats
	g.target = geometry.Point{}
	ctx, cancel := context.WithCancel(context.Background())
	w := g.spawnLocked("guiding", cancel)
	g.mu.Unlock()

	g.publishChange(ch)
	debug.Summary(fmt.Sprintf("Guiding %s, track %s", cal.Type, track.ID))
	l := &loop{g: g, ctrl: ctrl, cal: cal, stats: stats, track: track}
	l.startTrack()

	go func() {
		err := l.run(ctx)
		cancel()
		// no correction may outlive the worker
		_ = ctrl.Wait(context.Background())
		l.finishTrack()

		g.mu.Lock()
		ch, _ := g.sm.StopGuiding()
		g.finishLocked(w, err)
		g.mu.Unlock()

		g.publishChange(ch)
		g.reportOutcome(w)
		close(w.done)
	}()
	return nil
}

// StopGuiding asks the guiding loop to stop and blocks until it has exited.
func (g *Guider) StopGuiding() error {
	g.mu.Lock()
	if err := g.sm.Check("stopGuiding", isGuiding); err != nil {
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

func (g *Guider) currentTarget() geometry.Point {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.target
}

// loop is one guiding run.
type loop struct {
	g     *Guider
	ctrl  *motion.Controller
	cal   calibration.Calibration
	stats *summary.Tracking
	track Track
}

// run executes guiding cycles until ctx is canceled or too many cycles in a
// row fail.
func (l *loop) run(ctx context.Context) error {
	opts := l.g.opts
	interval := opts.Interval
	lost := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()

		err := l.cycle(ctx, interval)
		switch {
		case err == nil:
			lost = 0
		case errors.Is(err, tracker.ErrStarLost):
			lost++
			debug.Errorf("guiding cycle: %v (%d/%d)", err, lost, opts.MaxStarLost)
			if lost >= opts.MaxStarLost {
				return fmt.Errorf("%d consecutive cycles: %w", lost, err)
			}
		default:
			return err
		}
		if n := l.ctrl.ConsecutiveFailures(); n >= opts.MaxActuationFailures {
			return fmt.Errorf("%w: %d consecutive corrections failed", action.ErrActuation, n)
		}

		if err := sleep(ctx, interval-time.Since(start)); err != nil {
			return err
		}
	}
}

// cycle takes one image, measures the star and fires a correction. A lost
// star skips the correction.
func (l *loop) cycle(ctx context.Context, interval time.Duration) error {
	opts := l.g.opts
	im, err := opts.Imager.Exposure(ctx, opts.Exposure)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: exposure: %v", tracker.ErrStarLost, err)
	}
	pos, err := opts.Tracker.Measure(im)
	if err != nil {
		return err
	}
	offset := pos.Sub(l.g.currentTarget())
	l.stats.AddPoint(offset)

	corr := l.cal.Correction(opts.Control.Correct(offset), interval.Seconds())
	if l.ctrl.Type() == motion.GuidePort {
		corr = capPulse(corr, opts.MaxPulse.Seconds())
	}
	skipped := !l.ctrl.Correct(corr, interval)
	if skipped {
		debug.Verbose("Correction %v skipped, device busy", corr)
	}
	debug.Tracking(offset.X, offset.Y, corr.X, corr.Y)

	p := TrackingPoint{Time: opts.Now(), Type: l.ctrl.Type(), Offset: offset, Correction: corr, Skipped: skipped}
	l.g.publish(Event{Kind: EventTrackingPoint, TrackingPoint: &p})
	if opts.Tracks != nil {
		if err := opts.Tracks.AddTrackingPoint(ctx, l.track.ID, p); err != nil && ctx.Err() == nil {
			debug.Errorf("store tracking point: %v", err)
		}
	}
	return nil
}

func capPulse(c geometry.Point, limit float64) geometry.Point {
	if limit <= 0 {
		return c
	}
	return geometry.Point{
		X: math.Max(-limit, math.Min(limit, c.X)),
		Y: math.Max(-limit, math.Min(limit, c.Y)),
	}
}

func (l *loop) startTrack() {
	if l.g.opts.Tracks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.g.opts.Tracks.StartTrack(ctx, l.track); err != nil {
		debug.Errorf("store track %s: %v", l.track.ID, err)
	}
}

func (l *loop) finishTrack() {
	s := l.stats.Snapshot()
	rms := s.RMS()
	debug.Info("Track %s: %d cycles, average %v, rms (%.3f,%.3f) px", l.track.ID, s.Count, s.Average, rms.X, rms.Y)
	if l.g.opts.Tracks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.g.opts.Tracks.FinishTrack(ctx, l.track.ID, s); err != nil {
		debug.Errorf("finish track %s: %v", l.track.ID, err)
	}
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
