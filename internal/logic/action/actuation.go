package action

import (
	"math"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/ao"
	"github.com/cjeanneret/StarGuide/internal/hw/guideport"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Pulses splits a signed correction in seconds (X = RA, Y = DEC) into the
// four non-negative relay durations. At most one direction per axis is set.
func Pulses(correction geometry.Point) (raPlus, raMinus, decPlus, decMinus float64) {
	if correction.X > 0 {
		raPlus = correction.X
	} else {
		raMinus = -correction.X
	}
	if correction.Y > 0 {
		decPlus = correction.Y
	} else {
		decMinus = -correction.Y
	}
	return
}

// Actuation sends a correction to a guide port and returns once the pulses
// have run out, so the executor stays busy for the whole activation.
type Actuation struct {
	Port       guideport.GuidePort
	Correction geometry.Point // seconds, X = RA, Y = DEC
	Deltat     time.Duration  // cycle length; longer pulses are cut to it, 0 = no cap
	Sequential bool           // pulse RA first, then DEC
	Stepping   bool           // split pulses into sub-pulses of at most Step
	Step       time.Duration

	sleep func(time.Duration)
}

func (a *Actuation) wait(seconds float64) {
	if seconds <= 0 {
		return
	}
	d := time.Duration(seconds * float64(time.Second))
	if a.sleep != nil {
		a.sleep(d)
		return
	}
	time.Sleep(d)
}

// Execute implements Action.
func (a *Actuation) Execute() error {
	c := a.Correction
	if a.Deltat > 0 {
		limit := a.Deltat.Seconds()
		c.X = math.Max(-limit, math.Min(limit, c.X))
		c.Y = math.Max(-limit, math.Min(limit, c.Y))
	}
	rp, rm, dp, dm := Pulses(c)
	debug.Verbose("Actuation: correction %v -> RA+ %.3f RA- %.3f DEC+ %.3f DEC- %.3f", c, rp, rm, dp, dm)

	if a.Sequential {
		if err := a.activate(rp, rm, 0, 0); err != nil {
			return err
		}
		return a.activate(0, 0, dp, dm)
	}
	return a.activate(rp, rm, dp, dm)
}

// activate issues one activation, optionally chopped into sub-pulses, and
// waits until it has run out.
func (a *Actuation) activate(rp, rm, dp, dm float64) error {
	total := math.Max(math.Max(rp, rm), math.Max(dp, dm))
	if total <= 0 {
		return nil
	}
	step := a.Step.Seconds()
	if !a.Stepping || step <= 0 || total <= step {
		if err := a.Port.Activate(rp, rm, dp, dm); err != nil {
			return err
		}
		a.wait(total)
		return nil
	}

	left := [4]float64{rp, rm, dp, dm}
	for total > 1e-9 {
		var piece [4]float64
		longest := 0.0
		for i, d := range left {
			piece[i] = math.Min(d, step)
			left[i] -= piece[i]
			longest = math.Max(longest, piece[i])
		}
		if err := a.Port.Activate(piece[0], piece[1], piece[2], piece[3]); err != nil {
			return err
		}
		a.wait(longest)
		total -= longest
	}
	return nil
}

// Positioning moves an adaptive optics unit to an absolute position.
type Positioning struct {
	AO     ao.AdaptiveOptics
	Target geometry.Point
}

// Execute implements Action.
func (p *Positioning) Execute() error {
	debug.Verbose("Actuation: AO -> %v", p.Target)
	return p.AO.Set(p.Target)
}
