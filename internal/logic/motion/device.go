package motion

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/StarGuide/internal/hw/ao"
	"github.com/cjeanneret/StarGuide/internal/hw/guideport"
	"github.com/cjeanneret/StarGuide/internal/logic/action"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// ErrTravel means a calibration would drive a device past its range.
var ErrTravel = errors.New("beyond device travel")

// Limited is implemented by devices with a bounded range around their
// center. Guide ports have none.
type Limited interface {
	Travel() float64
}

// CheckTravel rejects a calibration of steps moves of grid units that would
// take d past its travel. A clamped device stops moving while the recorded
// offsets keep growing, which corrupts the fit.
func CheckTravel(d Device, steps int, grid float64) error {
	l, ok := d.(Limited)
	if !ok {
		return nil
	}
	if reach := float64(steps) * grid; reach > l.Travel()+1e-9 {
		return fmt.Errorf("%w: %d steps of %.3f reach %.3f, %s travels %.3f", ErrTravel, steps, grid, reach, d.Name(), l.Travel())
	}
	return nil
}

// DeviceType tags the kind of actuator a calibration belongs to.
type DeviceType int

const (
	GuidePort DeviceType = iota
	AdaptiveOptics
)

func (t DeviceType) String() string {
	switch t {
	case GuidePort:
		return "GuidePort"
	case AdaptiveOptics:
		return "AdaptiveOptics"
	}
	return fmt.Sprintf("DeviceType(%d)", int(t))
}

// ParseDeviceType accepts the canonical names, their short forms and the
// historical "GuiderPort" spelling.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "guideport", "guiderport", "gp":
		return GuidePort, nil
	case "adaptiveoptics", "ao":
		return AdaptiveOptics, nil
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DeviceType) UnmarshalText(b []byte) error {
	v, err := ParseDeviceType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Device is one actuator as seen by calibration and guiding. Displacements
// are expressed in actuator units: pulse seconds for a guide port, travel
// units for an adaptive optics stage. X is RA, Y is DEC.
type Device interface {
	Type() DeviceType
	Name() string
	// Action builds the command that applies delta. deltat is the time
	// available before the next cycle, 0 when unbounded.
	Action(delta geometry.Point, deltat time.Duration) action.Action
	// Settle is the wait between the end of an action and an exposure
	// that should see its effect.
	Settle() time.Duration
}

// GuidePortDevice drives a guide port with timed pulses.
type GuidePortDevice struct {
	Port       guideport.GuidePort
	PortName   string
	Sequential bool
	Stepping   bool
	Step       time.Duration
	SettleTime time.Duration
}

func (d *GuidePortDevice) Type() DeviceType      { return GuidePort }
func (d *GuidePortDevice) Name() string          { return d.PortName }
func (d *GuidePortDevice) Settle() time.Duration { return d.SettleTime }

// Action implements Device.
func (d *GuidePortDevice) Action(delta geometry.Point, deltat time.Duration) action.Action {
	return &action.Actuation{
		Port:       d.Port,
		Correction: delta,
		Deltat:     deltat,
		Sequential: d.Sequential,
		Stepping:   d.Stepping,
		Step:       d.Step,
	}
}

// AODevice drives an adaptive optics stage. Displacements are relative to
// the last position that was set successfully; targets are clamped to the
// unit's travel.
type AODevice struct {
	AO         ao.AdaptiveOptics
	UnitName   string
	SettleTime time.Duration

	mu  sync.Mutex
	pos geometry.Point
}

func (d *AODevice) Type() DeviceType      { return AdaptiveOptics }
func (d *AODevice) Name() string          { return d.UnitName }
func (d *AODevice) Settle() time.Duration { return d.SettleTime }

// Travel is the distance the stage can move from its center on each axis.
func (d *AODevice) Travel() float64 { return 1 }

func clampTravel(v float64) float64 {
	return max(-1, min(1, v))
}

// Action implements Device.
func (d *AODevice) Action(delta geometry.Point, _ time.Duration) action.Action {
	return action.Func(func() error {
		d.mu.Lock()
		target := d.pos.Add(delta)
		d.mu.Unlock()
		target = geometry.Point{X: clampTravel(target.X), Y: clampTravel(target.Y)}

		if err := (&action.Positioning{AO: d.AO, Target: target}).Execute(); err != nil {
			return err
		}
		d.mu.Lock()
		d.pos = target
		d.mu.Unlock()
		return nil
	})
}

// Center moves the stage back to the middle of its travel.
func (d *AODevice) Center() error {
	if err := d.AO.Set(geometry.Point{}); err != nil {
		return err
	}
	d.mu.Lock()
	d.pos = geometry.Point{}
	d.mu.Unlock()
	return nil
}
