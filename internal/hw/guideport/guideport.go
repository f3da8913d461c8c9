// Package guideport drives the ST-4 style guide port of a mount: four relay
// lines that nudge the mount in RA+/RA-/DEC+/DEC- at guide rate while closed.
package guideport

import (
	"fmt"
	"math"
	"strings"
)

// Activity is the set of relay lines currently closed.
type Activity uint8

const (
	RAPlus Activity = 1 << iota
	RAMinus
	DecPlus
	DecMinus
)

func (a Activity) String() string {
	if a == 0 {
		return "idle"
	}
	var parts []string
	for _, c := range []struct {
		bit  Activity
		name string
	}{{RAPlus, "RA+"}, {RAMinus, "RA-"}, {DecPlus, "DEC+"}, {DecMinus, "DEC-"}} {
		if a&c.bit != 0 {
			parts = append(parts, c.name)
		}
	}
	return strings.Join(parts, ",")
}

// GuidePort is the capability the guiding engine needs from a guide port.
// Activate closes each relay for the given number of seconds and returns
// without waiting for the pulses to end. A new call replaces any pulse still
// running. Active reports the relays that are still closed.
type GuidePort interface {
	Activate(raPlus, raMinus, decPlus, decMinus float64) error
	Active() (Activity, error)
}

// CheckDurations validates the arguments of an Activate call.
func CheckDurations(raPlus, raMinus, decPlus, decMinus float64) error {
	for _, d := range []float64{raPlus, raMinus, decPlus, decMinus} {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return fmt.Errorf("activation time must be finite, got %v", d)
		}
		if d < 0 {
			return fmt.Errorf("activation times must be nonnegative, got %v", d)
		}
	}
	if raPlus > 0 && raMinus > 0 {
		return fmt.Errorf("cannot activate RA+ and RA- together")
	}
	if decPlus > 0 && decMinus > 0 {
		return fmt.Errorf("cannot activate DEC+ and DEC- together")
	}
	return nil
}
