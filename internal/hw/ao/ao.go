// Package ao describes adaptive optics tip/tilt units.
package ao

import (
	"fmt"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// AdaptiveOptics is a tip/tilt stage. Positions are normalized so that each
// component lies in [-1, 1]; (0,0) is the center of travel.
type AdaptiveOptics interface {
	Set(p geometry.Point) error
	Position() (geometry.Point, error)
}

// CheckPosition rejects positions outside the unit's travel.
func CheckPosition(p geometry.Point) error {
	if !p.IsFinite() {
		return fmt.Errorf("ao position %v is not finite", p)
	}
	if p.X < -1 || p.X > 1 || p.Y < -1 || p.Y > 1 {
		return fmt.Errorf("ao position %v outside [-1,1]", p)
	}
	return nil
}
