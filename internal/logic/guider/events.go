package guider

import (
	"context"
	"time"

	"github.com/cjeanneret/StarGuide/internal/logic/backlash"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/summary"
)

// EventKind tags the payload of an Event.
type EventKind string

const (
	EventState            EventKind = "state"
	EventCalibrationPoint EventKind = "calibration_point"
	EventProgress         EventKind = "progress"
	EventCalibration      EventKind = "calibration"
	EventTrackingPoint    EventKind = "tracking_point"
	EventBacklashPoint    EventKind = "backlash_point"
	EventBacklashResult   EventKind = "backlash_result"
	EventOutcome          EventKind = "outcome"
)

// TrackingPoint is one guiding cycle.
type TrackingPoint struct {
	Time       time.Time         `json:"time"`
	Type       motion.DeviceType `json:"type"`
	Offset     geometry.Point    `json:"offset"`     // px, relative to the dither target
	Correction geometry.Point    `json:"correction"` // actuator units sent to the device
	Skipped    bool              `json:"skipped"`    // the device was still busy
}

// Ago returns how long before now the point was taken.
func (p TrackingPoint) Ago(now time.Time) time.Duration {
	return now.Sub(p.Time)
}

// OutcomeInfo reports the end of a worker.
type OutcomeInfo struct {
	Worker  string  `json:"worker"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Event is one notification from a guider. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind   EventKind `json:"kind"`
	Time   time.Time `json:"time"`
	Guider string    `json:"guider"`

	State            *Change                  `json:"state,omitempty"`
	CalibrationPoint *calibration.Point       `json:"calibration_point,omitempty"`
	Progress         *float64                 `json:"progress,omitempty"`
	Calibration      *calibration.Calibration `json:"calibration,omitempty"`
	TrackingPoint    *TrackingPoint           `json:"tracking_point,omitempty"`
	BacklashPoint    *backlash.Point          `json:"backlash_point,omitempty"`
	BacklashResult   *backlash.Result         `json:"backlash_result,omitempty"`
	Outcome          *OutcomeInfo             `json:"outcome,omitempty"`
}

// Sink receives guider events. Publish is called from worker goroutines and
// must not block.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// CalibrationStore persists finished calibrations.
type CalibrationStore interface {
	SaveCalibration(ctx context.Context, c *calibration.Calibration) error
}

// Track describes one guiding run.
type Track struct {
	ID            string            `json:"id"`
	Guider        string            `json:"guider"`
	CalibrationID string            `json:"calibration_id"`
	Type          motion.DeviceType `json:"type"`
	Start         time.Time         `json:"start"`
}

// TrackingStore persists guiding runs.
type TrackingStore interface {
	StartTrack(ctx context.Context, t Track) error
	AddTrackingPoint(ctx context.Context, trackID string, p TrackingPoint) error
	FinishTrack(ctx context.Context, trackID string, s summary.Summary) error
}
