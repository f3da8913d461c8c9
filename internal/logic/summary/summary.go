// Package summary keeps running statistics of the guiding error.
package summary

import (
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// DefaultAlpha is the smoothing factor used when none is configured.
const DefaultAlpha = 0.1

// Summary is a snapshot of the tracking statistics.
type Summary struct {
	TrackID    string         `json:"track_id,omitempty"`
	Start      time.Time      `json:"start"`
	Alpha      float64        `json:"alpha"`
	Count      int            `json:"count"`
	LastOffset geometry.Point `json:"last_offset"`
	Average    geometry.Point `json:"average"`  // exponential average of the offset
	Average2   geometry.Point `json:"average2"` // exponential average of the squared offset
}

// Variance returns avg(offset^2) - avg(offset)^2 per axis, never negative.
func (s Summary) Variance() geometry.Point {
	v := s.Average2.Sub(s.Average.Mul(s.Average))
	return geometry.Point{X: max(0, v.X), Y: max(0, v.Y)}
}

// RMS returns the square root of the variance per axis.
func (s Summary) RMS() geometry.Point {
	v := s.Variance()
	return geometry.Point{X: math.Sqrt(v.X), Y: math.Sqrt(v.Y)}
}

// Tracking accumulates guiding offsets. It is safe for concurrent use: the
// guiding loop writes, status queries read snapshots.
type Tracking struct {
	mu sync.Mutex
	s  Summary
}

// New creates an empty summary. alpha outside (0,1] falls back to
// DefaultAlpha.
func New(trackID string, alpha float64, start time.Time) *Tracking {
	if !(alpha > 0 && alpha <= 1) {
		alpha = DefaultAlpha
	}
	return &Tracking{s: Summary{TrackID: trackID, Alpha: alpha, Start: start}}
}

// AddPoint folds one offset into the averages, which start at zero:
// avg <- (1-alpha)*avg + alpha*offset, and the same for offset^2.
func (t *Tracking) AddPoint(offset geometry.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a := t.s.Alpha
	t.s.Average = t.s.Average.Scale(1 - a).Add(offset.Scale(a))
	t.s.Average2 = t.s.Average2.Scale(1 - a).Add(offset.Mul(offset).Scale(a))
	t.s.Count++
	t.s.LastOffset = offset
}

// AverageOffset returns the exponential average of the offset.
func (t *Tracking) AverageOffset() geometry.Point {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s.Average
}

// Variance returns the exponential variance of the offset.
func (t *Tracking) Variance() geometry.Point {
	return t.Snapshot().Variance()
}

// Snapshot returns a copy of the current statistics.
func (t *Tracking) Snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s
}
