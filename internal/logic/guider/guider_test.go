package guider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/imaging"
	"github.com/cjeanneret/StarGuide/internal/logic/action"
	"github.com/cjeanneret/StarGuide/internal/logic/backlash"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/control"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/summary"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
)

// mount is a guide port whose star moves by diag(2, -1.5) per unit pulse.
type mount struct {
	mu      sync.Mutex
	pos     geometry.Point
	lost    bool
	block   bool // exposures wait for cancellation
	fail    bool // actions fail
	actions int
}

func (m *mount) Type() motion.DeviceType { return motion.GuidePort }
func (m *mount) Name() string            { return "mount" }
func (m *mount) Settle() time.Duration   { return 0 }

func (m *mount) Action(delta geometry.Point, _ time.Duration) action.Action {
	return action.Func(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.actions++
		if m.fail {
			return errors.New("relay fault")
		}
		m.pos = m.pos.Add(delta)
		return nil
	})
}

func (m *mount) Exposure(ctx context.Context, _ camera.Exposure) (*imaging.Image, error) {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return imaging.New(1, 1), nil
}

func (m *mount) Measure(*imaging.Image) (geometry.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lost {
		return geometry.Point{}, tracker.ErrStarLost
	}
	return geometry.Point{X: 2 * m.pos.X, Y: -1.5 * m.pos.Y}, nil
}

func (m *mount) set(f func(m *mount)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(m)
}

// recorder collects events and stored objects.
type recorder struct {
	mu       sync.Mutex
	events   []Event
	saved    []*calibration.Calibration
	tracks   []Track
	points   int
	finished []summary.Summary
	outcomes chan OutcomeInfo
}

func newRecorder() *recorder {
	return &recorder{outcomes: make(chan OutcomeInfo, 16)}
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	if e.Kind == EventOutcome {
		r.outcomes <- *e.Outcome
	}
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) SaveCalibration(_ context.Context, c *calibration.Calibration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, c)
	return nil
}

func (r *recorder) StartTrack(_ context.Context, t Track) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = append(r.tracks, t)
	return nil
}

func (r *recorder) AddTrackingPoint(context.Context, string, TrackingPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points++
	return nil
}

func (r *recorder) FinishTrack(_ context.Context, _ string, s summary.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
	return nil
}

func (r *recorder) waitOutcome(t *testing.T, worker string) OutcomeInfo {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case o := <-r.outcomes:
			if o.Worker == worker {
				return o
			}
		case <-timeout:
			t.Fatalf("no %s outcome", worker)
		}
	}
}

func newTestGuider(t *testing.T, m *mount, rec *recorder) *Guider {
	t.Helper()
	g := New(Options{
		Imager:               m,
		Tracker:              m,
		Control:              control.NewGain(1, 1),
		GuidePortGrid:        1,
		Interval:             5 * time.Millisecond,
		MaxPulse:             time.Hour,
		MaxStarLost:          3,
		MaxActuationFailures: 2,
		Backlash:             BacklashOptions{Points: 8, Interval: time.Second},
		Calibrations:         rec,
		Tracks:               rec,
		Sink:                 rec,
	})
	if err := g.Configure(Descriptor{Name: "test", CameraName: "cam", GuidePortName: "gp"}, m); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	return g
}

func calibrate(t *testing.T, g *Guider) {
	t.Helper()
	if err := g.StartCalibrating(motion.GuidePort, 3); err != nil {
		t.Fatalf("StartCalibrating: %v", err)
	}
	outcome, err := g.WaitCalibration(t.Context())
	if outcome != Completed || err != nil {
		t.Fatalf("calibration: %s, %v", outcome, err)
	}
}

func TestStateMachine_Transitions(t *testing.T) {
	type step struct {
		op   func(m *StateMachine) (Change, error)
		want State // state after the step, or illegal
	}
	illegal := State(-1)
	configure := func(m *StateMachine) (Change, error) { return m.Configure() }
	startCal := func(m *StateMachine) (Change, error) { return m.StartCalibrating() }
	addCal := func(m *StateMachine) (Change, error) { return m.AddCalibration() }
	failCal := func(m *StateMachine) (Change, error) { return m.FailCalibration(false) }
	failCalKeep := func(m *StateMachine) (Change, error) { return m.FailCalibration(true) }
	startGuide := func(m *StateMachine) (Change, error) { return m.StartGuiding() }
	stopGuide := func(m *StateMachine) (Change, error) { return m.StopGuiding() }
	use := func(m *StateMachine) (Change, error) { return m.UseCalibration() }
	uncal := func(m *StateMachine) (Change, error) { return m.Uncalibrate() }

	cases := []struct {
		name  string
		steps []step
	}{
		{"guide before calibration", []step{{configure, Idle}, {startGuide, illegal}}},
		{"calibrate before configure", []step{{startCal, illegal}}},
		{"full cycle", []step{{configure, Idle}, {startCal, Calibrating}, {addCal, Calibrated}, {startGuide, Guiding}, {stopGuide, Calibrated}}},
		{"failed first calibration", []step{{configure, Idle}, {startCal, Calibrating}, {failCal, Idle}}},
		{"failed recalibration keeps calibration", []step{{configure, Idle}, {startCal, Calibrating}, {addCal, Calibrated}, {startCal, Calibrating}, {failCalKeep, Calibrated}}},
		{"no calibration while guiding", []step{{configure, Idle}, {use, Calibrated}, {startGuide, Guiding}, {startCal, illegal}, {configure, illegal}, {uncal, illegal}}},
		{"no guiding while calibrating", []step{{configure, Idle}, {startCal, Calibrating}, {startGuide, illegal}, {use, illegal}}},
		{"reconfigure only when idle", []step{{configure, Idle}, {configure, Idle}, {use, Calibrated}, {configure, illegal}, {uncal, Idle}}},
		{"stop when not guiding", []step{{configure, Idle}, {stopGuide, illegal}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var m StateMachine
			for i, s := range tc.steps {
				before := m.State()
				_, err := s.op(&m)
				if s.want == illegal {
					var te *TransitionError
					if !errors.As(err, &te) || !errors.Is(err, ErrIllegalTransition) {
						t.Fatalf("step %d: err = %v, want TransitionError", i, err)
					}
					if te.From != before || m.State() != before {
						t.Fatalf("step %d: state changed on illegal transition: %s -> %s", i, before, m.State())
					}
					continue
				}
				if err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
				if got := m.State(); got != s.want {
					t.Fatalf("step %d: state = %s, want %s", i, got, s.want)
				}
				if got := m.State(); got == Calibrating && before == Guiding || got == Guiding && before == Calibrating {
					t.Fatalf("step %d: went straight from %s to %s", i, before, got)
				}
			}
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, Completed},
		{context.Canceled, Canceled},
		{fmt.Errorf("step: %w", context.DeadlineExceeded), Canceled},
		{fmt.Errorf("RA+ step 1: %w", tracker.ErrStarLost), StarLost},
		{calibration.ErrDegenerate, Degenerate},
		{calibration.ErrTooFewPoints, Degenerate},
		{fmt.Errorf("%w: relay", action.ErrActuation), ActuationFailed},
		{errors.New("disk full"), Failed},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestGuider_StartGuidingNotCalibrated(t *testing.T) {
	g := newTestGuider(t, &mount{}, newRecorder())
	err := g.StartGuiding()
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	g.mu.Lock()
	w := g.worker
	g.mu.Unlock()
	if w != nil {
		t.Error("a worker was started")
	}
	if g.CurrentState() != Idle {
		t.Errorf("state = %s, want Idle", g.CurrentState())
	}
}

func TestGuider_UnconfiguredRefusesEverything(t *testing.T) {
	g := New(Options{Imager: &mount{}, Tracker: &mount{}})
	if err := g.StartCalibrating(motion.GuidePort, 3); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("StartCalibrating: %v", err)
	}
	if _, err := g.MeasureBacklash(t.Context(), backlash.RA); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("MeasureBacklash: %v", err)
	}
	if err := g.Configure(Descriptor{}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Configure without devices: %v", err)
	}
}

func TestGuider_Calibration(t *testing.T) {
	rec := newRecorder()
	g := newTestGuider(t, &mount{}, rec)
	calibrate(t, g)

	if g.CurrentState() != Calibrated {
		t.Fatalf("state = %s, want Calibrated", g.CurrentState())
	}
	cal, ok := g.CurrentCalibration()
	if !ok {
		t.Fatal("no current calibration")
	}
	want := [6]float64{2, 0, 0, 0, -1.5, 0}
	for i := range want {
		if math.Abs(cal.A[i]-want[i]) > 1e-3 {
			t.Errorf("a%d = %v, want %v", i, cal.A[i], want[i])
		}
	}
	if !cal.Complete || len(cal.Points) != 12 {
		t.Errorf("complete = %v, points = %d", cal.Complete, len(cal.Points))
	}
	if cal.Guider != g.Descriptor().Key() {
		t.Errorf("calibration guider = %q, want %q", cal.Guider, g.Descriptor().Key())
	}
	if n := rec.count(EventCalibrationPoint); n != 12 {
		t.Errorf("calibration point events = %d, want 12", n)
	}
	if n := rec.count(EventProgress); n != 12 {
		t.Errorf("progress events = %d, want 12", n)
	}
	rec.mu.Lock()
	saved := len(rec.saved)
	rec.mu.Unlock()
	if saved != 1 {
		t.Errorf("saved calibrations = %d, want 1", saved)
	}
}

// tiptilt is an adaptive optics stage whose star moves 10 px per unit of
// travel. It also serves as camera and tracker.
type tiptilt struct {
	mu   sync.Mutex
	pos  geometry.Point
	sets int
}

func (s *tiptilt) Set(p geometry.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = p
	s.sets++
	return nil
}

func (s *tiptilt) Position() (geometry.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos, nil
}

func (s *tiptilt) Exposure(ctx context.Context, _ camera.Exposure) (*imaging.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return imaging.New(1, 1), nil
}

func (s *tiptilt) Measure(*imaging.Image) (geometry.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Scale(10), nil
}

func TestGuider_CalibrationAO(t *testing.T) {
	s := &tiptilt{}
	rec := newRecorder()
	g := New(Options{
		Imager:       s,
		Tracker:      s,
		Control:      control.NewGain(1, 1),
		AOGrid:       0.1,
		Interval:     5 * time.Millisecond,
		Calibrations: rec,
		Tracks:       rec,
		Sink:         rec,
	})
	if err := g.Configure(Descriptor{Name: "ao", CameraName: "cam"}, &motion.AODevice{AO: s, UnitName: "ao"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	// 20 steps of 0.1 would reach twice the stage's travel
	if err := g.StartCalibrating(motion.AdaptiveOptics, 20); !errors.Is(err, motion.ErrTravel) {
		t.Fatalf("StartCalibrating beyond travel: %v", err)
	}
	if g.CurrentState() != Idle {
		t.Errorf("state after rejected calibration = %s, want Idle", g.CurrentState())
	}
	s.mu.Lock()
	sets := s.sets
	s.mu.Unlock()
	if sets != 0 {
		t.Errorf("stage moved %d times by a rejected calibration", sets)
	}

	if err := g.StartCalibrating(motion.AdaptiveOptics, 5); err != nil {
		t.Fatalf("StartCalibrating: %v", err)
	}
	outcome, err := g.WaitCalibration(t.Context())
	if outcome != Completed || err != nil {
		t.Fatalf("calibration: %s, %v", outcome, err)
	}
	cal, ok := g.CurrentCalibration()
	if !ok {
		t.Fatal("no current calibration")
	}
	if cal.Type != motion.AdaptiveOptics {
		t.Errorf("type = %v, want AdaptiveOptics", cal.Type)
	}
	want := [6]float64{10, 0, 0, 0, 10, 0}
	for i := range want {
		if math.Abs(cal.A[i]-want[i]) > 1e-3 {
			t.Errorf("a%d = %v, want %v", i, cal.A[i], want[i])
		}
	}
}

func TestGuider_CalibrationFailureKeepsPrevious(t *testing.T) {
	m := &mount{}
	g := newTestGuider(t, m, newRecorder())

	m.set(func(m *mount) { m.lost = true })
	if err := g.StartCalibrating(motion.GuidePort, 3); err != nil {
		t.Fatal(err)
	}
	if outcome, err := g.WaitCalibration(t.Context()); outcome != StarLost || !errors.Is(err, tracker.ErrStarLost) {
		t.Fatalf("outcome = %s, %v, want StarLost", outcome, err)
	}
	if g.CurrentState() != Idle {
		t.Fatalf("state = %s, want Idle", g.CurrentState())
	}

	m.set(func(m *mount) { m.lost = false })
	calibrate(t, g)
	first, _ := g.CurrentCalibration()

	m.set(func(m *mount) { m.lost = true })
	if err := g.StartCalibrating(motion.GuidePort, 3); err != nil {
		t.Fatal(err)
	}
	if outcome, _ := g.WaitCalibration(t.Context()); outcome != StarLost {
		t.Fatalf("outcome = %s, want StarLost", outcome)
	}
	if g.CurrentState() != Calibrated {
		t.Fatalf("state = %s, want Calibrated", g.CurrentState())
	}
	if cur, _ := g.CurrentCalibration(); cur.ID != first.ID {
		t.Errorf("calibration replaced by failed run")
	}
}

func TestGuider_CancelCalibrating(t *testing.T) {
	m := &mount{block: true}
	g := newTestGuider(t, m, newRecorder())
	if err := g.StartCalibrating(motion.GuidePort, 3); err != nil {
		t.Fatal(err)
	}
	if err := g.StartCalibrating(motion.GuidePort, 3); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("second StartCalibrating: %v", err)
	}
	if err := g.CancelCalibrating(); err != nil {
		t.Fatalf("CancelCalibrating: %v", err)
	}
	if g.CurrentState() != Idle {
		t.Errorf("state = %s, want Idle", g.CurrentState())
	}
	if outcome, _ := g.WaitCalibration(t.Context()); outcome != Canceled {
		t.Errorf("outcome = %s, want Canceled", outcome)
	}
	if err := g.CancelCalibrating(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel when idle: %v", err)
	}
}

func TestGuider_GuidingConverges(t *testing.T) {
	m := &mount{}
	rec := newRecorder()
	g := newTestGuider(t, m, rec)
	calibrate(t, g)

	m.set(func(m *mount) { m.pos = geometry.Point{X: 0.5, Y: -0.4} })
	if err := g.StartGuiding(); err != nil {
		t.Fatalf("StartGuiding: %v", err)
	}
	if err := g.StartCalibrating(motion.GuidePort, 3); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("StartCalibrating while guiding: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for g.CurrentSummary().Count < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := g.StopGuiding(); err != nil {
		t.Fatalf("StopGuiding: %v", err)
	}

	// StopGuiding has returned: the worker is gone
	if g.CurrentState() != Calibrated {
		t.Errorf("state = %s, want Calibrated", g.CurrentState())
	}
	g.mu.Lock()
	w := g.worker
	g.mu.Unlock()
	if w != nil {
		t.Error("worker still registered after StopGuiding")
	}
	if outcome, _ := g.LastOutcome(); outcome != Canceled {
		t.Errorf("outcome = %s, want Canceled", outcome)
	}

	s := g.CurrentSummary()
	if s.Count < 10 {
		t.Fatalf("cycles = %d, want at least 10", s.Count)
	}
	if s.LastOffset.Abs() > 1e-3 {
		t.Errorf("last offset = %v, want the star back at the target", s.LastOffset)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.tracks) != 1 || len(rec.finished) != 1 || rec.points == 0 {
		t.Errorf("tracks = %d, finished = %d, points = %d", len(rec.tracks), len(rec.finished), rec.points)
	}
	if rec.tracks[0].ID != s.TrackID {
		t.Errorf("track id %q does not match summary %q", rec.tracks[0].ID, s.TrackID)
	}
}

func TestGuider_GuidingStopsOnStarLost(t *testing.T) {
	m := &mount{}
	rec := newRecorder()
	g := newTestGuider(t, m, rec)
	calibrate(t, g)

	m.set(func(m *mount) { m.lost = true })
	if err := g.StartGuiding(); err != nil {
		t.Fatal(err)
	}
	o := rec.waitOutcome(t, "guiding")
	if o.Outcome != StarLost {
		t.Errorf("outcome = %s, want StarLost", o.Outcome)
	}
	if g.CurrentState() != Calibrated {
		t.Errorf("state = %s, want Calibrated", g.CurrentState())
	}
	if err := g.StopGuiding(); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("StopGuiding after self-stop: %v", err)
	}
}

func TestGuider_GuidingStopsOnActuationFailures(t *testing.T) {
	m := &mount{}
	rec := newRecorder()
	g := newTestGuider(t, m, rec)
	calibrate(t, g)

	m.set(func(m *mount) {
		m.fail = true
		m.pos = geometry.Point{X: 1, Y: 1}
	})
	if err := g.StartGuiding(); err != nil {
		t.Fatal(err)
	}
	if o := rec.waitOutcome(t, "guiding"); o.Outcome != ActuationFailed {
		t.Errorf("outcome = %s, want ActuationFailed", o.Outcome)
	}
	if g.CurrentState() != Calibrated {
		t.Errorf("state = %s, want Calibrated", g.CurrentState())
	}
}

func TestGuider_Dither(t *testing.T) {
	m := &mount{}
	g := newTestGuider(t, m, newRecorder())
	if err := g.Dither(geometry.Point{X: 1}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("Dither while idle: %v", err)
	}
	calibrate(t, g)
	if err := g.StartGuiding(); err != nil {
		t.Fatal(err)
	}
	defer g.StopGuiding()

	target, err := g.DitherPixels(2)
	if err != nil {
		t.Fatalf("DitherPixels: %v", err)
	}
	if target.Abs() > 2 {
		t.Errorf("target %v outside radius", target)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		star := geometry.Point{X: 2 * m.pos.X, Y: -1.5 * m.pos.Y}
		m.mu.Unlock()
		if star.Sub(target).Abs() < 1e-3 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("star never reached dither target %v", target)
}

func TestGuider_UseCalibration(t *testing.T) {
	g := newTestGuider(t, &mount{}, newRecorder())
	cal := &calibration.Calibration{ID: "stored", Type: motion.GuidePort, A: [6]float64{1, 0, 0, 0, 1, 0}, Complete: true}

	if err := g.UseCalibration(&calibration.Calibration{ID: "partial"}); err == nil {
		t.Error("incomplete calibration accepted")
	}
	if err := g.UseCalibration(&calibration.Calibration{Type: motion.AdaptiveOptics, Complete: true}); !errors.Is(err, ErrNoDevice) {
		t.Errorf("AO calibration without AO: %v", err)
	}
	if err := g.UseCalibration(cal); err != nil {
		t.Fatalf("UseCalibration: %v", err)
	}
	cal.A[0] = 99
	got, ok := g.CurrentCalibration()
	if !ok || got.ID != "stored" || got.A[0] != 1 {
		t.Errorf("current calibration = %+v, %v", got, ok)
	}
	if err := g.Uncalibrate(); err != nil {
		t.Fatalf("Uncalibrate: %v", err)
	}
	if _, ok := g.CurrentCalibration(); ok || g.CurrentState() != Idle {
		t.Errorf("still calibrated after Uncalibrate: %s", g.CurrentState())
	}
}

func TestGuider_MeasureBacklash(t *testing.T) {
	rec := newRecorder()
	g := newTestGuider(t, &mount{}, rec)
	r, err := g.MeasureBacklash(t.Context(), backlash.DEC)
	if err != nil {
		t.Fatalf("MeasureBacklash: %v", err)
	}
	if math.Abs(r.ForwardBacklash()) > 1e-6 || math.Abs(r.BackwardBacklash()) > 1e-6 {
		t.Errorf("backlash on a perfect mount: %s", r)
	}
	if n := rec.count(EventBacklashPoint); n != 8 {
		t.Errorf("backlash point events = %d, want 8", n)
	}
	// the analysis of the eighth point is only published as the final result
	if n := rec.count(EventBacklashResult); n != 1 {
		t.Errorf("backlash result events = %d, want 1", n)
	}
	if g.CurrentState() != Idle {
		t.Errorf("state = %s, want Idle", g.CurrentState())
	}
	if outcome, _ := g.LastOutcome(); outcome != Completed {
		t.Errorf("outcome = %s, want Completed", outcome)
	}
}

func TestGuider_BacklashHoldsWorkerSlot(t *testing.T) {
	m := &mount{block: true}
	g := newTestGuider(t, m, newRecorder())
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		_, err := g.MeasureBacklash(ctx, backlash.RA)
		done <- err
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		g.mu.Lock()
		busy := g.worker != nil
		g.mu.Unlock()
		if busy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("backlash worker never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if err := g.StartCalibrating(motion.GuidePort, 3); !errors.Is(err, ErrBusy) {
		t.Errorf("StartCalibrating during backlash: %v", err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("MeasureBacklash: %v, want context.Canceled", err)
	}
}
