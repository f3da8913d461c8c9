package guider

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of a guider.
type State int

const (
	Unconfigured State = iota
	Idle
	Calibrating
	Calibrated
	Guiding
)

var stateNames = [...]string{"Unconfigured", "Idle", "Calibrating", "Calibrated", "Guiding"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Change is a state transition that took place.
type Change struct {
	From State `json:"from"`
	To   State `json:"to"`
}

// Guards. Each is a pure function of the current state.

func canConfigure(s State) bool        { return s == Unconfigured || s == Idle }
func canStartCalibrating(s State) bool { return s == Idle || s == Calibrated }
func canStartGuiding(s State) bool     { return s == Calibrated }
func canUseCalibration(s State) bool   { return s == Idle || s == Calibrated }
func isCalibrating(s State) bool       { return s == Calibrating }
func isCalibrated(s State) bool        { return s == Calibrated }
func isGuiding(s State) bool           { return s == Guiding }

// StateMachine holds the guider state. The transition methods are the only
// mutators; each checks its guard and switches state under one lock.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check reports whether op would be allowed now without changing anything.
func (m *StateMachine) Check(op string, guard func(State) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !guard(m.state) {
		return &TransitionError{Op: op, From: m.state}
	}
	return nil
}

func (m *StateMachine) transition(op string, guard func(State) bool, to State) (Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !guard(m.state) {
		return Change{}, &TransitionError{Op: op, From: m.state}
	}
	c := Change{From: m.state, To: to}
	m.state = to
	return c, nil
}

// Configure binds devices: Unconfigured or Idle -> Idle.
func (m *StateMachine) Configure() (Change, error) {
	return m.transition("configure", canConfigure, Idle)
}

// StartCalibrating: Idle or Calibrated -> Calibrating.
func (m *StateMachine) StartCalibrating() (Change, error) {
	return m.transition("startCalibrating", canStartCalibrating, Calibrating)
}

// AddCalibration ends a successful run: Calibrating -> Calibrated.
func (m *StateMachine) AddCalibration() (Change, error) {
	return m.transition("addCalibration", isCalibrating, Calibrated)
}

// FailCalibration ends a failed or canceled run. The guider returns to
// Calibrated when it still holds an earlier calibration, to Idle otherwise.
func (m *StateMachine) FailCalibration(hasCalibration bool) (Change, error) {
	to := Idle
	if hasCalibration {
		to = Calibrated
	}
	return m.transition("failCalibration", isCalibrating, to)
}

// StartGuiding: Calibrated -> Guiding.
func (m *StateMachine) StartGuiding() (Change, error) {
	return m.transition("startGuiding", canStartGuiding, Guiding)
}

// StopGuiding: Guiding -> Calibrated.
func (m *StateMachine) StopGuiding() (Change, error) {
	return m.transition("stopGuiding", isGuiding, Calibrated)
}

// UseCalibration installs an existing calibration: Idle or Calibrated ->
// Calibrated.
func (m *StateMachine) UseCalibration() (Change, error) {
	return m.transition("useCalibration", canUseCalibration, Calibrated)
}

// Uncalibrate drops the calibration: Calibrated -> Idle.
func (m *StateMachine) Uncalibrate() (Change, error) {
	return m.transition("uncalibrate", isCalibrated, Idle)
}
