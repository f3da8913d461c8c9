package action

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/StarGuide/internal/hw/guideport"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

type activation struct{ rp, rm, dp, dm float64 }

type recordingPort struct {
	mu    sync.Mutex
	calls []activation
	err   error
}

func (p *recordingPort) Activate(rp, rm, dp, dm float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, activation{rp, rm, dp, dm})
	return nil
}

func (p *recordingPort) Active() (guideport.Activity, error) { return 0, nil }

func noSleep(time.Duration) {}

func TestPulses(t *testing.T) {
	cases := []struct {
		name string
		in   geometry.Point
		want activation
	}{
		{"positive", geometry.Point{X: 1.5, Y: 0.5}, activation{1.5, 0, 0.5, 0}},
		{"negative", geometry.Point{X: -2, Y: -0.25}, activation{0, 2, 0, 0.25}},
		{"mixed", geometry.Point{X: 3, Y: -1}, activation{3, 0, 0, 1}},
		{"zero", geometry.Point{}, activation{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rp, rm, dp, dm := Pulses(tc.in)
			got := activation{rp, rm, dp, dm}
			if got != tc.want {
				t.Errorf("Pulses(%v) = %+v, want %+v", tc.in, got, tc.want)
			}
			if (rp > 0 && rm > 0) || (dp > 0 && dm > 0) {
				t.Errorf("both directions set on one axis: %+v", got)
			}
		})
	}
}

func TestActuation_Combined(t *testing.T) {
	port := &recordingPort{}
	a := &Actuation{Port: port, Correction: geometry.Point{X: -1, Y: 2}, sleep: noSleep}
	if err := a.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []activation{{0, 1, 2, 0}}
	if len(port.calls) != 1 || port.calls[0] != want[0] {
		t.Errorf("calls = %+v, want %+v", port.calls, want)
	}
}

func TestActuation_Sequential(t *testing.T) {
	port := &recordingPort{}
	a := &Actuation{Port: port, Correction: geometry.Point{X: 1, Y: -0.5}, Sequential: true, sleep: noSleep}
	if err := a.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []activation{{1, 0, 0, 0}, {0, 0, 0, 0.5}}
	if len(port.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", port.calls, want)
	}
	for i := range want {
		if port.calls[i] != want[i] {
			t.Errorf("call %d = %+v, want %+v", i, port.calls[i], want[i])
		}
	}
}

func TestActuation_Stepping(t *testing.T) {
	port := &recordingPort{}
	var slept time.Duration
	a := &Actuation{
		Port:       port,
		Correction: geometry.Point{X: 2.5, Y: -1},
		Stepping:   true,
		Step:       time.Second,
		sleep:      func(d time.Duration) { slept += d },
	}
	if err := a.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []activation{{1, 0, 0, 1}, {1, 0, 0, 0}, {0.5, 0, 0, 0}}
	if len(port.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", port.calls, want)
	}
	for i := range want {
		c := port.calls[i]
		if math.Abs(c.rp-want[i].rp) > 1e-9 || math.Abs(c.dm-want[i].dm) > 1e-9 || c.rm != 0 || c.dp != 0 {
			t.Errorf("call %d = %+v, want %+v", i, c, want[i])
		}
	}
	if slept != 2500*time.Millisecond {
		t.Errorf("slept %v, want 2.5s", slept)
	}
}

func TestActuation_DeltatCapsPulses(t *testing.T) {
	port := &recordingPort{}
	a := &Actuation{Port: port, Correction: geometry.Point{X: 9, Y: -7}, Deltat: 2 * time.Second, sleep: noSleep}
	if err := a.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := port.calls[0]; got != (activation{2, 0, 0, 2}) {
		t.Errorf("call = %+v, want capped to 2s", got)
	}
}

func TestActuation_ZeroCorrectionSkipsPort(t *testing.T) {
	port := &recordingPort{}
	a := &Actuation{Port: port, sleep: noSleep}
	if err := a.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(port.calls) != 0 {
		t.Errorf("calls = %+v, want none", port.calls)
	}
}

func TestActuation_PortErrorThroughAsync(t *testing.T) {
	port := &recordingPort{err: errors.New("port closed")}
	exec := NewAsync("guideport")
	exec.Execute(&Actuation{Port: port, Correction: geometry.Point{X: 1}, sleep: noSleep})
	if err := exec.Wait(t.Context()); !errors.Is(err, ErrActuation) {
		t.Errorf("Wait error = %v, want ErrActuation", err)
	}
}
