package guideport

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/gpio"
)

// RelayConfig holds the GPIO wiring of a relay guide port.
type RelayConfig struct {
	RAPlusPin   int
	RAMinusPin  int
	DecPlusPin  int
	DecMinusPin int
	ActiveLow   bool // relay boards that close on LOW
}

type relayLine struct {
	bit   Activity
	pin   int
	timer *time.Timer
}

// Relay is a guide port made of four GPIO driven relays.
type Relay struct {
	mu     sync.Mutex
	gpio   gpio.Driver
	cfg    RelayConfig
	lines  [4]*relayLine
	active Activity
	gen    uint64
}

// NewRelay configures the four pins as outputs and opens all relays.
func NewRelay(g gpio.Driver, cfg RelayConfig) (*Relay, error) {
	r := &Relay{gpio: g, cfg: cfg}
	r.lines = [4]*relayLine{
		{bit: RAPlus, pin: cfg.RAPlusPin},
		{bit: RAMinus, pin: cfg.RAMinusPin},
		{bit: DecPlus, pin: cfg.DecPlusPin},
		{bit: DecMinus, pin: cfg.DecMinusPin},
	}
	for _, l := range r.lines {
		if err := g.SetupPin(l.pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", l.pin, err)
		}
		if err := g.WritePin(l.pin, r.level(false)); err != nil {
			return nil, fmt.Errorf("release pin %d: %w", l.pin, err)
		}
	}
	return r, nil
}

func (r *Relay) level(closed bool) gpio.Level {
	if r.cfg.ActiveLow {
		return gpio.Level(!closed)
	}
	return gpio.Level(closed)
}

// Activate implements GuidePort.
func (r *Relay) Activate(raPlus, raMinus, decPlus, decMinus float64) error {
	if err := CheckDurations(raPlus, raMinus, decPlus, decMinus); err != nil {
		return err
	}
	debug.Pulse(raPlus, raMinus, decPlus, decMinus)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	gen := r.gen
	for i, d := range []float64{raPlus, raMinus, decPlus, decMinus} {
		l := r.lines[i]
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		if d <= 0 {
			if err := r.release(l); err != nil {
				return err
			}
			continue
		}
		if err := r.gpio.WritePin(l.pin, r.level(true)); err != nil {
			return fmt.Errorf("close relay on pin %d: %w", l.pin, err)
		}
		r.active |= l.bit
		line := l
		l.timer = time.AfterFunc(time.Duration(d*float64(time.Second)), func() {
			r.expire(line, gen)
		})
	}
	return nil
}

func (r *Relay) expire(l *relayLine, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	l.timer = nil
	if err := r.release(l); err != nil {
		debug.Error(err)
	}
}

func (r *Relay) release(l *relayLine) error {
	if err := r.gpio.WritePin(l.pin, r.level(false)); err != nil {
		return fmt.Errorf("open relay on pin %d: %w", l.pin, err)
	}
	r.active &^= l.bit
	return nil
}

// Active implements GuidePort.
func (r *Relay) Active() (Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, nil
}

// Close stops pending pulses and opens every relay.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	var firstErr error
	for _, l := range r.lines {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		if err := r.release(l); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
