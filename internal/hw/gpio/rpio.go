package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/cjeanneret/StarGuide/internal/debug"
)

// RPiDriver drives the Raspberry Pi header through go-rpio. It follows the
// MockDriver rules: pins must be set up before use and writes go to outputs
// only, so a wiring mistake fails the same way on the bench and on the Pi.
type RPiDriver struct {
	mu     sync.Mutex
	modes  map[int]PinMode
	closed bool
}

// NewRPiDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiDriver() (*RPiDriver, error) {
	debug.Info("Initializing Raspberry Pi GPIO (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("open GPIO: %w (is this a Raspberry Pi?)", err)
	}
	return &RPiDriver{modes: make(map[int]PinMode)}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.modes[pin] = mode
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if mode, ok := r.modes[pin]; !ok || mode != Output {
		return fmt.Errorf("pin %d is not an output", pin)
	}
	if level == High {
		rpio.Pin(pin).High()
	} else {
		rpio.Pin(pin).Low()
	}
	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Low, ErrClosed
	}
	if _, ok := r.modes[pin]; !ok {
		return Low, fmt.Errorf("pin %d is not set up", pin)
	}
	return Level(rpio.Pin(pin).Read() == rpio.High), nil
}

// Close returns every used pin to input, which opens all relays, and unmaps
// the registers.
func (r *RPiDriver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for pin := range r.modes {
		debug.Trace("Releasing pin %d", pin)
		rpio.Pin(pin).Input()
	}
	return rpio.Close()
}
