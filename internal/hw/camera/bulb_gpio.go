package camera

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/gpio"
)

// BulbGPIO drives a DSLR in bulb mode through the 3-pin remote connector:
// - GND: connected to Raspberry Pi ground
// - FOCUS: wakes the camera (activate by setting to LOW)
// - SHUTTER: opens the shutter while held LOW
//
// Exposure sequence:
// 1. FOCUS to LOW (wake up)
// 2. Wait for the camera to be ready
// 3. SHUTTER to LOW (shutter opens)
// 4. Hold for the exposure time
// 5. Set SHUTTER and FOCUS back to HIGH
type BulbGPIO struct {
	gpio       gpio.Driver
	focusPin   int
	shutterPin int
	wakeDelay  time.Duration
}

// NewBulbGPIO creates a GPIO-controlled bulb release.
func NewBulbGPIO(g gpio.Driver, focusPin, shutterPin int, wakeDelay time.Duration) (*BulbGPIO, error) {
	for _, pin := range []int{focusPin, shutterPin} {
		if err := g.SetupPin(pin, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
		// lines are HIGH when inactive
		if err := g.WritePin(pin, gpio.High); err != nil {
			return nil, fmt.Errorf("release pin %d: %w", pin, err)
		}
	}
	return &BulbGPIO{
		gpio:       g,
		focusPin:   focusPin,
		shutterPin: shutterPin,
		wakeDelay:  wakeDelay,
	}, nil
}

// Expose keeps the shutter open for d. Cancelling ctx closes the shutter
// early and returns the context error.
func (b *BulbGPIO) Expose(ctx context.Context, d time.Duration) error {
	debug.Verbose("Shutter: bulb exposure of %v (focus=%d, shutter=%d)", d, b.focusPin, b.shutterPin)

	if err := b.gpio.WritePin(b.focusPin, gpio.Low); err != nil {
		return err
	}
	if err := sleep(ctx, b.wakeDelay); err != nil {
		_ = b.gpio.WritePin(b.focusPin, gpio.High)
		return err
	}

	if err := b.gpio.WritePin(b.shutterPin, gpio.Low); err != nil {
		_ = b.gpio.WritePin(b.focusPin, gpio.High)
		return err
	}
	holdErr := sleep(ctx, d)

	if err := b.gpio.WritePin(b.shutterPin, gpio.High); err != nil {
		return err
	}
	if err := b.gpio.WritePin(b.focusPin, gpio.High); err != nil {
		return err
	}
	if holdErr != nil {
		return holdErr
	}
	debug.Live("Shutter: exposure of %v done", d)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
