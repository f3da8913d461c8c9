package motion

import (
	"context"
	"time"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/logic/action"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
)

// Controller owns one device and the executor that serializes its commands.
// It is the layer between guiding logic (calibration, tracking, backlash)
// and the device drivers.
type Controller struct {
	device Device
	exec   *action.Async
}

// NewController creates a controller with its own executor, so separate
// guiders never share busy state.
func NewController(d Device) *Controller {
	return &Controller{
		device: d,
		exec:   action.NewAsync(d.Type().String() + " " + d.Name()),
	}
}

// Device returns the controlled device.
func (c *Controller) Device() Device {
	return c.device
}

// Type returns the type of the controlled device.
func (c *Controller) Type() DeviceType {
	return c.device.Type()
}

// Correct fires a correction without waiting for it. It returns false when
// the previous correction is still running and this one was skipped.
func (c *Controller) Correct(delta geometry.Point, deltat time.Duration) bool {
	return c.exec.Execute(c.device.Action(delta, deltat))
}

// Move applies delta, waits for the command to finish and lets the device
// settle. It returns the command's error.
func (c *Controller) Move(ctx context.Context, delta geometry.Point) error {
	debug.Verbose("Move %s by %v", c.device.Type(), delta)
	if err := c.exec.Run(ctx, c.device.Action(delta, 0)); err != nil {
		return err
	}
	return sleep(ctx, c.device.Settle())
}

// Wait blocks until the command in flight, if any, has finished.
func (c *Controller) Wait(ctx context.Context) error {
	return c.exec.Wait(ctx)
}

// ConsecutiveFailures returns how many commands in a row have failed.
func (c *Controller) ConsecutiveFailures() int {
	return c.exec.ConsecutiveFailures()
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
