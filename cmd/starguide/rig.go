package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cjeanneret/StarGuide/internal/config"
	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/hw/gpio"
	"github.com/cjeanneret/StarGuide/internal/hw/guideport"
	"github.com/cjeanneret/StarGuide/internal/hw/sim"
	"github.com/cjeanneret/StarGuide/internal/logic/control"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/guider"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/tracker"
	"github.com/cjeanneret/StarGuide/internal/store"
)

// rig is the guider together with the hardware and storage it runs on.
type rig struct {
	cfg     *config.Config
	guider  *guider.Guider
	store   *store.Store // nil without store.path
	gain    *control.Gain
	shutter camera.Shutter // nil when shutter.type is none
	sky     *sim.Sky
	closers []io.Closer
}

// newRig builds devices from cfg, binds them to a new guider and configures
// it. Events go to sink.
func newRig(cfg *config.Config, sink guider.Sink) (*rig, error) {
	r := &rig{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	debug.Step(1, "Optics")
	rate, err := geometry.NewRateCalculator(cfg)
	if err != nil {
		return nil, fmt.Errorf("optics: %w", err)
	}
	grid := cfg.Calibration.GridSeconds
	if grid == 0 {
		if grid, err = rate.GridConstant(); err != nil {
			return nil, fmt.Errorf("calibration grid: %w", err)
		}
	}
	debug.Value("Arcsec per pixel", rate.Scale().ArcsecPerPixel())
	debug.Value("Guide speed (px/s)", rate.PixelsPerSecond())
	debug.Value("Calibration grid (s)", grid)

	debug.Step(2, "Devices")
	var imager camera.Imager
	if cfg.Camera.Type == "sim" {
		r.sky = sim.New(skyConfig(cfg, rate))
		imager = r.sky.Imager()
	}
	if imager == nil {
		return nil, fmt.Errorf("camera type %q has no imager", cfg.Camera.Type)
	}

	var drv gpio.Driver
	openGPIO := func() (gpio.Driver, error) {
		if drv != nil {
			return drv, nil
		}
		d, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			return nil, fmt.Errorf("init GPIO: %w", err)
		}
		drv = d
		r.closers = append(r.closers, d)
		return d, nil
	}

	var port guideport.GuidePort
	switch cfg.GuidePort.Type {
	case "sim":
		if r.sky == nil {
			return nil, errors.New("simulated guide port needs the simulated camera")
		}
		port = r.sky.GuidePort()
	case "gpio":
		d, err := openGPIO()
		if err != nil {
			return nil, err
		}
		relay, err := guideport.NewRelay(d, guideport.RelayConfig{
			RAPlusPin:   cfg.GuidePort.RAPlusPin,
			RAMinusPin:  cfg.GuidePort.RAMinusPin,
			DecPlusPin:  cfg.GuidePort.DecPlusPin,
			DecMinusPin: cfg.GuidePort.DecMinusPin,
			ActiveLow:   cfg.GuidePort.ActiveLow,
		})
		if err != nil {
			return nil, fmt.Errorf("guide port relay: %w", err)
		}
		r.closers = append(r.closers, relay)
		port = relay
		if r.sky != nil {
			port = guideport.Tee{Primary: relay, Mirror: r.sky.GuidePort()}
		}
	default:
		return nil, fmt.Errorf("unsupported guide port type: %s", cfg.GuidePort.Type)
	}
	debug.Value("Guide port", cfg.GuidePort.Type)

	devices := []motion.Device{&motion.GuidePortDevice{
		Port:       port,
		PortName:   cfg.Guider.GuidePort,
		Sequential: cfg.Guiding.Sequential,
		Stepping:   cfg.Guiding.Stepping,
		Step:       cfg.StepDuration(),
		SettleTime: cfg.Settle(),
	}}
	if cfg.AO.Enabled {
		if r.sky == nil {
			return nil, errors.New("adaptive optics is only available on the simulator")
		}
		devices = append(devices, &motion.AODevice{
			AO:         r.sky.AO(),
			UnitName:   "ao:simulator/ao",
			SettleTime: cfg.AOSettle(),
		})
		debug.Value("Adaptive optics", "simulated")
	}

	switch cfg.Shutter.Type {
	case "gpio":
		d, err := openGPIO()
		if err != nil {
			return nil, err
		}
		bulb, err := camera.NewBulbGPIO(d, cfg.Shutter.FocusPin, cfg.Shutter.ShutterPin, cfg.ShutterWake())
		if err != nil {
			return nil, fmt.Errorf("shutter: %w", err)
		}
		r.shutter = bulb
	case "sim":
		r.shutter = camera.Timer{}
	}

	debug.Step(3, "Tracking")
	tr, err := tracker.New(cfg.Tracker.Type, cfg.Tracker.Radius)
	if err != nil {
		return nil, err
	}
	algo, err := control.New(cfg.Guiding.Control, cfg.Guiding.GainRA, cfg.Guiding.GainDEC)
	if err != nil {
		return nil, err
	}
	r.gain, _ = algo.(*control.Gain)

	opts := guider.Options{
		Imager:               imager,
		Tracker:              tr,
		Control:              algo,
		Exposure:             camera.Exposure{Duration: cfg.Exposure()},
		Steps:                cfg.Calibration.Steps,
		GuidePortGrid:        grid,
		AOGrid:               cfg.AO.Step,
		MinDeterminant:       cfg.Calibration.MinDeterminant,
		Rate:                 rate,
		Interval:             cfg.Interval(),
		MaxPulse:             cfg.MaxPulse(),
		Alpha:                cfg.Guiding.Alpha,
		MaxStarLost:          cfg.Guiding.MaxStarLost,
		MaxActuationFailures: cfg.Guiding.MaxActuationFailures,
		Backlash: guider.BacklashOptions{
			Points:     cfg.Backlash.Points,
			Interval:   cfg.BacklashInterval(),
			Settle:     cfg.BacklashSettle(),
			LastPoints: cfg.Backlash.LastPoints,
		},
		Sink: sink,
	}

	if cfg.Store.Path != "" {
		debug.Step(4, "History")
		st, err := store.New(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		r.store = st
		r.closers = append(r.closers, st)
		opts.Calibrations = st
		opts.Tracks = st
		debug.Value("Store", cfg.Store.Path)
	}

	r.guider = guider.New(opts)
	desc := guider.Descriptor{
		Name:          cfg.Guider.Name,
		CameraName:    cfg.Guider.CameraName,
		CCDID:         cfg.Guider.CCDID,
		GuidePortName: cfg.Guider.GuidePort,
	}
	if err := r.guider.Configure(desc, devices...); err != nil {
		return nil, err
	}
	ok = true
	return r, nil
}

func skyConfig(cfg *config.Config, rate *geometry.RateCalculator) sim.Config {
	s := cfg.Sim
	if s == nil {
		s = &config.SimConfig{}
	}
	return sim.Config{
		Width:        cfg.Camera.WidthPx,
		Height:       cfg.Camera.HeightPx,
		Flux:         s.Flux,
		Sigma:        s.Sigma,
		Noise:        s.Noise,
		Seed:         uint64(s.Seed),
		Drift:        geometry.Point{X: s.DriftX, Y: s.DriftY},
		PixelSpeed:   rate.PixelsPerSecond(),
		AxisAngleDeg: s.AxisAngleDeg,
		BacklashSec:  s.BacklashSec,
		AOGain:       cfg.AO.Gain,
	}
}

// watchGains applies gain changes of the config file to the running loop.
func (r *rig) watchGains(ctx context.Context, path string) {
	if r.gain == nil {
		return
	}
	err := config.Watch(ctx, path, func(c *config.Config) {
		r.gain.SetGains(c.Guiding.GainRA, c.Guiding.GainDEC)
		debug.Info("Gains reloaded: ra=%.2f dec=%.2f", c.Guiding.GainRA, c.Guiding.GainDEC)
	})
	if err != nil {
		debug.Errorf("config watch disabled: %v", err)
	}
}

// Close releases devices and storage in reverse order of creation.
func (r *rig) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil {
			debug.Errorf("close: %v", err)
		}
	}
	r.closers = nil
}
