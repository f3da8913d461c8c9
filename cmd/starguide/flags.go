package main

import (
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/StarGuide/internal/config"
	"github.com/cjeanneret/StarGuide/internal/logic/capture"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
)

// validateDebugLevel accepts -1 (keep the config value) or a level 0-4.
func validateDebugLevel(level int) error {
	if level < -1 || level > 4 {
		return fmt.Errorf("debug level must be between 0 and 4, got %d", level)
	}
	return nil
}

// validateCalibrationFlags checks the calibration flags and returns the
// selected device type.
func validateCalibrationFlags(f *calibrationFlags) (motion.DeviceType, error) {
	t, err := motion.ParseDeviceType(f.device)
	if err != nil {
		return 0, err
	}
	if f.steps < 0 || f.steps > 50 {
		return 0, fmt.Errorf("steps must be between 0 and 50, got %d", f.steps)
	}
	if f.id != "" && f.reuse {
		return 0, fmt.Errorf("--calibration and --reuse are mutually exclusive")
	}
	return t, nil
}

// applyPort overrides web.port when port is non-zero.
func applyPort(cfg *config.Config, port int) error {
	if port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", port)
	}
	cfg.Web.Port = port
	return nil
}

// sequenceFlags override the sequence section. Zero values (and -1 for
// ditherEvery) keep the config value.
type sequenceFlags struct {
	frames      int
	exposure    time.Duration
	ditherEvery int
}

// sequenceParams merges the config and the flags into sequence parameters.
func sequenceParams(cfg *config.Config, f sequenceFlags) (capture.Params, error) {
	p := capture.Params{
		Frames:       cfg.Sequence.Frames,
		Exposure:     cfg.SequenceExposure(),
		DitherEvery:  cfg.Sequence.DitherEvery,
		DitherRadius: ditherRadius(cfg),
		Settle:       cfg.SequenceSettle(),
		Delay:        cfg.SequenceDelay(),
	}
	if f.frames < 0 || f.exposure < 0 || f.ditherEvery < -1 {
		return p, fmt.Errorf("sequence flags must not be negative")
	}
	if f.frames > 0 {
		p.Frames = f.frames
	}
	if f.exposure > 0 {
		p.Exposure = f.exposure
	}
	if f.ditherEvery >= 0 {
		p.DitherEvery = f.ditherEvery
	}
	if p.DitherEvery > 0 && p.DitherRadius <= 0 {
		return p, fmt.Errorf("dithering needs dither.radius_px or dither.radius_arcsec")
	}
	return p, nil
}

// ditherRadius returns the dither radius in pixels. The arcsec setting wins
// when both are set.
func ditherRadius(cfg *config.Config) float64 {
	if cfg.Dither.RadiusArcsec > 0 {
		scale, err := geometry.NewPixelScale(cfg)
		if err == nil {
			if r := scale.ArcsecToPixels(cfg.Dither.RadiusArcsec); !math.IsNaN(r) && !math.IsInf(r, 0) {
				return r
			}
		}
	}
	return cfg.Dither.RadiusPx
}
