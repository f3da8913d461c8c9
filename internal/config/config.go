package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GuiderConfig names the devices a guider is bound to. Together they form the
// guider descriptor used as the persistence key.
type GuiderConfig struct {
	Name       string `yaml:"name"`
	CameraName string `yaml:"camera"`
	CCDID      int    `yaml:"ccd"`
	GuidePort  string `yaml:"guideport"` // "guiderport" is accepted as an alias key
	GuiderPort string `yaml:"guiderport,omitempty"`
}

// OpticsConfig describes the guide scope.
type OpticsConfig struct {
	FocalLengthMm float64 `yaml:"focal_length_mm"`
	PixelSizeUm   float64 `yaml:"pixel_size_um"`
	GuideRate     float64 `yaml:"guide_rate"` // fraction of sidereal rate (default 0.5)
}

// CameraConfig describes the guide camera.
// Type selects a concrete implementation (only "sim" ships with the binary).
type CameraConfig struct {
	Type       string `yaml:"type"`
	ExposureMs int    `yaml:"exposure_ms"`
	WidthPx    int    `yaml:"width_px"`
	HeightPx   int    `yaml:"height_px"`
}

// GuidePortConfig describes the ST-4 guide port.
// Type is "sim" (simulated mount) or "gpio" (relay board driven by GPIO pins).
// With the simulated camera, a gpio port also drives the simulated mount.
type GuidePortConfig struct {
	Type        string `yaml:"type"`
	RAPlusPin   int    `yaml:"ra_plus_pin"`
	RAMinusPin  int    `yaml:"ra_minus_pin"`
	DecPlusPin  int    `yaml:"dec_plus_pin"`
	DecMinusPin int    `yaml:"dec_minus_pin"`
	ActiveLow   bool   `yaml:"active_low"` // relay boards that close on LOW
}

// AOConfig describes the adaptive optics unit (simulated only).
type AOConfig struct {
	Enabled bool    `yaml:"enabled"`
	Step    float64 `yaml:"step"`      // calibration step in normalized units (-1..1 range)
	Gain    float64 `yaml:"gain_px"`   // simulated pixels per unit of AO travel
	Settle  int     `yaml:"settle_ms"` // settle time after each AO move
}

// TrackerConfig selects the star tracker.
type TrackerConfig struct {
	Type   string `yaml:"type"`   // "cg" or "null"
	Radius int    `yaml:"radius"` // border feathering radius in pixels
}

// CalibrationConfig holds the calibration run parameters.
type CalibrationConfig struct {
	Steps          int     `yaml:"steps"`           // pulses per direction
	GridSeconds    float64 `yaml:"grid_seconds"`    // pulse duration, 0 = computed from optics
	SettleMs       int     `yaml:"settle_ms"`       // wait after each pulse before exposing
	MinDeterminant float64 `yaml:"min_determinant"` // |det| below this fails the run
}

// GuidingConfig holds the tracking loop parameters.
type GuidingConfig struct {
	IntervalMs           int     `yaml:"interval_ms"`
	Control              string  `yaml:"control"` // "none" or "gain"
	GainRA               float64 `yaml:"gain_ra"`
	GainDEC              float64 `yaml:"gain_dec"`
	Alpha                float64 `yaml:"alpha"`
	MaxStarLost          int     `yaml:"max_star_lost"`
	MaxActuationFailures int     `yaml:"max_actuation_failures"`
	Sequential           bool    `yaml:"sequential"`
	Stepping             bool    `yaml:"stepping"`
	StepMs               int     `yaml:"step_ms"`      // sub-pulse length when stepping
	MaxPulseMs           int     `yaml:"max_pulse_ms"` // cap on a single correction pulse
}

// DitherConfig holds the dither radius. Arcsec wins when both are set.
type DitherConfig struct {
	RadiusPx     float64 `yaml:"radius_px"`
	RadiusArcsec float64 `yaml:"radius_arcsec"`
}

// BacklashConfig holds the backlash measurement parameters.
type BacklashConfig struct {
	Points     int `yaml:"points"`
	IntervalMs int `yaml:"interval_ms"`
	SettleMs   int `yaml:"settle_ms"`
	LastPoints int `yaml:"last_points"` // analyze only the last N points, 0 = all
}

// ShutterConfig describes the imaging camera bulb release.
// Type is "none", "sim" (timer only) or "gpio" (DSLR remote connector).
type ShutterConfig struct {
	Type       string `yaml:"type"`
	FocusPin   int    `yaml:"focus_pin"`
	ShutterPin int    `yaml:"shutter_pin"`
	WakeMs     int    `yaml:"wake_ms"` // focus held before the shutter opens
}

// SequenceConfig holds the imaging sequence run while guiding.
type SequenceConfig struct {
	Frames      int     `yaml:"frames"`
	ExposureS   float64 `yaml:"exposure_s"`
	DitherEvery int     `yaml:"dither_every"` // 0 = never dither
	SettleMs    int     `yaml:"settle_ms"`    // wait after a dither
	DelayMs     int     `yaml:"delay_ms"`     // pause between frames
}

// SimConfig parametrizes the simulated sky.
type SimConfig struct {
	Seed         int64   `yaml:"seed"`
	DriftX       float64 `yaml:"drift_x"` // px/s
	DriftY       float64 `yaml:"drift_y"` // px/s
	Noise        float64 `yaml:"noise"`   // per-pixel noise amplitude
	Flux         float64 `yaml:"flux"`    // peak star value
	Sigma        float64 `yaml:"sigma"`   // star size in pixels
	AxisAngleDeg float64 `yaml:"axis_angle_deg"`
	BacklashSec  float64 `yaml:"backlash_seconds"` // dead zone on DEC reversal
}

// StoreConfig points to the sqlite history database. Empty path disables it.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// WebConfig configures the HTTP status server.
type WebConfig struct {
	Port int `yaml:"port"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Guider      GuiderConfig      `yaml:"guider"`
	Optics      OpticsConfig      `yaml:"optics"`
	Camera      CameraConfig      `yaml:"camera"`
	GuidePort   GuidePortConfig   `yaml:"guideport"`
	AO          AOConfig          `yaml:"ao"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Guiding     GuidingConfig     `yaml:"guiding"`
	Dither      DitherConfig      `yaml:"dither"`
	Backlash    BacklashConfig    `yaml:"backlash"`
	Shutter     ShutterConfig     `yaml:"shutter"`
	Sequence    SequenceConfig    `yaml:"sequence"`
	Sim         *SimConfig        `yaml:"sim,omitempty"` // optional
	Store       StoreConfig       `yaml:"store"`
	Web         WebConfig         `yaml:"web"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// MaxConfigFileBytes bounds the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals YAML data, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration for a fully simulated guider.
func Default() *Config {
	cfg := Config{
		Camera:    CameraConfig{Type: "sim"},
		GuidePort: GuidePortConfig{Type: "sim"},
		Sim:       &SimConfig{},
	}
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Guider.GuidePort == "" {
		c.Guider.GuidePort = c.Guider.GuiderPort
	}
	c.Guider.GuiderPort = ""
	if c.Guider.Name == "" {
		c.Guider.Name = "guider"
	}
	if c.Guider.CameraName == "" {
		c.Guider.CameraName = "camera:simulator/camera"
	}
	if c.Guider.GuidePort == "" {
		c.Guider.GuidePort = "guideport:simulator/guideport"
	}

	if c.Optics.FocalLengthMm <= 0 {
		c.Optics.FocalLengthMm = 600
	}
	if c.Optics.PixelSizeUm <= 0 {
		c.Optics.PixelSizeUm = 10
	}
	if c.Optics.GuideRate <= 0 {
		c.Optics.GuideRate = 0.5
	}

	c.Camera.Type = strings.ToLower(c.Camera.Type)
	if c.Camera.ExposureMs <= 0 {
		c.Camera.ExposureMs = 1000
	}
	if c.Camera.WidthPx <= 0 {
		c.Camera.WidthPx = 64
	}
	if c.Camera.HeightPx <= 0 {
		c.Camera.HeightPx = 64
	}

	c.GuidePort.Type = strings.ToLower(c.GuidePort.Type)
	if c.AO.Step <= 0 {
		c.AO.Step = 0.1
	}
	if c.AO.Gain <= 0 {
		c.AO.Gain = 10
	}

	c.Tracker.Type = strings.ToLower(c.Tracker.Type)
	if c.Tracker.Type == "" {
		c.Tracker.Type = "cg"
	}
	if c.Tracker.Radius <= 0 {
		c.Tracker.Radius = 4
	}

	if c.Calibration.Steps <= 0 {
		c.Calibration.Steps = 3
	}
	if c.Calibration.SettleMs < 0 {
		c.Calibration.SettleMs = 0
	}
	if c.Calibration.MinDeterminant <= 0 {
		c.Calibration.MinDeterminant = 0.01
	}

	c.Guiding.Control = strings.ToLower(c.Guiding.Control)
	if c.Guiding.Control == "" {
		c.Guiding.Control = "gain"
	}
	if c.Guiding.IntervalMs <= 0 {
		c.Guiding.IntervalMs = 5000
	}
	if c.Guiding.GainRA == 0 {
		c.Guiding.GainRA = 1
	}
	if c.Guiding.GainDEC == 0 {
		c.Guiding.GainDEC = 1
	}
	if c.Guiding.Alpha <= 0 {
		c.Guiding.Alpha = 0.1
	}
	if c.Guiding.MaxStarLost <= 0 {
		c.Guiding.MaxStarLost = 5
	}
	if c.Guiding.MaxActuationFailures <= 0 {
		c.Guiding.MaxActuationFailures = 5
	}
	if c.Guiding.StepMs <= 0 {
		c.Guiding.StepMs = 500
	}
	if c.Guiding.MaxPulseMs <= 0 {
		c.Guiding.MaxPulseMs = c.Guiding.IntervalMs
	}

	if c.Backlash.Points <= 0 {
		c.Backlash.Points = 40
	}
	if c.Backlash.IntervalMs <= 0 {
		c.Backlash.IntervalMs = 2000
	}

	c.Shutter.Type = strings.ToLower(c.Shutter.Type)
	if c.Shutter.Type == "" {
		c.Shutter.Type = "none"
	}
	if c.Shutter.WakeMs <= 0 {
		c.Shutter.WakeMs = 200
	}
	if c.Sequence.Frames <= 0 {
		c.Sequence.Frames = 10
	}
	if c.Sequence.ExposureS <= 0 {
		c.Sequence.ExposureS = 60
	}
	if c.Sequence.SettleMs <= 0 {
		c.Sequence.SettleMs = 10000
	}

	if c.Sim != nil {
		if c.Sim.Flux <= 0 {
			c.Sim.Flux = 1000
		}
		if c.Sim.Sigma <= 0 {
			c.Sim.Sigma = 1.5
		}
		if c.Sim.AxisAngleDeg == 0 {
			c.Sim.AxisAngleDeg = 30
		}
	}

	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
}

// Validate checks value ranges. Load calls it after filling defaults.
func (c *Config) Validate() error {
	switch c.Camera.Type {
	case "sim":
	case "":
		return fmt.Errorf("camera.type is required")
	default:
		return fmt.Errorf("camera.type %q is not supported", c.Camera.Type)
	}
	switch c.GuidePort.Type {
	case "sim":
	case "gpio":
		pins := []int{c.GuidePort.RAPlusPin, c.GuidePort.RAMinusPin, c.GuidePort.DecPlusPin, c.GuidePort.DecMinusPin}
		seen := make(map[int]bool, len(pins))
		for _, p := range pins {
			if p <= 0 || p > 27 {
				return fmt.Errorf("guideport pins must be BCM 1-27, got %d", p)
			}
			if seen[p] {
				return fmt.Errorf("guideport pin %d used twice", p)
			}
			seen[p] = true
		}
	case "":
		return fmt.Errorf("guideport.type is required")
	default:
		return fmt.Errorf("guideport.type %q is not supported", c.GuidePort.Type)
	}
	if (c.Camera.Type == "sim" || c.GuidePort.Type == "sim") && c.Sim == nil {
		return fmt.Errorf("sim section is required for simulated devices")
	}
	switch c.Tracker.Type {
	case "cg", "null":
	default:
		return fmt.Errorf("tracker.type must be cg or null, got %q", c.Tracker.Type)
	}
	switch c.Guiding.Control {
	case "none", "gain":
	default:
		return fmt.Errorf("guiding.control must be none or gain, got %q", c.Guiding.Control)
	}
	if c.Guiding.GainRA < 0 || c.Guiding.GainRA > 2 || c.Guiding.GainDEC < 0 || c.Guiding.GainDEC > 2 {
		return fmt.Errorf("guiding gains must be between 0 and 2, got ra=%.2f dec=%.2f", c.Guiding.GainRA, c.Guiding.GainDEC)
	}
	if c.Guiding.Alpha > 1 {
		return fmt.Errorf("guiding.alpha must be in (0,1], got %.3f", c.Guiding.Alpha)
	}
	if c.Calibration.GridSeconds < 0 || c.Calibration.GridSeconds > 60 {
		return fmt.Errorf("calibration.grid_seconds must be between 0 and 60, got %.2f", c.Calibration.GridSeconds)
	}
	if c.Backlash.Points < 8 {
		return fmt.Errorf("backlash.points must be >= 8, got %d", c.Backlash.Points)
	}
	if c.Backlash.LastPoints != 0 && c.Backlash.LastPoints < 8 {
		return fmt.Errorf("backlash.last_points must be 0 (all) or >= 8, got %d", c.Backlash.LastPoints)
	}
	if c.AO.Step > 1 || math.IsNaN(c.AO.Step) {
		return fmt.Errorf("ao.step must be in (0,1], got %.3f", c.AO.Step)
	}
	if c.AO.Enabled && float64(c.Calibration.Steps)*c.AO.Step > 1+1e-9 {
		return fmt.Errorf("ao.step * calibration.steps must be <= 1 (AO travel), got %d * %.3f", c.Calibration.Steps, c.AO.Step)
	}
	if c.Dither.RadiusPx < 0 || c.Dither.RadiusArcsec < 0 {
		return fmt.Errorf("dither radius must be >= 0")
	}
	if err := c.validateShutter(); err != nil {
		return err
	}
	if c.Sequence.DitherEvery < 0 || c.Sequence.DelayMs < 0 {
		return fmt.Errorf("sequence.dither_every and sequence.delay_ms must be >= 0")
	}
	if math.IsNaN(c.Sequence.ExposureS) || math.IsInf(c.Sequence.ExposureS, 0) {
		return fmt.Errorf("sequence.exposure_s must be finite")
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be between 1 and 65535, got %d", c.Web.Port)
	}
	for name, v := range map[string]float64{
		"optics.focal_length_mm": c.Optics.FocalLengthMm,
		"optics.pixel_size_um":   c.Optics.PixelSizeUm,
		"optics.guide_rate":      c.Optics.GuideRate,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite", name)
		}
	}
	return nil
}

func (c *Config) validateShutter() error {
	switch c.Shutter.Type {
	case "none", "sim":
	case "gpio":
		if c.Shutter.FocusPin <= 0 || c.Shutter.FocusPin > 27 || c.Shutter.ShutterPin <= 0 || c.Shutter.ShutterPin > 27 {
			return fmt.Errorf("shutter pins must be BCM 1-27, got focus=%d shutter=%d", c.Shutter.FocusPin, c.Shutter.ShutterPin)
		}
		if c.Shutter.FocusPin == c.Shutter.ShutterPin {
			return fmt.Errorf("shutter focus and shutter pins must differ")
		}
		if c.GuidePort.Type == "gpio" {
			for _, p := range []int{c.GuidePort.RAPlusPin, c.GuidePort.RAMinusPin, c.GuidePort.DecPlusPin, c.GuidePort.DecMinusPin} {
				if p == c.Shutter.FocusPin || p == c.Shutter.ShutterPin {
					return fmt.Errorf("pin %d is used by both the guide port and the shutter", p)
				}
			}
		}
	default:
		return fmt.Errorf("shutter.type must be none, sim or gpio, got %q", c.Shutter.Type)
	}
	return nil
}

// Exposure returns the guide camera exposure time.
func (c *Config) Exposure() time.Duration {
	return time.Duration(c.Camera.ExposureMs) * time.Millisecond
}

// Settle returns the wait between a calibration pulse and the next exposure.
func (c *Config) Settle() time.Duration {
	return time.Duration(c.Calibration.SettleMs) * time.Millisecond
}

// Interval returns the guiding cadence.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Guiding.IntervalMs) * time.Millisecond
}

// MaxPulse returns the longest single correction pulse.
func (c *Config) MaxPulse() time.Duration {
	return time.Duration(c.Guiding.MaxPulseMs) * time.Millisecond
}

// StepDuration returns the sub-pulse length used in stepping mode.
func (c *Config) StepDuration() time.Duration {
	return time.Duration(c.Guiding.StepMs) * time.Millisecond
}

// BacklashInterval returns the pulse length of one backlash step.
func (c *Config) BacklashInterval() time.Duration {
	return time.Duration(c.Backlash.IntervalMs) * time.Millisecond
}

// BacklashSettle returns the wait after each backlash pulse.
func (c *Config) BacklashSettle() time.Duration {
	return time.Duration(c.Backlash.SettleMs) * time.Millisecond
}

// AOSettle returns the wait after each AO move.
func (c *Config) AOSettle() time.Duration {
	return time.Duration(c.AO.Settle) * time.Millisecond
}

// ShutterWake returns how long the focus line is held before exposing.
func (c *Config) ShutterWake() time.Duration {
	return time.Duration(c.Shutter.WakeMs) * time.Millisecond
}

// SequenceExposure returns the imaging exposure of one sequence frame.
func (c *Config) SequenceExposure() time.Duration {
	return time.Duration(c.Sequence.ExposureS * float64(time.Second))
}

// SequenceSettle returns the wait after a dither.
func (c *Config) SequenceSettle() time.Duration {
	return time.Duration(c.Sequence.SettleMs) * time.Millisecond
}

// SequenceDelay returns the pause between two frames.
func (c *Config) SequenceDelay() time.Duration {
	return time.Duration(c.Sequence.DelayMs) * time.Millisecond
}
