package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfig creates a temporary configs/ dir with the given YAML content and returns the path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgDir := filepath.Join(dir, "configs")
	if err := os.Mkdir(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfgDir, "test.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validYAML = `
guider:
  name: "main"
  camera: "camera:simulator/camera"
  ccd: 0
  guideport: "guideport:simulator/guideport"
optics:
  focal_length_mm: 600
  pixel_size_um: 7.4
  guide_rate: 0.5
camera:
  type: "sim"
  exposure_ms: 500
  width_px: 80
  height_px: 60
guideport:
  type: "sim"
tracker:
  type: "cg"
  radius: 6
calibration:
  steps: 4
  grid_seconds: 2.5
  settle_ms: 100
guiding:
  interval_ms: 2000
  control: "gain"
  gain_ra: 0.7
  gain_dec: 0.5
  alpha: 0.2
sim:
  seed: 42
  drift_x: 0.1
defaults:
  debug_level: 0
`

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeConfig(t, validYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Guider.Name != "main" {
		t.Errorf("guider.name = %q, want %q", cfg.Guider.Name, "main")
	}
	if cfg.Optics.PixelSizeUm != 7.4 {
		t.Errorf("optics.pixel_size_um = %v, want 7.4", cfg.Optics.PixelSizeUm)
	}
	if cfg.Camera.WidthPx != 80 || cfg.Camera.HeightPx != 60 {
		t.Errorf("camera size = %dx%d, want 80x60", cfg.Camera.WidthPx, cfg.Camera.HeightPx)
	}
	if cfg.Tracker.Radius != 6 {
		t.Errorf("tracker.radius = %d, want 6", cfg.Tracker.Radius)
	}
	if cfg.Calibration.Steps != 4 {
		t.Errorf("calibration.steps = %d, want 4", cfg.Calibration.Steps)
	}
	if cfg.Guiding.GainRA != 0.7 || cfg.Guiding.GainDEC != 0.5 {
		t.Errorf("gains = (%v, %v), want (0.7, 0.5)", cfg.Guiding.GainRA, cfg.Guiding.GainDEC)
	}
	if cfg.Sim == nil || cfg.Sim.Seed != 42 {
		t.Fatalf("sim section not parsed: %+v", cfg.Sim)
	}
	if cfg.Interval() != 2*time.Second {
		t.Errorf("Interval() = %v, want 2s", cfg.Interval())
	}
	if cfg.Exposure() != 500*time.Millisecond {
		t.Errorf("Exposure() = %v, want 500ms", cfg.Exposure())
	}
	if cfg.Settle() != 100*time.Millisecond {
		t.Errorf("Settle() = %v, want 100ms", cfg.Settle())
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	path := writeConfig(t, `
camera:
  type: sim
guideport:
  type: sim
sim: {}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Optics.GuideRate != 0.5 {
		t.Errorf("guide_rate default = %v, want 0.5", cfg.Optics.GuideRate)
	}
	if cfg.Tracker.Type != "cg" {
		t.Errorf("tracker.type default = %q, want cg", cfg.Tracker.Type)
	}
	if cfg.Calibration.Steps != 3 {
		t.Errorf("calibration.steps default = %d, want 3", cfg.Calibration.Steps)
	}
	if cfg.Guiding.Control != "gain" {
		t.Errorf("guiding.control default = %q, want gain", cfg.Guiding.Control)
	}
	if cfg.Guiding.MaxPulseMs != cfg.Guiding.IntervalMs {
		t.Errorf("max_pulse_ms default = %d, want interval %d", cfg.Guiding.MaxPulseMs, cfg.Guiding.IntervalMs)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("web.port default = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Sim.Sigma != 1.5 {
		t.Errorf("sim.sigma default = %v, want 1.5", cfg.Sim.Sigma)
	}
}

func TestLoad_GuiderPortAlias(t *testing.T) {
	path := writeConfig(t, `
guider:
  guiderport: "guideport:sx/0"
camera:
  type: sim
guideport:
  type: sim
sim: {}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Guider.GuidePort != "guideport:sx/0" {
		t.Errorf("guideport = %q, want alias value", cfg.Guider.GuidePort)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing camera type", "guideport:\n  type: sim\nsim: {}\n"},
		{"unknown camera", "camera:\n  type: zwo\nguideport:\n  type: sim\nsim: {}\n"},
		{"sim without section", "camera:\n  type: sim\nguideport:\n  type: sim\n"},
		{"gpio port missing pins", "camera:\n  type: sim\nguideport:\n  type: gpio\n  ra_plus_pin: 5\nsim: {}\n"},
		{"bad tracker", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\ntracker:\n  type: phase\n"},
		{"bad control", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nguiding:\n  control: pid\n"},
		{"gain too large", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nguiding:\n  gain_ra: 3\n"},
		{"grid too long", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\ncalibration:\n  grid_seconds: 61\n"},
		{"too few backlash points", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nbacklash:\n  points: 4\n"},
		{"short backlash window", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nbacklash:\n  last_points: 3\n"},
		{"negative backlash window", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nbacklash:\n  last_points: -4\n"},
		{"ao step beyond travel", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nao:\n  step: 1.5\n"},
		{"ao calibration beyond travel", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nao:\n  enabled: true\n  step: 0.4\ncalibration:\n  steps: 3\n"},
		{"bad shutter", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nshutter:\n  type: usb\n"},
		{"shutter pins equal", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nshutter:\n  type: gpio\n  focus_pin: 23\n  shutter_pin: 23\n"},
		{"negative dither_every", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nsequence:\n  dither_every: -1\n"},
		{"bad port", "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nweb:\n  port: 70000\n"},
		{"invalid yaml", "{{{{invalid yaml!!!!"},
		{"empty", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			if _, err := Load(path); err == nil {
				t.Errorf("expected error, got nil")
			}
		})
	}
}

func TestValidate_GPIOPins(t *testing.T) {
	cfg := Default()
	cfg.Camera.Type = "sim"
	cfg.GuidePort = GuidePortConfig{Type: "gpio", RAPlusPin: 5, RAMinusPin: 6, DecPlusPin: 13, DecMinusPin: 6}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicated pin, got nil")
	}
	cfg.GuidePort.DecMinusPin = 40
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for out-of-range pin, got nil")
	}
}

func TestValidate_AOTravel(t *testing.T) {
	cases := []struct {
		name    string
		enabled bool
		step    float64
		steps   int
		ok      bool
	}{
		{"default", true, 0.1, 3, true},
		{"full travel", true, 0.25, 4, true},
		{"beyond travel", true, 0.25, 5, false},
		{"disabled unit", false, 0.5, 3, true},
		{"step too large", false, 2, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.AO.Enabled = tc.enabled
			cfg.AO.Step = tc.step
			cfg.Calibration.Steps = tc.steps
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestValidate_BacklashWindow(t *testing.T) {
	for _, last := range []int{0, 8, 40} {
		cfg := Default()
		cfg.Backlash.LastPoints = last
		if err := cfg.Validate(); err != nil {
			t.Errorf("last_points %d: %v", last, err)
		}
	}
	for _, last := range []int{-1, 1, 7} {
		cfg := Default()
		cfg.Backlash.LastPoints = last
		if err := cfg.Validate(); err == nil {
			t.Errorf("last_points %d: expected error, got nil", last)
		}
	}
}

func TestValidate_ShutterSharesGuidePortPin(t *testing.T) {
	cfg := Default()
	cfg.GuidePort = GuidePortConfig{Type: "gpio", RAPlusPin: 5, RAMinusPin: 6, DecPlusPin: 13, DecMinusPin: 19}
	cfg.Shutter = ShutterConfig{Type: "gpio", FocusPin: 23, ShutterPin: 13, WakeMs: 200}
	if err := cfg.validateShutter(); err == nil {
		t.Error("expected error for pin shared with the guide port, got nil")
	}
	cfg.Shutter.ShutterPin = 24
	if err := cfg.validateShutter(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_SequenceDefaults(t *testing.T) {
	path := writeConfig(t, "camera:\n  type: sim\nguideport:\n  type: sim\nsim: {}\nsequence:\n  exposure_s: 1.5\n  delay_ms: 250\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Shutter.Type != "none" {
		t.Errorf("shutter.type default = %q, want none", cfg.Shutter.Type)
	}
	if cfg.Sequence.Frames != 10 {
		t.Errorf("sequence.frames default = %d, want 10", cfg.Sequence.Frames)
	}
	if got := cfg.SequenceExposure(); got != 1500*time.Millisecond {
		t.Errorf("SequenceExposure() = %v, want 1.5s", got)
	}
	if got := cfg.SequenceDelay(); got != 250*time.Millisecond {
		t.Errorf("SequenceDelay() = %v, want 250ms", got)
	}
	if got := cfg.SequenceSettle(); got != 10*time.Second {
		t.Errorf("SequenceSettle() = %v, want 10s", got)
	}
	if got := cfg.ShutterWake(); got != 200*time.Millisecond {
		t.Errorf("ShutterWake() = %v, want 200ms", got)
	}
}

func TestLoad_GPIOBench(t *testing.T) {
	path := writeConfig(t, "camera:\n  type: sim\nguideport:\n  type: gpio\n  ra_plus_pin: 5\n  ra_minus_pin: 6\n  dec_plus_pin: 13\n  dec_minus_pin: 19\n  active_low: true\nsim: {}\ndefaults:\n  mock_gpio: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.GuidePort.ActiveLow || cfg.GuidePort.DecMinusPin != 19 {
		t.Errorf("guideport = %+v, want active low with DEC- on 19", cfg.GuidePort)
	}
}

func TestDefault_IsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() is invalid: %v", err)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	if err != nil {
		t.Fatalf("configs/default.yaml: %v", err)
	}
	if cfg.Camera.Type != "sim" || !cfg.Defaults.MockGPIO {
		t.Errorf("shipped config must run on the simulator with mock GPIO, got camera=%q mock=%v", cfg.Camera.Type, cfg.Defaults.MockGPIO)
	}
}

func TestLoad_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.yaml")
	data := make([]byte, MaxConfigFileBytes+1)
	for i := range data {
		data[i] = '#'
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for oversized config file, got nil")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	if err := Watch(ctx, path, func(c *Config) { got <- c }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	updated := []byte(validYAML + "\nweb:\n  port: 9090\n")
	if err := os.WriteFile(path, updated, 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-got:
			if cfg.Web.Port == 9090 {
				return
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}
