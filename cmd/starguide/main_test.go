package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/StarGuide/internal/config"
	"github.com/cjeanneret/StarGuide/internal/hw/camera"
	"github.com/cjeanneret/StarGuide/internal/hw/guideport"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/guider"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/store"
)

// ---------- flag validation ----------

func TestValidateDebugLevel(t *testing.T) {
	for _, lvl := range []int{-1, 0, 4} {
		if err := validateDebugLevel(lvl); err != nil {
			t.Errorf("validateDebugLevel(%d) = %v, want nil", lvl, err)
		}
	}
	for _, lvl := range []int{-2, 5} {
		if err := validateDebugLevel(lvl); err == nil {
			t.Errorf("validateDebugLevel(%d) = nil, want error", lvl)
		}
	}
}

func TestValidateCalibrationFlags(t *testing.T) {
	cases := []struct {
		name    string
		f       calibrationFlags
		want    motion.DeviceType
		wantErr bool
	}{
		{"guideport", calibrationFlags{device: "guideport"}, motion.GuidePort, false},
		{"alias", calibrationFlags{device: "GuiderPort", steps: 4}, motion.GuidePort, false},
		{"ao", calibrationFlags{device: "ao", reuse: true}, motion.AdaptiveOptics, false},
		{"unknown device", calibrationFlags{device: "focuser"}, 0, true},
		{"negative steps", calibrationFlags{device: "gp", steps: -1}, 0, true},
		{"too many steps", calibrationFlags{device: "gp", steps: 51}, 0, true},
		{"id and reuse", calibrationFlags{device: "gp", id: "x", reuse: true}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := validateCalibrationFlags(&tc.f)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("device = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestApplyPort(t *testing.T) {
	cfg := config.Default()
	if err := applyPort(cfg, 0); err != nil || cfg.Web.Port != 8080 {
		t.Errorf("port 0: err=%v port=%d, want config port 8080", err, cfg.Web.Port)
	}
	if err := applyPort(cfg, 8980); err != nil || cfg.Web.Port != 8980 {
		t.Errorf("port 8980: err=%v port=%d", err, cfg.Web.Port)
	}
	for _, p := range []int{-1, 65536} {
		if err := applyPort(cfg, p); err == nil {
			t.Errorf("applyPort(%d) = nil, want error", p)
		}
	}
}

func TestSequenceParams(t *testing.T) {
	cfg := config.Default()
	cfg.Sequence = config.SequenceConfig{Frames: 12, ExposureS: 120, DitherEvery: 3, SettleMs: 5000, DelayMs: 100}
	cfg.Dither.RadiusPx = 4

	p, err := sequenceParams(cfg, sequenceFlags{ditherEvery: -1})
	if err != nil {
		t.Fatalf("sequenceParams: %v", err)
	}
	if p.Frames != 12 || p.Exposure != 2*time.Minute || p.DitherEvery != 3 || p.DitherRadius != 4 {
		t.Errorf("params = %+v, want config values", p)
	}
	if p.Settle != 5*time.Second || p.Delay != 100*time.Millisecond {
		t.Errorf("settle/delay = %v/%v, want 5s/100ms", p.Settle, p.Delay)
	}

	p, err = sequenceParams(cfg, sequenceFlags{frames: 3, exposure: time.Second, ditherEvery: 0})
	if err != nil {
		t.Fatalf("sequenceParams: %v", err)
	}
	if p.Frames != 3 || p.Exposure != time.Second || p.DitherEvery != 0 {
		t.Errorf("params = %+v, want flag overrides", p)
	}

	if _, err := sequenceParams(cfg, sequenceFlags{frames: -1, ditherEvery: -1}); err == nil {
		t.Error("expected error for negative frames")
	}
	cfg.Dither.RadiusPx = 0
	if _, err := sequenceParams(cfg, sequenceFlags{ditherEvery: 2}); err == nil {
		t.Error("expected error for dithering without a radius")
	}
}

func TestDitherRadius(t *testing.T) {
	cfg := config.Default()
	cfg.Optics.FocalLengthMm = 1000
	cfg.Optics.PixelSizeUm = 5 // 1.03 arcsec/px
	cfg.Dither.RadiusPx = 3
	if got := ditherRadius(cfg); got != 3 {
		t.Errorf("pixel radius = %v, want 3", got)
	}
	cfg.Dither.RadiusArcsec = 10.3132
	if got := ditherRadius(cfg); math.Abs(got-10) > 1e-3 {
		t.Errorf("arcsec radius = %v px, want 10", got)
	}
}

// ---------- rig ----------

func TestNewRig_Sim(t *testing.T) {
	cfg := config.Default()
	cfg.AO.Enabled = true
	cfg.Shutter.Type = "sim"
	r, err := newRig(cfg, nil)
	if err != nil {
		t.Fatalf("newRig: %v", err)
	}
	defer r.Close()

	if r.guider.CurrentState() != guider.Idle {
		t.Errorf("state = %v, want Idle", r.guider.CurrentState())
	}
	if r.gain == nil {
		t.Error("gain control not exposed for hot reload")
	}
	if _, ok := r.shutter.(camera.Timer); !ok {
		t.Errorf("shutter = %T, want camera.Timer", r.shutter)
	}
	if r.store != nil {
		t.Error("store opened without store.path")
	}
	if got := r.guider.Descriptor().Key(); got != "camera:simulator/camera|0|guideport:simulator/guideport" {
		t.Errorf("descriptor key = %q", got)
	}
}

func TestNewRig_GPIOBench(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.MockGPIO = true
	cfg.GuidePort = config.GuidePortConfig{Type: "gpio", RAPlusPin: 5, RAMinusPin: 6, DecPlusPin: 13, DecMinusPin: 19}
	cfg.Shutter = config.ShutterConfig{Type: "gpio", FocusPin: 23, ShutterPin: 24, WakeMs: 1}
	cfg.Store.Path = filepath.Join(t.TempDir(), "history.db")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	r, err := newRig(cfg, nil)
	if err != nil {
		t.Fatalf("newRig: %v", err)
	}
	defer r.Close()
	if _, ok := r.shutter.(*camera.BulbGPIO); !ok {
		t.Errorf("shutter = %T, want *camera.BulbGPIO", r.shutter)
	}
	if r.store == nil {
		t.Error("store not opened")
	}
	// relay and shutter share one driver: driver, relay, store
	if len(r.closers) != 3 {
		t.Errorf("closers = %d, want 3", len(r.closers))
	}
}

func TestNewRig_NoImager(t *testing.T) {
	cfg := config.Default()
	cfg.Camera.Type = "zwo"
	if _, err := newRig(cfg, nil); err == nil {
		t.Error("expected error for a camera without imager")
	}
}

var _ guideport.GuidePort = guideport.Tee{}

// ---------- commands ----------

const testConfig = `
camera:
  type: sim
  exposure_ms: 5
guideport:
  type: sim
optics:
  guide_rate: 1
calibration:
  steps: 2
  grid_seconds: 0.2
  settle_ms: 0
sim:
  seed: 7
defaults:
  debug_level: 0
`

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "starguide.yaml")
	if err := os.WriteFile(path, []byte(testConfig+extra), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCalibrateCommand_Sim(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	path := writeTestConfig(t, "store:\n  path: "+dbPath+"\n")

	out, err := execute(t, "calibrate", "--config", path)
	if err != nil {
		t.Fatalf("calibrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "determinant") {
		t.Errorf("output %q does not show the calibration", out)
	}

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	cals, err := st.Calibrations(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(cals) != 1 || !cals[0].Complete {
		t.Fatalf("stored calibrations = %+v, want one complete calibration", cals)
	}

	out, err = execute(t, "calibrations", "--config", path)
	if err != nil {
		t.Fatalf("calibrations: %v", err)
	}
	if !strings.Contains(out, cals[0].ID) {
		t.Errorf("listing %q does not contain %s", out, cals[0].ID)
	}
}

func TestCalibrationsCommand_NoStore(t *testing.T) {
	path := writeTestConfig(t, "")
	if _, err := execute(t, "calibrations", "--config", path); err == nil {
		t.Error("expected error without store.path")
	}
}

func TestCalibrationsRm(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	cal := &calibration.Calibration{ID: "c-1", Timestamp: time.Now(), Complete: true}
	if err := st.SaveCalibration(context.Background(), cal); err != nil {
		t.Fatal(err)
	}
	st.Close()

	path := writeTestConfig(t, "store:\n  path: "+dbPath+"\n")
	out, err := execute(t, "calibrations", "rm", "c-1", "--config", path)
	if err != nil {
		t.Fatalf("rm: %v", err)
	}
	if !strings.Contains(out, "c-1 deleted") {
		t.Errorf("output = %q", out)
	}
	if _, err := execute(t, "calibrations", "rm", "c-1", "--config", path); err == nil {
		t.Error("expected error deleting a missing calibration")
	}
}

func TestRootCommand_BadFlags(t *testing.T) {
	path := writeTestConfig(t, "")
	cases := [][]string{
		{"calibrate", "--config", path, "--device", "focuser"},
		{"calibrate", "--config", path, "--debug", "9"},
		{"backlash", "--config", path, "--axis", "alt"},
		{"guide", "--config", path, "--reuse"}, // no store
		{"sequence", "--config", path},         // no shutter
		{"calibrate", "--config", filepath.Join(t.TempDir(), "missing.yaml")},
	}
	for i, args := range cases {
		t.Run(fmt.Sprintf("%d_%s", i, args[0]), func(t *testing.T) {
			if _, err := execute(t, args...); err == nil {
				t.Errorf("%v: expected error, got nil", args)
			}
		})
	}
}
