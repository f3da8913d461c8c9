package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (state changes, calibration results)
	LevelLive    = 2 // Live info (tracking points, calibration points)
	LevelVerbose = 3 // Verbose (pulses, solver details)
	LevelTrace   = 4 // Trace (GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (state transitions, calibration result)
// 2 = live info (every calibration and tracking point)
// 3 = verbose (pulses, least squares details)
// 4 = trace (GPIO, very low level)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(out, "[StarGuide] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects the debug output. The web server uses it to tee log
// lines into the status stream.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func logf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l, lg := level, logger
	mu.RUnlock()
	if l >= minLevel && lg != nil {
		lg.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	logf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints an important summary banner (level 1).
func Summary(title string) {
	logf(LevelInfo, "═══════════════════════════════════════")
	logf(LevelInfo, "  %s", title)
	logf(LevelInfo, "═══════════════════════════════════════")
}

// State prints a guider state transition (level 1).
func State(from, to fmt.Stringer) {
	logf(LevelInfo, "[INFO] State: %s -> %s", from, to)
}

// Calibration prints a finished calibration (level 1).
func Calibration(id string, matrix string, det, quality float64) {
	logf(LevelInfo, "[INFO] Calibration %s: %s det=%.4f quality=%.3f", id, matrix, det, quality)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	logf(LevelLive, "[LIVE] "+format, args...)
}

// Tracking prints one guiding cycle (level 2).
func Tracking(offsetX, offsetY, corrX, corrY float64) {
	logf(LevelLive, "[LIVE] Offset (%.3f, %.3f) px, correction (%.3f, %.3f) s", offsetX, offsetY, corrX, corrY)
}

// Frame prints an imaging frame of a sequence (level 2).
func Frame(index, total int, exposure interface{}) {
	logf(LevelLive, "[LIVE] Frame %d/%d (%v)", index, total, exposure)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	logf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// Printf is an alias for Verbose.
func Printf(format string, args ...interface{}) {
	Verbose(format, args...)
}

// Pulse prints a guide port activation (level 3).
func Pulse(raPlus, raMinus, decPlus, decMinus float64) {
	logf(LevelVerbose, "[VERBOSE] Pulse RA+=%.3fs RA-=%.3fs DEC+=%.3fs DEC-=%.3fs", raPlus, raMinus, decPlus, decMinus)
}

// Section prints a section separator (level 3).
func Section(name string) {
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	logf(LevelVerbose, "  %s", name)
	logf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered setup step (level 3).
func Step(num int, description string) {
	logf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	logf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	logf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	logf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	logf(LevelInfo, "[ERROR] %v", err)
}

// Errorf prints a formatted debug error (level 1+).
func Errorf(format string, args ...interface{}) {
	logf(LevelInfo, "[ERROR] "+format, args...)
}
