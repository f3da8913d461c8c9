package web

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/logic/backlash"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/geometry"
	"github.com/cjeanneret/StarGuide/internal/logic/guider"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/logic/summary"
	"github.com/cjeanneret/StarGuide/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

// Controller is the guider as seen from the HTTP API. *guider.Guider
// implements it.
type Controller interface {
	Descriptor() guider.Descriptor
	CurrentState() guider.State
	CurrentCalibration() (calibration.Calibration, bool)
	CurrentSummary() summary.Summary
	LastOutcome() (guider.Outcome, error)

	StartCalibrating(t motion.DeviceType, steps int) error
	CancelCalibrating() error
	StartGuiding() error
	StopGuiding() error
	UseCalibration(c *calibration.Calibration) error
	Uncalibrate() error
	DitherPixels(radius float64) (geometry.Point, error)
	MeasureBacklash(ctx context.Context, axis backlash.Axis) (backlash.Result, error)
}

// History is the calibration archive. *store.Store implements it.
type History interface {
	Calibrations(ctx context.Context, guiderKey string) ([]calibration.Calibration, error)
	Calibration(ctx context.Context, id string) (*calibration.Calibration, error)
}

// StateResponse is returned by GET /api/state.
type StateResponse struct {
	Guider     string `json:"guider"`
	State      string `json:"state"`
	Calibrated bool   `json:"calibrated"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
}

// CalibrateRequest is the body of POST /api/calibrate.
type CalibrateRequest struct {
	Type  string `json:"type"`  // "guideport" (default) or "ao"
	Steps int    `json:"steps"` // 0 = guider default
}

// DitherRequest is the body of POST /api/dither.
type DitherRequest struct {
	RadiusPx float64 `json:"radius_px"`
}

// BacklashRequest is the body of POST /api/backlash.
type BacklashRequest struct {
	Axis string `json:"axis"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Guider      Controller
	History     History // optional

	// base is the parent context of background work started by handlers.
	base context.Context

	runningMu sync.Mutex
	running   bool
}

// NewHandlers creates handlers with the given dependencies. A nil history
// disables the calibration archive routes.
func NewHandlers(ctx context.Context, broadcaster *StatusBroadcaster, g Controller, history History) *Handlers {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Handlers{
		Broadcaster: broadcaster,
		Guider:      g,
		History:     history,
		base:        ctx,
	}
}

// Register adds all API routes to r.
func (h *Handlers) Register(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", h.HandleState).Methods(http.MethodGet)
	api.HandleFunc("/calibration", h.HandleCalibration).Methods(http.MethodGet)
	api.HandleFunc("/summary", h.HandleSummary).Methods(http.MethodGet)
	api.HandleFunc("/calibrations", h.HandleCalibrations).Methods(http.MethodGet)
	api.HandleFunc("/calibrations/{id}/use", h.HandleUseCalibration).Methods(http.MethodPost)

	api.HandleFunc("/calibrate", h.HandleCalibrate).Methods(http.MethodPost)
	api.HandleFunc("/calibrate/cancel", h.HandleCancelCalibrate).Methods(http.MethodPost)
	api.HandleFunc("/uncalibrate", h.HandleUncalibrate).Methods(http.MethodPost)
	api.HandleFunc("/guide", h.HandleGuide).Methods(http.MethodPost)
	api.HandleFunc("/guide/stop", h.HandleStopGuide).Methods(http.MethodPost)
	api.HandleFunc("/dither", h.HandleDither).Methods(http.MethodPost)
	api.HandleFunc("/backlash", h.HandleBacklash).Methods(http.MethodPost)

	api.HandleFunc("/status/stream", h.HandleStatusStream).Methods(http.MethodGet)
	api.HandleFunc("/events/ws", h.HandleEventsWS).Methods(http.MethodGet)
}

// HandleState returns the guider state and the outcome of its last worker.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	_, calibrated := h.Guider.CurrentCalibration()
	outcome, err := h.Guider.LastOutcome()
	resp := StateResponse{
		Guider:     h.Guider.Descriptor().Key(),
		State:      h.Guider.CurrentState().String(),
		Calibrated: calibrated,
		Outcome:    outcome.String(),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleCalibration returns the calibration in use, 404 when there is none.
func (h *Handlers) HandleCalibration(w http.ResponseWriter, r *http.Request) {
	cal, ok := h.Guider.CurrentCalibration()
	if !ok {
		http.Error(w, "not calibrated", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

// HandleSummary returns the statistics of the current or last guiding run.
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	s := h.Guider.CurrentSummary()
	writeJSON(w, http.StatusOK, struct {
		summary.Summary
		RMS geometry.Point `json:"rms"`
	}{s, s.RMS()})
}

// HandleCalibrations lists the archived calibrations of this guider, or of
// every guider with ?all=1.
func (h *Handlers) HandleCalibrations(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		http.Error(w, "calibration history not configured", http.StatusServiceUnavailable)
		return
	}
	key := h.Guider.Descriptor().Key()
	if r.URL.Query().Get("all") == "1" {
		key = ""
	}
	cals, err := h.History.Calibrations(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if cals == nil {
		cals = []calibration.Calibration{}
	}
	writeJSON(w, http.StatusOK, cals)
}

// HandleUseCalibration loads an archived calibration into the guider.
func (h *Handlers) HandleUseCalibration(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		http.Error(w, "calibration history not configured", http.StatusServiceUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	cal, err := h.History.Calibration(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Guider.UseCalibration(cal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "calibrated", "id": cal.ID})
}

// HandleCalibrate starts a calibration run. The run continues in the
// background; progress is reported on the event streams.
func (h *Handlers) HandleCalibrate(w http.ResponseWriter, r *http.Request) {
	req := CalibrateRequest{Type: "guideport"}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		req.Type = "guideport"
	}
	t, err := motion.ParseDeviceType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Steps < 0 || req.Steps > 50 {
		http.Error(w, "steps must be between 0 and 50", http.StatusBadRequest)
		return
	}
	if err := h.Guider.StartCalibrating(t, req.Steps); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "calibrating", "type": t.String()})
}

// HandleCancelCalibrate cancels a running calibration and waits for it.
func (h *Handlers) HandleCancelCalibrate(w http.ResponseWriter, r *http.Request) {
	h.simple(w, h.Guider.CancelCalibrating)
}

// HandleUncalibrate discards the current calibration.
func (h *Handlers) HandleUncalibrate(w http.ResponseWriter, r *http.Request) {
	h.simple(w, h.Guider.Uncalibrate)
}

// HandleGuide starts guiding with the current calibration.
func (h *Handlers) HandleGuide(w http.ResponseWriter, r *http.Request) {
	if err := h.Guider.StartGuiding(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "guiding"})
}

// HandleStopGuide stops guiding and waits for the loop to exit.
func (h *Handlers) HandleStopGuide(w http.ResponseWriter, r *http.Request) {
	h.simple(w, h.Guider.StopGuiding)
}

// HandleDither shifts the guiding target by a random offset.
func (h *Handlers) HandleDither(w http.ResponseWriter, r *http.Request) {
	var req DitherRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if math.IsNaN(req.RadiusPx) || math.IsInf(req.RadiusPx, 0) || req.RadiusPx <= 0 || req.RadiusPx > 100 {
		http.Error(w, "radius_px must be between 0 and 100", http.StatusBadRequest)
		return
	}
	offset, err := h.Guider.DitherPixels(req.RadiusPx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offset)
}

// HandleBacklash starts a backlash measurement in the background. Points and
// the result are reported on the event streams.
func (h *Handlers) HandleBacklash(w http.ResponseWriter, r *http.Request) {
	var req BacklashRequest
	if !decodeBody(w, r, &req) {
		return
	}
	axis, err := backlash.ParseAxis(req.Axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch s := h.Guider.CurrentState(); s {
	case guider.Idle, guider.Calibrated:
	default:
		writeError(w, &guider.TransitionError{Op: "measureBacklash", From: s})
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "backlash measurement already in progress", http.StatusConflict)
		return
	}
	h.running = true
	h.runningMu.Unlock()

	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()

		res, err := h.Guider.MeasureBacklash(h.base, axis)
		if err != nil {
			h.Broadcaster.Log("error", "Backlash measurement failed: "+err.Error())
			debug.Errorf("backlash %s: %v", axis, err)
			return
		}
		h.Broadcaster.Log("info", res.String())
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "measuring", "axis": axis.String()})
}

// HandleStatusStream handles GET /api/status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) simple(w http.ResponseWriter, op func() error) {
	if err := op(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": h.Guider.CurrentState().String()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// statusOf maps guider and store errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, guider.ErrIllegalTransition), errors.Is(err, guider.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, guider.ErrNoDevice), errors.Is(err, motion.ErrTravel):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		debug.Errorf("http: %v", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("http: encode response: %v", err)
	}
}
