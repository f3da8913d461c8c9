// Package metrics exports guider and HTTP metrics to Prometheus.
package metrics

import (
	"bufio"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cjeanneret/StarGuide/internal/logic/guider"
)

var (
	guiderState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "starguide_guider_state",
			Help: "1 for the current state of the guider, 0 otherwise.",
		},
		[]string{"state"},
	)

	workerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starguide_worker_outcomes_total",
			Help: "Finished calibration, guiding and backlash runs by outcome.",
		},
		[]string{"worker", "outcome"},
	)

	guidingCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starguide_guiding_cycles_total",
			Help: "Guiding cycles, by whether a correction was sent or skipped.",
		},
		[]string{"result"},
	)

	guidingOffset = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starguide_guiding_offset_pixels",
			Help:    "Absolute star offset from the guiding target per cycle.",
			Buckets: []float64{0.05, 0.1, 0.2, 0.35, 0.5, 0.75, 1, 1.5, 2, 3, 5},
		},
		[]string{"axis"},
	)

	calibrationDeterminant = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "starguide_calibration_determinant",
		Help: "Determinant of the last completed calibration.",
	})

	calibrationQuality = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "starguide_calibration_quality",
		Help: "Quality (0..1) of the last completed calibration.",
	})

	backlashPixels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "starguide_backlash_pixels",
			Help: "Backlash of the last measurement, by axis and direction.",
		},
		[]string{"axis", "direction"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starguide_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"path", "method", "code"},
	)

	httpDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starguide_http_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

var allStates = []guider.State{guider.Unconfigured, guider.Idle, guider.Calibrating, guider.Calibrated, guider.Guiding}

func init() {
	prometheus.MustRegister(
		guiderState,
		workerOutcomes,
		guidingCycles,
		guidingOffset,
		calibrationDeterminant,
		calibrationQuality,
		backlashPixels,
		httpRequestsTotal,
		httpDurationSeconds,
	)
	setState(guider.Unconfigured)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Sink records guider events. It never blocks.
type Sink struct{}

// Publish implements guider.Sink.
func (Sink) Publish(e guider.Event) {
	switch e.Kind {
	case guider.EventState:
		if e.State != nil {
			setState(e.State.To)
		}
	case guider.EventOutcome:
		if e.Outcome != nil {
			workerOutcomes.WithLabelValues(e.Outcome.Worker, e.Outcome.Outcome.String()).Inc()
		}
	case guider.EventTrackingPoint:
		p := e.TrackingPoint
		if p == nil {
			return
		}
		if p.Skipped {
			guidingCycles.WithLabelValues("skipped").Inc()
		} else {
			guidingCycles.WithLabelValues("corrected").Inc()
		}
		guidingOffset.WithLabelValues("x").Observe(math.Abs(p.Offset.X))
		guidingOffset.WithLabelValues("y").Observe(math.Abs(p.Offset.Y))
	case guider.EventCalibration:
		if c := e.Calibration; c != nil {
			calibrationDeterminant.Set(c.Det)
			calibrationQuality.Set(c.Quality)
		}
	case guider.EventBacklashResult:
		if r := e.BacklashResult; r != nil {
			axis := r.Axis.String()
			backlashPixels.WithLabelValues(axis, "forward").Set(r.ForwardBacklash())
			backlashPixels.WithLabelValues(axis, "backward").Set(r.BackwardBacklash())
		}
	}
}

func setState(s guider.State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		guiderState.WithLabelValues(st.String()).Set(v)
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps the SSE stream working behind the middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrader take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Middleware records request count and duration for each request. Requests
// are labeled with the route template so path parameters do not create new
// series; unmatched paths are labeled "other".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		code := strconv.Itoa(rw.statusCode)
		path := routeLabel(r)

		httpRequestsTotal.WithLabelValues(path, r.Method, code).Inc()
		httpDurationSeconds.WithLabelValues(path, r.Method).Observe(duration)
	})
}

func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return "other"
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return "other"
	}
	return tpl
}
