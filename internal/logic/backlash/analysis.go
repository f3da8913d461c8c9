package backlash

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/cjeanneret/StarGuide/internal/debug"
)

// Analyzer fits the backlash model to a series of samples.
type Analyzer struct {
	Axis     Axis
	Interval float64 // pulse length in seconds, copied into the result
	// LastPoints limits the fit to roughly the most recent samples, 0 = all.
	// Whole cycles are skipped so the phases stay aligned. Values below
	// MinPoints are raised to MinPoints.
	LastPoints int
}

// window returns the samples to analyze.
func (a Analyzer) window(points []Point) []Point {
	if a.LastPoints <= 0 {
		return points
	}
	keep := max(a.LastPoints, MinPoints)
	skip := 0
	for skip < len(points)-keep-4 {
		skip += 4
	}
	return points[skip:]
}

// Analyze fits the model. It needs at least MinPoints samples in the window.
func (a Analyzer) Analyze(points []Point) (Result, error) {
	pts := a.window(points)
	if len(pts) < MinPoints {
		return Result{}, fmt.Errorf("%w: have %d, need %d", ErrTooFewPoints, len(pts), MinPoints)
	}

	dx, dy, err := principalDirection(pts)
	if err != nil {
		return Result{}, err
	}
	r, err := a.fit(pts, dx, dy)
	if err != nil {
		return Result{}, err
	}
	if r.F+r.Forward < 0 {
		// the eigenvector came out pointing against the forward pulses
		r, err = a.fit(pts, -dx, -dy)
		if err != nil {
			return Result{}, err
		}
	}
	debug.Verbose("Backlash analysis over %d points: %s", len(pts), r)
	return r, nil
}

// principalDirection returns the unit eigenvector of the sample covariance
// with the larger eigenvalue.
func principalDirection(pts []Point) (float64, float64, error) {
	data := mat.NewDense(len(pts), 2, nil)
	for i, p := range pts {
		data.SetRow(i, []float64{p.XOffset, p.YOffset})
	}
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var es mat.EigenSym
	if !es.Factorize(&cov, true) {
		return 0, 0, fmt.Errorf("backlash covariance eigen decomposition failed")
	}
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	// eigenvalues come in ascending order
	return vecs.At(0, 1), vecs.At(1, 1), nil
}

// drift estimates the motion along the direction that is not caused by the
// pulses: samples of the same phase are one full cycle apart, so the slope
// of each phase's positions against time is the drift.
func drift(pts []Point, proj []float64) float64 {
	var sum float64
	for phase := 0; phase < 4; phase++ {
		var t, x []float64
		for i := phase; i < len(pts); i += 4 {
			t = append(t, pts[i].Time)
			x = append(x, proj[i])
		}
		_, slope := stat.LinearRegression(t, x, nil, false)
		sum += slope
	}
	return sum / 4
}

func (a Analyzer) fit(pts []Point, dx, dy float64) (Result, error) {
	n := len(pts)
	r := Result{
		Axis:       a.Axis,
		Interval:   a.Interval,
		LastPoints: a.LastPoints,
		Points:     n,
		X:          dx,
		Y:          dy,
	}

	proj := make([]float64, n)
	lateral := make([]float64, n)
	for i, p := range pts {
		proj[i] = p.XOffset*dx + p.YOffset*dy
		lateral[i] = p.XOffset*dy - p.YOffset*dx
	}
	r.Lateral = stat.StdDev(lateral, nil)
	r.Drift = drift(pts, proj)

	design := mat.NewDense(n, 5, nil)
	rhs := mat.NewVecDense(n, nil)
	var k [4]int
	for i, p := range pts {
		k[Phase(i)]++
		design.SetRow(i, []float64{float64(k[0]), float64(k[1]), -float64(k[2]), -float64(k[3]), 1})
		rhs.SetVec(i, proj[i]-r.Drift*p.Time)
	}

	var sol mat.VecDense
	if err := sol.SolveVec(design, rhs); err != nil {
		return Result{}, fmt.Errorf("backlash least squares: %w", err)
	}
	r.F, r.Forward, r.B, r.Backward, r.Offset = sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), sol.AtVec(3), sol.AtVec(4)

	resid := make([]float64, n)
	k = [4]int{}
	for i, p := range pts {
		k[Phase(i)]++
		resid[i] = proj[i] - r.Predict(k, p.Time)
	}
	r.Longitudinal = stat.StdDev(resid, nil)
	for _, v := range []float64{r.F, r.Forward, r.B, r.Backward, r.Offset, r.Drift} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Result{}, fmt.Errorf("backlash fit is not finite: %s", r)
		}
	}
	return r, nil
}
