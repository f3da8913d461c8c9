package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Fit is the least squares solution over a set of calibration points.
type Fit struct {
	A        [6]float64
	Residual float64 // RMS distance between measured and predicted star, px
	RSquared float64 // fraction of the star motion explained by the fit
}

// Solve fits the calibration map to points by least squares (QR). Each point
// contributes one row per image axis; the unknowns are the three
// coefficients of that axis.
func Solve(points []Point) (Fit, error) {
	n := len(points)
	if n < 3 {
		return Fit{}, fmt.Errorf("%w: have %d, need 3", ErrTooFewPoints, n)
	}

	x := mat.NewDense(n, 3, nil)
	y := mat.NewDense(n, 2, nil)
	for i, p := range points {
		x.SetRow(i, []float64{p.Offset.X, p.Offset.Y, p.T})
		y.SetRow(i, []float64{p.Star.X, p.Star.Y})
	}

	var b mat.Dense
	if err := b.Solve(x, y); err != nil {
		return Fit{}, fmt.Errorf("%w: %v", ErrDegenerate, err)
	}

	var fit Fit
	for j := 0; j < 3; j++ {
		fit.A[j] = b.At(j, 0)
		fit.A[3+j] = b.At(j, 1)
	}
	for _, v := range fit.A {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Fit{}, fmt.Errorf("%w: non-finite coefficient", ErrDegenerate)
		}
	}

	var pred mat.Dense
	pred.Mul(x, &b)
	var resid mat.Dense
	resid.Sub(y, &pred)
	rss := mat.Norm(&resid, 2) // Frobenius norm for matrices
	rss *= rss
	fit.Residual = math.Sqrt(rss / float64(n))

	tss := 0.0
	for j := 0; j < 2; j++ {
		col := mat.Col(nil, j, y)
		mean := stat.Mean(col, nil)
		for _, v := range col {
			tss += (v - mean) * (v - mean)
		}
	}
	if tss > 0 {
		fit.RSquared = math.Max(0, 1-rss/tss)
	}
	return fit, nil
}
