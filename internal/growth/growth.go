// Package growth fits log-linear models to incidence curves.
package growth

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/serial"
)

// ErrTooFewPoints is returned when fewer than three bins hold cases.
var ErrTooFewPoints = errors.New("too few non-zero bins to fit")

// Confidence is the level of the reported intervals.
const Confidence = 0.95

// Result is a fit of log(count) = Intercept + Rate * day.
type Result struct {
	Start time.Time
	// Rate is the daily growth rate r with its confidence interval.
	Rate      float64
	RateLower float64
	RateUpper float64
	Intercept float64
	RSquared  float64
	// Points is the number of non-zero bins used; zero bins have no logarithm
	// and are dropped.
	Points  int
	Dropped int
	// Fitted holds the modelled count of every bin of the input series.
	Fitted []float64
}

// Growing reports whether the fitted rate is positive.
func (r Result) Growing() bool { return r.Rate > 0 }

// DoublingTime returns the doubling time in days with its confidence interval
// when the epidemic grows, or the halving time when it declines. Bounds whose
// rate interval crosses zero are +Inf.
func (r Result) DoublingTime() (est, lo, hi float64) {
	rate, a, b := r.Rate, r.RateLower, r.RateUpper
	if rate < 0 {
		rate, a, b = -rate, -b, -a
	}
	est = math.Ln2 / rate
	lo = math.Ln2 / b
	hi = math.Inf(1)
	if a > 0 {
		hi = math.Ln2 / a
	}
	return est, lo, hi
}

// Fit regresses the log of every non-zero bin on its day offset from the
// start of series.
func Fit(series models.IncidenceSeries) (Result, error) {
	interval := float64(series.Interval)
	if interval <= 0 {
		interval = 1
	}
	var xs, ys []float64
	for i := 0; i < series.Len(); i++ {
		if c := series.At(i); c > 0 {
			xs = append(xs, float64(i)*interval)
			ys = append(ys, math.Log(float64(c)))
		}
	}
	if len(xs) < 3 {
		return Result{}, fmt.Errorf("%w: %d of %d bins", ErrTooFewPoints, len(xs), series.Len())
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	res := Result{
		Start:     series.Start,
		Rate:      beta,
		Intercept: alpha,
		RSquared:  stat.RSquared(xs, ys, nil, alpha, beta),
		Points:    len(xs),
		Dropped:   series.Len() - len(xs),
		Fitted:    make([]float64, series.Len()),
	}

	var ssr, sxx float64
	meanX := stat.Mean(xs, nil)
	for i, x := range xs {
		e := ys[i] - (alpha + beta*x)
		ssr += e * e
		sxx += (x - meanX) * (x - meanX)
	}
	df := float64(len(xs) - 2)
	se := math.Sqrt(ssr / df / sxx)
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Quantile(1 - (1-Confidence)/2)
	res.RateLower = beta - t*se
	res.RateUpper = beta + t*se

	for i := range res.Fitted {
		res.Fitted[i] = math.Exp(alpha + beta*float64(i)*interval)
	}
	return res, nil
}

// FitSplit fits the bins before split and from split onward separately, as for
// the growth and decline phases either side of a peak.
func FitSplit(series models.IncidenceSeries, split int) (before, after Result, err error) {
	head, err := series.Slice(0, split)
	if err != nil {
		return Result{}, Result{}, err
	}
	tail, err := series.Slice(split, series.Len())
	if err != nil {
		return Result{}, Result{}, err
	}
	if before, err = Fit(head); err != nil {
		return Result{}, Result{}, fmt.Errorf("before split: %w", err)
	}
	if after, err = Fit(tail); err != nil {
		return Result{}, Result{}, fmt.Errorf("after split: %w", err)
	}
	return before, after, nil
}

// FindPeak returns the 0-indexed bin holding the highest count. Ties resolve
// to the earliest bin.
func FindPeak(series models.IncidenceSeries) (int, error) {
	if series.Len() == 0 {
		return 0, fmt.Errorf("%w: empty series", models.ErrInvalidSeries)
	}
	peak := 0
	for i := 1; i < series.Len(); i++ {
		if series.At(i) > series.At(peak) {
			peak = i
		}
	}
	return peak, nil
}

// ReproductionFromGrowth converts a daily growth rate into R through the
// Euler-Lotka equation R = 1 / Σ w_k exp(-r k), with w the serial interval.
func ReproductionFromGrowth(r float64, si serial.Distribution) float64 {
	sum := 0.0
	for k, w := range si.MassVector(si.MaxLag()) {
		sum += w * math.Exp(-r*float64(k))
	}
	if sum == 0 {
		return math.Inf(1)
	}
	return 1 / sum
}
