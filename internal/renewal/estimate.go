// Package renewal estimates the time-varying reproduction number from daily
// incidence with the renewal equation
//
//	I_t ~ Poisson(R * Λ_t),  Λ_t = Σ_{s=1..t} I_s w(t-s)
//
// where w is the serial interval distribution. With a Gamma(a, b) prior on R
// the posterior over a window of days is Gamma(a + Σ I_t, b + Σ Λ_t), following
// Cori et al. (2013), A New Framework and Software to Estimate Time-Varying
// Reproduction Numbers During Epidemics, American Journal of Epidemiology.
package renewal

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/serial"
)

// ErrInvalidWindow reports a window that cannot be estimated.
var ErrInvalidWindow = errors.New("invalid time window")

// DefaultQuantiles are reported when EstimateConfig.Quantiles is empty.
var DefaultQuantiles = []float64{0.025, 0.05, 0.25, 0.5, 0.75, 0.95, 0.975}

// Window is an inclusive range of 1-indexed days.
type Window struct {
	Start int
	End   int
}

// Len returns the number of days in the window.
func (w Window) Len() int { return w.End - w.Start + 1 }

func (w Window) String() string { return fmt.Sprintf("[%d, %d]", w.Start, w.End) }

// Validate checks w against a series of n days. Estimation conditions on at
// least one earlier day, so Start must be 2 or more.
func (w Window) Validate(n int) error {
	switch {
	case w.Start < 2:
		return fmt.Errorf("%w %s: start must be at least 2", ErrInvalidWindow, w)
	case w.Start > w.End:
		return fmt.Errorf("%w %s: start after end", ErrInvalidWindow, w)
	case w.End > n:
		return fmt.Errorf("%w %s: end beyond series of %d days", ErrInvalidWindow, w, n)
	}
	return nil
}

// EstimateConfig holds the prior and reporting choices of the estimator.
type EstimateConfig struct {
	PriorShape float64
	PriorRate  float64
	Quantiles  []float64
	// MaxCV is the posterior coefficient of variation above which a warning is
	// attached. Zero disables the check.
	MaxCV float64
}

// DefaultEstimateConfig returns a prior with mean 5 and standard deviation 5.
func DefaultEstimateConfig() EstimateConfig {
	return EstimateConfig{
		PriorShape: 1,
		PriorRate:  0.2,
		Quantiles:  append([]float64(nil), DefaultQuantiles...),
		MaxCV:      0.3,
	}
}

func (c EstimateConfig) normalised() (EstimateConfig, error) {
	if c.PriorShape <= 0 || c.PriorRate <= 0 {
		return c, fmt.Errorf("%w: prior shape and rate must be positive, got %g and %g", ErrInvalidWindow, c.PriorShape, c.PriorRate)
	}
	if len(c.Quantiles) == 0 {
		c.Quantiles = DefaultQuantiles
	}
	qs := append([]float64(nil), c.Quantiles...)
	sort.Float64s(qs)
	for _, q := range qs {
		if !(q > 0 && q < 1) {
			return c, fmt.Errorf("%w: quantile %g outside (0, 1)", ErrInvalidWindow, q)
		}
	}
	c.Quantiles = qs
	return c, nil
}

// Quantile is one point of the posterior distribution.
type Quantile struct {
	P     float64
	Value float64
}

// Posterior summarises the distribution of R over one window.
type Posterior struct {
	Window Window
	// Shape and Rate describe the Gamma posterior. For a mixture they hold the
	// moment-matched Gamma.
	Shape     float64
	Rate      float64
	Mean      float64
	StdDev    float64
	CV        float64
	Median    float64
	Quantiles []Quantile
	// Incidence and Infectivity are the window totals of I_t and Λ_t; for a
	// mixture Infectivity is averaged over serial interval draws.
	Incidence   int
	Infectivity float64
	// Components counts the serial interval draws mixed into the posterior; 1
	// for a single serial interval.
	Components int
	Warnings   []string
}

// Quantile returns the value at probability p, if it was computed.
func (p Posterior) Quantile(prob float64) (float64, bool) {
	for _, q := range p.Quantiles {
		if math.Abs(q.P-prob) < 1e-12 {
			return q.Value, true
		}
	}
	return 0, false
}

// Interval returns the credible interval spanned by the outermost quantiles.
func (p Posterior) Interval() (lo, hi float64) {
	if len(p.Quantiles) == 0 {
		return p.Median, p.Median
	}
	return p.Quantiles[0].Value, p.Quantiles[len(p.Quantiles)-1].Value
}

// Infectivity returns Λ_t for every 1-indexed day t of series, stored at
// index t-1: the incidence of days 1..t weighted by the serial interval.
func Infectivity(series models.IncidenceSeries, si serial.Distribution) []float64 {
	n := series.Len()
	if n == 0 {
		return nil
	}
	w := si.MassVector(n - 1)
	counts := series.Floats()
	lambda := make([]float64, n)
	for t := 0; t < n; t++ {
		sum := 0.0
		for s := 0; s <= t; s++ {
			sum += counts[s] * w[t-s]
		}
		lambda[t] = sum
	}
	return lambda
}

// EstimateWindow computes the posterior of R over window.
func EstimateWindow(series models.IncidenceSeries, si serial.Distribution, window Window, cfg EstimateConfig) (Posterior, error) {
	return estimateWindow(series, si, Infectivity(series, si), window, cfg)
}

func estimateWindow(series models.IncidenceSeries, si serial.Distribution, lambda []float64, window Window, cfg EstimateConfig) (Posterior, error) {
	if si == nil {
		return Posterior{}, fmt.Errorf("%w: serial interval is required", ErrInvalidWindow)
	}
	if err := window.Validate(series.Len()); err != nil {
		return Posterior{}, err
	}
	cfg, err := cfg.normalised()
	if err != nil {
		return Posterior{}, err
	}

	incidence, infectivity := windowTotals(series, lambda, window)
	shape := cfg.PriorShape + float64(incidence)
	rate := cfg.PriorRate + infectivity

	g := distuv.Gamma{Alpha: shape, Beta: rate}
	post := Posterior{
		Window:      window,
		Shape:       shape,
		Rate:        rate,
		Mean:        g.Mean(),
		StdDev:      g.StdDev(),
		Median:      g.Quantile(0.5),
		Incidence:   incidence,
		Infectivity: infectivity,
		Components:  1,
	}
	post.CV = post.StdDev / post.Mean
	post.Quantiles = make([]Quantile, len(cfg.Quantiles))
	for i, q := range cfg.Quantiles {
		post.Quantiles[i] = Quantile{P: q, Value: g.Quantile(q)}
	}
	post.Warnings = caveats(series, si.Mean(), window, post.CV, cfg.MaxCV)
	return post, nil
}

func windowTotals(series models.IncidenceSeries, lambda []float64, window Window) (int, float64) {
	incidence := 0
	infectivity := 0.0
	for t := window.Start; t <= window.End; t++ {
		incidence += series.Count(t)
		infectivity += lambda[t-1]
	}
	return incidence, infectivity
}

// EstimateWindowMixture propagates serial interval uncertainty: one Gamma
// posterior is computed per serial interval draw and the draws are mixed with
// equal weight. Mean and variance are exact; quantiles are found by bisection
// on the mixture CDF.
func EstimateWindowMixture(series models.IncidenceSeries, draws []serial.Distribution, window Window, cfg EstimateConfig) (Posterior, error) {
	lambdas := make([][]float64, len(draws))
	for i, si := range draws {
		lambdas[i] = Infectivity(series, si)
	}
	return estimateMixture(series, draws, lambdas, window, cfg)
}

func estimateMixture(series models.IncidenceSeries, draws []serial.Distribution, lambdas [][]float64, window Window, cfg EstimateConfig) (Posterior, error) {
	if len(draws) == 0 {
		return Posterior{}, fmt.Errorf("%w: at least one serial interval draw is required", ErrInvalidWindow)
	}
	if err := window.Validate(series.Len()); err != nil {
		return Posterior{}, err
	}
	cfg, err := cfg.normalised()
	if err != nil {
		return Posterior{}, err
	}

	components := make([]distuv.Gamma, len(draws))
	var mean, second, infectivity, siMean float64
	incidence := 0
	for i, si := range draws {
		inc, inf := windowTotals(series, lambdas[i], window)
		incidence = inc
		g := distuv.Gamma{Alpha: cfg.PriorShape + float64(inc), Beta: cfg.PriorRate + inf}
		components[i] = g
		m := g.Mean()
		mean += m
		second += g.Variance() + m*m
		infectivity += inf
		siMean += si.Mean()
	}
	k := float64(len(draws))
	mean /= k
	second /= k
	infectivity /= k
	siMean /= k
	variance := math.Max(second-mean*mean, 0)

	post := Posterior{
		Window:      window,
		Mean:        mean,
		StdDev:      math.Sqrt(variance),
		Incidence:   incidence,
		Infectivity: infectivity,
		Components:  len(draws),
	}
	if variance > 0 {
		post.Shape = mean * mean / variance
		post.Rate = mean / variance
	}
	post.CV = post.StdDev / post.Mean
	post.Median = mixtureQuantile(components, 0.5)
	post.Quantiles = make([]Quantile, len(cfg.Quantiles))
	for i, q := range cfg.Quantiles {
		post.Quantiles[i] = Quantile{P: q, Value: mixtureQuantile(components, q)}
	}
	post.Warnings = caveats(series, siMean, window, post.CV, cfg.MaxCV)
	return post, nil
}

// mixtureQuantile inverts the equally weighted mixture CDF. The answer lies
// between the smallest and largest component quantiles at p.
func mixtureQuantile(components []distuv.Gamma, p float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, g := range components {
		q := g.Quantile(p)
		lo = math.Min(lo, q)
		hi = math.Max(hi, q)
	}
	if hi-lo < 1e-12 {
		return lo
	}
	cdf := func(x float64) float64 {
		sum := 0.0
		for _, g := range components {
			sum += g.CDF(x)
		}
		return sum / float64(len(components))
	}
	for i := 0; i < 200 && hi-lo > 1e-10*math.Max(1, hi); i++ {
		mid := (lo + hi) / 2
		if cdf(mid) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}

// caveats flags estimates made too early in an outbreak. They never block the
// estimate.
func caveats(series models.IncidenceSeries, siMean float64, window Window, cv, maxCV float64) []string {
	var warnings []string
	if maxCV > 0 && cv > maxCV {
		warnings = append(warnings, fmt.Sprintf("window %s: posterior coefficient of variation %.2f exceeds %.2f; too few cases to estimate R precisely", window, cv, maxCV))
	}
	if first := series.FirstCase(); first > 0 && float64(window.Start) < float64(first)+siMean {
		warnings = append(warnings, fmt.Sprintf("window %s starts within one mean serial interval (%.1f days) of the first case on day %d", window, siMean, first))
	}
	return warnings
}
