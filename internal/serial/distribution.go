// Package serial models the serial interval: the delay in days between
// symptom onset in an infector and symptom onset in the person they infect.
//
// Every variant is a probability mass function over non-negative integer lags
// and satisfies Distribution, so estimation and projection code is agnostic to
// how the distribution was obtained.
package serial

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

// Tolerance is the residual probability mass beyond MaxLag.
const Tolerance = 1e-9

// ErrInvalidInput reports unusable serial interval parameters or data.
var ErrInvalidInput = errors.New("invalid serial interval input")

// Distribution is a discrete serial interval distribution over lags 0, 1, 2, ...
type Distribution interface {
	// Density returns the probability of the given lag. Negative lags have zero mass.
	Density(lag int) float64
	// MassVector returns the probabilities of lags 0..maxLag. Its sum is at most 1;
	// the mass beyond maxLag is dropped.
	MassVector(maxLag int) []float64
	// Mean returns the mean lag of the discrete distribution.
	Mean() float64
	// StdDev returns the standard deviation of the discrete distribution.
	StdDev() float64
	// MaxLag returns the smallest lag beyond which less than Tolerance mass remains.
	MaxLag() int
}

// DiscreteGamma discretises a Gamma(Shape, Scale) distribution onto whole days.
//
// The mass of lag k is F(k+1-W) - F(k-W), where F is the Gamma CDF and F(x) = 0
// for x <= 0. W weights the interval endpoints: W = 0 floors continuous delays,
// W = 0.5 centres the interval on k and W = 1 rounds up, which leaves no mass at
// lag 0.
type DiscreteGamma struct {
	Shape float64
	Scale float64
	W     float64
}

// NewDiscreteGamma builds a DiscreteGamma from the mean and standard deviation
// of the underlying continuous Gamma distribution.
func NewDiscreteGamma(mean, sd, w float64) (DiscreteGamma, error) {
	if !(mean > 0) || !(sd > 0) {
		return DiscreteGamma{}, fmt.Errorf("%w: mean and sd must be positive, got mean=%g sd=%g", ErrInvalidInput, mean, sd)
	}
	if w < 0 || w > 1 {
		return DiscreteGamma{}, fmt.Errorf("%w: endpoint weight must lie in [0, 1], got %g", ErrInvalidInput, w)
	}
	cv := sd / mean
	return DiscreteGamma{Shape: 1 / (cv * cv), Scale: mean * cv * cv, W: w}, nil
}

func (g DiscreteGamma) gamma() distuv.Gamma {
	return distuv.Gamma{Alpha: g.Shape, Beta: 1 / g.Scale}
}

func (g DiscreteGamma) cdf(x float64) float64 {
	if x <= 0 {
		return 0
	}
	return g.gamma().CDF(x)
}

// Density implements Distribution.
func (g DiscreteGamma) Density(lag int) float64 {
	if lag < 0 {
		return 0
	}
	k := float64(lag)
	p := g.cdf(k+1-g.W) - g.cdf(k-g.W)
	if p < 0 {
		return 0
	}
	return p
}

// MassVector implements Distribution.
func (g DiscreteGamma) MassVector(maxLag int) []float64 { return massVector(g, maxLag) }

// Mean implements Distribution.
func (g DiscreteGamma) Mean() float64 { m, _ := moments(g); return m }

// StdDev implements Distribution.
func (g DiscreteGamma) StdDev() float64 { _, sd := moments(g); return sd }

// MaxLag implements Distribution.
func (g DiscreteGamma) MaxLag() int {
	q := g.gamma().Quantile(1 - Tolerance)
	return int(math.Ceil(q + g.W))
}

// ContinuousMean returns Shape*Scale.
func (g DiscreteGamma) ContinuousMean() float64 { return g.Shape * g.Scale }

// ContinuousSD returns the standard deviation of the underlying Gamma.
func (g DiscreteGamma) ContinuousSD() float64 { return math.Sqrt(g.Shape) * g.Scale }

// OffsetGamma is a Gamma distribution of (lag - 1) parameterised by the mean
// and standard deviation of the lag, discretised by linear interpolation of the
// CDF between whole days. Lag 0 never carries mass and the discrete mean
// equals Mu.
type OffsetGamma struct {
	Mu    float64
	Sigma float64
}

// NewOffsetGamma validates the parameters; the mean must exceed one day.
func NewOffsetGamma(mean, sd float64) (OffsetGamma, error) {
	if !(mean > 1) {
		return OffsetGamma{}, fmt.Errorf("%w: offset gamma mean must exceed 1, got %g", ErrInvalidInput, mean)
	}
	if !(sd > 0) {
		return OffsetGamma{}, fmt.Errorf("%w: sd must be positive, got %g", ErrInvalidInput, sd)
	}
	return OffsetGamma{Mu: mean, Sigma: sd}, nil
}

func (o OffsetGamma) params() (shape, scale float64) {
	shape = math.Pow((o.Mu-1)/o.Sigma, 2)
	scale = o.Sigma * o.Sigma / (o.Mu - 1)
	return shape, scale
}

// Density implements Distribution.
func (o OffsetGamma) Density(lag int) float64 {
	if lag <= 0 {
		return 0
	}
	a, b := o.params()
	cdf := func(x, shape float64) float64 {
		if x <= 0 {
			return 0
		}
		return mathext.GammaIncReg(shape, x/b)
	}
	k := float64(lag)
	p := k*cdf(k, a) + (k-2)*cdf(k-2, a) - 2*(k-1)*cdf(k-1, a) +
		a*b*(2*cdf(k-1, a+1)-cdf(k-2, a+1)-cdf(k, a+1))
	if p < 0 {
		return 0
	}
	return p
}

// MassVector implements Distribution.
func (o OffsetGamma) MassVector(maxLag int) []float64 { return massVector(o, maxLag) }

// Mean implements Distribution.
func (o OffsetGamma) Mean() float64 { m, _ := moments(o); return m }

// StdDev implements Distribution.
func (o OffsetGamma) StdDev() float64 { _, sd := moments(o); return sd }

// MaxLag implements Distribution.
func (o OffsetGamma) MaxLag() int {
	a, b := o.params()
	q := mathext.GammaIncRegInv(a, 1-Tolerance) * b
	return int(math.Ceil(q)) + 2
}

// Empirical is an explicit probability mass function, for example one
// estimated from contact tracing data.
type Empirical struct {
	pmf []float64
}

// NewEmpirical normalises pmf so that it sums to one.
func NewEmpirical(pmf []float64) (Empirical, error) {
	if len(pmf) == 0 {
		return Empirical{}, fmt.Errorf("%w: empty mass function", ErrInvalidInput)
	}
	for i, p := range pmf {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return Empirical{}, fmt.Errorf("%w: invalid mass %g at lag %d", ErrInvalidInput, p, i)
		}
	}
	total := floats.Sum(pmf)
	if total <= 0 {
		return Empirical{}, fmt.Errorf("%w: mass function sums to zero", ErrInvalidInput)
	}
	norm := append([]float64(nil), pmf...)
	floats.Scale(1/total, norm)
	return Empirical{pmf: norm}, nil
}

// Density implements Distribution.
func (e Empirical) Density(lag int) float64 {
	if lag < 0 || lag >= len(e.pmf) {
		return 0
	}
	return e.pmf[lag]
}

// MassVector implements Distribution.
func (e Empirical) MassVector(maxLag int) []float64 { return massVector(e, maxLag) }

// Mean implements Distribution.
func (e Empirical) Mean() float64 { m, _ := moments(e); return m }

// StdDev implements Distribution.
func (e Empirical) StdDev() float64 { _, sd := moments(e); return sd }

// MaxLag implements Distribution.
func (e Empirical) MaxLag() int { return len(e.pmf) - 1 }

func massVector(d Distribution, maxLag int) []float64 {
	if maxLag < 0 {
		return nil
	}
	out := make([]float64, maxLag+1)
	for k := range out {
		out[k] = d.Density(k)
	}
	return out
}

func moments(d Distribution) (mean, sd float64) {
	w := d.MassVector(d.MaxLag())
	total := floats.Sum(w)
	if total == 0 {
		return 0, 0
	}
	var m1, m2 float64
	for k, p := range w {
		x := float64(k)
		m1 += x * p
		m2 += x * x * p
	}
	m1 /= total
	m2 /= total
	return m1, math.Sqrt(math.Max(m2-m1*m1, 0))
}
