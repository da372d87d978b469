package serial

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/outbreakstack/renewal-rt/internal/models"
)

// FitOptions control the maximum likelihood fit of a DiscreteGamma.
type FitOptions struct {
	// W is the endpoint weight of the discretisation; 1 forces zero mass at lag 0.
	W float64
	// InitialMean and InitialCV seed the optimiser. Both default to 1.
	InitialMean float64
	InitialCV   float64
	// MaxIterations bounds the optimiser. Defaults to 1000.
	MaxIterations int
}

// Fit is the result of FitDiscreteGamma. Mean, CV and SD describe the
// continuous Gamma distribution before discretisation.
type Fit struct {
	Shape         float64
	Scale         float64
	Mean          float64
	CV            float64
	SD            float64
	LogLikelihood float64
	Converged     bool
	Iterations    int
	Distribution  DiscreteGamma
}

// LagsFromPairs converts transmission pairs to whole-day serial intervals.
// Pairs with a negative serial interval are dropped and counted.
func LagsFromPairs(pairs []models.TransmissionPair) (lags []int, dropped int) {
	lags = make([]int, 0, len(pairs))
	for _, p := range pairs {
		lag := p.Lag()
		if lag < 0 {
			dropped++
			continue
		}
		lags = append(lags, lag)
	}
	return lags, dropped
}

// FitDiscreteGamma finds the DiscreteGamma maximising the likelihood of the
// observed lags. The optimisation runs over log mean and log CV with
// Nelder-Mead. When the optimiser stops early the best point found is returned
// with Converged set to false; callers must check it before trusting the fit.
func FitDiscreteGamma(lags []int, opts FitOptions) (Fit, error) {
	if len(lags) == 0 {
		return Fit{}, fmt.Errorf("%w: no serial interval observations", ErrInvalidInput)
	}
	for i, lag := range lags {
		if lag < 0 {
			return Fit{}, fmt.Errorf("%w: negative lag %d at index %d", ErrInvalidInput, lag, i)
		}
	}
	if opts.W < 0 || opts.W > 1 {
		return Fit{}, fmt.Errorf("%w: endpoint weight must lie in [0, 1], got %g", ErrInvalidInput, opts.W)
	}
	if opts.InitialMean <= 0 {
		opts.InitialMean = 1
	}
	if opts.InitialCV <= 0 {
		opts.InitialCV = 1
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 1000
	}

	counts := tabulate(lags)
	objective := func(x []float64) float64 {
		g := gammaFromLogMeanCV(x[0], x[1], opts.W)
		return -logLikelihood(g, counts)
	}

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		MajorIterations: opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 100,
		},
	}
	init := []float64{math.Log(opts.InitialMean), math.Log(opts.InitialCV)}
	result, err := optimize.Minimize(problem, init, settings, &optimize.NelderMead{})
	if result == nil {
		return Fit{}, fmt.Errorf("fit discrete gamma: %w", err)
	}

	best := gammaFromLogMeanCV(result.X[0], result.X[1], opts.W)
	mean := best.ContinuousMean()
	cv := math.Exp(result.X[1])
	return Fit{
		Shape:         best.Shape,
		Scale:         best.Scale,
		Mean:          mean,
		CV:            cv,
		SD:            mean * cv,
		LogLikelihood: -result.F,
		Converged:     err == nil && !result.Status.Early(),
		Iterations:    result.MajorIterations,
		Distribution:  best,
	}, nil
}

func gammaFromLogMeanCV(logMean, logCV, w float64) DiscreteGamma {
	mean := math.Exp(logMean)
	cv := math.Exp(logCV)
	return DiscreteGamma{Shape: 1 / (cv * cv), Scale: mean * cv * cv, W: w}
}

// lagCount is a distinct lag with its multiplicity.
type lagCount struct {
	lag, n int
}

func tabulate(lags []int) []lagCount {
	seen := make(map[int]int)
	order := make([]int, 0)
	for _, lag := range lags {
		if _, ok := seen[lag]; !ok {
			order = append(order, lag)
		}
		seen[lag]++
	}
	out := make([]lagCount, 0, len(order))
	for _, lag := range order {
		out = append(out, lagCount{lag: lag, n: seen[lag]})
	}
	return out
}

// minLogProb stands in for log(0) so that the objective stays finite.
const minLogProb = -745.0

func logLikelihood(d Distribution, counts []lagCount) float64 {
	ll := 0.0
	for _, c := range counts {
		p := d.Density(c.lag)
		lp := minLogProb
		if p > 0 {
			lp = math.Max(math.Log(p), minLogProb)
		}
		ll += float64(c.n) * lp
	}
	return ll
}
