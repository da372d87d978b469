package serial

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/outbreakstack/renewal-rt/internal/workers"
)

// Sampler produces serial interval distributions that reflect the uncertainty
// of the serial interval itself.
type Sampler interface {
	// Sample returns n distributions drawn from the sampler.
	Sample(n int) ([]Distribution, error)
	// Converged reports whether the draws can be trusted.
	Converged() bool
}

// MCMCConfig sets the deterministic budget of RunMCMC.
type MCMCConfig struct {
	W      float64
	Chains int
	// Burnin iterations are discarded before draws are kept; zero keeps
	// every iteration.
	Burnin        int
	Iterations    int
	Thin          int
	ProposalSD    float64
	RHatThreshold float64
	Seed          uint64
}

func (c *MCMCConfig) setDefaults() {
	if c.Chains <= 0 {
		c.Chains = 4
	}
	if c.Iterations <= 0 {
		c.Iterations = 5000
	}
	if c.Thin <= 0 {
		c.Thin = 10
	}
	if c.ProposalSD <= 0 {
		c.ProposalSD = 0.1
	}
	if c.RHatThreshold <= 0 {
		c.RHatThreshold = 1.1
	}
}

// MCMC holds the retained draws of a multi-chain random-walk Metropolis run
// over (log mean, log CV) of a DiscreteGamma serial interval. Mean and CV are
// close to orthogonal for the Gamma family, which keeps the chains mixing.
type MCMC struct {
	cfg        MCMCConfig
	chains     [][][2]float64
	acceptance []float64
	rhat       [2]float64
	converged  bool
	start      Fit
}

// RunMCMC samples the posterior of a DiscreteGamma serial interval given
// observed lags, under flat priors on the log parameters. Chains start from
// points dispersed around the maximum likelihood fit and run concurrently on
// pool; a nil pool runs them sequentially. Results depend only on cfg.Seed.
func RunMCMC(ctx context.Context, lags []int, cfg MCMCConfig, pool *workers.Pool) (*MCMC, error) {
	cfg.setDefaults()
	if cfg.Chains < 2 {
		return nil, fmt.Errorf("%w: convergence diagnostics need at least 2 chains", ErrInvalidInput)
	}
	if cfg.Burnin < 0 {
		return nil, fmt.Errorf("%w: burnin must be non-negative, got %d", ErrInvalidInput, cfg.Burnin)
	}
	fit, err := FitDiscreteGamma(lags, FitOptions{W: cfg.W, InitialMean: meanLag(lags), InitialCV: 1})
	if err != nil {
		return nil, err
	}
	counts := tabulate(lags)

	m := &MCMC{
		cfg:        cfg,
		chains:     make([][][2]float64, cfg.Chains),
		acceptance: make([]float64, cfg.Chains),
		start:      fit,
	}

	err = workers.Run(ctx, pool, cfg.Chains, func(c int) error {
		src := rand.NewSource(cfg.Seed + uint64(c)*0x9e3779b97f4a7c15)
		draws, accepted := runChain(counts, fit, cfg, src)
		m.chains[c] = draws
		m.acceptance[c] = accepted
		return nil
	})
	if err != nil {
		return nil, err
	}

	for p := 0; p < 2; p++ {
		m.rhat[p] = gelmanRubin(m.chains, p)
	}
	m.converged = m.rhat[0] < cfg.RHatThreshold && m.rhat[1] < cfg.RHatThreshold
	return m, nil
}

func runChain(counts []lagCount, fit Fit, cfg MCMCConfig, src rand.Source) ([][2]float64, float64) {
	rng := rand.New(src)
	noise := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	stepSD := cfg.ProposalSD

	// Over-disperse starting points so that R-hat can detect poor mixing.
	cur := [2]float64{math.Log(fit.Mean) + 0.5*noise.Rand(), math.Log(fit.CV) + 0.5*noise.Rand()}
	curLL := logLikelihood(gammaFromLogMeanCV(cur[0], cur[1], cfg.W), counts)

	total := cfg.Burnin + cfg.Iterations
	draws := make([][2]float64, 0, cfg.Iterations/cfg.Thin+1)
	accepted, windowAccepted := 0, 0
	for i := 0; i < total; i++ {
		prop := [2]float64{cur[0] + stepSD*noise.Rand(), cur[1] + stepSD*noise.Rand()}
		propLL := logLikelihood(gammaFromLogMeanCV(prop[0], prop[1], cfg.W), counts)
		if math.Log(rng.Float64()) < propLL-curLL {
			cur, curLL = prop, propLL
			windowAccepted++
			if i >= cfg.Burnin {
				accepted++
			}
		}
		if i < cfg.Burnin && (i+1)%adaptEvery == 0 {
			stepSD = adaptStep(stepSD, float64(windowAccepted)/adaptEvery)
			windowAccepted = 0
		}
		if i >= cfg.Burnin && (i-cfg.Burnin)%cfg.Thin == 0 {
			draws = append(draws, cur)
		}
	}
	return draws, float64(accepted) / float64(cfg.Iterations)
}

// adaptEvery is the burn-in window over which the proposal scale is tuned.
const adaptEvery = 100

// adaptStep nudges the proposal scale toward an acceptance rate of 0.2-0.4.
func adaptStep(sd, rate float64) float64 {
	switch {
	case rate > 0.4:
		return sd * 1.25
	case rate < 0.2:
		return sd * 0.8
	default:
		return sd
	}
}

// gelmanRubin computes the potential scale reduction factor of parameter p.
func gelmanRubin(chains [][][2]float64, p int) float64 {
	m := len(chains)
	n := len(chains[0])
	for _, c := range chains {
		if len(c) < n {
			n = len(c)
		}
	}
	if m < 2 || n < 2 {
		return math.Inf(1)
	}

	means := make([]float64, m)
	vars := make([]float64, m)
	values := make([]float64, n)
	for j, c := range chains {
		for i := 0; i < n; i++ {
			values[i] = c[i][p]
		}
		means[j], vars[j] = stat.MeanVariance(values, nil)
	}
	nf := float64(n)
	between := nf * stat.Variance(means, nil)
	within := stat.Mean(vars, nil)
	if within == 0 {
		if between == 0 {
			return 1
		}
		return math.Inf(1)
	}
	pooled := (nf-1)/nf*within + between/nf
	return math.Sqrt(pooled / within)
}

// Sample returns n draws taken evenly across the pooled chains. The same MCMC
// always yields the same draws for the same n.
func (m *MCMC) Sample(n int) ([]Distribution, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: sample size must be positive, got %d", ErrInvalidInput, n)
	}
	pooled := m.pooled()
	if len(pooled) == 0 {
		return nil, fmt.Errorf("%w: no retained draws", ErrInvalidInput)
	}
	out := make([]Distribution, n)
	for i := 0; i < n; i++ {
		idx := int(float64(i) * float64(len(pooled)) / float64(n))
		out[i] = gammaFromLogMeanCV(pooled[idx][0], pooled[idx][1], m.cfg.W)
	}
	return out, nil
}

// Converged implements Sampler using the Gelman-Rubin diagnostic.
func (m *MCMC) Converged() bool { return m.converged }

// RHat returns the potential scale reduction factors for log mean and log CV.
func (m *MCMC) RHat() (mean, cv float64) { return m.rhat[0], m.rhat[1] }

// Acceptance returns the post burn-in acceptance rate of each chain.
func (m *MCMC) Acceptance() []float64 { return append([]float64(nil), m.acceptance...) }

// Start returns the maximum likelihood fit the chains were started from.
func (m *MCMC) Start() Fit { return m.start }

// Summary returns posterior means and standard deviations of the serial
// interval mean and standard deviation, in days.
func (m *MCMC) Summary() (mean, meanSD, sd, sdSD float64) {
	pooled := m.pooled()
	means := make([]float64, len(pooled))
	sds := make([]float64, len(pooled))
	for i, theta := range pooled {
		g := gammaFromLogMeanCV(theta[0], theta[1], m.cfg.W)
		means[i] = g.ContinuousMean()
		sds[i] = g.ContinuousSD()
	}
	mean, meanSD = stat.MeanStdDev(means, nil)
	sd, sdSD = stat.MeanStdDev(sds, nil)
	return mean, meanSD, sd, sdSD
}

func (m *MCMC) pooled() [][2]float64 {
	total := 0
	for _, c := range m.chains {
		total += len(c)
	}
	out := make([][2]float64, 0, total)
	for _, c := range m.chains {
		out = append(out, c...)
	}
	return out
}

func meanLag(lags []int) float64 {
	if len(lags) == 0 {
		return 1
	}
	sum := 0
	for _, l := range lags {
		sum += l
	}
	mean := float64(sum) / float64(len(lags))
	if mean <= 0 {
		return 1
	}
	return mean
}
