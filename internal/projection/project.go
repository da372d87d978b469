// Package projection simulates future incidence from the renewal equation.
//
// Each simulated day t draws I_t with mean R * Σ_{s<t} I_s w(t-s) over the
// observed history followed by the trajectory's own simulated days. The
// current day does not contribute to its own infectivity.
package projection

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/renewal"
	"github.com/outbreakstack/renewal-rt/internal/serial"
	"github.com/outbreakstack/renewal-rt/internal/workers"
)

// ErrInvalidConfig reports a projection that cannot be run.
var ErrInvalidConfig = errors.New("invalid projection config")

// Model selects the offspring count distribution.
type Model int

const (
	Poisson Model = iota
	// NegativeBinomial adds overdispersion: a Gamma-Poisson mixture with mean
	// λ and size Config.Dispersion.
	NegativeBinomial
)

func (m Model) String() string {
	switch m {
	case Poisson:
		return "poisson"
	case NegativeBinomial:
		return "negative_binomial"
	default:
		return fmt.Sprintf("model(%d)", int(m))
	}
}

// ParseModel maps a configuration string to a Model.
func ParseModel(s string) (Model, error) {
	switch s {
	case "", "poisson":
		return Poisson, nil
	case "negative_binomial", "negbin":
		return NegativeBinomial, nil
	}
	return 0, fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, s)
}

// RSource supplies the reproduction numbers a projection draws from.
type RSource struct {
	values []float64
}

// Fixed projects with a single known R.
func Fixed(r float64) RSource { return RSource{values: []float64{r}} }

// Samples projects with R drawn uniformly from values.
func Samples(values []float64) RSource {
	return RSource{values: append([]float64(nil), values...)}
}

// FromPosterior draws n values of R from the Gamma posterior of an estimate.
func FromPosterior(post renewal.Posterior, n int, seed uint64) (RSource, error) {
	if n <= 0 {
		return RSource{}, fmt.Errorf("%w: sample size must be positive, got %d", ErrInvalidConfig, n)
	}
	if post.Shape <= 0 || post.Rate <= 0 {
		return RSource{}, fmt.Errorf("%w: posterior has no Gamma parameters", ErrInvalidConfig)
	}
	g := distuv.Gamma{Alpha: post.Shape, Beta: post.Rate, Src: rand.NewSource(seed)}
	values := make([]float64, n)
	for i := range values {
		values[i] = g.Rand()
	}
	return RSource{values: values}, nil
}

// Len returns the number of values in the source.
func (s RSource) Len() int { return len(s.values) }

// Values returns a copy of the values in the source.
func (s RSource) Values() []float64 { return append([]float64(nil), s.values...) }

func (s RSource) draw(rng *rand.Rand) float64 {
	if len(s.values) == 1 {
		return s.values[0]
	}
	return s.values[rng.Intn(len(s.values))]
}

// Config describes one projection run.
type Config struct {
	R            RSource
	Trajectories int
	Horizon      int
	// FixedWithinTrajectory draws R once per trajectory instead of once per
	// simulated day.
	FixedWithinTrajectory bool
	Model                 Model
	Dispersion            float64
	Seed                  uint64
}

func (c Config) validate() error {
	if c.R.Len() == 0 {
		return fmt.Errorf("%w: empty R source", ErrInvalidConfig)
	}
	for _, r := range c.R.values {
		if r < 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: R must be finite and non-negative, got %g", ErrInvalidConfig, r)
		}
	}
	if c.Trajectories <= 0 {
		return fmt.Errorf("%w: trajectories must be positive, got %d", ErrInvalidConfig, c.Trajectories)
	}
	if c.Horizon < 0 {
		return fmt.Errorf("%w: horizon must be non-negative, got %d", ErrInvalidConfig, c.Horizon)
	}
	switch c.Model {
	case Poisson:
	case NegativeBinomial:
		if !(c.Dispersion > 0) {
			return fmt.Errorf("%w: negative binomial needs a positive dispersion, got %g", ErrInvalidConfig, c.Dispersion)
		}
	default:
		return fmt.Errorf("%w: unknown model %d", ErrInvalidConfig, int(c.Model))
	}
	return nil
}

// Project simulates cfg.Trajectories independent futures of series over
// cfg.Horizon days. Trajectories run on pool; each owns a generator seeded
// from cfg.Seed and its index, so the ensemble does not depend on the pool.
func Project(ctx context.Context, series models.IncidenceSeries, si serial.Distribution, cfg Config, pool *workers.Pool) (*Ensemble, error) {
	if si == nil {
		return nil, fmt.Errorf("%w: serial interval is required", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if series.Len() == 0 {
		return nil, fmt.Errorf("%w: empty incidence history", ErrInvalidConfig)
	}
	if series.Interval != 1 {
		return nil, fmt.Errorf("%w: projection needs daily incidence, got %d-day bins", ErrInvalidConfig, series.Interval)
	}

	ens := newEnsemble(series.End().AddDate(0, 0, 1), cfg.Horizon, cfg.Trajectories)
	ens.Model = cfg.Model
	if cfg.FixedWithinTrajectory {
		ens.RValues = make([]float64, cfg.Trajectories)
	}
	if cfg.Horizon == 0 {
		return ens, nil
	}

	observed := series.Floats()
	w := si.MassVector(len(observed) + cfg.Horizon)

	err := workers.Run(ctx, pool, cfg.Trajectories, func(j int) error {
		rng := rand.New(rand.NewSource(trajectorySeed(cfg.Seed, j)))
		history := make([]float64, len(observed), len(observed)+cfg.Horizon)
		copy(history, observed)

		r := cfg.R.draw(rng)
		if cfg.FixedWithinTrajectory {
			ens.RValues[j] = r
		}
		for d := 0; d < cfg.Horizon; d++ {
			if !cfg.FixedWithinTrajectory {
				r = cfg.R.draw(rng)
			}
			t := len(history)
			lambda := 0.0
			for s := 0; s < t; s++ {
				lambda += history[s] * w[t-s]
			}
			n := offspring(rng, cfg, r*lambda)
			ens.values[d*cfg.Trajectories+j] = n
			history = append(history, float64(n))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ens, nil
}

// trajectorySeed mixes the run seed with a trajectory index (splitmix64).
func trajectorySeed(seed uint64, j int) uint64 {
	z := seed + uint64(j+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func offspring(rng *rand.Rand, cfg Config, mean float64) int {
	if mean <= 0 {
		return 0
	}
	if cfg.Model == NegativeBinomial {
		g := distuv.Gamma{Alpha: cfg.Dispersion, Beta: cfg.Dispersion / mean, Src: rng}
		mean = g.Rand()
		if mean <= 0 {
			return 0
		}
	}
	p := distuv.Poisson{Lambda: mean, Src: rng}
	return int(p.Rand())
}
