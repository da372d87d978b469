package serial

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// UncertainConfig describes parametric uncertainty on the serial interval:
// the mean and standard deviation are each drawn from a normal distribution
// truncated to [Min, Max].
type UncertainConfig struct {
	Mean, MeanSD, MinMean, MaxMean float64
	SD, SDSD, MinSD, MaxSD         float64
	Seed                           uint64
}

// Uncertain is a Sampler of OffsetGamma distributions with uncertain mean and
// standard deviation. Its draws are independent, so it is always converged.
type Uncertain struct {
	cfg UncertainConfig
}

// maxRejections bounds the rejection sampler for one draw.
const maxRejections = 10000

// NewUncertain validates cfg.
func NewUncertain(cfg UncertainConfig) (*Uncertain, error) {
	if !(cfg.MinMean > 1) || cfg.MaxMean < cfg.MinMean {
		return nil, fmt.Errorf("%w: mean bounds must satisfy 1 < min <= max, got [%g, %g]", ErrInvalidInput, cfg.MinMean, cfg.MaxMean)
	}
	if !(cfg.MinSD > 0) || cfg.MaxSD < cfg.MinSD {
		return nil, fmt.Errorf("%w: sd bounds must satisfy 0 < min <= max, got [%g, %g]", ErrInvalidInput, cfg.MinSD, cfg.MaxSD)
	}
	if cfg.MeanSD < 0 || cfg.SDSD < 0 {
		return nil, fmt.Errorf("%w: spread of mean and sd must be non-negative", ErrInvalidInput)
	}
	if cfg.Mean < cfg.MinMean || cfg.Mean > cfg.MaxMean || cfg.SD < cfg.MinSD || cfg.SD > cfg.MaxSD {
		return nil, fmt.Errorf("%w: central values must lie within their bounds", ErrInvalidInput)
	}
	return &Uncertain{cfg: cfg}, nil
}

// Sample implements Sampler. Repeated calls return the same draws.
func (u *Uncertain) Sample(n int) ([]Distribution, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: sample size must be positive, got %d", ErrInvalidInput, n)
	}
	src := rand.NewSource(u.cfg.Seed)
	meanDist := distuv.Normal{Mu: u.cfg.Mean, Sigma: u.cfg.MeanSD, Src: src}
	sdDist := distuv.Normal{Mu: u.cfg.SD, Sigma: u.cfg.SDSD, Src: src}

	out := make([]Distribution, 0, n)
	for len(out) < n {
		var drawn bool
		for attempt := 0; attempt < maxRejections; attempt++ {
			mean, ok := truncated(meanDist, u.cfg.MinMean, u.cfg.MaxMean)
			if !ok {
				return nil, fmt.Errorf("%w: no mean drawn within [%g, %g] after %d attempts", ErrInvalidInput, u.cfg.MinMean, u.cfg.MaxMean, maxRejections)
			}
			sd, ok := truncated(sdDist, u.cfg.MinSD, u.cfg.MaxSD)
			if !ok {
				return nil, fmt.Errorf("%w: no sd drawn within [%g, %g] after %d attempts", ErrInvalidInput, u.cfg.MinSD, u.cfg.MaxSD, maxRejections)
			}
			if mean <= sd {
				continue
			}
			out = append(out, OffsetGamma{Mu: mean, Sigma: sd})
			drawn = true
			break
		}
		if !drawn {
			return nil, fmt.Errorf("%w: no draw with mean above sd after %d attempts", ErrInvalidInput, maxRejections)
		}
	}
	return out, nil
}

// Converged implements Sampler.
func (u *Uncertain) Converged() bool { return true }

// truncated draws from d restricted to [lo, hi] by rejection and reports
// false when no draw lands inside the bounds.
func truncated(d distuv.Normal, lo, hi float64) (float64, bool) {
	if d.Sigma == 0 {
		return d.Mu, true
	}
	for i := 0; i < maxRejections; i++ {
		x := d.Rand()
		if x >= lo && x <= hi {
			return x, true
		}
	}
	return 0, false
}
