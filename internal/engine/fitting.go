package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/outbreakstack/renewal-rt/internal/growth"
	"github.com/outbreakstack/renewal-rt/internal/metrics"
	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/serial"
)

// SerialIntervalFit reports a serial interval fitted to transmission pairs.
type SerialIntervalFit struct {
	Method       string
	Observations int
	Fit          serial.Fit
	// The fields below are set for MCMC fits only.
	PosteriorMean   float64
	PosteriorMeanSD float64
	PosteriorSD     float64
	PosteriorSDSD   float64
	RHatMean        float64
	RHatCV          float64
	Acceptance      []float64
	Converged       bool
}

// FitSerialInterval fits a discretised Gamma serial interval to the pairs of
// spec by maximum likelihood, followed by MCMC when spec.Method is SIMCMC.
func (p *Pipeline) FitSerialInterval(ctx context.Context, spec models.SerialIntervalSpec) (*SerialIntervalFit, error) {
	started := time.Now()
	out, err := p.fitSerialInterval(ctx, spec)
	metrics.ObserveAnalysis(metrics.KindSerialInterval, time.Since(started), outcome(err))
	return out, err
}

func (p *Pipeline) fitSerialInterval(ctx context.Context, spec models.SerialIntervalSpec) (*SerialIntervalFit, error) {
	method := strings.ToLower(spec.Method)
	if method == "" {
		method = models.SIFit
	}
	if method != models.SIFit && method != models.SIMCMC {
		return nil, fmt.Errorf("%w: serial interval fitting supports %q and %q, got %q", ErrInvalidRequest, models.SIFit, models.SIMCMC, spec.Method)
	}
	lags, err := p.lags(ctx, spec)
	if err != nil {
		return nil, err
	}

	if method == models.SIFit {
		fit, err := serial.FitDiscreteGamma(lags, p.fitOptions())
		if err != nil {
			return nil, err
		}
		if !fit.Converged {
			p.nonConverged(method, fit.Iterations)
		}
		return &SerialIntervalFit{Method: method, Observations: len(lags), Fit: fit, Converged: fit.Converged}, nil
	}

	chain, err := serial.RunMCMC(ctx, lags, p.mcmcConfig(), p.pool)
	if err != nil {
		return nil, err
	}
	out := &SerialIntervalFit{
		Method:       method,
		Observations: len(lags),
		Fit:          chain.Start(),
		Acceptance:   chain.Acceptance(),
		Converged:    chain.Converged(),
	}
	out.PosteriorMean, out.PosteriorMeanSD, out.PosteriorSD, out.PosteriorSDSD = chain.Summary()
	out.RHatMean, out.RHatCV = chain.RHat()
	if !out.Converged {
		p.nonConverged(method, 0)
	}
	return out, nil
}

// GrowthAnalysis reports exponential growth fits of an incidence curve.
type GrowthAnalysis struct {
	Series models.IncidenceSeries
	// Phases holds one fit, or two when the curve was split.
	Phases []GrowthPhase
	Split  int
	Peak   int
}

// GrowthPhase is one fitted segment of the curve. The reproduction fields
// are set when a serial interval was supplied.
type GrowthPhase struct {
	growth.Result
	Reproduction      float64
	ReproductionLower float64
	ReproductionUpper float64
}

// FitGrowth fits log-linear growth to the incidence of req.
func (p *Pipeline) FitGrowth(ctx context.Context, req models.GrowthRequest) (*GrowthAnalysis, error) {
	started := time.Now()
	out, err := p.fitGrowth(ctx, req)
	metrics.ObserveAnalysis(metrics.KindGrowth, time.Since(started), outcome(err))
	return out, err
}

func (p *Pipeline) fitGrowth(ctx context.Context, req models.GrowthRequest) (*GrowthAnalysis, error) {
	series, err := p.resolveSeries(ctx, req.Incidence)
	if err != nil {
		return nil, err
	}
	peak, err := growth.FindPeak(series)
	if err != nil {
		return nil, err
	}

	var si serial.Distribution
	if req.SerialInterval.Method != "" {
		resolved, err := p.resolveSerialInterval(ctx, req.SerialInterval)
		if err != nil {
			return nil, err
		}
		si = resolved.point
	}

	split := req.Split
	if req.SplitAtPeak {
		split = peak
	}

	out := &GrowthAnalysis{Series: series, Split: split, Peak: peak}
	var fits []growth.Result
	if split > 0 {
		before, after, err := growth.FitSplit(series, split)
		if err != nil {
			return nil, err
		}
		fits = []growth.Result{before, after}
	} else {
		fit, err := growth.Fit(series)
		if err != nil {
			return nil, err
		}
		fits = []growth.Result{fit}
	}

	for _, fit := range fits {
		phase := GrowthPhase{Result: fit}
		if si != nil {
			phase.Reproduction = growth.ReproductionFromGrowth(fit.Rate, si)
			phase.ReproductionLower = growth.ReproductionFromGrowth(fit.RateLower, si)
			phase.ReproductionUpper = growth.ReproductionFromGrowth(fit.RateUpper, si)
		}
		out.Phases = append(out.Phases, phase)
	}
	p.logger.Info("growth fitted", slog.Int("bins", series.Len()), slog.Int("phases", len(out.Phases)), slog.Float64("rate", fits[0].Rate))
	return out, nil
}
