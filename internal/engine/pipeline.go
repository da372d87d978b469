package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/outbreakstack/renewal-rt/internal/config"
	"github.com/outbreakstack/renewal-rt/internal/growth"
	"github.com/outbreakstack/renewal-rt/internal/metrics"
	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/projection"
	"github.com/outbreakstack/renewal-rt/internal/renewal"
	"github.com/outbreakstack/renewal-rt/internal/repo"
	"github.com/outbreakstack/renewal-rt/internal/serial"
	"github.com/outbreakstack/renewal-rt/internal/workers"
)

// ErrInvalidRequest reports an analysis request that cannot be served as given.
var ErrInvalidRequest = errors.New("invalid analysis request")

// SurveillanceClient defines the upstream data behaviour used by the pipeline.
type SurveillanceClient interface {
	FetchIncidence(ctx context.Context, dataset string, first, last time.Time) (models.IncidenceSeries, error)
	FetchTransmissionPairs(ctx context.Context, dataset string) ([]models.TransmissionPair, error)
}

// SnapshotStore describes the persistence operations required by the pipeline.
type SnapshotStore interface {
	Save(ctx context.Context, s *repo.Snapshot) error
	Load(ctx context.Context, id string) (*repo.Snapshot, error)
}

// Analysis is the outcome of one end-to-end analysis.
type Analysis struct {
	ID             string
	Series         models.IncidenceSeries
	SerialInterval models.SerialIntervalSummary
	Posteriors     []renewal.Posterior
	// Projection is nil unless the request asked for one.
	Projection *projection.Ensemble
	// Warnings collects pipeline-level caveats such as non-converged serial
	// interval fits. Per-window caveats stay on each posterior.
	Warnings  []string
	Persisted bool
	CreatedAt time.Time
}

// Latest returns the posterior of the last window, if any.
func (a *Analysis) Latest() (renewal.Posterior, bool) {
	if a == nil || len(a.Posteriors) == 0 {
		return renewal.Posterior{}, false
	}
	return a.Posteriors[len(a.Posteriors)-1], true
}

// Pipeline orchestrates series and serial interval resolution, estimation,
// projection and persistence.
type Pipeline struct {
	logger       *slog.Logger
	surveillance SurveillanceClient
	snapshots    SnapshotStore
	pool         *workers.Pool
	estimation   config.EstimationConfig
	si           config.SerialIntervalConfig
	projection   config.ProjectionConfig
	now          func() time.Time
}

// NewPipeline constructs a pipeline. surveillance and snapshots may be nil, in
// which case requests naming a dataset or asking for persistence fail. A nil
// pool runs all work on the calling goroutine.
func NewPipeline(
	logger *slog.Logger,
	cfg config.Config,
	surveillance SurveillanceClient,
	snapshots SnapshotStore,
	pool *workers.Pool,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:       logger,
		surveillance: surveillance,
		snapshots:    snapshots,
		pool:         pool,
		estimation:   cfg.Estimation,
		si:           cfg.SerialInterval,
		projection:   cfg.Projection,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Analyse estimates R over the windows of req and optionally projects
// incidence forward and persists a snapshot.
func (p *Pipeline) Analyse(ctx context.Context, req models.AnalysisRequest) (*Analysis, error) {
	kind := metrics.KindEstimate
	if req.Projection != nil {
		kind = metrics.KindProject
	}
	started := time.Now()
	analysis, err := p.analyse(ctx, req)
	metrics.ObserveAnalysis(kind, time.Since(started), outcome(err))
	return analysis, err
}

func (p *Pipeline) analyse(ctx context.Context, req models.AnalysisRequest) (*Analysis, error) {
	if req.ID != "" && !repo.ValidSnapshotID(req.ID) {
		return nil, fmt.Errorf("%w: analysis id %q may only contain letters, digits, '-' and '_'", ErrInvalidRequest, req.ID)
	}

	series, err := p.resolveSeries(ctx, req.Incidence)
	if err != nil {
		return nil, err
	}
	if series.Interval != 1 {
		return nil, fmt.Errorf("%w: renewal estimation needs daily incidence, got %d-day bins", ErrInvalidRequest, series.Interval)
	}

	si, err := p.resolveSerialInterval(ctx, req.SerialInterval)
	if err != nil {
		return nil, err
	}

	windows, err := p.windows(series.Len(), req.Estimation)
	if err != nil {
		return nil, err
	}
	estCfg := p.estimateConfig(req.Estimation)

	var posteriors []renewal.Posterior
	if len(si.draws) > 0 {
		posteriors, err = renewal.EstimateWindowsMixture(ctx, series, si.draws, windows, estCfg, p.pool)
	} else {
		posteriors, err = renewal.EstimateWindows(ctx, series, si.point, windows, estCfg, p.pool)
	}
	if err != nil {
		return nil, fmt.Errorf("estimate windows: %w", err)
	}

	warnings := 0
	for _, post := range posteriors {
		for _, w := range post.Warnings {
			warnings++
			p.logger.Warn("estimate caveat", slog.String("window", post.Window.String()), slog.String("warning", w))
		}
	}
	metrics.AddWindows(len(posteriors), warnings)

	analysis := &Analysis{
		ID:             req.ID,
		Series:         series,
		SerialInterval: si.summary,
		Posteriors:     posteriors,
		Warnings:       si.warnings,
		CreatedAt:      p.now(),
	}

	if req.Projection != nil {
		ens, err := p.project(ctx, series, si.point, posteriors[len(posteriors)-1], *req.Projection)
		if err != nil {
			return nil, err
		}
		analysis.Projection = ens
	}

	if req.Persist {
		p.persist(ctx, analysis)
	}

	p.logger.Info("analysis complete",
		slog.String("id", analysis.ID),
		slog.Int("days", series.Len()),
		slog.Int("windows", len(posteriors)),
		slog.String("serial_interval", si.summary.Method),
		slog.Bool("projected", analysis.Projection != nil),
	)
	return analysis, nil
}

// Snapshot loads a persisted analysis.
func (p *Pipeline) Snapshot(ctx context.Context, id string) (*repo.Snapshot, error) {
	if p.snapshots == nil {
		return nil, fmt.Errorf("%w: snapshots are disabled", ErrInvalidRequest)
	}
	return p.snapshots.Load(ctx, id)
}

func (p *Pipeline) persist(ctx context.Context, a *Analysis) {
	if p.snapshots == nil {
		a.Warnings = append(a.Warnings, "snapshot not stored: snapshots are disabled")
		return
	}
	if a.ID == "" {
		a.ID = fmt.Sprintf("rt-%d", a.CreatedAt.UnixNano())
	}
	snap := &repo.Snapshot{
		ID:             a.ID,
		CreatedAt:      a.CreatedAt,
		Series:         a.Series,
		SerialInterval: a.SerialInterval,
		Posteriors:     a.Posteriors,
		Ensemble:       a.Projection,
	}
	if err := p.snapshots.Save(ctx, snap); err != nil {
		p.logger.Warn("failed to persist analysis", slog.String("id", a.ID), slog.Any("error", err))
		a.Warnings = append(a.Warnings, "snapshot not stored: "+err.Error())
		return
	}
	a.Persisted = true
}

func (p *Pipeline) resolveSeries(ctx context.Context, src models.IncidenceSource) (models.IncidenceSeries, error) {
	switch {
	case len(src.Counts) > 0:
		return models.NewIncidenceSeries(src.Start, src.Counts)
	case len(src.Onsets) > 0:
		return models.IncidenceFromDates(src.Onsets, src.First, src.Last)
	case src.Dataset != "":
		if p.surveillance == nil {
			return models.IncidenceSeries{}, fmt.Errorf("%w: dataset %q requested but no surveillance API is configured", ErrInvalidRequest, src.Dataset)
		}
		return p.surveillance.FetchIncidence(ctx, src.Dataset, src.First, src.Last)
	default:
		return models.IncidenceSeries{}, fmt.Errorf("%w: incidence needs counts, onsets or a dataset", ErrInvalidRequest)
	}
}

// resolvedSI is a serial interval ready for estimation. draws is set for the
// methods that carry serial interval uncertainty; point is always set and is
// used for projection.
type resolvedSI struct {
	point    serial.Distribution
	draws    []serial.Distribution
	summary  models.SerialIntervalSummary
	warnings []string
}

func (p *Pipeline) resolveSerialInterval(ctx context.Context, spec models.SerialIntervalSpec) (resolvedSI, error) {
	method := strings.ToLower(spec.Method)
	if method == "" {
		method = models.SIParametric
	}
	draws := spec.Draws
	if draws <= 0 {
		draws = p.si.Draws
	}

	switch method {
	case models.SIParametric:
		dist, err := serial.NewOffsetGamma(spec.Mean, spec.SD)
		if err != nil {
			return resolvedSI{}, err
		}
		return resolvedSI{point: dist, summary: summarise(method, dist, 1, true)}, nil

	case models.SIEmpirical:
		dist, err := serial.NewEmpirical(spec.PMF)
		if err != nil {
			return resolvedSI{}, err
		}
		return resolvedSI{point: dist, summary: summarise(method, dist, 1, true)}, nil

	case models.SIFit:
		lags, err := p.lags(ctx, spec)
		if err != nil {
			return resolvedSI{}, err
		}
		fit, err := serial.FitDiscreteGamma(lags, p.fitOptions())
		if err != nil {
			return resolvedSI{}, err
		}
		out := resolvedSI{point: fit.Distribution, summary: summarise(method, fit.Distribution, 1, fit.Converged)}
		if !fit.Converged {
			out.warnings = append(out.warnings, p.nonConverged(method, fit.Iterations))
		}
		return out, nil

	case models.SIMCMC:
		lags, err := p.lags(ctx, spec)
		if err != nil {
			return resolvedSI{}, err
		}
		chain, err := serial.RunMCMC(ctx, lags, p.mcmcConfig(), p.pool)
		if err != nil {
			return resolvedSI{}, err
		}
		sample, err := chain.Sample(draws)
		if err != nil {
			return resolvedSI{}, err
		}
		mean, _, sd, _ := chain.Summary()
		out := resolvedSI{
			point:   chain.Start().Distribution,
			draws:   sample,
			summary: models.SerialIntervalSummary{Method: method, Mean: mean, SD: sd, Draws: len(sample), Converged: chain.Converged()},
		}
		if !chain.Converged() {
			rMean, rCV := chain.RHat()
			p.logger.Warn("serial interval chains did not converge", slog.Float64("rhat_mean", rMean), slog.Float64("rhat_cv", rCV))
			out.warnings = append(out.warnings, p.nonConverged(method, 0))
		}
		return out, nil

	case models.SIUncertain:
		u := p.uncertaintyBounds(spec.Mean, spec.SD, spec.Uncertainty)
		sampler, err := serial.NewUncertain(serial.UncertainConfig{
			Mean: spec.Mean, MeanSD: u.MeanSD, MinMean: u.MinMean, MaxMean: u.MaxMean,
			SD: spec.SD, SDSD: u.SDSD, MinSD: u.MinSD, MaxSD: u.MaxSD,
			Seed: p.si.Seed,
		})
		if err != nil {
			return resolvedSI{}, err
		}
		sample, err := sampler.Sample(draws)
		if err != nil {
			return resolvedSI{}, err
		}
		point, err := serial.NewOffsetGamma(spec.Mean, spec.SD)
		if err != nil {
			return resolvedSI{}, err
		}
		return resolvedSI{
			point:   point,
			draws:   sample,
			summary: models.SerialIntervalSummary{Method: method, Mean: spec.Mean, SD: spec.SD, Draws: len(sample), Converged: true},
		}, nil

	default:
		return resolvedSI{}, fmt.Errorf("%w: unknown serial interval method %q", ErrInvalidRequest, spec.Method)
	}
}

// uncertaintyBounds fills unset spreads and bounds from the configured
// coefficients of variation. The mean is kept strictly above one day.
func (p *Pipeline) uncertaintyBounds(mean, sd float64, u models.SerialIntervalUncertainty) models.SerialIntervalUncertainty {
	d := p.si.Uncertainty
	if u.MeanSD == 0 {
		u.MeanSD = d.MeanCV * mean
	}
	if u.SDSD == 0 {
		u.SDSD = d.SDCV * sd
	}
	if u.MinMean == 0 {
		u.MinMean = math.Max(mean-d.Spread*u.MeanSD, math.Nextafter(1, 2))
	}
	if u.MaxMean == 0 {
		u.MaxMean = mean + d.Spread*u.MeanSD
	}
	if u.MinSD == 0 {
		u.MinSD = sd - d.Spread*u.SDSD
		if u.MinSD <= 0 {
			u.MinSD = sd / 2
		}
	}
	if u.MaxSD == 0 {
		u.MaxSD = sd + d.Spread*u.SDSD
	}
	return u
}

func (p *Pipeline) nonConverged(method string, iterations int) string {
	metrics.ObserveNonConverged(method)
	msg := fmt.Sprintf("serial interval %s did not converge", method)
	if iterations > 0 {
		msg = fmt.Sprintf("%s after %d iterations", msg, iterations)
	}
	p.logger.Warn("serial interval not converged", slog.String("method", method), slog.Int("iterations", iterations))
	return msg
}

func summarise(method string, d serial.Distribution, draws int, converged bool) models.SerialIntervalSummary {
	return models.SerialIntervalSummary{Method: method, Mean: d.Mean(), SD: d.StdDev(), Draws: draws, Converged: converged}
}

// lags returns the whole-day serial intervals of the inline or fetched pairs.
func (p *Pipeline) lags(ctx context.Context, spec models.SerialIntervalSpec) ([]int, error) {
	pairs := spec.Pairs
	if len(pairs) == 0 && spec.PairsDataset != "" {
		if p.surveillance == nil {
			return nil, fmt.Errorf("%w: pairs dataset %q requested but no surveillance API is configured", ErrInvalidRequest, spec.PairsDataset)
		}
		fetched, err := p.surveillance.FetchTransmissionPairs(ctx, spec.PairsDataset)
		if err != nil {
			return nil, err
		}
		pairs = fetched
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: serial interval method needs transmission pairs", ErrInvalidRequest)
	}
	lags, dropped := serial.LagsFromPairs(pairs)
	if dropped > 0 {
		p.logger.Warn("dropped transmission pairs with negative serial interval", slog.Int("dropped", dropped), slog.Int("kept", len(lags)))
	}
	return lags, nil
}

func (p *Pipeline) fitOptions() serial.FitOptions {
	return serial.FitOptions{W: p.si.W, MaxIterations: p.si.MaxIterations}
}

func (p *Pipeline) mcmcConfig() serial.MCMCConfig {
	return serial.MCMCConfig{
		W:             p.si.W,
		Chains:        p.si.Chains,
		Burnin:        p.si.Burnin,
		Iterations:    p.si.Iterations,
		Thin:          p.si.Thin,
		RHatThreshold: p.si.RHatThreshold,
		Seed:          p.si.Seed,
	}
}

func (p *Pipeline) windows(n int, opts models.EstimationOptions) ([]renewal.Window, error) {
	if len(opts.Windows) > 0 {
		out := make([]renewal.Window, len(opts.Windows))
		for i, w := range opts.Windows {
			out[i] = renewal.Window{Start: w.Start, End: w.End}
		}
		return out, nil
	}

	width := opts.WindowWidth
	if width <= 0 {
		width = p.estimation.WindowWidth
	}
	if width <= 0 {
		width = renewal.DefaultWindowWidth
	}
	policy := opts.WindowPolicy
	if policy == "" {
		policy = p.estimation.WindowPolicy
	}

	switch strings.ToLower(policy) {
	case "", "weekly":
		return renewal.WeeklyWindows(n, width)
	case "sliding":
		return renewal.SlidingWindows(n, width)
	default:
		return nil, fmt.Errorf("%w: unknown window policy %q", ErrInvalidRequest, policy)
	}
}

func (p *Pipeline) estimateConfig(opts models.EstimationOptions) renewal.EstimateConfig {
	cfg := renewal.DefaultEstimateConfig()
	if p.estimation.PriorShape > 0 {
		cfg.PriorShape = p.estimation.PriorShape
	}
	if p.estimation.PriorRate > 0 {
		cfg.PriorRate = p.estimation.PriorRate
	}
	if len(p.estimation.Quantiles) > 0 {
		cfg.Quantiles = p.estimation.Quantiles
	}
	if p.estimation.MaxCV > 0 {
		cfg.MaxCV = p.estimation.MaxCV
	}
	if opts.PriorShape > 0 {
		cfg.PriorShape = opts.PriorShape
	}
	if opts.PriorRate > 0 {
		cfg.PriorRate = opts.PriorRate
	}
	if len(opts.Quantiles) > 0 {
		cfg.Quantiles = opts.Quantiles
	}
	return cfg
}

func (p *Pipeline) project(ctx context.Context, series models.IncidenceSeries, si serial.Distribution, latest renewal.Posterior, opts models.ProjectionOptions) (*projection.Ensemble, error) {
	modelName := opts.Model
	if modelName == "" {
		modelName = p.projection.Model
	}
	model, err := projection.ParseModel(modelName)
	if err != nil {
		return nil, err
	}
	seed := opts.Seed
	if seed == 0 {
		seed = p.projection.Seed
	}

	var source projection.RSource
	if opts.FixedR {
		source = projection.Fixed(opts.R)
	} else {
		n := p.projection.PosteriorDraws
		if n <= 0 {
			n = 1000
		}
		source, err = projection.FromPosterior(latest, n, seed)
		if err != nil {
			return nil, err
		}
	}

	cfg := projection.Config{
		R:                     source,
		Trajectories:          firstPositive(opts.Trajectories, p.projection.Trajectories),
		Horizon:               p.horizon(opts),
		FixedWithinTrajectory: p.projection.FixedWithinTrajectory && !opts.ResampleDaily,
		Model:                 model,
		Dispersion:            firstPositiveFloat(opts.Dispersion, p.projection.Dispersion),
		Seed:                  seed,
	}
	ens, err := projection.Project(ctx, series, si, cfg, p.pool)
	if err != nil {
		return nil, fmt.Errorf("project incidence: %w", err)
	}
	metrics.AddTrajectories(ens.Trajectories)
	return ens, nil
}

func (p *Pipeline) horizon(opts models.ProjectionOptions) int {
	if opts.HorizonSet || opts.Horizon != 0 {
		return opts.Horizon
	}
	return p.projection.Horizon
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// IsInvalidInput reports whether err stems from a request or configuration
// that can never succeed as given.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, renewal.ErrInvalidWindow) ||
		errors.Is(err, projection.ErrInvalidConfig) ||
		errors.Is(err, serial.ErrInvalidInput) ||
		errors.Is(err, models.ErrInvalidSeries) ||
		errors.Is(err, growth.ErrTooFewPoints) ||
		errors.Is(err, repo.ErrInvalidSnapshotID)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case IsInvalidInput(err):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
