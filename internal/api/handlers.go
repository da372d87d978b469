package api

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/outbreakstack/renewal-rt/internal/engine"
	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/projection"
	"github.com/outbreakstack/renewal-rt/internal/renewal"
	"github.com/outbreakstack/renewal-rt/internal/repo"
	"github.com/outbreakstack/renewal-rt/internal/serial"
	"github.com/outbreakstack/renewal-rt/internal/utils"
)

// DefaultSummaryQuantiles are reported for each projected day when the
// request names none.
var DefaultSummaryQuantiles = []float64{0.025, 0.5, 0.975}

// FromWireEstimateRequest maps the gRPC request into a domain AnalysisRequest.
func FromWireEstimateRequest(req *rtv1.EstimateRequest) (models.AnalysisRequest, error) {
	if req == nil {
		return models.AnalysisRequest{}, fmt.Errorf("request is nil")
	}
	incidence, err := FromWireIncidence(req.Incidence)
	if err != nil {
		return models.AnalysisRequest{}, err
	}
	si, err := FromWireSerialInterval(req.SerialInterval)
	if err != nil {
		return models.AnalysisRequest{}, err
	}

	est := models.EstimationOptions{
		WindowPolicy: req.Estimation.WindowPolicy,
		WindowWidth:  req.Estimation.WindowWidth,
		PriorShape:   req.Estimation.PriorShape,
		PriorRate:    req.Estimation.PriorRate,
		Quantiles:    append([]float64(nil), req.Estimation.Quantiles...),
	}
	for _, w := range req.Estimation.Windows {
		est.Windows = append(est.Windows, models.TimeWindow{Start: w.Start, End: w.End})
	}

	return models.AnalysisRequest{
		ID:             req.AnalysisID,
		Incidence:      incidence,
		SerialInterval: si,
		Estimation:     est,
		Persist:        req.Persist,
	}, nil
}

// FromWireProjectRequest maps the gRPC request into an AnalysisRequest with
// projection options set.
func FromWireProjectRequest(req *rtv1.ProjectRequest) (models.AnalysisRequest, error) {
	if req == nil {
		return models.AnalysisRequest{}, fmt.Errorf("request is nil")
	}
	out, err := FromWireEstimateRequest(&req.EstimateRequest)
	if err != nil {
		return models.AnalysisRequest{}, err
	}
	opts := req.Projection
	proj := &models.ProjectionOptions{
		Trajectories:  opts.Trajectories,
		Model:         opts.Model,
		Dispersion:    opts.Dispersion,
		ResampleDaily: opts.ResampleDaily,
		Seed:          opts.Seed,
	}
	if opts.R != nil {
		proj.R = *opts.R
		proj.FixedR = true
	}
	if opts.Horizon != nil {
		proj.Horizon = *opts.Horizon
		proj.HorizonSet = true
	}
	out.Projection = proj
	return out, nil
}

// FromWireIncidence parses the dates of an incidence input.
func FromWireIncidence(in rtv1.IncidenceInput) (models.IncidenceSource, error) {
	out := models.IncidenceSource{Dataset: in.Dataset, Counts: append([]int(nil), in.Counts...)}
	var err error
	if in.Start != "" {
		if out.Start, err = utils.ParseDate(in.Start); err != nil {
			return models.IncidenceSource{}, fmt.Errorf("incidence.start: %w", err)
		}
	}
	if in.First != "" {
		if out.First, err = utils.ParseDate(in.First); err != nil {
			return models.IncidenceSource{}, fmt.Errorf("incidence.first: %w", err)
		}
	}
	if in.Last != "" {
		if out.Last, err = utils.ParseDate(in.Last); err != nil {
			return models.IncidenceSource{}, fmt.Errorf("incidence.last: %w", err)
		}
	}
	if len(in.Onsets) > 0 {
		if out.Onsets, err = utils.ParseDates(in.Onsets); err != nil {
			return models.IncidenceSource{}, fmt.Errorf("incidence.onsets: %w", err)
		}
	}
	return out, nil
}

// FromWireSerialInterval maps the serial interval input into a domain spec.
func FromWireSerialInterval(in rtv1.SerialIntervalInput) (models.SerialIntervalSpec, error) {
	pairs, err := FromWirePairs(in.Pairs)
	if err != nil {
		return models.SerialIntervalSpec{}, err
	}
	out := models.SerialIntervalSpec{
		Method:       in.Method,
		Mean:         in.Mean,
		SD:           in.SD,
		PMF:          append([]float64(nil), in.PMF...),
		Pairs:        pairs,
		PairsDataset: in.PairsDataset,
		Draws:        in.Draws,
	}
	if u := in.Uncertainty; u != nil {
		out.Uncertainty = models.SerialIntervalUncertainty{
			MeanSD: u.MeanSD, MinMean: u.MinMean, MaxMean: u.MaxMean,
			SDSD: u.SDSD, MinSD: u.MinSD, MaxSD: u.MaxSD,
		}
	}
	return out, nil
}

// FromWirePairs parses transmission pair onset dates.
func FromWirePairs(in []rtv1.TransmissionPair) ([]models.TransmissionPair, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]models.TransmissionPair, len(in))
	for i, p := range in {
		infector, err := utils.ParseDate(p.InfectorOnset)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].infector_onset: %w", i, err)
		}
		infectee, err := utils.ParseDate(p.InfecteeOnset)
		if err != nil {
			return nil, fmt.Errorf("pairs[%d].infectee_onset: %w", i, err)
		}
		out[i] = models.TransmissionPair{InfectorOnset: infector, InfecteeOnset: infectee}
	}
	return out, nil
}

// FromWireGrowthRequest maps the gRPC request into a domain GrowthRequest.
func FromWireGrowthRequest(req *rtv1.FitGrowthRequest) (models.GrowthRequest, error) {
	if req == nil {
		return models.GrowthRequest{}, fmt.Errorf("request is nil")
	}
	incidence, err := FromWireIncidence(req.Incidence)
	if err != nil {
		return models.GrowthRequest{}, err
	}
	out := models.GrowthRequest{Incidence: incidence, Split: req.Split, SplitAtPeak: req.SplitAtPeak}
	if req.SerialInterval != nil {
		si, err := FromWireSerialInterval(*req.SerialInterval)
		if err != nil {
			return models.GrowthRequest{}, err
		}
		if si.Method == "" {
			si.Method = models.SIParametric
		}
		out.SerialInterval = si
	}
	return out, nil
}

// ToWireEstimateResponse converts an analysis into the gRPC representation.
func ToWireEstimateResponse(a *engine.Analysis) rtv1.EstimateResponse {
	return rtv1.EstimateResponse{
		AnalysisID:     a.ID,
		SeriesStart:    utils.FormatDate(a.Series.Start),
		Days:           a.Series.Len(),
		SerialInterval: toWireSerialInterval(a.SerialInterval),
		Estimates:      ToWireEstimates(a.Series, a.Posteriors),
		Warnings:       append([]string(nil), a.Warnings...),
		Persisted:      a.Persisted,
		CreatedAt:      timestamppb.New(a.CreatedAt),
	}
}

// ToWireProjectResponse converts a projected analysis into the gRPC representation.
func ToWireProjectResponse(a *engine.Analysis, quantiles []float64, includePaths bool) (*rtv1.ProjectResponse, error) {
	if a.Projection == nil {
		return nil, fmt.Errorf("analysis %q holds no projection", a.ID)
	}
	proj, err := ToWireProjection(a.Projection, quantiles, includePaths)
	if err != nil {
		return nil, err
	}
	return &rtv1.ProjectResponse{
		Estimate:   ToWireEstimateResponse(a),
		Model:      a.Projection.Model.String(),
		Projection: proj,
	}, nil
}

// ToWireEstimates converts posteriors, dating each window against series.
func ToWireEstimates(series models.IncidenceSeries, posteriors []renewal.Posterior) []rtv1.WindowEstimate {
	out := make([]rtv1.WindowEstimate, 0, len(posteriors))
	for _, p := range posteriors {
		est := rtv1.WindowEstimate{
			Window:      rtv1.Window{Start: p.Window.Start, End: p.Window.End},
			StartDate:   utils.FormatDate(series.Date(p.Window.Start - 1)),
			EndDate:     utils.FormatDate(series.Date(p.Window.End - 1)),
			Mean:        p.Mean,
			StdDev:      p.StdDev,
			CV:          p.CV,
			Median:      p.Median,
			Shape:       p.Shape,
			Rate:        p.Rate,
			Incidence:   p.Incidence,
			Infectivity: p.Infectivity,
			Components:  p.Components,
			Warnings:    append([]string(nil), p.Warnings...),
		}
		for _, q := range p.Quantiles {
			est.Quantiles = append(est.Quantiles, rtv1.Quantile{P: q.P, Value: q.Value})
		}
		out = append(out, est)
	}
	return out
}

// ToWireProjection summarises an ensemble day by day.
func ToWireProjection(ens *projection.Ensemble, quantiles []float64, includePaths bool) (rtv1.Projection, error) {
	if len(quantiles) == 0 {
		quantiles = DefaultSummaryQuantiles
	}
	quantiles = append([]float64(nil), quantiles...)
	sort.Float64s(quantiles)
	for _, q := range quantiles {
		if !(q >= 0 && q <= 1) {
			return rtv1.Projection{}, fmt.Errorf("%w: summary quantile %g outside [0, 1]", projection.ErrInvalidConfig, q)
		}
	}
	daily := ens.Summary(quantiles)
	cumulative := ens.CumulativeSummary(quantiles)
	atLeastOne := ens.ProbAtLeastOne()

	out := rtv1.Projection{
		Start:        utils.FormatDate(ens.Start),
		Days:         ens.Days,
		Trajectories: ens.Trajectories,
		Model:        ens.Model.String(),
		RValues:      append([]float64(nil), ens.RValues...),
	}
	for d, s := range daily {
		day := rtv1.DayProjection{
			Day:            s.Day + 1,
			Date:           utils.FormatDate(s.Date),
			Mean:           s.Mean,
			StdDev:         s.StdDev,
			CumulativeMean: cumulative[d].Mean,
			ProbAtLeastOne: atLeastOne[d],
		}
		for i, q := range quantiles {
			day.Quantiles = append(day.Quantiles, rtv1.Quantile{P: q, Value: s.Quantiles[i]})
		}
		out.Daily = append(out.Daily, day)
	}
	if includePaths {
		out.Paths = make([][]int, ens.Trajectories)
		for j := range out.Paths {
			out.Paths[j] = ens.Trajectory(j)
		}
	}
	return out, nil
}

// ToWireSnapshot converts a stored snapshot.
func ToWireSnapshot(s *repo.Snapshot) (*rtv1.GetSnapshotResponse, error) {
	out := &rtv1.GetSnapshotResponse{
		AnalysisID:     s.ID,
		CreatedAt:      timestamppb.New(s.CreatedAt),
		SeriesStart:    utils.FormatDate(s.Series.Start),
		Counts:         s.Series.Counts(),
		SerialInterval: toWireSerialInterval(s.SerialInterval),
		Estimates:      ToWireEstimates(s.Series, s.Posteriors),
	}
	if s.Ensemble != nil {
		proj, err := ToWireProjection(s.Ensemble, nil, false)
		if err != nil {
			return nil, err
		}
		out.Projection = &proj
	}
	return out, nil
}

// ToWireSerialIntervalFit converts a fitted serial interval.
func ToWireSerialIntervalFit(f *engine.SerialIntervalFit) *rtv1.FitSerialIntervalResponse {
	out := &rtv1.FitSerialIntervalResponse{
		Method:        f.Method,
		Observations:  f.Observations,
		Shape:         f.Fit.Shape,
		Scale:         f.Fit.Scale,
		Mean:          f.Fit.Mean,
		SD:            f.Fit.SD,
		CV:            f.Fit.CV,
		LogLikelihood: f.Fit.LogLikelihood,
		Iterations:    f.Fit.Iterations,
		Converged:     f.Converged,
		PMF:           PMF(f.Fit.Distribution),
	}
	if f.Method == models.SIMCMC {
		out.Posterior = &rtv1.MCMCSummary{
			Mean:       f.PosteriorMean,
			MeanSD:     f.PosteriorMeanSD,
			SD:         f.PosteriorSD,
			SDSD:       f.PosteriorSDSD,
			RHatMean:   finiteOr(f.RHatMean, -1),
			RHatCV:     finiteOr(f.RHatCV, -1),
			Acceptance: f.Acceptance,
		}
	}
	return out
}

// ToWireGrowth converts growth fits. Infinite doubling times are omitted.
func ToWireGrowth(g *engine.GrowthAnalysis) *rtv1.FitGrowthResponse {
	out := &rtv1.FitGrowthResponse{
		Peak:     g.Peak,
		PeakDate: utils.FormatDate(g.Series.Date(g.Peak)),
		Split:    g.Split,
	}
	for _, phase := range g.Phases {
		est, lo, hi := phase.DoublingTime()
		wire := rtv1.GrowthPhase{
			Start:         utils.FormatDate(phase.Start),
			Rate:          phase.Rate,
			RateLower:     phase.RateLower,
			RateUpper:     phase.RateUpper,
			Intercept:     phase.Intercept,
			RSquared:      phase.RSquared,
			Points:        phase.Points,
			Dropped:       phase.Dropped,
			DoublingTime:  finite(est),
			DoublingLower: finite(lo),
			DoublingUpper: finite(hi),
			Fitted:        append([]float64(nil), phase.Fitted...),
		}
		if phase.Reproduction > 0 {
			wire.Reproduction = finite(phase.Reproduction)
			wire.ReproductionLower = finite(phase.ReproductionLower)
			wire.ReproductionUpper = finite(phase.ReproductionUpper)
		}
		out.Phases = append(out.Phases, wire)
	}
	return out
}

func toWireSerialInterval(s models.SerialIntervalSummary) rtv1.SerialIntervalSummary {
	return rtv1.SerialIntervalSummary{Method: s.Method, Mean: s.Mean, SD: s.SD, Draws: s.Draws, Converged: s.Converged}
}

// FromWireFitSerialIntervalRequest maps the gRPC request into a domain spec.
func FromWireFitSerialIntervalRequest(req *rtv1.FitSerialIntervalRequest) (models.SerialIntervalSpec, error) {
	if req == nil {
		return models.SerialIntervalSpec{}, fmt.Errorf("request is nil")
	}
	pairs, err := FromWirePairs(req.Pairs)
	if err != nil {
		return models.SerialIntervalSpec{}, err
	}
	return models.SerialIntervalSpec{Method: req.Method, Pairs: pairs, PairsDataset: req.PairsDataset}, nil
}

// PMF returns the mass vector of d up to its maximum lag.
func PMF(d serial.Distribution) []float64 {
	return d.MassVector(d.MaxLag())
}

func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}
