package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outbreakstack/renewal-rt/internal/config"
	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/repo"
	"github.com/outbreakstack/renewal-rt/internal/utils"
	"github.com/outbreakstack/renewal-rt/internal/workers"
)

type fakeSurveillance struct {
	series      models.IncidenceSeries
	pairs       []models.TransmissionPair
	incidenceN  int
	pairsN      int
	lastDataset string
}

func (f *fakeSurveillance) FetchIncidence(ctx context.Context, dataset string, first, last time.Time) (models.IncidenceSeries, error) {
	f.incidenceN++
	f.lastDataset = dataset
	if f.series.Len() == 0 {
		return models.IncidenceSeries{}, utils.NewAppError("fake.FetchIncidence", dataset, utils.ErrNotFound)
	}
	return f.series, nil
}

func (f *fakeSurveillance) FetchTransmissionPairs(ctx context.Context, dataset string) ([]models.TransmissionPair, error) {
	f.pairsN++
	return f.pairs, nil
}

type fakeSnapshots struct {
	mu    sync.Mutex
	saved map[string]*repo.Snapshot
	err   error
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{saved: map[string]*repo.Snapshot{}}
}

func (f *fakeSnapshots) Save(ctx context.Context, s *repo.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved[s.ID] = s
	return nil
}

func (f *fakeSnapshots) Load(ctx context.Context, id string) (*repo.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.saved[id]
	if !ok {
		return nil, utils.NewAppError("fake.Load", id, utils.ErrNotFound)
	}
	return s, nil
}

var epoch = time.Date(2014, 5, 1, 0, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(surveillance SurveillanceClient, snapshots SnapshotStore) *Pipeline {
	cfg := config.Default()
	cfg.Projection.Trajectories = 200
	cfg.Projection.Horizon = 7
	cfg.SerialInterval.Draws = 20
	return NewPipeline(quietLogger(), cfg, surveillance, snapshots, nil)
}

func scenarioRequest() models.AnalysisRequest {
	return models.AnalysisRequest{
		Incidence:      models.IncidenceSource{Start: epoch, Counts: []int{4, 3, 4, 6, 9, 5, 7, 7, 2, 8}},
		SerialInterval: models.SerialIntervalSpec{Method: models.SIParametric, Mean: 8.6, SD: 6.3},
		Estimation:     models.EstimationOptions{Windows: []models.TimeWindow{{Start: 2, End: 10}}},
	}
}

func TestAnalyseScenarioWindow(t *testing.T) {
	p := newTestPipeline(nil, nil)

	analysis, err := p.Analyse(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	latest, ok := analysis.Latest()
	if !ok || len(analysis.Posteriors) != 1 {
		t.Fatalf("expected one posterior, got %d", len(analysis.Posteriors))
	}
	if math.Abs(latest.Shape-52) > 1e-9 {
		t.Fatalf("expected posterior shape 52, got %f", latest.Shape)
	}
	if math.Abs(latest.Mean-3.103) > 0.01 {
		t.Fatalf("expected posterior mean near 3.103, got %f", latest.Mean)
	}
	if len(latest.Warnings) != 1 || !strings.Contains(latest.Warnings[0], "mean serial interval") {
		t.Fatalf("expected the early-window caveat, got %v", latest.Warnings)
	}
	if analysis.SerialInterval.Method != models.SIParametric || !analysis.SerialInterval.Converged {
		t.Fatalf("unexpected serial interval summary: %+v", analysis.SerialInterval)
	}
	if analysis.Projection != nil || analysis.Persisted {
		t.Fatalf("no projection or persistence was requested")
	}
}

func TestAnalyseDefaultsToWeeklyWindows(t *testing.T) {
	p := newTestPipeline(nil, nil)
	counts := make([]int, 17)
	for i := range counts {
		counts[i] = 10 + i
	}
	req := models.AnalysisRequest{
		Incidence:      models.IncidenceSource{Start: epoch, Counts: counts},
		SerialInterval: models.SerialIntervalSpec{Mean: 4, SD: 2},
	}

	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if len(analysis.Posteriors) != 3 {
		t.Fatalf("expected 3 weekly windows, got %d", len(analysis.Posteriors))
	}
	if w := analysis.Posteriors[2].Window; w.Start != 16 || w.End != 17 {
		t.Fatalf("expected truncated last window [16, 17], got %s", w)
	}

	req.Estimation.WindowPolicy = "sliding"
	analysis, err = p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse sliding: %v", err)
	}
	if len(analysis.Posteriors) != 10 {
		t.Fatalf("expected 10 sliding windows, got %d", len(analysis.Posteriors))
	}
}

func TestAnalyseProjectsFromLatestPosterior(t *testing.T) {
	pool := workers.NewPool(4)
	defer pool.Stop()
	cfg := config.Default()
	cfg.Projection.Trajectories = 100
	p := NewPipeline(quietLogger(), cfg, nil, nil, pool)

	req := scenarioRequest()
	req.Projection = &models.ProjectionOptions{Horizon: 5}
	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	ens := analysis.Projection
	if ens == nil || ens.Days != 5 || ens.Trajectories != 100 {
		t.Fatalf("unexpected ensemble: %+v", ens)
	}
	if !ens.Start.Equal(epoch.AddDate(0, 0, 10)) {
		t.Fatalf("projection should start the day after the series, got %s", ens.Start)
	}
	if len(ens.RValues) != 100 {
		t.Fatalf("expected one R per trajectory, got %d", len(ens.RValues))
	}
	mean := 0.0
	for _, r := range ens.RValues {
		mean += r
	}
	mean /= float64(len(ens.RValues))
	if math.Abs(mean-3.1) > 0.5 {
		t.Fatalf("trajectory R should follow the posterior, mean %f", mean)
	}

	req.Projection = &models.ProjectionOptions{Horizon: 5, FixedR: true, R: 0}
	analysis, err = p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse fixed R: %v", err)
	}
	for _, share := range analysis.Projection.ProbAtLeastOne() {
		if share != 0 {
			t.Fatalf("R = 0 must not produce cases, got share %f", share)
		}
	}

	req.Projection = &models.ProjectionOptions{HorizonSet: true}
	analysis, err = p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse zero horizon: %v", err)
	}
	if analysis.Projection.Days != 0 {
		t.Fatalf("explicit zero horizon should give an empty ensemble, got %d days", analysis.Projection.Days)
	}
	req.Projection = &models.ProjectionOptions{}
	if analysis, err = p.Analyse(context.Background(), req); err != nil || analysis.Projection.Days != cfg.Projection.Horizon {
		t.Fatalf("unset horizon should use the configured one: %v", err)
	}
}

func TestAnalysePersistsSnapshot(t *testing.T) {
	store := newFakeSnapshots()
	p := newTestPipeline(nil, store)
	p.now = func() time.Time { return time.Unix(1_400_000_000, 0).UTC() }

	req := scenarioRequest()
	req.Persist = true
	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if !analysis.Persisted || analysis.ID == "" {
		t.Fatalf("expected persisted analysis with generated id, got %+v", analysis)
	}
	snap, err := p.Snapshot(context.Background(), analysis.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Posteriors) != 1 || snap.Series.Total() != 55 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	store.err = errors.New("disk full")
	req.ID = "second"
	analysis, err = p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("persistence failures must not fail the analysis: %v", err)
	}
	if analysis.Persisted || len(analysis.Warnings) != 1 {
		t.Fatalf("expected a persistence warning, got %+v", analysis.Warnings)
	}
}

func TestAnalyseFetchesDataset(t *testing.T) {
	series, err := models.NewIncidenceSeries(epoch, []int{4, 3, 4, 6, 9, 5, 7, 7, 2, 8})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	surveillance := &fakeSurveillance{series: series}
	p := newTestPipeline(surveillance, nil)

	req := scenarioRequest()
	req.Incidence = models.IncidenceSource{Dataset: "ebola-sl"}
	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if surveillance.incidenceN != 1 || surveillance.lastDataset != "ebola-sl" {
		t.Fatalf("expected a single fetch of ebola-sl")
	}
	if analysis.Series.Total() != 55 {
		t.Fatalf("unexpected series total %d", analysis.Series.Total())
	}

	surveillance.series = models.IncidenceSeries{}
	if _, err := p.Analyse(context.Background(), req); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected upstream not found, got %v", err)
	}
}

func TestAnalyseRejectsInvalidRequests(t *testing.T) {
	p := newTestPipeline(nil, nil)
	cases := map[string]func(*models.AnalysisRequest){
		"no incidence":      func(r *models.AnalysisRequest) { r.Incidence = models.IncidenceSource{} },
		"dataset offline":   func(r *models.AnalysisRequest) { r.Incidence = models.IncidenceSource{Dataset: "x"} },
		"window start 1":    func(r *models.AnalysisRequest) { r.Estimation.Windows = []models.TimeWindow{{Start: 1, End: 5}} },
		"window past end":   func(r *models.AnalysisRequest) { r.Estimation.Windows = []models.TimeWindow{{Start: 2, End: 11}} },
		"unknown si method": func(r *models.AnalysisRequest) { r.SerialInterval.Method = "bootstrap" },
		"si mean <= 1":      func(r *models.AnalysisRequest) { r.SerialInterval.Mean = 0.5 },
		"unknown policy": func(r *models.AnalysisRequest) {
			r.Estimation = models.EstimationOptions{WindowPolicy: "monthly"}
		},
		"bad id": func(r *models.AnalysisRequest) { r.ID = "../etc" },
		"bad projection model": func(r *models.AnalysisRequest) {
			r.Projection = &models.ProjectionOptions{Model: "binomial"}
		},
		"negative binomial without dispersion": func(r *models.AnalysisRequest) {
			r.Projection = &models.ProjectionOptions{Model: "negative_binomial"}
		},
		"fit without pairs": func(r *models.AnalysisRequest) { r.SerialInterval = models.SerialIntervalSpec{Method: models.SIFit} },
	}
	for name, mutate := range cases {
		req := scenarioRequest()
		mutate(&req)
		_, err := p.Analyse(context.Background(), req)
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !IsInvalidInput(err) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func pairsWithLags(lags ...int) []models.TransmissionPair {
	pairs := make([]models.TransmissionPair, len(lags))
	for i, lag := range lags {
		onset := epoch.AddDate(0, 0, i)
		pairs[i] = models.TransmissionPair{InfectorOnset: onset, InfecteeOnset: onset.AddDate(0, 0, lag)}
	}
	return pairs
}

func TestAnalyseWithFittedSerialInterval(t *testing.T) {
	surveillance := &fakeSurveillance{pairs: pairsWithLags(2, 3, 3, 4, 4, 4, 5, 5, 6, 7, 3, 4, 4, 5)}
	p := newTestPipeline(surveillance, nil)

	req := scenarioRequest()
	req.SerialInterval = models.SerialIntervalSpec{Method: models.SIFit, PairsDataset: "h1n1"}
	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if surveillance.pairsN != 1 {
		t.Fatalf("expected pairs to be fetched once, got %d", surveillance.pairsN)
	}
	si := analysis.SerialInterval
	if si.Method != models.SIFit || !si.Converged || math.Abs(si.Mean-4.2) > 0.6 {
		t.Fatalf("unexpected fitted serial interval: %+v", si)
	}
}

func TestAnalyseWithUncertainSerialInterval(t *testing.T) {
	p := newTestPipeline(nil, nil)
	req := scenarioRequest()
	req.SerialInterval = models.SerialIntervalSpec{
		Method: models.SIUncertain,
		Mean:   8.6,
		SD:     6.3,
		Uncertainty: models.SerialIntervalUncertainty{
			MeanSD: 1, MinMean: 6, MaxMean: 11,
			SDSD: 1, MinSD: 4, MaxSD: 8.5,
		},
		Draws: 15,
	}
	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse: %v", err)
	}
	latest, _ := analysis.Latest()
	if latest.Components != 15 || analysis.SerialInterval.Draws != 15 {
		t.Fatalf("expected 15 mixture components, got %d", latest.Components)
	}
}

func TestAnalyseUncertainSerialIntervalDerivesDefaultBounds(t *testing.T) {
	p := newTestPipeline(nil, nil)
	req := scenarioRequest()
	req.SerialInterval = models.SerialIntervalSpec{Method: models.SIUncertain, Mean: 8.6, SD: 6.3}

	analysis, err := p.Analyse(context.Background(), req)
	if err != nil {
		t.Fatalf("analyse without explicit bounds: %v", err)
	}
	latest, _ := analysis.Latest()
	if latest.Components != 20 || analysis.SerialInterval.Method != models.SIUncertain {
		t.Fatalf("expected 20 mixture components, got %d", latest.Components)
	}

	u := p.uncertaintyBounds(8.6, 6.3, models.SerialIntervalUncertainty{})
	want := models.SerialIntervalUncertainty{MeanSD: 0.86, MinMean: 6.88, MaxMean: 10.32, SDSD: 0.63, MinSD: 5.04, MaxSD: 7.56}
	for name, pair := range map[string][2]float64{
		"mean sd":  {u.MeanSD, want.MeanSD},
		"min mean": {u.MinMean, want.MinMean},
		"max mean": {u.MaxMean, want.MaxMean},
		"sd sd":    {u.SDSD, want.SDSD},
		"min sd":   {u.MinSD, want.MinSD},
		"max sd":   {u.MaxSD, want.MaxSD},
	} {
		if math.Abs(pair[0]-pair[1]) > 1e-9 {
			t.Fatalf("%s: got %g, want %g", name, pair[0], pair[1])
		}
	}

	u = p.uncertaintyBounds(1.5, 1, models.SerialIntervalUncertainty{MeanSD: 1, MaxSD: 4})
	if !(u.MinMean > 1) || u.MaxMean != 3.5 || u.MaxSD != 4 {
		t.Fatalf("explicit values must be kept and the mean floor stay above one day: %+v", u)
	}
}

func TestFitSerialInterval(t *testing.T) {
	p := newTestPipeline(nil, nil)
	spec := models.SerialIntervalSpec{Pairs: pairsWithLags(2, 3, 3, 4, 4, 4, 5, 5, 6, 7, -1)}

	fit, err := p.FitSerialInterval(context.Background(), spec)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if fit.Method != models.SIFit || fit.Observations != 10 || !fit.Converged {
		t.Fatalf("unexpected fit: %+v", fit)
	}

	spec.Method = models.SIEmpirical
	if _, err := p.FitSerialInterval(context.Background(), spec); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected empirical to be rejected, got %v", err)
	}
}

func TestFitGrowthSplitsAtPeak(t *testing.T) {
	counts := make([]int, 20)
	for i := range counts {
		if i <= 9 {
			counts[i] = int(math.Round(5 * math.Exp(0.2*float64(i))))
		} else {
			counts[i] = int(math.Round(5 * math.Exp(1.8) * math.Exp(-0.1*float64(i-9))))
		}
	}
	p := newTestPipeline(nil, nil)
	out, err := p.FitGrowth(context.Background(), models.GrowthRequest{
		Incidence:      models.IncidenceSource{Start: epoch, Counts: counts},
		SplitAtPeak:    true,
		SerialInterval: models.SerialIntervalSpec{Method: models.SIParametric, Mean: 4, SD: 2},
	})
	if err != nil {
		t.Fatalf("fit growth: %v", err)
	}
	if out.Peak != 9 || out.Split != 9 || len(out.Phases) != 2 {
		t.Fatalf("unexpected split: peak=%d split=%d phases=%d", out.Peak, out.Split, len(out.Phases))
	}
	growing, declining := out.Phases[0], out.Phases[1]
	if math.Abs(growing.Rate-0.2) > 0.02 || math.Abs(declining.Rate+0.1) > 0.02 {
		t.Fatalf("unexpected rates %f %f", growing.Rate, declining.Rate)
	}
	if growing.Reproduction <= 1 || declining.Reproduction >= 1 {
		t.Fatalf("expected R above 1 then below 1, got %f %f", growing.Reproduction, declining.Reproduction)
	}
	if growing.ReproductionLower > growing.Reproduction || growing.Reproduction > growing.ReproductionUpper {
		t.Fatalf("R interval out of order: %+v", growing)
	}
}

func TestPipelineLatencyWithinTarget(t *testing.T) {
	p := newTestPipeline(nil, nil)
	counts := make([]int, 120)
	for i := range counts {
		counts[i] = 20 + i%13
	}
	req := models.AnalysisRequest{
		Incidence:      models.IncidenceSource{Start: epoch, Counts: counts},
		SerialInterval: models.SerialIntervalSpec{Mean: 8.6, SD: 6.3},
		Estimation:     models.EstimationOptions{WindowPolicy: "sliding"},
		Projection:     &models.ProjectionOptions{Horizon: 30},
	}

	start := time.Now()
	if _, err := p.Analyse(context.Background(), req); err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("analysis took %s", elapsed)
	}
}
