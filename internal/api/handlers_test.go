package api

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/outbreakstack/renewal-rt/internal/engine"
	"github.com/outbreakstack/renewal-rt/internal/growth"
	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/projection"
	"github.com/outbreakstack/renewal-rt/internal/renewal"
)

func TestFromWireProjectRequest(t *testing.T) {
	r, horizon := 0.8, 14
	req := &rtv1.ProjectRequest{
		EstimateRequest: rtv1.EstimateRequest{
			AnalysisID: "flu",
			Incidence:  rtv1.IncidenceInput{Onsets: []string{"2009-04-20", "2009-04-22T10:00:00Z"}, Last: "2009-04-25"},
			SerialInterval: rtv1.SerialIntervalInput{
				Method:      "uncertain",
				Mean:        2.6,
				SD:          1.5,
				Uncertainty: &rtv1.SerialIntervalUncertainty{MeanSD: 1, MinMean: 1.1, MaxMean: 4, SDSD: 0.5, MinSD: 0.5, MaxSD: 2.5},
			},
			Estimation: rtv1.EstimationOptions{Windows: []rtv1.Window{{Start: 2, End: 6}}},
		},
		Projection: rtv1.ProjectionOptions{Horizon: &horizon, R: &r, Model: "negative_binomial", Dispersion: 0.5},
	}

	domainReq, err := FromWireProjectRequest(req)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if domainReq.ID != "flu" || len(domainReq.Incidence.Onsets) != 2 {
		t.Fatalf("unexpected request: %+v", domainReq)
	}
	if want := time.Date(2009, 4, 22, 0, 0, 0, 0, time.UTC); !domainReq.Incidence.Onsets[1].Equal(want) {
		t.Fatalf("onset should be truncated to its day, got %s", domainReq.Incidence.Onsets[1])
	}
	if domainReq.SerialInterval.Uncertainty.MaxMean != 4 {
		t.Fatalf("uncertainty bounds not mapped")
	}
	proj := domainReq.Projection
	if proj == nil || !proj.FixedR || proj.R != 0.8 || proj.Horizon != 14 || !proj.HorizonSet || proj.Dispersion != 0.5 {
		t.Fatalf("unexpected projection options: %+v", proj)
	}

	req.Projection.R = nil
	req.Projection.Horizon = nil
	domainReq, _ = FromWireProjectRequest(req)
	if domainReq.Projection.FixedR {
		t.Fatalf("unset R must draw from the posterior")
	}
	if domainReq.Projection.HorizonSet {
		t.Fatalf("unset horizon must fall back to the configured one")
	}
}

func TestFromWireRejectsMalformedDates(t *testing.T) {
	_, err := FromWireEstimateRequest(&rtv1.EstimateRequest{
		SerialInterval: rtv1.SerialIntervalInput{Pairs: []rtv1.TransmissionPair{{InfectorOnset: "2009-04-20", InfecteeOnset: "soon"}}},
	})
	if err == nil {
		t.Fatalf("expected error for malformed pair date")
	}
	if _, err := FromWireEstimateRequest(nil); err == nil {
		t.Fatalf("expected error for nil request")
	}
}

func TestToWireProjectResponse(t *testing.T) {
	start := time.Date(2014, 5, 1, 0, 0, 0, 0, time.UTC)
	series, err := models.NewIncidenceSeries(start, []int{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	ens, err := projection.NewEnsemble(start.AddDate(0, 0, 4), 2, 2, []int{1, 2, 0, 0}, []float64{1.2, 0.9})
	if err != nil {
		t.Fatalf("ensemble: %v", err)
	}
	analysis := &engine.Analysis{
		ID:     "a1",
		Series: series,
		Posteriors: []renewal.Posterior{{
			Window:    renewal.Window{Start: 2, End: 4},
			Mean:      1.1,
			Quantiles: []renewal.Quantile{{P: 0.5, Value: 1.05}},
		}},
		Projection: ens,
		CreatedAt:  start,
	}

	resp, err := ToWireProjectResponse(analysis, []float64{0.9, 0.1}, true)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	est := resp.Estimate.Estimates[0]
	if est.StartDate != "2014-05-02" || est.EndDate != "2014-05-04" {
		t.Fatalf("unexpected window dates %s..%s", est.StartDate, est.EndDate)
	}
	if resp.Model != "poisson" {
		t.Fatalf("expected default model, got %q", resp.Model)
	}
	day1 := resp.Projection.Daily[0]
	if day1.Day != 1 || day1.Date != "2014-05-05" || day1.Mean != 1.5 || day1.ProbAtLeastOne != 1 {
		t.Fatalf("unexpected first day: %+v", day1)
	}
	if day1.Quantiles[0].P != 0.1 || day1.Quantiles[1].P != 0.9 {
		t.Fatalf("quantiles should be reported in ascending order: %+v", day1.Quantiles)
	}
	if resp.Projection.Daily[1].CumulativeMean != 1.5 || resp.Projection.Daily[1].ProbAtLeastOne != 0 {
		t.Fatalf("unexpected second day: %+v", resp.Projection.Daily[1])
	}
	if len(resp.Projection.Paths) != 2 || resp.Projection.Paths[1][0] != 2 {
		t.Fatalf("unexpected paths: %v", resp.Projection.Paths)
	}

	if _, err := ToWireProjectResponse(analysis, []float64{1.5}, false); err == nil {
		t.Fatalf("expected quantile outside [0, 1] to be rejected")
	}
}

func TestToWireGrowthOmitsInfiniteDoublingTimes(t *testing.T) {
	start := time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
	series, _ := models.NewIncidenceSeries(start, []int{5, 6, 5, 6})
	g := &engine.GrowthAnalysis{
		Series: series,
		Peak:   1,
		Phases: []engine.GrowthPhase{{Result: growth.Result{Start: start, Rate: 0.01, RateLower: -0.05, RateUpper: 0.07}}},
	}

	resp := ToWireGrowth(g)
	phase := resp.Phases[0]
	if phase.DoublingTime == nil || math.Abs(*phase.DoublingTime-math.Ln2/0.01) > 1e-9 {
		t.Fatalf("expected doubling time ln2/r, got %v", phase.DoublingTime)
	}
	if phase.DoublingLower != nil && phase.DoublingUpper != nil {
		t.Fatalf("an interval crossing zero has an unbounded doubling time")
	}
	if phase.Reproduction != nil {
		t.Fatalf("no serial interval was supplied")
	}
	if _, err := json.Marshal(resp); err != nil {
		t.Fatalf("response must encode as JSON: %v", err)
	}
	if resp.PeakDate != "2020-03-02" {
		t.Fatalf("unexpected peak date %s", resp.PeakDate)
	}
}
