// Package renewalv1 defines the wire messages and service descriptor of the
// renewal.v1.RenewalEngine gRPC service. Messages travel as JSON; dates are
// YYYY-MM-DD strings.
package renewalv1

import "google.golang.org/protobuf/types/known/timestamppb"

type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// IncidenceInput carries incidence inline as counts or onset dates, or names
// a dataset held by the surveillance service.
type IncidenceInput struct {
	Dataset string   `json:"dataset,omitempty"`
	Start   string   `json:"start,omitempty"`
	Counts  []int    `json:"counts,omitempty"`
	Onsets  []string `json:"onsets,omitempty"`
	First   string   `json:"first,omitempty"`
	Last    string   `json:"last,omitempty"`
}

type TransmissionPair struct {
	InfectorOnset string `json:"infector_onset"`
	InfecteeOnset string `json:"infectee_onset"`
}

type SerialIntervalUncertainty struct {
	MeanSD  float64 `json:"mean_sd"`
	MinMean float64 `json:"min_mean"`
	MaxMean float64 `json:"max_mean"`
	SDSD    float64 `json:"sd_sd"`
	MinSD   float64 `json:"min_sd"`
	MaxSD   float64 `json:"max_sd"`
}

type SerialIntervalInput struct {
	Method       string                     `json:"method,omitempty"`
	Mean         float64                    `json:"mean,omitempty"`
	SD           float64                    `json:"sd,omitempty"`
	PMF          []float64                  `json:"pmf,omitempty"`
	Pairs        []TransmissionPair         `json:"pairs,omitempty"`
	PairsDataset string                     `json:"pairs_dataset,omitempty"`
	Uncertainty  *SerialIntervalUncertainty `json:"uncertainty,omitempty"`
	Draws        int                        `json:"draws,omitempty"`
}

type EstimationOptions struct {
	Windows      []Window  `json:"windows,omitempty"`
	WindowPolicy string    `json:"window_policy,omitempty"`
	WindowWidth  int       `json:"window_width,omitempty"`
	PriorShape   float64   `json:"prior_shape,omitempty"`
	PriorRate    float64   `json:"prior_rate,omitempty"`
	Quantiles    []float64 `json:"quantiles,omitempty"`
}

type EstimateRequest struct {
	AnalysisID     string              `json:"analysis_id,omitempty"`
	Incidence      IncidenceInput      `json:"incidence"`
	SerialInterval SerialIntervalInput `json:"serial_interval"`
	Estimation     EstimationOptions   `json:"estimation"`
	Persist        bool                `json:"persist,omitempty"`
}

type Quantile struct {
	P     float64 `json:"p"`
	Value float64 `json:"value"`
}

// WindowEstimate is the posterior of R over one window.
type WindowEstimate struct {
	Window      Window     `json:"window"`
	StartDate   string     `json:"start_date"`
	EndDate     string     `json:"end_date"`
	Mean        float64    `json:"mean"`
	StdDev      float64    `json:"std_dev"`
	CV          float64    `json:"cv"`
	Median      float64    `json:"median"`
	Quantiles   []Quantile `json:"quantiles"`
	Shape       float64    `json:"shape"`
	Rate        float64    `json:"rate"`
	Incidence   int        `json:"incidence"`
	Infectivity float64    `json:"infectivity"`
	Components  int        `json:"components"`
	Warnings    []string   `json:"warnings,omitempty"`
}

type SerialIntervalSummary struct {
	Method    string  `json:"method"`
	Mean      float64 `json:"mean"`
	SD        float64 `json:"sd"`
	Draws     int     `json:"draws"`
	Converged bool    `json:"converged"`
}

type EstimateResponse struct {
	AnalysisID     string                 `json:"analysis_id,omitempty"`
	SeriesStart    string                 `json:"series_start"`
	Days           int                    `json:"days"`
	SerialInterval SerialIntervalSummary  `json:"serial_interval"`
	Estimates      []WindowEstimate       `json:"estimates"`
	Warnings       []string               `json:"warnings,omitempty"`
	Persisted      bool                   `json:"persisted"`
	CreatedAt      *timestamppb.Timestamp `json:"created_at,omitempty"`
}

// ProjectionOptions leave R unset to draw it from the posterior of the last
// estimated window, and Horizon unset to use the configured horizon.
type ProjectionOptions struct {
	Trajectories  int      `json:"trajectories,omitempty"`
	Horizon       *int     `json:"horizon,omitempty"`
	R             *float64 `json:"r,omitempty"`
	Model         string   `json:"model,omitempty"`
	Dispersion    float64  `json:"dispersion,omitempty"`
	ResampleDaily bool     `json:"resample_daily,omitempty"`
	Seed          uint64   `json:"seed,omitempty"`
}

type ProjectRequest struct {
	EstimateRequest
	Projection ProjectionOptions `json:"projection"`
	// Quantiles of the daily summaries; defaults to 0.025, 0.5, 0.975.
	Quantiles []float64 `json:"summary_quantiles,omitempty"`
	// IncludePaths returns every simulated trajectory.
	IncludePaths bool `json:"include_paths,omitempty"`
}

// DayProjection summarises one projected day; Day counts from 1.
type DayProjection struct {
	Day            int        `json:"day"`
	Date           string     `json:"date"`
	Mean           float64    `json:"mean"`
	StdDev         float64    `json:"std_dev"`
	Quantiles      []Quantile `json:"quantiles"`
	CumulativeMean float64    `json:"cumulative_mean"`
	ProbAtLeastOne float64    `json:"prob_at_least_one"`
}

type Projection struct {
	Start        string          `json:"start"`
	Days         int             `json:"days"`
	Trajectories int             `json:"trajectories"`
	Model        string          `json:"model"`
	Daily        []DayProjection `json:"daily"`
	RValues      []float64       `json:"r_values,omitempty"`
	// Paths is indexed by trajectory, then day.
	Paths [][]int `json:"paths,omitempty"`
}

type ProjectResponse struct {
	Estimate   EstimateResponse `json:"estimate"`
	Model      string           `json:"model"`
	Projection Projection       `json:"projection"`
}

type FitSerialIntervalRequest struct {
	Method       string             `json:"method,omitempty"`
	Pairs        []TransmissionPair `json:"pairs,omitempty"`
	PairsDataset string             `json:"pairs_dataset,omitempty"`
}

type MCMCSummary struct {
	Mean       float64   `json:"mean"`
	MeanSD     float64   `json:"mean_sd"`
	SD         float64   `json:"sd"`
	SDSD       float64   `json:"sd_sd"`
	RHatMean   float64   `json:"rhat_mean"`
	RHatCV     float64   `json:"rhat_cv"`
	Acceptance []float64 `json:"acceptance"`
}

type FitSerialIntervalResponse struct {
	Method        string       `json:"method"`
	Observations  int          `json:"observations"`
	Shape         float64      `json:"shape"`
	Scale         float64      `json:"scale"`
	Mean          float64      `json:"mean"`
	SD            float64      `json:"sd"`
	CV            float64      `json:"cv"`
	LogLikelihood float64      `json:"log_likelihood"`
	Iterations    int          `json:"iterations"`
	Converged     bool         `json:"converged"`
	PMF           []float64    `json:"pmf"`
	Posterior     *MCMCSummary `json:"posterior,omitempty"`
}

type FitGrowthRequest struct {
	Incidence      IncidenceInput       `json:"incidence"`
	Split          int                  `json:"split,omitempty"`
	SplitAtPeak    bool                 `json:"split_at_peak,omitempty"`
	SerialInterval *SerialIntervalInput `json:"serial_interval,omitempty"`
}

// GrowthPhase omits doubling times that are infinite.
type GrowthPhase struct {
	Start             string    `json:"start"`
	Rate              float64   `json:"rate"`
	RateLower         float64   `json:"rate_lower"`
	RateUpper         float64   `json:"rate_upper"`
	Intercept         float64   `json:"intercept"`
	RSquared          float64   `json:"r_squared"`
	Points            int       `json:"points"`
	Dropped           int       `json:"dropped"`
	DoublingTime      *float64  `json:"doubling_time,omitempty"`
	DoublingLower     *float64  `json:"doubling_lower,omitempty"`
	DoublingUpper     *float64  `json:"doubling_upper,omitempty"`
	Reproduction      *float64  `json:"reproduction,omitempty"`
	ReproductionLower *float64  `json:"reproduction_lower,omitempty"`
	ReproductionUpper *float64  `json:"reproduction_upper,omitempty"`
	Fitted            []float64 `json:"fitted"`
}

type FitGrowthResponse struct {
	Peak     int           `json:"peak"`
	PeakDate string        `json:"peak_date"`
	Split    int           `json:"split"`
	Phases   []GrowthPhase `json:"phases"`
}

type GetSnapshotRequest struct {
	AnalysisID string `json:"analysis_id"`
}

type GetSnapshotResponse struct {
	AnalysisID     string                 `json:"analysis_id"`
	CreatedAt      *timestamppb.Timestamp `json:"created_at,omitempty"`
	SeriesStart    string                 `json:"series_start"`
	Counts         []int                  `json:"counts"`
	SerialInterval SerialIntervalSummary  `json:"serial_interval"`
	Estimates      []WindowEstimate       `json:"estimates"`
	Projection     *Projection            `json:"projection,omitempty"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
}
