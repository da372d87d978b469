package models

import "time"

// Serial interval methods accepted by analysis requests.
const (
	SIParametric = "parametric"
	SIEmpirical  = "empirical"
	SIFit        = "fit"
	SIMCMC       = "mcmc"
	SIUncertain  = "uncertain"
)

// IncidenceSource locates the incidence of an analysis: inline counts, inline
// onset dates, or a dataset held by the surveillance service.
type IncidenceSource struct {
	Dataset string
	Start   time.Time
	Counts  []int
	Onsets  []time.Time
	// First and Last bound the series built from onsets or fetched from a
	// dataset. Zero values default to the data's own range.
	First time.Time
	Last  time.Time
}

// SerialIntervalUncertainty bounds the truncated normal draws of the
// serial interval mean and standard deviation.
type SerialIntervalUncertainty struct {
	MeanSD  float64
	MinMean float64
	MaxMean float64
	SDSD    float64
	MinSD   float64
	MaxSD   float64
}

// SerialIntervalSpec selects how the serial interval of an analysis is obtained.
type SerialIntervalSpec struct {
	Method string
	// Mean and SD parameterise SIParametric and SIUncertain.
	Mean float64
	SD   float64
	// PMF is the mass function for SIEmpirical, indexed by lag.
	PMF []float64
	// Pairs or PairsDataset feed SIFit and SIMCMC.
	Pairs        []TransmissionPair
	PairsDataset string
	Uncertainty  SerialIntervalUncertainty
	// Draws is the number of serial intervals sampled by SIMCMC and
	// SIUncertain. Zero uses the configured default.
	Draws int
}

// SerialIntervalSummary reports the serial interval an analysis used.
type SerialIntervalSummary struct {
	Method    string
	Mean      float64
	SD        float64
	Draws     int
	Converged bool
}

// TimeWindow is an inclusive range of 1-indexed days.
type TimeWindow struct {
	Start int
	End   int
}

// EstimationOptions override the configured estimator defaults. Zero values
// keep the defaults.
type EstimationOptions struct {
	Windows      []TimeWindow
	WindowPolicy string
	WindowWidth  int
	PriorShape   float64
	PriorRate    float64
	Quantiles    []float64
}

// ProjectionOptions request a projection from the posterior of the last
// estimated window, or from a fixed R.
type ProjectionOptions struct {
	Trajectories int
	// Horizon replaces the configured horizon when positive or when
	// HorizonSet is true, so an explicit zero yields an empty projection.
	Horizon    int
	HorizonSet bool

	// R projects with a fixed reproduction number instead of posterior draws
	// when FixedR is set.
	R      float64
	FixedR bool

	Model      string
	Dispersion float64

	// ResampleDaily draws R afresh every simulated day instead of once per
	// trajectory.
	ResampleDaily bool
	Seed          uint64
}

// AnalysisRequest drives one end-to-end analysis.
type AnalysisRequest struct {
	ID             string
	Incidence      IncidenceSource
	SerialInterval SerialIntervalSpec
	Estimation     EstimationOptions
	// Projection is optional.
	Projection *ProjectionOptions
	// Persist stores a snapshot of the result under ID.
	Persist bool
}

// GrowthRequest fits exponential growth to an incidence curve.
type GrowthRequest struct {
	Incidence IncidenceSource
	// Split fits the bins before and from this 0-indexed bin separately.
	// SplitAtPeak splits at the highest bin instead. Zero Split without
	// SplitAtPeak fits the whole curve.
	Split       int
	SplitAtPeak bool
	// SerialInterval, when its Method is set, converts growth rates into
	// reproduction numbers.
	SerialInterval SerialIntervalSpec
}
