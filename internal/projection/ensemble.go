package projection

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Ensemble holds simulated incidence with one row per projected day and one
// column per trajectory, stored row-major.
type Ensemble struct {
	// Start is the date of the first projected day.
	Start        time.Time
	Days         int
	Trajectories int
	// Model is the offspring distribution the ensemble was simulated with.
	Model Model
	// RValues holds the R used by each trajectory when R was fixed within
	// trajectories, and is nil otherwise.
	RValues []float64
	values  []int
}

func newEnsemble(start time.Time, days, trajectories int) *Ensemble {
	return &Ensemble{
		Start:        start,
		Days:         days,
		Trajectories: trajectories,
		values:       make([]int, days*trajectories),
	}
}

// NewEnsemble rebuilds an ensemble from row-major values.
func NewEnsemble(start time.Time, days, trajectories int, values []int, rValues []float64) (*Ensemble, error) {
	if days < 0 || trajectories <= 0 || len(values) != days*trajectories {
		return nil, fmt.Errorf("%w: %d values do not fill %d days by %d trajectories", ErrInvalidConfig, len(values), days, trajectories)
	}
	for _, v := range values {
		if v < 0 {
			return nil, fmt.Errorf("%w: negative count %d", ErrInvalidConfig, v)
		}
	}
	if rValues != nil && len(rValues) != trajectories {
		return nil, fmt.Errorf("%w: %d R values for %d trajectories", ErrInvalidConfig, len(rValues), trajectories)
	}
	ens := newEnsemble(start, days, trajectories)
	copy(ens.values, values)
	if rValues != nil {
		ens.RValues = append([]float64(nil), rValues...)
	}
	return ens, nil
}

// Values returns a copy of the row-major counts.
func (e *Ensemble) Values() []int { return append([]int(nil), e.values...) }

// At returns the count simulated on day d (0-indexed) of trajectory j.
func (e *Ensemble) At(d, j int) int { return e.values[d*e.Trajectories+j] }

// Day returns the counts of every trajectory on day d.
func (e *Ensemble) Day(d int) []int {
	return append([]int(nil), e.values[d*e.Trajectories:(d+1)*e.Trajectories]...)
}

// Trajectory returns the counts of trajectory j over the horizon.
func (e *Ensemble) Trajectory(j int) []int {
	out := make([]int, e.Days)
	for d := range out {
		out[d] = e.At(d, j)
	}
	return out
}

// Date returns the calendar date of projected day d.
func (e *Ensemble) Date(d int) time.Time { return e.Start.AddDate(0, 0, d) }

// DaySummary describes the distribution of counts across trajectories on one day.
type DaySummary struct {
	Day       int
	Date      time.Time
	Mean      float64
	StdDev    float64
	Quantiles []float64
}

// Summary returns per-day mean, standard deviation and empirical quantiles of
// the simulated counts.
func (e *Ensemble) Summary(quantiles []float64) []DaySummary {
	return e.summarise(quantiles, func(d int) []int { return e.Day(d) })
}

// CumulativeSummary summarises, per day, the counts accumulated by each
// trajectory since the first projected day.
func (e *Ensemble) CumulativeSummary(quantiles []float64) []DaySummary {
	running := make([]int, e.Trajectories)
	return e.summarise(quantiles, func(d int) []int {
		for j := range running {
			running[j] += e.At(d, j)
		}
		return append([]int(nil), running...)
	})
}

func (e *Ensemble) summarise(quantiles []float64, row func(d int) []int) []DaySummary {
	qs := append([]float64(nil), quantiles...)
	sort.Float64s(qs)
	out := make([]DaySummary, e.Days)
	x := make([]float64, e.Trajectories)
	for d := 0; d < e.Days; d++ {
		for j, v := range row(d) {
			x[j] = float64(v)
		}
		sort.Float64s(x)
		mean, sd := stat.MeanStdDev(x, nil)
		if e.Trajectories < 2 {
			sd = 0
		}
		s := DaySummary{Day: d, Date: e.Date(d), Mean: mean, StdDev: sd, Quantiles: make([]float64, len(qs))}
		for i, q := range qs {
			s.Quantiles[i] = stat.Quantile(q, stat.Empirical, x, nil)
		}
		out[d] = s
	}
	return out
}

// ProbAtLeastOne returns, per day, the share of trajectories with at least
// one case.
func (e *Ensemble) ProbAtLeastOne() []float64 {
	out := make([]float64, e.Days)
	for d := range out {
		hit := 0
		for j := 0; j < e.Trajectories; j++ {
			if e.At(d, j) > 0 {
				hit++
			}
		}
		out[d] = float64(hit) / float64(e.Trajectories)
	}
	return out
}
