package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSeries reports an incidence series that violates its invariants.
var ErrInvalidSeries = errors.New("invalid incidence series")

const day = 24 * time.Hour

// IncidenceSeries is an ordered, gap-free sequence of case counts. Bins are
// Interval days wide and start at Start. The zero value is an empty series.
type IncidenceSeries struct {
	Start    time.Time
	Interval int
	counts   []int
}

// NewIncidenceSeries validates counts and returns a daily series starting at start.
func NewIncidenceSeries(start time.Time, counts []int) (IncidenceSeries, error) {
	return newSeries(start, 1, counts)
}

// NewBinnedSeries validates counts and returns a series of interval-day bins.
func NewBinnedSeries(start time.Time, interval int, counts []int) (IncidenceSeries, error) {
	return newSeries(start, interval, counts)
}

func newSeries(start time.Time, interval int, counts []int) (IncidenceSeries, error) {
	if interval <= 0 {
		return IncidenceSeries{}, fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidSeries, interval)
	}
	for i, c := range counts {
		if c < 0 {
			return IncidenceSeries{}, fmt.Errorf("%w: negative count %d at bin %d", ErrInvalidSeries, c, i)
		}
	}
	return IncidenceSeries{
		Start:    truncateDay(start),
		Interval: interval,
		counts:   append([]int(nil), counts...),
	}, nil
}

// IncidenceFromDates bins onset dates into a daily series covering [first, last].
// Zero first/last default to the earliest/latest date. Dates outside the range
// are an error, days without onsets are explicit zeros.
func IncidenceFromDates(dates []time.Time, first, last time.Time) (IncidenceSeries, error) {
	if len(dates) == 0 && (first.IsZero() || last.IsZero()) {
		return IncidenceSeries{}, fmt.Errorf("%w: no onset dates", ErrInvalidSeries)
	}
	if first.IsZero() || last.IsZero() {
		lo, hi := dates[0], dates[0]
		for _, d := range dates[1:] {
			if d.Before(lo) {
				lo = d
			}
			if d.After(hi) {
				hi = d
			}
		}
		if first.IsZero() {
			first = lo
		}
		if last.IsZero() {
			last = hi
		}
	}
	first, last = truncateDay(first), truncateDay(last)
	if last.Before(first) {
		return IncidenceSeries{}, fmt.Errorf("%w: last date %s before first date %s", ErrInvalidSeries, last.Format(time.DateOnly), first.Format(time.DateOnly))
	}

	n := daysBetween(first, last) + 1
	counts := make([]int, n)
	for _, d := range dates {
		idx := daysBetween(first, truncateDay(d))
		if idx < 0 || idx >= n {
			return IncidenceSeries{}, fmt.Errorf("%w: onset %s outside [%s, %s]", ErrInvalidSeries, d.Format(time.DateOnly), first.Format(time.DateOnly), last.Format(time.DateOnly))
		}
		counts[idx]++
	}
	return IncidenceSeries{Start: first, Interval: 1, counts: counts}, nil
}

// Len returns the number of bins.
func (s IncidenceSeries) Len() int { return len(s.counts) }

// Counts returns a copy of the counts.
func (s IncidenceSeries) Counts() []int { return append([]int(nil), s.counts...) }

// Floats returns the counts as float64 values.
func (s IncidenceSeries) Floats() []float64 {
	out := make([]float64, len(s.counts))
	for i, c := range s.counts {
		out[i] = float64(c)
	}
	return out
}

// At returns the count of the 0-indexed bin i.
func (s IncidenceSeries) At(i int) int { return s.counts[i] }

// Count returns the count on the 1-indexed day, as used by time windows.
func (s IncidenceSeries) Count(day int) int { return s.counts[day-1] }

// Total returns the sum of all counts.
func (s IncidenceSeries) Total() int {
	total := 0
	for _, c := range s.counts {
		total += c
	}
	return total
}

// Date returns the first date of the 0-indexed bin i.
func (s IncidenceSeries) Date(i int) time.Time {
	interval := s.Interval
	if interval <= 0 {
		interval = 1
	}
	return s.Start.Add(time.Duration(i*interval) * day)
}

// End returns the first date of the last bin, or Start for an empty series.
func (s IncidenceSeries) End() time.Time {
	if len(s.counts) == 0 {
		return s.Start
	}
	return s.Date(len(s.counts) - 1)
}

// FirstCase returns the 1-indexed day of the first non-zero count, or 0 when
// the series holds no cases.
func (s IncidenceSeries) FirstCase() int {
	for i, c := range s.counts {
		if c > 0 {
			return i + 1
		}
	}
	return 0
}

// Truncate returns a copy without the trailing n bins.
func (s IncidenceSeries) Truncate(n int) (IncidenceSeries, error) {
	if n < 0 || n > len(s.counts) {
		return IncidenceSeries{}, fmt.Errorf("%w: cannot drop %d of %d bins", ErrInvalidSeries, n, len(s.counts))
	}
	return IncidenceSeries{Start: s.Start, Interval: s.Interval, counts: append([]int(nil), s.counts[:len(s.counts)-n]...)}, nil
}

// Slice returns the bins [from, to) as a series starting at Date(from).
func (s IncidenceSeries) Slice(from, to int) (IncidenceSeries, error) {
	if from < 0 || to > len(s.counts) || from > to {
		return IncidenceSeries{}, fmt.Errorf("%w: bins [%d, %d) outside series of %d", ErrInvalidSeries, from, to, len(s.counts))
	}
	return IncidenceSeries{Start: s.Date(from), Interval: s.Interval, counts: append([]int(nil), s.counts[from:to]...)}, nil
}

// Weekly aggregates a daily series into 7-day bins. A trailing partial week is
// dropped so that every bin covers the same span.
func (s IncidenceSeries) Weekly() (IncidenceSeries, error) {
	if s.Interval != 1 {
		return IncidenceSeries{}, fmt.Errorf("%w: weekly aggregation requires a daily series, got interval %d", ErrInvalidSeries, s.Interval)
	}
	weeks := len(s.counts) / 7
	counts := make([]int, weeks)
	for w := 0; w < weeks; w++ {
		for d := 0; d < 7; d++ {
			counts[w] += s.counts[w*7+d]
		}
	}
	return IncidenceSeries{Start: s.Start, Interval: 7, counts: counts}, nil
}

// TransmissionPair links the symptom onsets of an infector and its infectee.
type TransmissionPair struct {
	InfectorOnset time.Time
	InfecteeOnset time.Time
}

// Lag returns the serial interval of the pair in whole days.
func (p TransmissionPair) Lag() int {
	return daysBetween(truncateDay(p.InfectorOnset), truncateDay(p.InfecteeOnset))
}

func truncateDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Round(time.Hour).Hours() / 24)
}
