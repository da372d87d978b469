package renewal

import (
	"context"
	"fmt"
	"sort"

	"github.com/outbreakstack/renewal-rt/internal/models"
	"github.com/outbreakstack/renewal-rt/internal/serial"
	"github.com/outbreakstack/renewal-rt/internal/workers"
)

// DefaultWindowWidth is the width of the default weekly windows.
const DefaultWindowWidth = 7

// WeeklyWindows splits days 2..n into consecutive non-overlapping blocks of
// width days. The last block is truncated at n.
func WeeklyWindows(n, width int) ([]Window, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: width must be positive, got %d", ErrInvalidWindow, width)
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: series of %d days has no estimable day", ErrInvalidWindow, n)
	}
	windows := make([]Window, 0, (n-1+width-1)/width)
	for start := 2; start <= n; start += width {
		end := start + width - 1
		if end > n {
			end = n
		}
		windows = append(windows, Window{Start: start, End: end})
	}
	return windows, nil
}

// SlidingWindows returns the overlapping windows [t, t+width-1] for
// t = 2..n-width+1.
func SlidingWindows(n, width int) ([]Window, error) {
	if width <= 0 {
		return nil, fmt.Errorf("%w: width must be positive, got %d", ErrInvalidWindow, width)
	}
	if n-width+1 < 2 {
		return nil, fmt.Errorf("%w: series of %d days is too short for width %d", ErrInvalidWindow, n, width)
	}
	windows := make([]Window, 0, n-width)
	for start := 2; start+width-1 <= n; start++ {
		windows = append(windows, Window{Start: start, End: start + width - 1})
	}
	return windows, nil
}

// EstimateWindows estimates every window independently on pool and returns the
// posteriors ordered by window start, then end. Windows are validated up front
// so a configuration error aborts before any work is scheduled.
func EstimateWindows(ctx context.Context, series models.IncidenceSeries, si serial.Distribution, windows []Window, cfg EstimateConfig, pool *workers.Pool) ([]Posterior, error) {
	if si == nil {
		return nil, fmt.Errorf("%w: serial interval is required", ErrInvalidWindow)
	}
	ordered, err := prepare(series, windows, cfg)
	if err != nil {
		return nil, err
	}
	lambda := Infectivity(series, si)

	out := make([]Posterior, len(ordered))
	err = workers.Run(ctx, pool, len(ordered), func(i int) error {
		post, err := estimateWindow(series, si, lambda, ordered[i], cfg)
		if err != nil {
			return err
		}
		out[i] = post
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EstimateWindowsMixture is EstimateWindows for a set of serial interval draws.
// Infectivity is computed once per draw and shared across windows.
func EstimateWindowsMixture(ctx context.Context, series models.IncidenceSeries, draws []serial.Distribution, windows []Window, cfg EstimateConfig, pool *workers.Pool) ([]Posterior, error) {
	if len(draws) == 0 {
		return nil, fmt.Errorf("%w: at least one serial interval draw is required", ErrInvalidWindow)
	}
	ordered, err := prepare(series, windows, cfg)
	if err != nil {
		return nil, err
	}

	lambdas := make([][]float64, len(draws))
	err = workers.Run(ctx, pool, len(draws), func(i int) error {
		lambdas[i] = Infectivity(series, draws[i])
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Posterior, len(ordered))
	err = workers.Run(ctx, pool, len(ordered), func(i int) error {
		post, err := estimateMixture(series, draws, lambdas, ordered[i], cfg)
		if err != nil {
			return err
		}
		out[i] = post
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func prepare(series models.IncidenceSeries, windows []Window, cfg EstimateConfig) ([]Window, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("%w: no windows requested", ErrInvalidWindow)
	}
	if _, err := cfg.normalised(); err != nil {
		return nil, err
	}
	ordered := append([]Window(nil), windows...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Start != ordered[j].Start {
			return ordered[i].Start < ordered[j].Start
		}
		return ordered[i].End < ordered[j].End
	})
	for _, w := range ordered {
		if err := w.Validate(series.Len()); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
