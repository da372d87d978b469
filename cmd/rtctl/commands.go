package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
)

// analysisFlags are shared by estimate and project.
type analysisFlags struct {
	incidence    string
	dataset      string
	pairs        string
	analysisID   string
	persist      bool
	siMethod     string
	siMean       float64
	siSD         float64
	siPMF        []float64
	siDraws      int
	siSpread     rtv1.SerialIntervalUncertainty
	windows      []string
	windowPolicy string
	windowWidth  int
	priorShape   float64
	priorRate    float64
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.incidence, "incidence", "i", "", "CSV of date,count rows or one onset date per row (- reads stdin)")
	fs.StringVar(&f.dataset, "dataset", "", "surveillance dataset to fetch instead of --incidence")
	fs.StringVar(&f.pairs, "pairs", "", "CSV of infector_onset,infectee_onset rows for fit and mcmc serial intervals")
	fs.StringVar(&f.analysisID, "id", "", "analysis identifier used for snapshots")
	fs.BoolVar(&f.persist, "persist", false, "store a snapshot of the analysis")
	fs.StringVar(&f.siMethod, "si", "parametric", "serial interval method: parametric, empirical, fit, mcmc or uncertain")
	fs.Float64Var(&f.siMean, "si-mean", 0, "serial interval mean in days")
	fs.Float64Var(&f.siSD, "si-sd", 0, "serial interval standard deviation in days")
	fs.Float64SliceVar(&f.siPMF, "si-pmf", nil, "empirical serial interval mass by lag, starting at lag 0")
	fs.IntVar(&f.siDraws, "si-draws", 0, "serial interval draws for mcmc and uncertain methods")
	fs.Float64Var(&f.siSpread.MeanSD, "si-mean-sd", 0, "uncertain method: standard deviation of the mean")
	fs.Float64Var(&f.siSpread.MinMean, "si-min-mean", 0, "uncertain method: lower bound of the mean")
	fs.Float64Var(&f.siSpread.MaxMean, "si-max-mean", 0, "uncertain method: upper bound of the mean")
	fs.Float64Var(&f.siSpread.SDSD, "si-sd-sd", 0, "uncertain method: standard deviation of the sd")
	fs.Float64Var(&f.siSpread.MinSD, "si-min-sd", 0, "uncertain method: lower bound of the sd")
	fs.Float64Var(&f.siSpread.MaxSD, "si-max-sd", 0, "uncertain method: upper bound of the sd")
	fs.StringSliceVar(&f.windows, "window", nil, "estimation window start:end in 1-indexed days; repeatable")
	fs.StringVar(&f.windowPolicy, "window-policy", "", "default windows when none are given: weekly or sliding")
	fs.IntVar(&f.windowWidth, "window-width", 0, "width of default windows in days")
	fs.Float64Var(&f.priorShape, "prior-shape", 0, "Gamma prior shape of R")
	fs.Float64Var(&f.priorRate, "prior-rate", 0, "Gamma prior rate of R")
}

func (f *analysisFlags) request() (*rtv1.EstimateRequest, error) {
	req := &rtv1.EstimateRequest{
		AnalysisID: f.analysisID,
		Persist:    f.persist,
		SerialInterval: rtv1.SerialIntervalInput{
			Method: f.siMethod,
			Mean:   f.siMean,
			SD:     f.siSD,
			PMF:    f.siPMF,
			Draws:  f.siDraws,
		},
		Estimation: rtv1.EstimationOptions{
			WindowPolicy: f.windowPolicy,
			WindowWidth:  f.windowWidth,
			PriorShape:   f.priorShape,
			PriorRate:    f.priorRate,
		},
	}

	if f.siSpread != (rtv1.SerialIntervalUncertainty{}) {
		spread := f.siSpread
		req.SerialInterval.Uncertainty = &spread
	}

	switch {
	case f.incidence != "":
		err := openCSV(f.incidence, func(r io.Reader) (err error) {
			req.Incidence, err = readIncidenceCSV(r)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("incidence: %w", err)
		}
	case f.dataset != "":
		req.Incidence.Dataset = f.dataset
	default:
		return nil, fmt.Errorf("one of --incidence or --dataset is required")
	}

	if f.pairs != "" {
		pairs, err := loadPairs(f.pairs)
		if err != nil {
			return nil, err
		}
		req.SerialInterval.Pairs = pairs
	}

	for _, w := range f.windows {
		window, err := parseWindow(w)
		if err != nil {
			return nil, err
		}
		req.Estimation.Windows = append(req.Estimation.Windows, window)
	}
	return req, nil
}

var estimateFlags analysisFlags

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Estimate R over sliding or explicit windows.",
	Example: `  rtctl estimate -i cases.csv --si-mean 8.6 --si-sd 6.3
  rtctl estimate -i cases.csv --si fit --pairs pairs.csv --window 2:10
  rtctl estimate -i cases.csv --si uncertain --si-mean 8.6 --si-sd 6.3 --si-mean-sd 1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := estimateFlags.request()
		if err != nil {
			return err
		}
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			resp, err := b.EstimateReproduction(ctx, req)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			return printEstimates(cmd.OutOrStdout(), resp)
		})
	},
}

var (
	projectFlags   analysisFlags
	projectOptions rtv1.ProjectionOptions
	projectR       float64
	projectHorizon int
	projectPaths   bool
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Estimate R and simulate incidence forward.",
	Long: `project estimates R over the requested windows and simulates future
incidence with the renewal equation. R is drawn from the posterior of the last
window unless --r fixes it.`,
	Example: `  rtctl project -i cases.csv --si-mean 8.6 --si-sd 6.3 --horizon 14
  rtctl project -i cases.csv --si-mean 5 --si-sd 2 --r 1.3 --model negative_binomial --dispersion 0.4`,
	RunE: func(cmd *cobra.Command, args []string) error {
		est, err := projectFlags.request()
		if err != nil {
			return err
		}
		req := &rtv1.ProjectRequest{EstimateRequest: *est, Projection: projectOptions, IncludePaths: projectPaths}
		if cmd.Flags().Changed("r") {
			r := projectR
			req.Projection.R = &r
		}
		if cmd.Flags().Changed("horizon") {
			h := projectHorizon
			req.Projection.Horizon = &h
		}
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			resp, err := b.ProjectIncidence(ctx, req)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if err := printEstimates(cmd.OutOrStdout(), &resp.Estimate); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return printProjection(cmd.OutOrStdout(), resp.Model, resp.Projection)
		})
	},
}

var (
	fitSIMethod string
	fitSIPairs  string
	fitSIData   string
)

var fitSICmd = &cobra.Command{
	Use:   "fit-si",
	Short: "Fit an offset Gamma serial interval to transmission pairs.",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rtv1.FitSerialIntervalRequest{Method: fitSIMethod, PairsDataset: fitSIData}
		if fitSIPairs != "" {
			pairs, err := loadPairs(fitSIPairs)
			if err != nil {
				return err
			}
			req.Pairs = pairs
		}
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			resp, err := b.FitSerialInterval(ctx, req)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "method\t%s\n", resp.Method)
			fmt.Fprintf(w, "observations\t%d\n", resp.Observations)
			fmt.Fprintf(w, "mean\t%.3f\n", resp.Mean)
			fmt.Fprintf(w, "sd\t%.3f\n", resp.SD)
			fmt.Fprintf(w, "shape, scale\t%.3f, %.3f\n", resp.Shape, resp.Scale)
			fmt.Fprintf(w, "converged\t%t\n", resp.Converged)
			if p := resp.Posterior; p != nil {
				fmt.Fprintf(w, "posterior mean\t%.3f (sd %.3f)\n", p.Mean, p.MeanSD)
				fmt.Fprintf(w, "posterior sd\t%.3f (sd %.3f)\n", p.SD, p.SDSD)
				fmt.Fprintf(w, "R-hat\t%.3f, %.3f\n", p.RHatMean, p.RHatCV)
			}
			return w.Flush()
		})
	},
}

var (
	growthIncidence string
	growthDataset   string
	growthSplit     int
	growthAtPeak    bool
	growthSIMean    float64
	growthSISD      float64
)

var growthCmd = &cobra.Command{
	Use:   "growth",
	Short: "Fit exponential growth and derive doubling time and R.",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &rtv1.FitGrowthRequest{Split: growthSplit, SplitAtPeak: growthAtPeak}
		switch {
		case growthIncidence != "":
			err := openCSV(growthIncidence, func(r io.Reader) (err error) {
				req.Incidence, err = readIncidenceCSV(r)
				return err
			})
			if err != nil {
				return fmt.Errorf("incidence: %w", err)
			}
		case growthDataset != "":
			req.Incidence.Dataset = growthDataset
		default:
			return fmt.Errorf("one of --incidence or --dataset is required")
		}
		if growthSIMean > 0 {
			req.SerialInterval = &rtv1.SerialIntervalInput{Mean: growthSIMean, SD: growthSISD}
		}
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			resp, err := b.FitGrowth(ctx, req)
			if err != nil {
				return err
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "peak\t%s\n", resp.PeakDate)
			fmt.Fprintln(w, "start\trate\tinterval\tdoubling\tR")
			for _, p := range resp.Phases {
				fmt.Fprintf(w, "%s\t%.4f\t[%.4f, %.4f]\t%s\t%s\n",
					p.Start, p.Rate, p.RateLower, p.RateUpper, optional(p.DoublingTime), optional(p.Reproduction))
			}
			return w.Flush()
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot ID",
	Short: "Print a persisted analysis.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackend(cmd, func(ctx context.Context, b backend) error {
			resp, err := b.GetSnapshot(ctx, &rtv1.GetSnapshotRequest{AnalysisID: args[0]})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		})
	},
}

func init() {
	estimateFlags.register(estimateCmd)

	projectFlags.register(projectCmd)
	pf := projectCmd.Flags()
	pf.IntVar(&projectHorizon, "horizon", 0, "days to project; unset uses the configured horizon")
	pf.IntVar(&projectOptions.Trajectories, "trajectories", 0, "number of simulated trajectories")
	pf.Float64Var(&projectR, "r", 0, "fixed reproduction number; unset draws R from the posterior")
	pf.StringVar(&projectOptions.Model, "model", "", "offspring model: poisson or negative_binomial")
	pf.Float64Var(&projectOptions.Dispersion, "dispersion", 0, "negative binomial dispersion k")
	pf.BoolVar(&projectOptions.ResampleDaily, "resample-daily", false, "draw R afresh every projected day")
	pf.Uint64Var(&projectOptions.Seed, "seed", 0, "random seed; zero uses the configured seed")
	pf.BoolVar(&projectPaths, "paths", false, "include every trajectory in JSON output")

	ff := fitSICmd.Flags()
	ff.StringVar(&fitSIMethod, "method", "fit", "fit (maximum likelihood) or mcmc")
	ff.StringVar(&fitSIPairs, "pairs", "", "CSV of infector_onset,infectee_onset rows")
	ff.StringVar(&fitSIData, "dataset", "", "surveillance dataset of transmission pairs")

	gf := growthCmd.Flags()
	gf.StringVarP(&growthIncidence, "incidence", "i", "", "CSV of date,count rows or one onset date per row")
	gf.StringVar(&growthDataset, "dataset", "", "surveillance dataset to fetch instead of --incidence")
	gf.IntVar(&growthSplit, "split", 0, "fit the bins before and from this 0-indexed bin separately")
	gf.BoolVar(&growthAtPeak, "split-at-peak", false, "split the fit at the highest bin")
	gf.Float64Var(&growthSIMean, "si-mean", 0, "serial interval mean used to convert growth to R")
	gf.Float64Var(&growthSISD, "si-sd", 0, "serial interval standard deviation")
}

func withBackend(cmd *cobra.Command, fn func(context.Context, backend) error) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(cmd.Context(), b)
}

func loadPairs(path string) ([]rtv1.TransmissionPair, error) {
	var pairs []rtv1.TransmissionPair
	err := openCSV(path, func(r io.Reader) (err error) {
		pairs, err = readPairsCSV(r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	return pairs, nil
}

func parseWindow(s string) (rtv1.Window, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return rtv1.Window{}, fmt.Errorf("window %q: expected start:end", s)
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return rtv1.Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return rtv1.Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	return rtv1.Window{Start: start, End: end}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEstimates(out io.Writer, resp *rtv1.EstimateResponse) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "serial interval\t%s mean %.2f sd %.2f\n", resp.SerialInterval.Method, resp.SerialInterval.Mean, resp.SerialInterval.SD)
	fmt.Fprintln(w, "window\tdates\tmean\tsd\tmedian\tcases")
	for _, e := range resp.Estimates {
		fmt.Fprintf(w, "%d-%d\t%s..%s\t%.3f\t%.3f\t%.3f\t%d\n",
			e.Window.Start, e.Window.End, e.StartDate, e.EndDate, e.Mean, e.StdDev, e.Median, e.Incidence)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, warning := range resp.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	if resp.Persisted {
		fmt.Fprintf(out, "snapshot %s stored\n", resp.AnalysisID)
	}
	return nil
}

func printProjection(out io.Writer, model string, p rtv1.Projection) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "projection\t%s, %d trajectories\n", model, p.Trajectories)
	fmt.Fprintln(w, "day\tdate\tmean\tquantiles\tcumulative\tP(>=1)")
	for _, d := range p.Daily {
		qs := make([]string, len(d.Quantiles))
		for i, q := range d.Quantiles {
			qs[i] = strconv.FormatFloat(q.Value, 'f', 0, 64)
		}
		fmt.Fprintf(w, "%d\t%s\t%.2f\t%s\t%.1f\t%.2f\n",
			d.Day, d.Date, d.Mean, strings.Join(qs, " "), d.CumulativeMean, d.ProbAtLeastOne)
	}
	return w.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
