package services

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/outbreakstack/renewal-rt/internal/api"
	"github.com/outbreakstack/renewal-rt/internal/config"
	"github.com/outbreakstack/renewal-rt/internal/engine"
	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
	"github.com/outbreakstack/renewal-rt/internal/repo"
)

type harness struct {
	client rtv1.RenewalEngineClient
	conn   *grpc.ClientConn
}

func startService(t *testing.T, configure ...func(*config.Config)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Projection.Trajectories = 50
	for _, fn := range configure {
		fn(&cfg)
	}

	store, err := repo.NewSnapshotStore(t.TempDir(), nil, 0)
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}
	pipeline := engine.NewPipeline(logger, cfg, nil, store, nil)

	lis := bufconn.Listen(1 << 20)
	server := api.NewServerWithListener(cfg.Server, lis, NewRenewalService(logger, pipeline))
	go func() { _ = server.Start() }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	return &harness{client: rtv1.NewRenewalEngineClient(conn), conn: conn}
}

func scenario() *rtv1.EstimateRequest {
	return &rtv1.EstimateRequest{
		Incidence:      rtv1.IncidenceInput{Start: "2014-05-01", Counts: []int{4, 3, 4, 6, 9, 5, 7, 7, 2, 8}},
		SerialInterval: rtv1.SerialIntervalInput{Method: "parametric", Mean: 8.6, SD: 6.3},
		Estimation:     rtv1.EstimationOptions{Windows: []rtv1.Window{{Start: 2, End: 10}}},
	}
}

func TestEstimateReproductionOverGRPC(t *testing.T) {
	h := startService(t)

	resp, err := h.client.EstimateReproduction(context.Background(), scenario())
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if len(resp.Estimates) != 1 {
		t.Fatalf("expected one estimate, got %d", len(resp.Estimates))
	}
	est := resp.Estimates[0]
	if math.Abs(est.Mean-3.103) > 0.01 {
		t.Fatalf("expected mean near 3.103, got %f", est.Mean)
	}
	if est.StartDate != "2014-05-02" || est.EndDate != "2014-05-10" {
		t.Fatalf("unexpected window dates %s..%s", est.StartDate, est.EndDate)
	}
	if len(est.Quantiles) != 7 || len(est.Warnings) != 1 {
		t.Fatalf("expected 7 quantiles and 1 warning, got %d and %v", len(est.Quantiles), est.Warnings)
	}
	if resp.CreatedAt == nil || resp.CreatedAt.AsTime().IsZero() {
		t.Fatalf("expected creation time")
	}
}

func TestEstimateReproductionRejectsInvalidWindow(t *testing.T) {
	h := startService(t)
	req := scenario()
	req.Estimation.Windows = []rtv1.Window{{Start: 1, End: 4}}

	_, err := h.client.EstimateReproduction(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	req = scenario()
	req.Incidence.Start = "01/05/2014"
	_, err = h.client.EstimateReproduction(context.Background(), req)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument for a malformed date, got %v", err)
	}
}

func TestProjectIncidenceOverGRPC(t *testing.T) {
	h := startService(t)
	r, horizon := 1.5, 5
	req := &rtv1.ProjectRequest{
		EstimateRequest: *scenario(),
		Projection:      rtv1.ProjectionOptions{Horizon: &horizon, R: &r, Seed: 7},
		IncludePaths:    true,
	}

	resp, err := h.client.ProjectIncidence(context.Background(), req)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	proj := resp.Projection
	if proj.Start != "2014-05-11" || proj.Days != 5 || proj.Trajectories != 50 {
		t.Fatalf("unexpected projection header: %+v", proj)
	}
	if len(proj.Daily) != 5 || proj.Daily[0].Day != 1 || len(proj.Daily[0].Quantiles) != 3 {
		t.Fatalf("unexpected daily summaries: %+v", proj.Daily)
	}
	if len(proj.Paths) != 50 || len(proj.Paths[0]) != 5 {
		t.Fatalf("expected 50 paths of 5 days")
	}
	for _, v := range proj.RValues {
		if v != 1.5 {
			t.Fatalf("fixed R must be used by every trajectory, got %f", v)
		}
	}
	if resp.Model != "poisson" {
		t.Fatalf("unexpected model %q", resp.Model)
	}

	again, err := h.client.ProjectIncidence(context.Background(), req)
	if err != nil {
		t.Fatalf("project again: %v", err)
	}
	for j := range proj.Paths {
		for d := range proj.Paths[j] {
			if proj.Paths[j][d] != again.Projection.Paths[j][d] {
				t.Fatalf("same seed must reproduce the ensemble")
			}
		}
	}
}

func TestProjectIncidenceHonoursZeroHorizon(t *testing.T) {
	h := startService(t)
	zero := 0
	req := &rtv1.ProjectRequest{EstimateRequest: *scenario()}

	resp, err := h.client.ProjectIncidence(context.Background(), req)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if resp.Projection.Days != 30 {
		t.Fatalf("unset horizon should use the configured 30 days, got %d", resp.Projection.Days)
	}

	req.Projection.Horizon = &zero
	resp, err = h.client.ProjectIncidence(context.Background(), req)
	if err != nil {
		t.Fatalf("project with zero horizon: %v", err)
	}
	if resp.Projection.Days != 0 || len(resp.Projection.Daily) != 0 || resp.Projection.Start != "2014-05-11" {
		t.Fatalf("expected an empty projection, got %+v", resp.Projection)
	}
}

func TestProjectIncidenceReportsConfiguredModel(t *testing.T) {
	h := startService(t, func(cfg *config.Config) {
		cfg.Projection.Model = "negative_binomial"
		cfg.Projection.Dispersion = 0.2
	})
	r, horizon := 1.2, 3
	req := &rtv1.ProjectRequest{
		EstimateRequest: *scenario(),
		Projection:      rtv1.ProjectionOptions{Horizon: &horizon, R: &r, Seed: 3},
	}

	resp, err := h.client.ProjectIncidence(context.Background(), req)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if resp.Model != "negative_binomial" || resp.Projection.Model != "negative_binomial" {
		t.Fatalf("expected the configured model to be reported, got %q and %q", resp.Model, resp.Projection.Model)
	}

	req.Projection.Model = "poisson"
	resp, err = h.client.ProjectIncidence(context.Background(), req)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if resp.Model != "poisson" {
		t.Fatalf("request model should override the default, got %q", resp.Model)
	}
}

func TestSnapshotRoundTripOverGRPC(t *testing.T) {
	h := startService(t)

	if _, err := h.client.GetSnapshot(context.Background(), &rtv1.GetSnapshotRequest{AnalysisID: "missing"}); status.Code(err) != codes.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	req := scenario()
	req.AnalysisID = "ebola-week-19"
	req.Persist = true
	resp, err := h.client.EstimateReproduction(context.Background(), req)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if !resp.Persisted {
		t.Fatalf("expected persisted analysis, warnings %v", resp.Warnings)
	}

	snap, err := h.client.GetSnapshot(context.Background(), &rtv1.GetSnapshotRequest{AnalysisID: "ebola-week-19"})
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if len(snap.Counts) != 10 || snap.SeriesStart != "2014-05-01" || len(snap.Estimates) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Estimates[0].Mean != resp.Estimates[0].Mean || snap.Projection != nil {
		t.Fatalf("snapshot does not match the analysis")
	}
}

func TestFitSerialIntervalAndGrowthOverGRPC(t *testing.T) {
	h := startService(t)

	pairs := []rtv1.TransmissionPair{
		{InfectorOnset: "2009-04-20", InfecteeOnset: "2009-04-22"},
		{InfectorOnset: "2009-04-20", InfecteeOnset: "2009-04-23"},
		{InfectorOnset: "2009-04-21", InfecteeOnset: "2009-04-24"},
		{InfectorOnset: "2009-04-21", InfecteeOnset: "2009-04-25"},
		{InfectorOnset: "2009-04-22", InfecteeOnset: "2009-04-26"},
		{InfectorOnset: "2009-04-22", InfecteeOnset: "2009-04-27"},
		{InfectorOnset: "2009-04-23", InfecteeOnset: "2009-04-27"},
		{InfectorOnset: "2009-04-23", InfecteeOnset: "2009-04-29"},
	}
	fit, err := h.client.FitSerialInterval(context.Background(), &rtv1.FitSerialIntervalRequest{Pairs: pairs})
	if err != nil {
		t.Fatalf("fit serial interval: %v", err)
	}
	if fit.Observations != 8 || fit.Mean <= 0 || len(fit.PMF) == 0 || fit.Posterior != nil {
		t.Fatalf("unexpected fit: %+v", fit)
	}

	counts := make([]int, 15)
	for i := range counts {
		counts[i] = int(math.Round(3 * math.Exp(0.12*float64(i))))
	}
	growth, err := h.client.FitGrowth(context.Background(), &rtv1.FitGrowthRequest{
		Incidence:      rtv1.IncidenceInput{Start: "2020-03-01", Counts: counts},
		SerialInterval: &rtv1.SerialIntervalInput{Mean: 5, SD: 2},
	})
	if err != nil {
		t.Fatalf("fit growth: %v", err)
	}
	if len(growth.Phases) != 1 {
		t.Fatalf("expected one phase, got %d", len(growth.Phases))
	}
	phase := growth.Phases[0]
	if math.Abs(phase.Rate-0.12) > 0.02 || phase.DoublingTime == nil || phase.Reproduction == nil || *phase.Reproduction <= 1 {
		t.Fatalf("unexpected growth phase: %+v", phase)
	}

	if _, err := h.client.FitGrowth(context.Background(), &rtv1.FitGrowthRequest{
		Incidence: rtv1.IncidenceInput{Counts: []int{0, 0, 4}},
	}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected too few points to be rejected, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	h := startService(t)
	resp, err := h.client.HealthCheck(context.Background(), &rtv1.HealthRequest{})
	if err != nil || resp.Status != "SERVING" {
		t.Fatalf("unexpected health response %+v %v", resp, err)
	}

	std, err := healthpb.NewHealthClient(h.conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: rtv1.ServiceName})
	if err != nil || std.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected standard health response %v %v", std, err)
	}
}

func TestNilRequestsAreRejected(t *testing.T) {
	service := NewRenewalService(nil, nil)
	if _, err := service.EstimateReproduction(context.Background(), nil); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := service.FitGrowth(context.Background(), &rtv1.FitGrowthRequest{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition without pipeline, got %v", err)
	}
}
