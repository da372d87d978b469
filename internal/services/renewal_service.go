package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/outbreakstack/renewal-rt/internal/api"
	"github.com/outbreakstack/renewal-rt/internal/engine"
	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
	"github.com/outbreakstack/renewal-rt/internal/utils"
)

// RenewalService implements the gRPC RenewalEngine service.
type RenewalService struct {
	rtv1.UnimplementedRenewalEngineServer

	logger    *slog.Logger
	pipeline  *engine.Pipeline
	latencies *utils.LatencyTracker
}

// NewRenewalService constructs the service facade.
func NewRenewalService(logger *slog.Logger, pipeline *engine.Pipeline) *RenewalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalService{
		logger:    logger,
		pipeline:  pipeline,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// EstimateReproduction estimates R over the requested windows.
func (s *RenewalService) EstimateReproduction(ctx context.Context, req *rtv1.EstimateRequest) (*rtv1.EstimateResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}

	domainReq, err := api.FromWireEstimateRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	analysis, err := s.pipeline.Analyse(ctx, domainReq)
	if err != nil {
		return nil, s.toStatus("estimate", err)
	}
	s.observe(time.Since(start))

	resp := api.ToWireEstimateResponse(analysis)
	return &resp, nil
}

// ProjectIncidence estimates R and simulates incidence forward.
func (s *RenewalService) ProjectIncidence(ctx context.Context, req *rtv1.ProjectRequest) (*rtv1.ProjectResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}

	domainReq, err := api.FromWireProjectRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	start := time.Now()
	analysis, err := s.pipeline.Analyse(ctx, domainReq)
	if err != nil {
		return nil, s.toStatus("project", err)
	}
	s.observe(time.Since(start))

	resp, err := api.ToWireProjectResponse(analysis, req.Quantiles, req.IncludePaths)
	if err != nil {
		return nil, s.toStatus("project", err)
	}
	return resp, nil
}

// FitSerialInterval fits a serial interval to transmission pairs.
func (s *RenewalService) FitSerialInterval(ctx context.Context, req *rtv1.FitSerialIntervalRequest) (*rtv1.FitSerialIntervalResponse, error) {
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	spec, err := api.FromWireFitSerialIntervalRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	fit, err := s.pipeline.FitSerialInterval(ctx, spec)
	if err != nil {
		return nil, s.toStatus("fit serial interval", err)
	}
	return api.ToWireSerialIntervalFit(fit), nil
}

// FitGrowth fits exponential growth to an incidence curve.
func (s *RenewalService) FitGrowth(ctx context.Context, req *rtv1.FitGrowthRequest) (*rtv1.FitGrowthResponse, error) {
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	domainReq, err := api.FromWireGrowthRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := s.pipeline.FitGrowth(ctx, domainReq)
	if err != nil {
		return nil, s.toStatus("fit growth", err)
	}
	return api.ToWireGrowth(out), nil
}

// GetSnapshot returns a persisted analysis.
func (s *RenewalService) GetSnapshot(ctx context.Context, req *rtv1.GetSnapshotRequest) (*rtv1.GetSnapshotResponse, error) {
	if req == nil || req.AnalysisID == "" {
		return nil, status.Error(codes.InvalidArgument, "analysis_id is required")
	}
	if s.pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	snap, err := s.pipeline.Snapshot(ctx, req.AnalysisID)
	if err != nil {
		return nil, s.toStatus("get snapshot", err)
	}
	resp, err := api.ToWireSnapshot(snap)
	if err != nil {
		return nil, s.toStatus("get snapshot", err)
	}
	return resp, nil
}

// HealthCheck returns the current health state.
func (s *RenewalService) HealthCheck(ctx context.Context, req *rtv1.HealthRequest) (*rtv1.HealthResponse, error) {
	return &rtv1.HealthResponse{Status: "SERVING"}, nil
}

// LatencyP95 returns the current p95 analysis latency.
func (s *RenewalService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *RenewalService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("analysis latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

// toStatus maps domain errors onto gRPC codes.
func (s *RenewalService) toStatus(action string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case engine.IsInvalidInput(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, utils.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, utils.ErrUnavailable):
		s.logger.Error(action+" failed", slog.String("op", utils.Operation(err)), slog.Any("error", err))
		return status.Error(codes.Unavailable, err.Error())
	default:
		s.logger.Error(action+" failed", slog.String("op", utils.Operation(err)), slog.Any("error", err))
		return status.Errorf(codes.Internal, "%s failed: %v", action, err)
	}
}
