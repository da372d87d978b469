// Command rtctl runs renewal-model analyses on CSV case data, either in
// process or against a running rt-engine.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/outbreakstack/renewal-rt/internal/config"
	"github.com/outbreakstack/renewal-rt/internal/engine"
	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
	"github.com/outbreakstack/renewal-rt/internal/repo"
	"github.com/outbreakstack/renewal-rt/internal/services"
	"github.com/outbreakstack/renewal-rt/internal/utils"
	"github.com/outbreakstack/renewal-rt/internal/workers"
)

var (
	serverAddr string
	configFile string
	outputJSON bool
	verbose    bool
)

// RootCmd is the main command.
var RootCmd = &cobra.Command{
	Use:   "rtctl",
	Short: "Estimate and project the reproduction number of an outbreak.",
	Long: `rtctl estimates the time-varying reproduction number R from daily
incidence with the renewal equation, projects incidence forward, fits serial
intervals to transmission pairs and fits exponential growth. Analyses run in
process unless --server names a running rt-engine.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "address of an rt-engine gRPC server; empty runs analyses in process")
	RootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file for in-process analyses")
	RootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print the full response as JSON")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")

	RootCmd.AddCommand(estimateCmd, projectCmd, fitSICmd, growthCmd, snapshotCmd)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// backend is the set of calls every subcommand makes. The in-process
// service and the gRPC client both satisfy it.
type backend interface {
	rtv1.RenewalEngineServer
	Close() error
}

func openBackend() (backend, error) {
	if serverAddr != "" {
		conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", serverAddr, err)
		}
		return &remoteBackend{client: rtv1.NewRenewalEngineClient(conn), conn: conn}, nil
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		logger = utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, false)
	}

	var snapshots engine.SnapshotStore
	if cfg.Snapshots.Enabled {
		store, err := repo.NewSnapshotStore(cfg.Snapshots.Dir, nil, 0)
		if err != nil {
			return nil, err
		}
		snapshots = store
	}
	var surveillance engine.SurveillanceClient
	if sc := cfg.Clients.Surveillance; sc.BaseURL != "" {
		surveillance = repo.NewSurveillanceClient(repo.SurveillanceOptions{
			BaseURL:       sc.BaseURL,
			IncidencePath: sc.IncidencePath,
			PairsPath:     sc.PairsPath,
			Timeout:       sc.Timeout,
			MaxRetries:    sc.MaxRetries,
		}, nil, 0, logger)
	}

	pool := workers.NewPool(cfg.Workers.Size)
	pipeline := engine.NewPipeline(logger, *cfg, surveillance, snapshots, pool)
	return &localBackend{RenewalService: services.NewRenewalService(logger, pipeline), pool: pool}, nil
}

type localBackend struct {
	*services.RenewalService
	pool *workers.Pool
}

func (b *localBackend) Close() error {
	b.pool.Stop()
	return nil
}

type remoteBackend struct {
	client rtv1.RenewalEngineClient
	conn   *grpc.ClientConn
}

func (b *remoteBackend) Close() error { return b.conn.Close() }

func (b *remoteBackend) EstimateReproduction(ctx context.Context, in *rtv1.EstimateRequest) (*rtv1.EstimateResponse, error) {
	return b.client.EstimateReproduction(ctx, in)
}

func (b *remoteBackend) ProjectIncidence(ctx context.Context, in *rtv1.ProjectRequest) (*rtv1.ProjectResponse, error) {
	return b.client.ProjectIncidence(ctx, in)
}

func (b *remoteBackend) FitSerialInterval(ctx context.Context, in *rtv1.FitSerialIntervalRequest) (*rtv1.FitSerialIntervalResponse, error) {
	return b.client.FitSerialInterval(ctx, in)
}

func (b *remoteBackend) FitGrowth(ctx context.Context, in *rtv1.FitGrowthRequest) (*rtv1.FitGrowthResponse, error) {
	return b.client.FitGrowth(ctx, in)
}

func (b *remoteBackend) GetSnapshot(ctx context.Context, in *rtv1.GetSnapshotRequest) (*rtv1.GetSnapshotResponse, error) {
	return b.client.GetSnapshot(ctx, in)
}

func (b *remoteBackend) HealthCheck(ctx context.Context, in *rtv1.HealthRequest) (*rtv1.HealthResponse, error) {
	return b.client.HealthCheck(ctx, in)
}
