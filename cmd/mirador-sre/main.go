// mirador-sre watches a Go service's runtime, evaluates its SLOs against
// Prometheus or mirador-core history and plans capacity from metric trends.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-sre/internal/api"
	"github.com/miradorstack/mirador-sre/internal/capacity"
	"github.com/miradorstack/mirador-sre/internal/config"
	"github.com/miradorstack/mirador-sre/internal/metrics"
	"github.com/miradorstack/mirador-sre/internal/sampler"
	"github.com/miradorstack/mirador-sre/internal/utils"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "mirador-sre",
		Short:         "Runtime reliability toolkit: incidents, SLOs and capacity planning",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default $MIRADOR_SRE_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sampler, detector, SLO engine and HTTP/gRPC endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	var (
		capacityMetrics string
		capacityWindow  time.Duration
		capacityTimeout time.Duration
	)
	capacityCmd := &cobra.Command{
		Use:   "capacity",
		Short: "Run one capacity analysis and print recommendations as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)
			history, closeHistory, err := buildHistory(cfg, logger)
			if err != nil {
				return err
			}
			defer closeHistory()
			if history == nil {
				return fmt.Errorf("capacity analysis needs a history backend (history.backend)")
			}

			var names []string
			if capacityMetrics != "" {
				for _, m := range strings.Split(capacityMetrics, ",") {
					if m = strings.TrimSpace(m); m != "" {
						names = append(names, m)
					}
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), capacityTimeout)
			defer cancel()
			planner := capacity.NewPlanner(history, cfg.Capacity.Config, logger)
			recs, err := planner.Analyze(ctx, names, capacityWindow)
			if err != nil {
				return err
			}
			resp := api.CapacityResponse{GeneratedAt: time.Now().UTC(), Recommendations: make([]api.RecommendationDTO, 0, len(recs))}
			for _, rec := range recs {
				resp.Recommendations = append(resp.Recommendations, api.ToRecommendationDTO(rec))
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	capacityCmd.Flags().StringVar(&capacityMetrics, "metrics", "", "Metrics to analyse, comma-separated (default: capacity.metrics)")
	capacityCmd.Flags().DurationVar(&capacityWindow, "window", 0, "History window (default: capacity.historyWindow)")
	capacityCmd.Flags().DurationVar(&capacityTimeout, "timeout", 2*time.Minute, "Analysis timeout")

	metricsCmd := &cobra.Command{
		Use:   "metrics",
		Short: "Sample the local runtime once and print the Prometheus exposition",
		RunE: func(_ *cobra.Command, _ []string) error {
			return printLocalMetrics(out)
		},
	}

	rootCmd.AddCommand(serveCmd, capacityCmd, metricsCmd)
	return rootCmd
}

func printLocalMetrics(out io.Writer) error {
	reg := metrics.NewRegistry()
	s, err := sampler.New(reg, utils.DiscardLogger())
	if err != nil {
		return err
	}
	s.Sample()
	return reg.WriteText(out)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	slog.SetDefault(logger)
	logger.Info("starting mirador-sre",
		slog.String("address", cfg.Server.Address),
		slog.String("grpc_address", cfg.Server.GRPCAddress),
		slog.String("version", cfg.Server.Version))

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	var wg sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	app.start(runCtx, &wg)

	serveErr := make(chan error, 1)
	go func() { serveErr <- app.server.Start() }()

	var result error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server exited", slog.Any("error", err))
			result = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	app.server.Shutdown(shutdownCtx)
	cancelRun()
	if app.scheduler != nil {
		app.scheduler.Stop(shutdownCtx)
	}
	wg.Wait()
	app.detector.Wait()

	logger.Info("mirador-sre stopped")
	return result
}
