package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/valtlin/cgacct/internal/cgfs"
	"github.com/valtlin/cgacct/internal/exporter"
	"github.com/valtlin/cgacct/pkg/aggstore"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the accounting agent and serve Prometheus metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAgent(cmd.Context())
	},
}

func init() {
	runCmd.Flags().String("listen", ":9277", "address to serve /metrics on")
	runCmd.Flags().String("controller", cgfs.DefaultController, "cgroup v1 controller to attribute by")
	runCmd.Flags().String("proc-root", "/proc", "proc filesystem root")
	runCmd.Flags().Int("capacity", aggstore.DefaultCapacity, "per-table entry budget")
	runCmd.Flags().Int("shards", aggstore.DefaultShards, "lock shards per table")
	runCmd.Flags().StringSlice("ignore-mount", aggstore.DefaultConfig().IgnoredMounts, "mount prefixes to drop at event time")
	runCmd.Flags().StringSlice("allow-mount", nil, "mount prefixes to expose (empty allows all)")

	viper.BindPFlag("listen", runCmd.Flags().Lookup("listen"))
	viper.BindPFlag("controller", runCmd.Flags().Lookup("controller"))
	viper.BindPFlag("proc_root", runCmd.Flags().Lookup("proc-root"))
	viper.BindPFlag("capacity", runCmd.Flags().Lookup("capacity"))
	viper.BindPFlag("shards", runCmd.Flags().Lookup("shards"))
	viper.BindPFlag("ignored_mounts", runCmd.Flags().Lookup("ignore-mount"))
	viper.BindPFlag("allowed_mounts", runCmd.Flags().Lookup("allow-mount"))
}

func runAgent(ctx context.Context) error {
	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	rcfg, err := cgfs.Detect(viper.GetString("controller"), viper.GetString("proc_root"))
	if err != nil {
		return fmt.Errorf("failed to detect cgroup layout: %w", err)
	}

	logger.Info("Detected cgroup layout",
		zap.Bool("unified", rcfg.Unified()),
		zap.Uint32("subsys_idx", rcfg.SubsysIdx))

	storeCfg := aggstore.Config{
		Capacity:      viper.GetInt("capacity"),
		Shards:        viper.GetInt("shards"),
		IgnoredMounts: viper.GetStringSlice("ignored_mounts"),
	}

	store, err := aggstore.NewStore(storeCfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()

	collector := exporter.New(store, exporter.Config{
		AllowedMounts: viper.GetStringSlice("allowed_mounts"),
	}, logger)

	if err := registry.Register(collector); err != nil {
		return fmt.Errorf("failed to register collector: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              viper.GetString("listen"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		logger.Info("Serving metrics", zap.String("listen", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func buildLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}
