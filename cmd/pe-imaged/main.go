// Command pe-imaged runs C4: the process-local image cache and build
// coalescer, reachable over its IPC socket by pe-edge and pe-worker
// (spec §4.4, §6 "image service takes --listen, --auth, --cache").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/programexplorer/pe/internal/config"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/metrics"
	"github.com/programexplorer/pe/internal/ociimage"
	"github.com/programexplorer/pe/internal/peenv"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("pe-imaged exited with error")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.NewImageServiceOptions()
	metricsAddr := ""

	root := &cobra.Command{
		Use:   "pe-imaged",
		Short: "Image pull, squash, and cache service (C4)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, metricsAddr)
		},
	}
	cfg.InstallFlags(root.Flags())
	root.Flags().StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus /metrics on, empty disables")
	return root
}

func run(ctx context.Context, cfg *config.ImageServiceOptions, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := peenv.NewLogger("pe-imaged")

	if cfg.Auth != "" {
		os.Setenv("DOCKER_CONFIG", filepath.Dir(cfg.Auth))
	}
	if err := os.MkdirAll(cfg.Cache, 0o755); err != nil {
		return fmt.Errorf("create cache dir %s: %w", cfg.Cache, err)
	}

	puller := ociimage.NewPuller()
	cache, err := imageservice.NewCache(cfg.Cache, puller, log)
	if err != nil {
		return fmt.Errorf("open image cache: %w", err)
	}

	reg := prometheus.NewRegistry()
	cache.SetMetrics(metrics.NewImage(reg))

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	server := imageservice.NewServer(cache, log)
	log.WithField("listen", cfg.Listen).Info("pe-imaged listening")
	if err := server.Serve(ctx, cfg.Listen); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("serve image service: %w", err)
	}
	return nil
}
