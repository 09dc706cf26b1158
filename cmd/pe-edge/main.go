// Command pe-edge runs C8: the HTTP front end that accepts run
// requests and dispatches them to C4 (image resolution) and C7 (the
// worker pool) over their IPC sockets (spec §4.8, §6 "edge takes
// --uds|--tcp, --worker").
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/programexplorer/pe/internal/config"
	"github.com/programexplorer/pe/internal/edge"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/metrics"
	"github.com/programexplorer/pe/internal/peenv"
	"github.com/programexplorer/pe/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("pe-edge exited with error")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.NewEdgeOptions()

	root := &cobra.Command{
		Use:   "pe-edge",
		Short: "HTTP front end dispatching to the image service and worker pool (C8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cfg.InstallFlags(root.Flags())
	return root
}

func run(ctx context.Context, cfg *config.EdgeOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := peenv.NewLogger("pe-edge")

	if cfg.UDS == "" && cfg.TCP == "" {
		return errors.New("one of --uds or --tcp is required")
	}
	if cfg.UDS != "" && cfg.TCP != "" {
		return errors.New("--uds and --tcp are mutually exclusive")
	}

	maxInputBytes, err := cfg.MaxInputBytes()
	if err != nil {
		return err
	}

	images := imageservice.NewClient(cfg.ImageService)
	pool := worker.NewClient(cfg.Worker)
	handler := edge.NewHandler(images, pool, maxInputBytes, log)

	reg := prometheus.NewRegistry()
	mux := handler.Router()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Handler: mux}

	var ln net.Listener
	if cfg.UDS != "" {
		os.Remove(cfg.UDS)
		ln, err = net.Listen("unix", cfg.UDS)
	} else {
		ln, err = net.Listen("tcp", cfg.TCP)
	}
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	log.WithFields(logrus.Fields{"uds": cfg.UDS, "tcp": cfg.TCP}).Info("pe-edge listening")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
