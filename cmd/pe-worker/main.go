// Command pe-worker runs C6/C7: a fixed pool of pinned VMM slots that
// materialize images from C4 and run one request at a time through a
// cloud-hypervisor guest (spec §4.6, §4.7, §6 "worker takes --uds,
// --image-service, --worker-cpuset, --kernel, --initramfs, --ch").
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/programexplorer/pe/internal/config"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/metrics"
	"github.com/programexplorer/pe/internal/peenv"
	"github.com/programexplorer/pe/internal/snapshot"
	"github.com/programexplorer/pe/internal/vmm/cloudhypervisor"
	"github.com/programexplorer/pe/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("pe-worker exited with error")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.NewWorkerOptions()
	metricsAddr := ""
	snapshotCapacity := 0
	var snapshotKeys []string

	root := &cobra.Command{
		Use:   "pe-worker",
		Short: "Pinned VMM slot pool (C6/C7)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, metricsAddr, snapshotCapacity, snapshotKeys)
		},
	}
	fs := root.Flags()
	cfg.InstallFlags(fs)
	fs.StringVar(&metricsAddr, "metrics", "", "address to serve Prometheus /metrics on, empty disables")
	fs.IntVar(&snapshotCapacity, "snapshot-cache-size", 0, "number of pre-booted snapshots to retain, 0 disables C9")
	fs.StringSliceVar(&snapshotKeys, "snapshot-keys", nil, "image-ref=cmdline-prefix-override pairs to pre-warm at startup")
	return root
}

func run(ctx context.Context, cfg *config.WorkerOptions, metricsAddr string, snapshotCapacity int, snapshotKeys []string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := peenv.NewLogger("pe-worker")

	memoryBytes, err := cfg.MemoryBytes()
	if err != nil {
		return err
	}

	runtimeDir := cfg.RuntimeDir
	if runtimeDir == "" {
		runtimeDir = peenv.RuntimeDir()
	}
	ioDir := filepath.Join(runtimeDir, "io")

	launcher := &cloudhypervisor.Launcher{BinaryPath: cfg.CloudHypervisor, RuntimeDir: runtimeDir}
	pool, err := worker.NewPool(worker.Config{
		CPUSetSpec:     cfg.WorkerCPUSet,
		IODir:          ioDir,
		KernelPath:     cfg.Kernel,
		InitramfsPath:  cfg.Initramfs,
		MemoryBytes:    memoryBytes,
		QueueTimeout:   cfg.QueueTimeout,
		BootBudget:     cfg.BootBudget,
		TeardownBudget: cfg.TeardownBudget,
	}, launcher, log)
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}

	reg := prometheus.NewRegistry()
	pool.SetMetrics(metrics.NewWorker(reg))

	imageClient := imageservice.NewClient(cfg.ImageService)

	if snapshotCapacity > 0 {
		cache := snapshot.NewCache(filepath.Join(runtimeDir, "snapshots"), snapshotCapacity)
		pool.SetSnapshots(cache)
		prewarmAll(ctx, cache, launcher, imageClient, cfg, memoryBytes, snapshotKeys, log)
	}

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

	server := worker.NewServer(pool, log)
	log.WithField("uds", cfg.UDS).Info("pe-worker listening")
	if err := server.Serve(ctx, cfg.UDS); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("serve worker pool: %w", err)
	}
	return nil
}

// prewarmAll resolves each requested reference against the image
// service, cold-boots one VM per entry with its rootfs pmem device
// attached, and snapshots it (spec §9 "snapshot_keys - allowlist of
// image references that get C9 pre-warming"). One failed entry logs a
// warning and does not block the rest.
func prewarmAll(ctx context.Context, cache *snapshot.Cache, launcher *cloudhypervisor.Launcher, images *imageservice.Client, cfg *config.WorkerOptions, memoryBytes int64, keys []string, log *logrus.Entry) {
	for _, raw := range keys {
		ref, prefixOverride, _ := splitKey(raw)

		img, err := images.Materialize(ctx, ref, runtime.GOARCH, "linux")
		if err != nil {
			log.WithError(err).WithField("ref", ref).Warn("pre-warm: resolve image failed")
			continue
		}
		prefix := img.Prefix
		if prefixOverride != "" {
			prefix = prefixOverride
		}
		cmdline := fmt.Sprintf("pe.rootfs=%s", prefix)
		key := snapshot.Key{Fingerprint: img.Fingerprint, CmdlinePrefix: cmdline}

		launch := func(ctx context.Context) (*cloudhypervisor.Handle, error) {
			imgFile, err := os.Open(img.Path)
			if err != nil {
				return nil, fmt.Errorf("open image %s: %w", img.Path, err)
			}
			defer imgFile.Close()

			handle, err := launcher.Spawn(nil, []*os.File{imgFile})
			if err != nil {
				return nil, err
			}
			vmCfg := cloudhypervisor.NewConfig(1, memoryBytes, cfg.Kernel, cfg.Initramfs, cmdline)
			vmCfg.Pmem = []cloudhypervisor.PmemDevice{{Path: "/proc/self/fd/3", ReadOnly: true}}
			if err := handle.Client.Create(ctx, vmCfg); err != nil {
				handle.Release()
				return nil, err
			}
			if err := handle.Client.Boot(ctx); err != nil {
				handle.Release()
				return nil, err
			}
			return handle, nil
		}
		if err := snapshot.Prewarm(ctx, cache, key, launch); err != nil {
			log.WithError(err).WithField("ref", ref).Warn("pre-warm failed for snapshot key")
		}
	}
}

// splitKey parses "ref=cmdline-prefix-override"; the override half may
// be empty, meaning "use the resolved image's default prefix".
func splitKey(raw string) (ref, prefixOverride string, hasOverride bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return raw[:i], raw[i+1:], true
		}
	}
	return raw, "", false
}
