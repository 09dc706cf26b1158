// Package config holds the per-daemon flag/env option structs used by
// each cmd/ entrypoint, in moby-moby's cli/flags shape: a plain struct
// with defaults, an InstallFlags(*pflag.FlagSet) method, and numeric
// caps parsed through github.com/docker/go-units so operators can write
// "1GiB" instead of a raw byte count (spec §9 "Configuration").
package config

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/pflag"
)

// WorkerOptions is the C6/C7 daemon's CLI surface (spec §6 "worker
// takes --uds, --image-service, --worker-cpuset, --kernel, --initramfs,
// --ch").
type WorkerOptions struct {
	UDS            string
	ImageService   string
	WorkerCPUSet   string
	Kernel         string
	Initramfs      string
	CloudHypervisor string
	RuntimeDir     string

	MemoryHuman    string
	QueueTimeout   time.Duration
	BootBudget     time.Duration
	TeardownBudget time.Duration
}

// NewWorkerOptions returns a WorkerOptions with spec §5/§9 defaults.
func NewWorkerOptions() *WorkerOptions {
	return &WorkerOptions{
		WorkerCPUSet:    "0:1:1",
		MemoryHuman:     "1GiB",
		QueueTimeout:    5 * time.Second,
		BootBudget:      2 * time.Second,
		TeardownBudget:  2 * time.Second,
		CloudHypervisor: "cloud-hypervisor",
	}
}

// InstallFlags registers every worker flag on fs.
func (o *WorkerOptions) InstallFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.UDS, "uds", o.UDS, "unix socket the worker listens on for submit requests")
	fs.StringVar(&o.ImageService, "image-service", o.ImageService, "unix socket path of the image service (C4)")
	fs.StringVar(&o.WorkerCPUSet, "worker-cpuset", o.WorkerCPUSet, "start:count:stride cpuset partition for worker slots")
	fs.StringVar(&o.Kernel, "kernel", o.Kernel, "path to the guest kernel image")
	fs.StringVar(&o.Initramfs, "initramfs", o.Initramfs, "path to the guest initramfs payload")
	fs.StringVar(&o.CloudHypervisor, "ch", o.CloudHypervisor, "path to the cloud-hypervisor binary")
	fs.StringVar(&o.MemoryHuman, "memory", o.MemoryHuman, "per-VM memory size, e.g. 1GiB")
	fs.DurationVar(&o.QueueTimeout, "queue-timeout", o.QueueTimeout, "max time a request waits for a free slot")
	fs.DurationVar(&o.BootBudget, "boot-budget", o.BootBudget, "outer-timeout boot allowance added to wall-clock")
	fs.DurationVar(&o.TeardownBudget, "teardown-budget", o.TeardownBudget, "outer-timeout teardown allowance added to wall-clock")
}

// MemoryBytes parses MemoryHuman via go-units.
func (o *WorkerOptions) MemoryBytes() (int64, error) {
	n, err := units.RAMInBytes(o.MemoryHuman)
	if err != nil {
		return 0, fmt.Errorf("parse --memory %q: %w", o.MemoryHuman, err)
	}
	return n, nil
}

// EdgeOptions is C8's CLI surface (spec §6 "edge takes --uds|--tcp,
// --worker").
type EdgeOptions struct {
	UDS            string
	TCP            string
	Worker         string
	ImageService   string
	MaxInputHuman  string
}

// NewEdgeOptions returns EdgeOptions with spec §4.8 defaults.
func NewEdgeOptions() *EdgeOptions {
	return &EdgeOptions{
		MaxInputHuman: "1MiB",
	}
}

func (o *EdgeOptions) InstallFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.UDS, "uds", o.UDS, "unix socket to listen on (mutually exclusive with --tcp)")
	fs.StringVar(&o.TCP, "tcp", o.TCP, "tcp address to listen on (mutually exclusive with --uds)")
	fs.StringVar(&o.Worker, "worker", o.Worker, "unix socket path of the worker pool (C7)")
	fs.StringVar(&o.ImageService, "image-service", o.ImageService, "unix socket path of the image service (C4)")
	fs.StringVar(&o.MaxInputHuman, "max-input", o.MaxInputHuman, "maximum request body size, e.g. 1MiB")
}

// MaxInputBytes parses MaxInputHuman via go-units.
func (o *EdgeOptions) MaxInputBytes() (int64, error) {
	n, err := units.RAMInBytes(o.MaxInputHuman)
	if err != nil {
		return 0, fmt.Errorf("parse --max-input %q: %w", o.MaxInputHuman, err)
	}
	return n, nil
}

// ImageServiceOptions is C4's CLI surface (spec §6 "image service takes
// --listen, --auth, --cache").
type ImageServiceOptions struct {
	Listen string
	Auth   string
	Cache  string
}

// NewImageServiceOptions returns ImageServiceOptions with defaults.
func NewImageServiceOptions() *ImageServiceOptions {
	return &ImageServiceOptions{Cache: "/var/lib/pe/images"}
}

func (o *ImageServiceOptions) InstallFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Listen, "listen", o.Listen, "seqpacket unix socket to accept C4 IPC requests on")
	fs.StringVar(&o.Auth, "auth", o.Auth, "path to the registry_auth credentials file (spec §9)")
	fs.StringVar(&o.Cache, "cache", o.Cache, "on-disk directory for sealed image artifacts")
}
