package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestWorkerOptionsInstallFlagsWithDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("testing", pflag.ContinueOnError)
	opts := NewWorkerOptions()
	opts.InstallFlags(fs)

	require.NoError(t, fs.Parse(nil))
	require.Equal(t, "0:1:1", opts.WorkerCPUSet)

	mem, err := opts.MemoryBytes()
	require.NoError(t, err)
	require.Equal(t, int64(1<<30), mem)
}

func TestWorkerOptionsInstallFlagsOverride(t *testing.T) {
	fs := pflag.NewFlagSet("testing", pflag.ContinueOnError)
	opts := NewWorkerOptions()
	opts.InstallFlags(fs)

	require.NoError(t, fs.Parse([]string{"--worker-cpuset=4:2:2", "--kernel=/boot/vmlinux"}))
	require.Equal(t, "4:2:2", opts.WorkerCPUSet)
	require.Equal(t, "/boot/vmlinux", opts.Kernel)
}

func TestEdgeOptionsMaxInputBytes(t *testing.T) {
	fs := pflag.NewFlagSet("testing", pflag.ContinueOnError)
	opts := NewEdgeOptions()
	opts.InstallFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max-input=2MiB"}))

	n, err := opts.MaxInputBytes()
	require.NoError(t, err)
	require.Equal(t, int64(2<<20), n)
}

func TestImageServiceOptionsDefaults(t *testing.T) {
	fs := pflag.NewFlagSet("testing", pflag.ContinueOnError)
	opts := NewImageServiceOptions()
	opts.InstallFlags(fs)
	require.NoError(t, fs.Parse(nil))
	require.Equal(t, "/var/lib/pe/images", opts.Cache)
}
