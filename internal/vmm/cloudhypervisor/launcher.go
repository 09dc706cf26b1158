package cloudhypervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/programexplorer/pe/internal/errdefs"
)

// Process is the subset of *os.Process WaitExit needs, kept as an
// interface so tests can fake VMM exit behavior without spawning a
// real binary.
type Process interface {
	Wait() (*os.ProcessState, error)
	Kill() error
}

// ExitResult is what WaitExit reports back to the worker (C7), which
// turns it into a Response (spec §4.6 "observed via the process
// handle").
type ExitResult struct {
	State    *os.ProcessState
	WaitErr  error
	TimedOut bool
}

// Launcher spawns the VMM binary with a pinned cpuset and a per-VM API
// socket (spec §4.6).
type Launcher struct {
	BinaryPath string
	RuntimeDir string
}

// Handle is a spawned VMM instance: its API client, process handle,
// and API socket path (removed on Release).
type Handle struct {
	Client     *Client
	Process    *os.Process
	SocketPath string
	cmd        *exec.Cmd
}

// Release removes the VMM's API socket file. It does not signal or
// reap the child process; WaitExit is what waits on it.
func (h *Handle) Release() {
	os.Remove(h.SocketPath)
}

// Spawn starts the VMM bound to cpuset, with fds passed via
// extraFiles made available in the child at fd 3, 4, 5, ... in the
// order given (spec §4.6 "file descriptors dup2'd to known numbers").
// Every other inherited descriptor is closed: os.File descriptors are
// opened close-on-exec by default in Go, so no explicit close_range
// call is needed for fds this process itself opened; any descriptor
// handed to extraFiles is explicitly un-cloexec'd by exec.Cmd.
func (l *Launcher) Spawn(cpuset []int, extraFiles []*os.File) (*Handle, error) {
	id := uuid.NewString()
	socketPath := filepath.Join(l.RuntimeDir, id+".sock")

	cmd := exec.Command(l.BinaryPath, "--api-socket", socketPath)
	cmd.ExtraFiles = extraFiles
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("spawn vmm: %w", err))
	}

	if len(cpuset) > 0 {
		var mask unix.CPUSet
		for _, cpu := range cpuset {
			mask.Set(cpu)
		}
		if err := unix.SchedSetaffinity(cmd.Process.Pid, &mask); err != nil {
			_ = cmd.Process.Kill()
			return nil, errdefs.WrapSystem(fmt.Errorf("pin vmm to cpuset %v: %w", cpuset, err))
		}
	}

	return &Handle{
		Client:     Dial(socketPath),
		Process:    cmd.Process,
		SocketPath: socketPath,
		cmd:        cmd,
	}, nil
}

// ParseCPUSet parses the worker_cpuset string of spec §4.7
// ("start:count:stride") into the per-slot cpuset lists, e.g.
// "4:2:2" -> [[4,5],[6,7]].
func ParseCPUSet(spec string) ([][]int, error) {
	var start, count, stride int
	if _, err := fmt.Sscanf(spec, "%d:%d:%d", &start, &count, &stride); err != nil {
		return nil, errdefs.WrapInvalidParameter(fmt.Errorf("invalid worker_cpuset %q: %w", spec, err))
	}
	if count <= 0 || stride <= 0 {
		return nil, errdefs.WrapInvalidParameter(fmt.Errorf("invalid worker_cpuset %q: count and stride must be positive", spec))
	}
	out := make([][]int, count)
	for i := 0; i < count; i++ {
		base := start + i*stride
		cpus := make([]int, stride)
		for j := 0; j < stride; j++ {
			cpus[j] = base + j
		}
		out[i] = cpus
	}
	return out, nil
}
