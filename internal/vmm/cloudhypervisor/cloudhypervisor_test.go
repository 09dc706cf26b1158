package cloudhypervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCPUSet(t *testing.T) {
	slots, err := ParseCPUSet("4:2:2")
	require.NoError(t, err)
	require.Equal(t, [][]int{{4, 5}, {6, 7}}, slots)
}

func TestParseCPUSetRejectsMalformed(t *testing.T) {
	_, err := ParseCPUSet("not-a-cpuset")
	require.Error(t, err)
}

func TestNewConfigDisablesSerialAndConsole(t *testing.T) {
	cfg := NewConfig(2, 512<<20, "/boot/vmlinux", "/boot/initramfs", "console=none")
	require.Equal(t, "Off", cfg.Serial.Mode)
	require.Equal(t, "Off", cfg.Console.Mode)
	require.Equal(t, 2, cfg.CPUs.BootVCPUs)
}

// fakeVMM is a minimal stand-in for the hypervisor's REST API,
// listening on a Unix socket the way the real VMM does.
func fakeVMM(t *testing.T, handler http.HandlerFunc) (socketPath string, closeFn func()) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "api.sock")
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	return socketPath, func() { srv.Close() }
}

func TestClientCreateBoot(t *testing.T) {
	var gotVerbs []string
	sock, closeFn := fakeVMM(t, func(w http.ResponseWriter, r *http.Request) {
		gotVerbs = append(gotVerbs, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	defer closeFn()

	c := Dial(sock)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := NewConfig(1, 64<<20, "k", "i", "cmd")
	require.NoError(t, c.Create(ctx, cfg))
	require.NoError(t, c.Boot(ctx))
	require.Equal(t, []string{"/api/v1/vm.create", "/api/v1/vm.boot"}, gotVerbs)
}

func TestClientSnapshotRestoreRemoveDevice(t *testing.T) {
	var bodies []map[string]any
	sock, closeFn := fakeVMM(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusNoContent)
	})
	defer closeFn()

	c := Dial(sock)
	ctx := context.Background()
	require.NoError(t, c.Snapshot(ctx, "/snap/dir"))
	require.NoError(t, c.Restore(ctx, "/snap/dir"))
	require.NoError(t, c.RemoveDevice(ctx, "pmem0"))

	require.Equal(t, "file:///snap/dir", bodies[0]["destination_url"])
	require.Equal(t, "file:///snap/dir", bodies[1]["source_url"])
	require.Equal(t, "pmem0", bodies[2]["id"])
}

func TestClientErrorStatusBecomesError(t *testing.T) {
	sock, closeFn := fakeVMM(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer closeFn()

	c := Dial(sock)
	err := c.Boot(context.Background())
	require.Error(t, err)
}

type fakeProcess struct {
	exitCh chan struct{}
	killed bool
}

func (f *fakeProcess) Wait() (*os.ProcessState, error) {
	<-f.exitCh
	return nil, nil
}

func (f *fakeProcess) Kill() error {
	f.killed = true
	select {
	case <-f.exitCh:
	default:
		close(f.exitCh)
	}
	return nil
}

func TestWaitExitReturnsOnExit(t *testing.T) {
	p := &fakeProcess{exitCh: make(chan struct{})}
	close(p.exitCh)
	res, err := WaitExit(context.Background(), p, time.Second)
	require.NoError(t, err)
	require.False(t, res.TimedOut)
}

func TestWaitExitKillsOnOuterTimeout(t *testing.T) {
	p := &fakeProcess{exitCh: make(chan struct{})}
	res, err := WaitExit(context.Background(), p, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, res.TimedOut)
	require.True(t, p.killed)
}
