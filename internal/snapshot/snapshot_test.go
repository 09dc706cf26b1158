package snapshot

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/programexplorer/pe/internal/vmm/cloudhypervisor"
)

func TestCacheLookupMiss(t *testing.T) {
	c := NewCache(t.TempDir(), 2)
	_, ok := c.Lookup(Key{Fingerprint: "a"})
	require.False(t, ok)
}

func TestCachePutAndLookup(t *testing.T) {
	c := NewCache(t.TempDir(), 2)
	dir := t.TempDir()
	key := Key{Fingerprint: "a", CmdlinePrefix: "pe.rootfs=abc"}

	c.Put(key, dir, nil)
	got, ok := c.Lookup(key)
	require.True(t, ok)
	require.Equal(t, dir, got)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(t.TempDir(), 2)

	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")
	dirC := filepath.Join(t.TempDir(), "c")
	require.NoError(t, os.MkdirAll(dirA, 0o755))
	require.NoError(t, os.MkdirAll(dirB, 0o755))
	require.NoError(t, os.MkdirAll(dirC, 0o755))

	keyA := Key{Fingerprint: "a"}
	keyB := Key{Fingerprint: "b"}
	keyC := Key{Fingerprint: "c"}

	c.Put(keyA, dirA, nil)
	c.Put(keyB, dirB, nil)
	// touch A so B becomes least recently used
	_, _ = c.Lookup(keyA)
	c.Put(keyC, dirC, nil)

	_, ok := c.Lookup(keyB)
	require.False(t, ok, "B should have been evicted as least recently used")
	_, err := os.Stat(dirB)
	require.True(t, os.IsNotExist(err), "evicted snapshot directory should be removed from disk")

	_, ok = c.Lookup(keyA)
	require.True(t, ok)
	_, ok = c.Lookup(keyC)
	require.True(t, ok)
}

func TestPrewarmTakesAndRetainsSnapshot(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "api.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	var snapshotted bool
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/vm.snapshot" {
			snapshotted = true
		}
		w.WriteHeader(http.StatusNoContent)
	})}
	go srv.Serve(ln)
	defer srv.Close()

	cache := NewCache(t.TempDir(), 1)
	key := Key{Fingerprint: "img"}
	launch := func(ctx context.Context) (*cloudhypervisor.Handle, error) {
		return &cloudhypervisor.Handle{Client: cloudhypervisor.Dial(sock), SocketPath: sock}, nil
	}

	require.NoError(t, Prewarm(context.Background(), cache, key, launch))
	require.True(t, snapshotted)

	got, ok := cache.Lookup(key)
	require.True(t, ok)
	require.Equal(t, cache.Dir(key), got)
}

func TestCacheRemove(t *testing.T) {
	c := NewCache(t.TempDir(), 2)
	dir := t.TempDir()
	key := Key{Fingerprint: "a"}
	c.Put(key, dir, nil)

	c.Remove(key)
	_, ok := c.Lookup(key)
	require.False(t, ok)
}
