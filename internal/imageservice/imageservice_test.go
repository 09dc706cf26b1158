package imageservice

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/programexplorer/pe/internal/ociimage"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.Out = os.Stderr
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestCacheLookupMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, nil, discardLog())
	require.NoError(t, err)

	_, ok := c.Lookup("alpine:3.19", "amd64", "linux")
	require.False(t, ok)
}

func TestCacheLookupHitAfterManualPlacement(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, nil, discardLog())
	require.NoError(t, err)

	fp := ociimage.Fingerprint("alpine:3.19", "amd64", "linux")
	require.NoError(t, os.WriteFile(filepath.Join(dir, fp+".erofs"), []byte("x"), 0o644))

	got, ok := c.Lookup("alpine:3.19", "amd64", "linux")
	require.True(t, ok)
	require.Equal(t, fp, got.Fingerprint)
}

func TestAcquireReleaseGatesEvict(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, nil, discardLog())
	require.NoError(t, err)

	fp := ociimage.Fingerprint("alpine:3.19", "amd64", "linux")
	path := filepath.Join(dir, fp+".erofs")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c.Acquire(fp)
	require.Error(t, c.Evict(fp))
	c.Release(fp)
	require.NoError(t, c.Evict(fp))
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestIPCRoundTripRejectsLatest(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, nil, discardLog())
	require.NoError(t, err)
	srv := NewServer(c, discardLog())

	sock := filepath.Join(dir, "imageservice.sock")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = srv.Serve(ctx, sock)
	}()
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(sock)
		return statErr == nil
	}, time.Second, 5*time.Millisecond)

	client := NewClient(sock)
	callCtx, callCancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer callCancel()
	// "latest" is rejected by ParseReference before the (nil, in this
	// test) puller is ever touched, so this exercises the IPC error path
	// without needing network access.
	_, err = client.Materialize(callCtx, "alpine:latest", "amd64", "linux")
	require.Error(t, err)
}
