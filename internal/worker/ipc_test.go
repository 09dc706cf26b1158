package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/wire"
)

func TestIPCRoundTripTooBusy(t *testing.T) {
	dir := t.TempDir()

	// A pool with no slots at all rejects every Submit through the same
	// queueTimeout path TestAcquireTimesOutWhenPoolExhausted exercises
	// directly; this test instead drives it through the Unix socket
	// Server/Client pair.
	p := &Pool{slots: make(chan *Slot), queueTimeout: 20 * time.Millisecond, log: discardLog()}
	srv := NewServer(p, discardLog())

	sock := filepath.Join(dir, "worker.sock")
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

	img := &imageservice.ImageRef{Fingerprint: "deadbeef", Path: "/dev/null", Prefix: "deadbeef"}
	hdr := wire.RunHeader{Argv: []string{"true"}, WallClockMS: 1000}
	_, err := client.Submit(callCtx, img, hdr, []byte("fake-pearchive-input"))
	require.Error(t, err)
}
