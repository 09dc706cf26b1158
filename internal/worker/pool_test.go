package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/programexplorer/pe/internal/wire"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, int64(IOAlign), alignUp(1, IOAlign))
	require.Equal(t, int64(IOAlign), alignUp(IOAlign, IOAlign))
	require.Equal(t, int64(2*IOAlign), alignUp(IOAlign+1, IOAlign))
}

func TestAcquireTimesOutWhenPoolExhausted(t *testing.T) {
	p := &Pool{slots: make(chan *Slot), queueTimeout: 20 * time.Millisecond, log: discardLog()}
	_, err := p.acquire(context.Background())
	require.Error(t, err)
}

func TestAcquireReturnsAvailableSlot(t *testing.T) {
	slots := make(chan *Slot, 1)
	slots <- &Slot{ID: 0, CPUSet: []int{0}}
	p := &Pool{slots: slots, queueTimeout: time.Second, log: discardLog()}

	slot, err := p.acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, slot.ID)
}

func TestPrepareAndReadResponseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ioPath := filepath.Join(dir, "slot.io")
	require.NoError(t, os.WriteFile(ioPath, nil, 0o600))

	hdr := &wire.RunHeader{Argv: []string{"true"}, WallClockMS: 1000}
	hdrBytes, err := wire.EncodeRunHeader(hdr)
	require.NoError(t, err)

	inputArchive := []byte("fake-pearchive-input")
	inputSize := int64(4 + len(hdrBytes) + len(inputArchive))
	outputOffset := alignUp(inputSize, IOAlign)
	totalSize := alignUp(outputOffset+MaxOutputBytes, IOAlign)

	require.NoError(t, prepareIOFile(ioPath, hdrBytes, inputArchive, totalSize))

	info, err := os.Stat(ioPath)
	require.NoError(t, err)
	require.Equal(t, totalSize, info.Size())

	// Simulate the guest writing its response at the well-known offset.
	resp := &wire.Response{Kind: wire.ResponseOk, Siginfo: wire.Siginfo{Exited: true}}
	respBytes, err := wire.EncodeResponse(resp)
	require.NoError(t, err)
	outputArchive := []byte("fake-pearchive-output")

	f, err := os.OpenFile(ioPath, os.O_RDWR, 0o600)
	require.NoError(t, err)
	_, err = f.Seek(outputOffset, 0)
	require.NoError(t, err)
	require.NoError(t, wire.WriteEnvelope(f, respBytes, outputArchive))
	require.NoError(t, f.Close())

	gotResp, gotArchive, err := readResponse(ioPath, outputOffset)
	require.NoError(t, err)
	require.Equal(t, resp.Kind, gotResp.Kind)
	require.True(t, gotResp.Siginfo.Exited)
	// The output region is read back in full (including trailing zero
	// padding to alignment); the pearchive decoder's self-delimiting
	// design means it stops at that padding rather than needing an
	// exact-length slice.
	require.True(t, len(gotArchive) >= len(outputArchive))
	require.Equal(t, outputArchive, gotArchive[:len(outputArchive)])
}
