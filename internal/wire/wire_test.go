package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunHeaderRoundTrip(t *testing.T) {
	hdr := &RunHeader{
		Argv:         []string{"sh", "-c", "echo hello"},
		Env:          []string{"PATH=/usr/bin"},
		Stdin:        "/dev/null",
		RootfsPrefix: "ab12cd34",
		WallClockMS:  5000,
		OutputLimitBytes: 1 << 20,
		UID: 1000,
		GID: 1000,
	}
	b, err := EncodeRunHeader(hdr)
	require.NoError(t, err)

	got, err := DecodeRunHeader(b)
	require.NoError(t, err)
	require.Equal(t, hdr, got)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := &Response{
		Kind:    ResponseOk,
		Siginfo: Siginfo{Exited: true, ExitCode: 0},
		Rusage:  Rusage{MaxRSSKB: 1024},
	}
	b, err := EncodeResponse(resp)
	require.NoError(t, err)

	got, err := DecodeResponse(b)
	require.NoError(t, err)
	require.Equal(t, resp, got)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	hdr := []byte("header-bytes")
	body := []byte("archive-bytes-follow")

	var buf bytes.Buffer
	require.NoError(t, WriteEnvelope(&buf, hdr, body))

	gotHdr, gotBody, err := SplitEnvelope(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, hdr, gotHdr)
	require.Equal(t, body, gotBody)
}

func TestSplitEnvelopeTruncated(t *testing.T) {
	_, _, err := SplitEnvelope([]byte{1, 2})
	require.Error(t, err)

	_, _, err = SplitEnvelope([]byte{0xFF, 0xFF, 0xFF, 0x7F})
	require.Error(t, err)
}
