package ociimage

import (
	"archive/tar"
	"bytes"
	"strings"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/stretchr/testify/require"

	"github.com/programexplorer/pe/internal/erofs"
)

var zeros64 = strings.Repeat("0", 64)

func TestParseReferenceRejectsLatest(t *testing.T) {
	_, err := ParseReference("alpine:latest")
	require.Error(t, err)
}

func TestParseReferenceAcceptsPinnedTag(t *testing.T) {
	ref, err := ParseReference("alpine:3.19")
	require.NoError(t, err)
	require.Equal(t, "3.19", ref.Identifier)
	require.False(t, ref.IsDigest)
}

func TestParseReferenceAcceptsDigest(t *testing.T) {
	ref, err := ParseReference("alpine@sha256:" + zeros64)
	require.NoError(t, err)
	require.True(t, ref.IsDigest)
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("alpine:3.19", "amd64", "linux")
	b := Fingerprint("alpine:3.19", "amd64", "linux")
	c := Fingerprint("alpine:3.19", "arm64", "linux")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestVerifyDigestMismatch(t *testing.T) {
	err := verifyDigest([]byte("hello"), v1.Hash{Algorithm: "sha256", Hex: zeros64})
	require.Error(t, err)
}

func TestAddLayerToRootfsAppliesWhiteout(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	mustWriteTarFile(t, tw, "keep", "x")
	mustWriteTarFile(t, tw, ".wh.keep", "")
	require.NoError(t, tw.Close())

	root := erofs.NewRootfs("img", 0)
	require.NoError(t, addLayerToRootfs(root, buf.Bytes()))

	var found []string
	require.NoError(t, root.Walk(func(p string, e erofs.ResolvedEntry) error {
		found = append(found, p)
		return nil
	}))
	require.NotContains(t, found, "keep")
}

func mustWriteTarFile(t *testing.T, tw *tar.Writer, name, content string) {
	t.Helper()
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644, Typeflag: tar.TypeReg}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
}
