package erofs

import (
	"archive/tar"
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func reg(name, content string) Entry {
	return Entry{Name: name, Typeflag: tar.TypeReg, Size: int64(len(content)), Body: strings.NewReader(content), Mode: 0o644}
}

func dir(name string) Entry {
	return Entry{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}
}

func TestWhiteoutRemovesFile(t *testing.T) {
	r := NewRootfs("deadbeef", 0)
	require.NoError(t, r.Add(dir("d")))
	require.NoError(t, r.Add(reg("d/f", "layer0")))
	require.NoError(t, r.Add(reg("d/.wh.f", ""))) // L1 whiteout of L0's f

	var found []string
	require.NoError(t, r.Walk(func(p string, e ResolvedEntry) error {
		found = append(found, p)
		return nil
	}))
	require.NotContains(t, found, "d/f")
	require.NotContains(t, found, "d/.wh.f") // marker itself never written
}

func TestOpaqueWhiteoutClearsDirectory(t *testing.T) {
	r := NewRootfs("deadbeef", 0)
	require.NoError(t, r.Add(dir("d")))
	require.NoError(t, r.Add(reg("d/old1", "x")))
	require.NoError(t, r.Add(reg("d/old2", "y")))
	require.NoError(t, r.Add(reg("d/.wh..wh..opq", "")))
	require.NoError(t, r.Add(reg("d/new", "z")))

	var found []string
	require.NoError(t, r.Walk(func(p string, e ResolvedEntry) error {
		if !e.IsDir {
			found = append(found, p)
		}
		return nil
	}))
	require.Equal(t, []string{"d/new"}, found)
}

func TestUIDGIDOffset(t *testing.T) {
	r := NewRootfs("abc", 0)
	require.NoError(t, r.Add(Entry{Name: "f", Typeflag: tar.TypeReg, Size: 1, Body: strings.NewReader("x"), UID: 0, GID: 0}))

	var gotUID, gotGID int
	require.NoError(t, r.Walk(func(p string, e ResolvedEntry) error {
		gotUID, gotGID = e.UID, e.GID
		return nil
	}))
	require.Equal(t, 1000, gotUID)
	require.Equal(t, 1000, gotGID)
}

func TestSealAndReadIndex(t *testing.T) {
	r := NewRootfs("cafef00d", 0)
	require.NoError(t, r.Add(dir("bin")))
	require.NoError(t, r.Add(reg("bin/sh", "#!/bin/sh\n")))

	img := NewImage(CompressionNone)
	img.AddRootfs(r, IndexEntry{Descriptor: []byte(`{"digest":"sha256:x"}`)})

	var buf bytes.Buffer
	require.NoError(t, img.Seal(&buf))

	data := buf.Bytes()
	require.Zero(t, len(data)%Align, "sealed image must be 2-MiB aligned")

	idx, err := ReadIndex(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, idx, 1)
	require.Equal(t, "cafef00d", idx[0].Prefix)
}

func TestSealMountEquivalence(t *testing.T) {
	r := NewRootfs("abc123", 0)
	require.NoError(t, r.Add(dir("a")))
	require.NoError(t, r.Add(reg("a/one", strings.Repeat("x", 10000))))
	require.NoError(t, r.Add(Entry{Name: "a/link", Typeflag: tar.TypeSymlink, Linkname: "one", Mode: 0o777}))

	img := NewImage(CompressionZSTD)
	img.AddRootfs(r, IndexEntry{})

	var buf bytes.Buffer
	require.NoError(t, img.Seal(&buf))

	records, err := ReadRecords(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	byPath := map[string]DecodedFile{}
	for _, rec := range records {
		byPath[rec.Path] = rec
	}
	one, ok := byPath["abc123/a/one"]
	require.True(t, ok)
	require.Equal(t, strings.Repeat("x", 10000), string(one.Content))

	link, ok := byPath["abc123/a/link"]
	require.True(t, ok)
	require.True(t, link.IsSymlink)
	require.Equal(t, "one", link.Linkname)
}

func TestHardlinkSharesContent(t *testing.T) {
	r := NewRootfs("abc", 0)
	require.NoError(t, r.Add(reg("orig", "shared-bytes")))
	require.NoError(t, r.Add(Entry{Name: "alias", Typeflag: tar.TypeLink, Linkname: "orig"}))

	var contents = map[string][]byte{}
	require.NoError(t, r.Walk(func(p string, e ResolvedEntry) error {
		if !e.IsDir {
			contents[p] = e.Body
		}
		return nil
	}))
	require.Equal(t, contents["orig"], contents["alias"])
}

func TestRejectsUnsafeNames(t *testing.T) {
	r := NewRootfs("abc", 0)
	err := r.Add(reg("../escape", "x"))
	require.Error(t, err)
}
