package pearchive

import (
	"bytes"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type memSink struct {
	dirs  []string
	files map[string][]byte
}

func newMemSink() *memSink {
	return &memSink{files: map[string][]byte{}}
}

func (s *memSink) Mkdir(path string) error {
	s.dirs = append(s.dirs, path)
	return nil
}

func (s *memSink) WriteFile(path string, content []byte) error {
	cp := append([]byte(nil), content...)
	s.files[path] = cp
	return nil
}

func entriesOf(tree map[string][]byte) []Entry {
	var out []Entry
	for path, content := range tree {
		content := content
		out = append(out, Entry{
			Path: path,
			Size: int64(len(content)),
			Open: func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(content)), nil
			},
		})
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	tree := map[string][]byte{
		"test.sh":          []byte("echo hello\n"),
		"a/b/c.txt":        []byte("nested"),
		"a/b/d.txt":        []byte(""),
		"blob":             {0xFE, 0xED, 0xBA, 0xCA},
		"a/sibling.txt":    []byte("x"),
	}

	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, entriesOf(tree)))

	sink := newMemSink()
	require.NoError(t, Unpack(&buf, sink, 1<<20))

	require.Equal(t, len(tree), len(sink.files))
	for path, want := range tree {
		got, ok := sink.files[path]
		require.True(t, ok, "missing %q", path)
		require.Equal(t, want, got)
	}
}

func TestRejectsIllegalPaths(t *testing.T) {
	bad := []string{"", ".", "..", "a/../b", "a/./b", "a//b"}
	for _, p := range bad {
		err := ValidPath(p)
		require.Error(t, err, "path %q should be rejected", p)
	}
}

func TestUnpackStopsOnUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, entriesOf(map[string][]byte{"f": []byte("x")})))
	// Pad with zero bytes (not a valid tag > 3, but 0 also isn't 1/2/3).
	buf.Write(make([]byte, 16))

	sink := newMemSink()
	require.NoError(t, Unpack(&buf, sink, 1<<20))
	require.Len(t, sink.files, 1)
}

func TestUnpackRejectsOversizeFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, entriesOf(map[string][]byte{"f": make([]byte, 100)})))

	sink := newMemSink()
	err := Unpack(&buf, sink, 10)
	require.Error(t, err)
}

func TestPackGroupsDirectoriesOnce(t *testing.T) {
	tree := map[string][]byte{
		"a/1": []byte("1"),
		"a/2": []byte("2"),
	}
	var buf bytes.Buffer
	require.NoError(t, Pack(&buf, entriesOf(tree)))

	sink := newMemSink()
	require.NoError(t, Unpack(&buf, sink, 1<<20))

	mkdirs := append([]string(nil), sink.dirs...)
	sort.Strings(mkdirs)
	require.Equal(t, []string{"a"}, mkdirs)
}
