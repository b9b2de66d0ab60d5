package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func writeToPipe(t *testing.T, data []byte) int {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	go func() {
		defer w.Close()
		w.Write(data)
	}()
	t.Cleanup(func() { r.Close() })
	return int(r.Fd())
}

func TestDetectFilterGzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("hi"))
	gz.Close()

	br := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	filter, err := DetectFilter(br)
	require.NoError(t, err)
	assert.Equal(t, FilterGzip, filter)
}

func TestDetectFilterNone(t *testing.T) {
	br := bufio.NewReader(bytes.NewReader([]byte("plain tar content here")))
	filter, err := DetectFilter(br)
	require.NoError(t, err)
	assert.Equal(t, FilterNone, filter)
}

func TestExtractPlainTarRoundTrip(t *testing.T) {
	data := buildTar(t, map[string]string{
		"hello.txt":     "world",
		"dir/nested.txt": "nested content",
	})

	dir := t.TempDir()
	fd := writeToPipe(t, data)

	require.NoError(t, Extract(dir, false, fd))

	content, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))

	content, err = os.ReadFile(filepath.Join(dir, "dir", "nested.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(content))
}

func TestExtractStripsLeadingSlash(t *testing.T) {
	data := buildTar(t, map[string]string{"/abs/path/file.txt": "x"})

	dir := t.TempDir()
	fd := writeToPipe(t, data)

	require.NoError(t, Extract(dir, false, fd))

	_, err := os.Stat(filepath.Join(dir, "abs", "path", "file.txt"))
	assert.NoError(t, err)
}

func TestExtractRejectsPathEscape(t *testing.T) {
	data := buildTar(t, map[string]string{"../escape.txt": "x"})

	dir := t.TempDir()
	fd := writeToPipe(t, data)

	err := Extract(dir, false, fd)
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func TestCreateThenExtractRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.txt"), []byte("aaa"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(srcDir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "sub", "b.txt"), []byte("bbb"), 0644))

	r, w, err := os.Pipe()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- Create(srcDir, FilterNone, int(w.Fd()))
	}()

	dstDir := t.TempDir()
	require.NoError(t, Extract(dstDir, false, int(r.Fd())))
	require.NoError(t, <-done)

	content, err := os.ReadFile(filepath.Join(dstDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(content))

	content, err = os.ReadFile(filepath.Join(dstDir, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(content))
}

func TestCodecForExtension(t *testing.T) {
	assert.Equal(t, FilterGzip, CodecForExtension("out.tar.gz"))
	assert.Equal(t, FilterBzip2, CodecForExtension("out.tar.bz2"))
	assert.Equal(t, FilterXz, CodecForExtension("out.tar.xz"))
	assert.Equal(t, FilterNone, CodecForExtension("out.tar"))
}

func TestFilterForFormatKnownNames(t *testing.T) {
	for name, want := range map[string]Filter{
		"tar.gz":   FilterGzip,
		"tar.xz":   FilterXz,
		"tar.bz2":  FilterBzip2,
		"tar.comp": FilterCompress,
		"tar":      FilterNone,
	} {
		got, err := FilterForFormat(name)
		require.NoError(t, err, "format=%q", name)
		assert.Equal(t, want, got, "format=%q", name)
	}
}

func TestFilterForFormatUnknownName(t *testing.T) {
	_, err := FilterForFormat("zip")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestExtractFormatSkipsDetection(t *testing.T) {
	data := buildTar(t, map[string]string{"hello.txt": "world"})

	dir := t.TempDir()
	fd := writeToPipe(t, data)

	require.NoError(t, ExtractFormat(dir, false, fd, FilterNone))

	content, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(content))
}
