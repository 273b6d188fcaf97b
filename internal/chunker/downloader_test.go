package chunker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateDummyContent(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func calculateMD5(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// spawnRangeServer follows engine_test.go's pattern: a small httptest server
// honoring Range requests for the Chunked Downloader's bootstrap + chunk
// fetch calls.
func spawnRangeServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
			w.Write(content)
			return
		}

		var start, end int
		spec := strings.TrimPrefix(rangeHeader, "bytes=")
		parts := strings.SplitN(spec, "-", 2)
		start, _ = strconv.Atoi(parts[0])
		if parts[1] == "" {
			end = len(content) - 1
		} else {
			end, _ = strconv.Atoi(parts[1])
			if end >= len(content) {
				end = len(content) - 1
			}
		}

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	return srv
}

func TestDownloadSingleChunkNoRanges(t *testing.T) {
	content := generateDummyContent(128)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	d := New(nil)
	err := d.Download(context.Background(), Job{URL: srv.URL, TargetPath: target, Concurrency: 4}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, 128, len(got))
	require.Equal(t, calculateMD5(content), calculateMD5(got))

	_, err = os.Stat(SidecarPath(target))
	require.True(t, os.IsNotExist(err), "sidecar must not remain after single-chunk download")
}

func TestDownloadMultiChunk(t *testing.T) {
	content := generateDummyContent(10 * 1024 * 1024)
	srv := spawnRangeServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	d := New(nil)
	err := d.Download(context.Background(), Job{URL: srv.URL, TargetPath: target, Concurrency: 4}, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, calculateMD5(content), calculateMD5(got))
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")
	layout := PlanLayout(target, 1000, 3)

	require.NoError(t, Save(SidecarPath(target), layout))
	loaded, err := Load(SidecarPath(target))
	require.NoError(t, err)
	require.Equal(t, layout.Name, loaded.Name)
	require.Equal(t, layout.Size, loaded.Size)
	require.Equal(t, layout.Chunks, loaded.Chunks)
}

func TestSidecarWrongFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.chunks")
	require.NoError(t, os.WriteFile(path, []byte("not a sidecar\n"), 0o644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrWrongFormat)
}

func TestFetchChunkStripsLeadingBOM(t *testing.T) {
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello world")...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	var buf strings.Builder
	n, err := FetchChunkHTTP(context.Background(), srv.Client(), srv.URL, nil, "", Range{Start: 0, End: -1}, 0, writerFunc(func(p []byte) (int, error) {
		return buf.Write(p)
	}), nil, 0, true)
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
	require.Equal(t, "hello world", buf.String())
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

var _ io.Writer = writerFunc(nil)
