package movie_archiver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type progressRecorder struct {
	downloaded []int64
	expected   []int64
}

func (r *progressRecorder) record(downloaded int64, expected int64) {
	r.downloaded = append(r.downloaded, downloaded)
	r.expected = append(r.expected, expected)
}

func testPayload(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func TestDownload(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	payload := testPayload(100_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("https://ge.movie/", r.Header.Get("Referer"))
		assert.Equal("bytes=0-", r.Header.Get("Range"))
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	const chunkSize = 4096
	dest := filepath.Join(t.TempDir(), "nested", "dir", "1.mp4")
	recorder := &progressRecorder{}
	d := NewDownloaderBuilder().WithChunkSize(chunkSize).Build()
	err := d.Download(context.Background(), server.URL+"/a.mp4", dest, map[string]string{
		"Referer": "https://ge.movie/",
		"Range":   "bytes=0-",
	}, recorder.record)
	require.NoError(err)

	saved, err := os.ReadFile(dest)
	require.NoError(err)
	assert.Equal(payload, saved)

	require.NotEmpty(recorder.downloaded)
	assert.Equal(int64(len(payload)), recorder.downloaded[len(recorder.downloaded)-1])
	var previous int64
	for i, downloaded := range recorder.downloaded {
		assert.Greater(downloaded, previous, "progress must strictly increase")
		assert.LessOrEqual(downloaded-previous, int64(chunkSize))
		assert.Equal(int64(len(payload)), recorder.expected[i])
		previous = downloaded
	}
}

func TestDownloadUnknownLength(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	payload := testPayload(10_000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for i := 0; i < len(payload); i += 1000 {
			_, _ = w.Write(payload[i : i+1000])
			flusher.Flush()
		}
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "2.mp4")
	recorder := &progressRecorder{}
	err := NewDownloaderBuilder().Build().Download(context.Background(), server.URL, dest, nil, recorder.record)
	require.NoError(err)

	saved, err := os.ReadFile(dest)
	require.NoError(err)
	assert.Equal(payload, saved)
	for _, expected := range recorder.expected {
		assert.LessOrEqual(expected, int64(0))
	}
}

func TestDownloadHTTPStatus(t *testing.T) {
	assert := assert_.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "3.mp4")
	called := false
	err := NewDownloaderBuilder().Build().Download(context.Background(), server.URL, dest, nil, func(int64, int64) {
		called = true
	})
	assert.ErrorIs(err, ErrHTTPStatus)
	assert.Contains(err.Error(), "404")
	assert.NoFileExists(dest)
	assert.False(called)
}

func TestDownloadCancelled(t *testing.T) {
	assert := assert_.New(t)

	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		_, _ = w.Write(testPayload(1000))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(WithLogger(context.Background(), zap.NewNop()))
	go func() {
		<-started
		cancel()
	}()
	done := make(chan error, 1)
	go func() {
		done <- NewDownloaderBuilder().Build().Download(ctx, server.URL, filepath.Join(t.TempDir(), "4.mp4"), nil, nil)
	}()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("download did not stop after cancellation")
	}
}

func TestMultiProgress(t *testing.T) {
	assert := assert_.New(t)

	a, b := &progressRecorder{}, &progressRecorder{}
	f := MultiProgress(a.record, nil, b.record, LogProgress(zap.NewNop(), "test", time.Second))
	f(10, 100)
	f(20, 100)
	assert.Equal([]int64{10, 20}, a.downloaded)
	assert.Equal([]int64{10, 20}, b.downloaded)
}
