package movie_archiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

const DefaultChunkSize = 32 * 1024

var ErrHTTPStatus = errors.New("unexpected HTTP status")

// ProgressFunc receives the running byte count after every chunk. expected <= 0 means the total is unknown.
type ProgressFunc = func(downloaded int64, expected int64)

type Downloader interface {
	// Download streams url into destinationPath, creating parent directories. A failed download may leave a
	// partial file behind.
	Download(ctx context.Context, url string, destinationPath string, headers map[string]string, progress ProgressFunc) error
}

type httpDownloader struct {
	client    *http.Client
	chunkSize int
}

func (d *httpDownloader) Download(ctx context.Context, url string, destinationPath string, headers map[string]string, progress ProgressFunc) error {
	log := Logger(ctx).Sugar()
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0775); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %v", ErrHTTPStatus, resp.Status)
	}

	f, err := os.Create(destinationPath)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}
	defer f.Close()

	t := &transfer{
		expectedBytes:    resp.ContentLength,
		progressCallback: progress,
	}
	log.Debugf("saving %v to %v (%d bytes expected)", url, destinationPath, resp.ContentLength)
	if err := t.saveStream(f, &readerContext{ctx: ctx, r: resp.Body}, d.chunkSize); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close target file: %w", err)
	}
	return nil
}

// transfer tracks the progress of one download.
type transfer struct {
	progressCallback ProgressFunc
	expectedBytes    int64
	downloadedBytes  int64
}

func (t *transfer) AddDownloadedBytes(n int) {
	t.downloadedBytes += int64(n)
	if t.progressCallback != nil {
		t.progressCallback(t.Progress())
	}
}

func (t *transfer) Progress() (int64, int64) {
	return t.downloadedBytes, t.expectedBytes
}

// saveStream copies stream to w one chunk at a time, so that no more than chunkSize bytes are held in memory and
// progress is reported after every write.
func (t *transfer) saveStream(w io.Writer, stream io.Reader, chunkSize int) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write chunk: %w", werr)
			}
			t.AddDownloadedBytes(n)
		}
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to save stream: %w", err)
		}
	}
}

type DownloaderBuilder interface {
	Build() Downloader
	WithChunkSize(n int) DownloaderBuilder
	WithClient(client *http.Client) DownloaderBuilder
	// WithTimeout bounds connecting and waiting for response headers. The body itself may take as long as it needs.
	WithTimeout(timeout time.Duration) DownloaderBuilder
}

type downloaderBuilder struct {
	client    *http.Client
	chunkSize int
	timeout   time.Duration
}

func NewDownloaderBuilder() DownloaderBuilder {
	return &downloaderBuilder{
		chunkSize: DefaultChunkSize,
		timeout:   30 * time.Second,
	}
}

func (b *downloaderBuilder) Build() Downloader {
	client := b.client
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: b.timeout, KeepAlive: 30 * time.Second}).DialContext
		transport.TLSHandshakeTimeout = b.timeout
		transport.ResponseHeaderTimeout = b.timeout
		client = &http.Client{Transport: transport}
	}
	chunkSize := b.chunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &httpDownloader{client: client, chunkSize: chunkSize}
}

func (b *downloaderBuilder) WithChunkSize(n int) DownloaderBuilder {
	b.chunkSize = n
	return b
}

func (b *downloaderBuilder) WithClient(client *http.Client) DownloaderBuilder {
	b.client = client
	return b
}

func (b *downloaderBuilder) WithTimeout(timeout time.Duration) DownloaderBuilder {
	b.timeout = timeout
	return b
}
