// Package download fetches remote content into the local tree. Every
// transfer lands in a temporary file beside its destination and is moved
// into place only once complete, so a reader never sees a partial file.
// Large files with a known size may be fetched as parallel byte ranges.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/retry"
	"github.com/BadgerOps/strmsync/internal/safety"
)

// ProgressFunc is called periodically to report download progress.
// bytesDownloaded is the number of bytes downloaded so far,
// totalBytes is the total size of the download (or 0 if unknown).
type ProgressFunc func(bytesDownloaded, totalBytes int64)

// DownloadOptions contains configuration for a single download.
type DownloadOptions struct {
	URL          string
	DestPath     string
	ExpectedSize int64     // 0 when unknown; forces a single stream
	ModTime      time.Time // applied to the committed file when set
	Segments     int       // byte ranges to fetch in parallel, <=1 disables
	OnProgress   ProgressFunc
}

// DownloadResult contains the result of a successful download.
type DownloadResult struct {
	Path     string
	Size     int64
	Ranged   bool // fetched as parallel byte ranges
	Attempts int
	Duration time.Duration
}

// Client performs HTTP downloads with retry and atomic commit.
type Client struct {
	fs           afero.Fs
	httpClient   *http.Client
	logger       *slog.Logger
	userAgent    string
	retry        retry.Policy
	minRangeSize int64
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry replaces the default retry policy. The classifier is always
// the client's own.
func WithRetry(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithMinRangeSize sets the smallest file fetched as byte ranges.
func WithMinRangeSize(n int64) Option {
	return func(c *Client) { c.minRangeSize = n }
}

// NewClient creates a download client writing through fs.
func NewClient(fs afero.Fs, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		fs:           fs,
		httpClient:   safety.NewStreamClient(),
		logger:       logger,
		userAgent:    safety.UserAgent,
		retry:        retry.Policy{Tries: 3, Delay: time.Second, Backoff: 2},
		minRangeSize: MinRangeSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = func(err error) bool { return !shouldNotRetry(err) }
	if c.retry.Logger == nil {
		c.retry.Logger = logger
	}
	return c
}

// Download fetches opts.URL into opts.DestPath. Files of known size at or
// above the range threshold are split into opts.Segments parallel ranges;
// a server that ignores range requests gets a single stream instead.
func (c *Client) Download(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	if _, err := safety.ValidateHTTPURL(opts.URL); err != nil {
		return nil, err
	}
	startTime := time.Now()

	if dir := filepath.Dir(opts.DestPath); dir != "" && dir != "." {
		if err := c.fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if opts.Segments > 1 && opts.ExpectedSize > 0 && opts.ExpectedSize >= c.minRangeSize {
		result, err := c.downloadRanged(ctx, opts)
		if err == nil {
			result.Duration = time.Since(startTime)
			return result, nil
		}
		if !errors.Is(err, errRangeUnsupported) {
			return nil, err
		}
		c.logger.Info("server ignored range request, falling back to single stream", "url", opts.URL)
	}

	attempts := 0
	var result *DownloadResult
	err := retry.DoContext(ctx, c.retry, "download "+opts.URL, func(ctx context.Context) error {
		attempts++
		r, err := c.downloadAttempt(ctx, opts)
		if err != nil {
			c.logger.Warn("download attempt failed", "url", opts.URL, "attempt", attempts, "error", err)
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.Attempts = attempts
	result.Duration = time.Since(startTime)
	return result, nil
}

// downloadAttempt performs a single streamed download attempt.
func (c *Client) downloadAttempt(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}

	totalSize := resp.ContentLength
	if totalSize < 0 {
		totalSize = opts.ExpectedSize
	}

	tmp, err := c.tempFile(opts.DestPath)
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer func() { _ = c.fs.Remove(tmpName) }()

	var reader io.Reader = resp.Body
	if opts.OnProgress != nil {
		reader = &progressReader{
			reader:   resp.Body,
			callback: opts.OnProgress,
			total:    totalSize,
		}
	}

	written, err := io.Copy(tmp, reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write to file: %w", err)
	}
	metrics.RecordBytes(written)

	if opts.ExpectedSize > 0 && written != opts.ExpectedSize {
		return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", written, opts.ExpectedSize)
	}

	if err := c.commit(tmpName, opts.DestPath, opts.ModTime); err != nil {
		return nil, err
	}
	return &DownloadResult{Path: opts.DestPath, Size: written}, nil
}

// tempFile creates a hidden part file next to dest so the final rename
// stays on one filesystem.
func (c *Client) tempFile(dest string) (afero.File, error) {
	f, err := afero.TempFile(c.fs, filepath.Dir(dest), "."+filepath.Base(dest)+".part-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for %s: %w", dest, err)
	}
	return f, nil
}

// commit moves the finished temp file over dest, copying when a rename is
// not possible, then stamps the remote modification time.
func (c *Client) commit(tmpName, dest string, modTime time.Time) error {
	if err := c.fs.Rename(tmpName, dest); err != nil {
		c.logger.Debug("rename failed, copying instead", "from", tmpName, "to", dest, "error", err)
		if err := copyFile(c.fs, tmpName, dest); err != nil {
			return fmt.Errorf("failed to commit %s: %w", dest, err)
		}
	}
	if !modTime.IsZero() {
		if err := c.fs.Chtimes(dest, modTime, modTime); err != nil {
			c.logger.Warn("failed to set modification time", "path", dest, "error", err)
		}
	}
	return nil
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	if errors.Is(err, errRangeUnsupported) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// Don't retry on 4xx errors except 429 (Too Many Requests)
		if httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
			return true
		}
	}
	return false
}

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d: %s", e.StatusCode, e.Status)
}

// progressReader wraps a reader and calls a progress callback as data is read.
type progressReader struct {
	reader   io.Reader
	callback ProgressFunc
	current  int64
	total    int64
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.current += int64(n)
		if pr.callback != nil {
			pr.callback(pr.current, pr.total)
		}
	}
	return n, err
}
