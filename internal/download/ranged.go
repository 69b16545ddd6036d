package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/safety"
)

// MinRangeSize is the default smallest file fetched as parallel ranges.
const MinRangeSize int64 = 128 << 20

var errRangeUnsupported = errors.New("server does not honor range requests")

// Range is an inclusive byte range.
type Range struct {
	Start int64
	End   int64
}

// Len is the number of bytes in r.
func (r Range) Len() int64 {
	return r.End - r.Start + 1
}

// Header renders r as a Range header value.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// SplitRanges splits size bytes into n contiguous ranges of size/n bytes,
// the first size%n of them one byte longer. n is clamped to [1, size].
func SplitRanges(size int64, n int) []Range {
	if size <= 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if int64(n) > size {
		n = int(size)
	}

	chunk := size / int64(n)
	remainder := size % int64(n)
	ranges := make([]Range, 0, n)
	var start int64
	for i := 0; i < n; i++ {
		length := chunk
		if int64(i) < remainder {
			length++
		}
		ranges = append(ranges, Range{Start: start, End: start + length - 1})
		start += length
	}
	return ranges
}

// downloadRanged fetches opts.ExpectedSize bytes as opts.Segments ranges
// written at their offsets into one temp file, committed only after every
// range has arrived. It returns errRangeUnsupported when the server answers
// a range request with the whole body.
func (c *Client) downloadRanged(ctx context.Context, opts DownloadOptions) (*DownloadResult, error) {
	ranges := SplitRanges(opts.ExpectedSize, opts.Segments)

	tmp, err := c.tempFile(opts.DestPath)
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	defer func() { _ = c.fs.Remove(tmpName) }()

	if err := tmp.Truncate(opts.ExpectedSize); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to size temp file: %w", err)
	}

	c.logger.Debug("starting ranged download", "url", opts.URL, "size", opts.ExpectedSize, "segments", len(ranges))

	pool := newSegmentPool(c, tmp, len(ranges))
	results := pool.Execute(ctx, opts.URL, ranges)
	if cerr := tmp.Close(); cerr != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", cerr)
	}

	var total int64
	var firstErr error
	attempts := 0
	for _, res := range results {
		if errors.Is(res.Error, errRangeUnsupported) {
			return nil, errRangeUnsupported
		}
		if res.Error != nil && (firstErr == nil || errors.Is(firstErr, context.Canceled)) {
			firstErr = fmt.Errorf("segment %d (%s): %w", res.Index, res.Range.Header(), res.Error)
		}
		total += res.Written
		attempts = max(attempts, res.Attempts)
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if total != opts.ExpectedSize {
		return nil, fmt.Errorf("size mismatch: got %d bytes, expected %d", total, opts.ExpectedSize)
	}

	metrics.RecordBytes(total)
	if opts.OnProgress != nil {
		opts.OnProgress(total, opts.ExpectedSize)
	}
	if err := c.commit(tmpName, opts.DestPath, opts.ModTime); err != nil {
		return nil, err
	}
	return &DownloadResult{Path: opts.DestPath, Size: total, Ranged: true, Attempts: attempts}, nil
}

// fetchRange performs one attempt at a single range.
func (c *Client) fetchRange(ctx context.Context, url string, r Range, w io.WriterAt) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Range", r.Header())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		return 0, errRangeUnsupported
	default:
		body, _ := safety.ReadAllWithLimit(resp.Body, 4096)
		return 0, &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(body)}
	}

	written, err := io.Copy(io.NewOffsetWriter(w, r.Start), io.LimitReader(resp.Body, r.Len()))
	if err != nil {
		return written, fmt.Errorf("failed to write range: %w", err)
	}
	if written != r.Len() {
		return written, fmt.Errorf("short range: got %d bytes, expected %d", written, r.Len())
	}
	return written, nil
}
