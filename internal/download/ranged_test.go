package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BadgerOps/strmsync/internal/retry"
)

func TestSplitRanges(t *testing.T) {
	tests := []struct {
		size int64
		n    int
		want []Range
	}{
		{10, 3, []Range{{0, 3}, {4, 6}, {7, 9}}},
		{9, 3, []Range{{0, 2}, {3, 5}, {6, 8}}},
		{5, 1, []Range{{0, 4}}},
		{2, 4, []Range{{0, 0}, {1, 1}}},
		{7, 0, []Range{{0, 6}}},
		{0, 4, nil},
	}
	for _, tt := range tests {
		got := SplitRanges(tt.size, tt.n)
		if len(got) != len(tt.want) {
			t.Fatalf("SplitRanges(%d, %d) = %v, want %v", tt.size, tt.n, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("SplitRanges(%d, %d)[%d] = %v, want %v", tt.size, tt.n, i, got[i], tt.want[i])
			}
		}
	}
}

func TestSplitRangesCoversEveryByte(t *testing.T) {
	for size := int64(1); size < 200; size += 7 {
		for n := 1; n <= 9; n++ {
			ranges := SplitRanges(size, n)
			var next int64
			for _, r := range ranges {
				if r.Start != next {
					t.Fatalf("size %d n %d: gap before %v", size, n, r)
				}
				next = r.End + 1
			}
			if next != size {
				t.Fatalf("size %d n %d: covered %d bytes", size, n, next)
			}
			if first, last := ranges[0].Len(), ranges[len(ranges)-1].Len(); first-last > 1 {
				t.Fatalf("size %d n %d: uneven ranges %d vs %d", size, n, first, last)
			}
		}
	}
}

func rangeServer(t *testing.T, content []byte, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	modTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" && hits != nil {
			hits.Add(1)
		}
		http.ServeContent(w, r, "big.mkv", modTime, bytes.NewReader(content))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestDownloadRanged(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	var hits atomic.Int32
	server := rangeServer(t, content, &hits)

	dir := t.TempDir()
	destPath := filepath.Join(dir, "big.mkv")
	client := newTestClient(WithMinRangeSize(1024))
	before := downloadedBytes(t)

	result, err := client.Download(context.Background(), DownloadOptions{
		URL:          server.URL + "/big.mkv",
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		Segments:     4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Ranged {
		t.Error("expected ranged download")
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("expected 4 range requests, got %d", got)
	}
	if got := downloadedBytes(t) - before; got != float64(len(content)) {
		t.Errorf("expected %d bytes counted, got %.0f", len(content), got)
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("ranged download content mismatch")
	}
	assertNoPartFiles(t, dir)
}

func downloadedBytes(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "strmsync_bytes_downloaded_total" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestDownloadBelowThresholdIsSingleStream(t *testing.T) {
	content := []byte("small file")
	var hits atomic.Int32
	server := rangeServer(t, content, &hits)

	result, err := newTestClient().Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     filepath.Join(t.TempDir(), "small.mkv"),
		ExpectedSize: int64(len(content)),
		Segments:     4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Ranged || hits.Load() != 0 {
		t.Errorf("expected single stream, ranged=%v hits=%d", result.Ranged, hits.Load())
	}
}

func TestDownloadRangedFallsBackWhenRangesIgnored(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(content)
	}))
	defer server.Close()

	destPath := filepath.Join(t.TempDir(), "full.mkv")
	result, err := newTestClient(WithMinRangeSize(1024)).Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		Segments:     3,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Ranged {
		t.Error("expected fallback to single stream")
	}
	got, _ := os.ReadFile(destPath)
	if !bytes.Equal(got, content) {
		t.Fatal("content mismatch after fallback")
	}
}

func TestDownloadRangedSegmentFailureLeavesNothing(t *testing.T) {
	content := bytes.Repeat([]byte("q"), 4000)
	modTime := time.Now()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Range"), "bytes=2000-") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "f", modTime, bytes.NewReader(content))
	}))
	defer server.Close()

	dir := t.TempDir()
	destPath := filepath.Join(dir, "f.mkv")
	_, err := newTestClient(WithMinRangeSize(1024), WithRetry(retry.Policy{Tries: 2})).Download(context.Background(), DownloadOptions{
		URL:          server.URL,
		DestPath:     destPath,
		ExpectedSize: int64(len(content)),
		Segments:     2,
	})
	if err == nil {
		t.Fatal("expected segment failure")
	}
	if _, err := os.Stat(destPath); !os.IsNotExist(err) {
		t.Errorf("expected no destination file, stat err = %v", err)
	}
	assertNoPartFiles(t, dir)
}
