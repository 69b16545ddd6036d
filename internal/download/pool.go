package download

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/BadgerOps/strmsync/internal/metrics"
	"github.com/BadgerOps/strmsync/internal/retry"
)

// SegmentResult is the outcome of one range fetch.
type SegmentResult struct {
	Index    int
	Range    Range
	Written  int64
	Attempts int
	Error    error
}

// segmentPool fetches the ranges of one file with a fixed set of workers.
// The first failed range cancels the rest.
type segmentPool struct {
	client  *Client
	dst     io.WriterAt
	workers int
}

func newSegmentPool(client *Client, dst io.WriterAt, workers int) *segmentPool {
	if workers <= 0 {
		workers = 1
	}
	return &segmentPool{client: client, dst: dst, workers: workers}
}

// Execute fetches every range and returns results in range order.
func (p *segmentPool) Execute(ctx context.Context, url string, ranges []Range) []SegmentResult {
	if len(ranges) == 0 {
		return []SegmentResult{}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobsChan := make(chan segmentJob, len(ranges))
	resultsChan := make(chan SegmentResult, len(ranges))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, cancel, url, jobsChan, resultsChan, &wg)
	}

	for i, r := range ranges {
		jobsChan <- segmentJob{index: i, rng: r}
	}
	close(jobsChan)

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	results := make([]SegmentResult, 0, len(ranges))
	for result := range resultsChan {
		results = append(results, result)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Index < results[j].Index
	})
	return results
}

type segmentJob struct {
	index int
	rng   Range
}

func (p *segmentPool) worker(ctx context.Context, cancel context.CancelFunc, url string, jobsChan <-chan segmentJob, resultsChan chan<- SegmentResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobsChan {
		result := SegmentResult{Index: job.index, Range: job.rng}

		if err := ctx.Err(); err != nil {
			result.Error = err
			resultsChan <- result
			continue
		}

		result.Error = retry.DoContext(ctx, p.client.retry, "range "+job.rng.Header(), func(ctx context.Context) error {
			result.Attempts++
			n, err := p.client.fetchRange(ctx, url, job.rng, p.dst)
			result.Written = n
			return err
		})
		metrics.RecordSegment(result.Error == nil)

		if result.Error != nil {
			p.client.logger.Warn("range fetch failed", "url", url, "range", job.rng.Header(), "error", result.Error)
			cancel()
		}
		resultsChan <- result
	}
}
