package alist

import (
	"context"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"
)

// WalkOptions bounds and filters a recursive walk.
type WalkOptions struct {
	// Workers is the number of directories listed concurrently. Values
	// below 1 mean 1.
	Workers int
	// Filter selects the entries, files and directories alike, that are
	// yielded. Nil yields everything. Directories are descended regardless.
	Filter func(Entry) bool
	// Detail selects yielded entries that are re-fetched through Get so
	// they carry the raw URL. Nil fetches nothing.
	Detail func(Entry) bool
}

// Walk yields every entry under root that passes opts.Filter. Directories
// are listed by a bounded pool of workers draining a shared queue. A listing
// failure stops the walk and is yielded once as the final element. Breaking
// out of the loop cancels outstanding listings.
func (c *Client) Walk(ctx context.Context, root string, opts WalkOptions) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		out := make(chan Entry)
		errc := make(chan error, 1)
		go func() {
			errc <- c.walk(ctx, cleanRemote(root), opts, out)
			close(out)
		}()

		for e := range out {
			if !yield(e, nil) {
				cancel()
				for range out {
				}
				<-errc
				return
			}
		}
		if err := <-errc; err != nil {
			yield(Entry{}, err)
		}
	}
}

func (c *Client) walk(ctx context.Context, root string, opts WalkOptions, out chan<- Entry) error {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	q := newDirQueue(root)
	g, gctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(gctx, q.close)
	defer stop()

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				dir, ok := q.pop()
				if !ok {
					return nil
				}
				err := c.walkDir(gctx, dir, opts, q, out)
				q.done()
				if err != nil {
					return err
				}
			}
		})
	}

	err := g.Wait()
	if err == nil {
		// A cancelled walk may have drained without error.
		err = ctx.Err()
	}
	return err
}

func (c *Client) walkDir(ctx context.Context, dir string, opts WalkOptions, q *dirQueue, out chan<- Entry) error {
	entries, err := c.List(ctx, dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if e.IsDir {
			q.push(e.Path)
		}
		if opts.Filter != nil && !opts.Filter(e) {
			continue
		}
		if !e.IsDir && opts.Detail != nil && opts.Detail(e) {
			detailed, err := c.Get(ctx, e.Path)
			if err != nil {
				return err
			}
			e = detailed
			e.IsDir = false
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// dirQueue is an unbounded FIFO of directories still to be listed. pop
// blocks until work is available, or returns false once the queue is empty
// with nothing in flight or has been closed.
type dirQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []string
	inflight int
	closed   bool
}

func newDirQueue(root string) *dirQueue {
	q := &dirQueue{items: []string{root}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *dirQueue) push(dir string) {
	q.mu.Lock()
	q.items = append(q.items, dir)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *dirQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && q.inflight > 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed || len(q.items) == 0 {
		return "", false
	}
	dir := q.items[0]
	q.items = q.items[1:]
	q.inflight++
	return dir, true
}

func (q *dirQueue) done() {
	q.mu.Lock()
	q.inflight--
	drained := q.inflight == 0 && len(q.items) == 0
	q.mu.Unlock()
	if drained {
		q.cond.Broadcast()
	}
}

func (q *dirQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
